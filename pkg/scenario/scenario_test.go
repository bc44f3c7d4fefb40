package scenario

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harunnryd/kamishibai/pkg/errorsx"
)

const driveYAML = `
base:
  start_scene: town
  base_prompt: You are a drive navigator.
scenes:
  - scene_id: town
    description: Leaving town
    start_page: depart
    scene_prompt: We are driving through town.
    opening_message: Welcome aboard.
    allowed_moods: [笑顔, 困る]
    background_image: city
    pages:
      - page_id: depart
        default_mood: 笑顔
        page_prompt: Ask where to go.
        transitions:
          highway: The user wants to take the highway.
          beach:arrival: The user wants to go to the beach.
      - page_id: highway
        default_mood: 笑顔
        opening_message: Merging onto the highway.
        allowed_moods: [驚き]
        background_image: images/highway.png
        transitions:
          - target: depart
            condition: The user wants to turn back.
  - scene_id: beach
    start_page: arrival
    pages:
      - page_id: arrival
        default_mood: 驚き
        opening_message: The sea is right there.
      - page_id: highway
        default_mood: 笑顔
configuration:
  mood_images:
    笑顔: images/smile.png
    困る: images/trouble.png
    驚き: images/surprise.png
  background_images:
    city: images/city.png
`

func mustParse(t *testing.T) *Graph {
	t.Helper()
	g, err := Parse([]byte(driveYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return g
}

func TestParseKeepsOrder(t *testing.T) {
	g := mustParse(t)
	if g.StartScene != "town" || g.BasePrompt == "" {
		t.Fatalf("unexpected base section: %+v", g)
	}
	if strings.Join(g.SceneOrder, ",") != "town,beach" {
		t.Fatalf("unexpected scene order %v", g.SceneOrder)
	}
	trs := g.Scenes["town"].Pages["depart"].Transitions
	if len(trs) != 2 || trs[0].Target.String() != "highway" || trs[1].Target.String() != "beach:arrival" {
		t.Fatalf("transition order not preserved: %+v", trs)
	}
	if trs[1].Target.Kind != CrossScene {
		t.Fatalf("expected cross-scene target")
	}
	if strings.Join(g.Display.MoodOrder, ",") != "笑顔,困る,驚き" {
		t.Fatalf("unexpected mood order %v", g.Display.MoodOrder)
	}
	legacy := g.Scenes["town"].Pages["highway"].Transitions
	if len(legacy) != 1 || legacy[0].Condition != "The user wants to turn back." {
		t.Fatalf("legacy list not parsed: %+v", legacy)
	}
}

func TestResolveInheritsSceneConstraints(t *testing.T) {
	g := mustParse(t)
	ctx, err := g.Resolve("town", "depart")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if strings.Join(ctx.AllowedMoods, ",") != "笑顔,困る" {
		t.Fatalf("expected scene moods, got %v", ctx.AllowedMoods)
	}
	if ctx.Background != "city" {
		t.Fatalf("expected scene background, got %q", ctx.Background)
	}
	if ctx.OpeningMessage != "Welcome aboard." {
		t.Fatalf("start page should fall back to scene opening, got %q", ctx.OpeningMessage)
	}
	if ctx.Prompt() != "We are driving through town.\n\nAsk where to go." {
		t.Fatalf("unexpected prompt %q", ctx.Prompt())
	}

	hw, err := g.Resolve("town", "highway")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if strings.Join(hw.AllowedMoods, ",") != "驚き" || hw.Background != "images/highway.png" {
		t.Fatalf("page overrides not applied: %+v", hw)
	}

	beach, _ := g.Resolve("beach", "arrival")
	if len(beach.AllowedMoods) != 0 {
		t.Fatalf("expected unconstrained moods, got %v", beach.AllowedMoods)
	}

	if _, err := g.Resolve("town", "nowhere"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := g.Resolve("moon", "depart"); !errorsx.HasReason(err, errorsx.ReasonNotFound) {
		t.Fatalf("expected not_found reason, got %v", err)
	}
}

func TestTransitionTarget(t *testing.T) {
	g := mustParse(t)
	loc, err := g.TransitionTarget("town", "beach:arrival")
	if err != nil || loc != (Location{Scene: "beach", Page: "arrival"}) {
		t.Fatalf("unexpected cross-scene result %v %v", loc, err)
	}
	loc, err = g.TransitionTarget("town", "highway")
	if err != nil || loc != (Location{Scene: "town", Page: "highway"}) {
		t.Fatalf("unexpected same-scene result %v %v", loc, err)
	}
	for _, ref := range []string{"nonexistent_page", "beach:nowhere", "", ":x"} {
		if _, err := g.TransitionTarget("town", ref); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%q: expected ErrInvalidTransition, got %v", ref, err)
		}
	}
}

func TestFindPage(t *testing.T) {
	g := mustParse(t)
	loc, err := g.FindPage("beach", "depart")
	if err != nil || loc.Scene != "town" {
		t.Fatalf("expected unique match in town, got %v %v", loc, err)
	}
	loc, err = g.FindPage("beach", "highway")
	if err != nil || loc.Scene != "beach" {
		t.Fatalf("current scene should win, got %v %v", loc, err)
	}
	if _, err := g.FindPage("nowhere", "highway"); !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("expected ErrAmbiguous, got %v", err)
	}
	if _, err := g.FindPage("town", "moon"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestParseRejectsDanglingTarget(t *testing.T) {
	bad := strings.Replace(driveYAML, "beach:arrival:", "beach:pier:", 1)
	_, err := Parse([]byte(bad))
	ce, ok := AsConfigError(err)
	if !ok {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if ce.Scene != "town" || ce.Page != "depart" || ce.Field != "transitions" {
		t.Fatalf("unexpected config error %+v", ce)
	}
	if !errorsx.HasReason(err, errorsx.ReasonConfig) {
		t.Fatalf("expected config reason")
	}
}

func TestParseRequiredFields(t *testing.T) {
	cases := map[string]string{
		"base.start_scene":          strings.Replace(driveYAML, "start_scene: town", "start_scene: ''", 1),
		"configuration.mood_images": driveYAML[:strings.Index(driveYAML, "configuration:")],
		"start_page":                strings.Replace(driveYAML, "start_page: arrival", "start_page: pier", 1),
		"default_mood":              strings.Replace(driveYAML, "default_mood: 驚き", "default_mood: ''", 1),
	}
	for field, doc := range cases {
		_, err := Parse([]byte(doc))
		ce, ok := AsConfigError(err)
		if !ok {
			t.Fatalf("%s: expected ConfigError, got %v", field, err)
		}
		if ce.Field != field {
			t.Fatalf("expected field %s, got %s (%v)", field, ce.Field, err)
		}
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drive.yaml")
	if err := os.WriteFile(path, []byte(driveYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	g, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if g.PageCount() != 4 {
		t.Fatalf("expected 4 pages, got %d", g.PageCount())
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errorsx.HasReason(err, errorsx.ReasonConfig) {
		t.Fatalf("expected config reason for missing file, got %v", err)
	}
}
