// Package scenario models the scene/page graph a conversation walks through.
// A Graph is immutable once built and safe for concurrent readers.
package scenario

import (
	"fmt"
	"strings"

	"github.com/harunnryd/kamishibai/pkg/errorsx"
)

type Transition struct {
	Target    TransitionTarget
	Condition string
}

type Page struct {
	ID             string
	DefaultMood    string
	OpeningMessage string
	Prompt         string
	Background     string
	// AllowedMoods is nil when the page inherits its scene's constraint.
	AllowedMoods []string
	Transitions  []Transition
}

type Scene struct {
	ID             string
	Description    string
	Prompt         string
	StartPage      string
	OpeningMessage string
	Background     string
	AllowedMoods   []string
	Pages          map[string]*Page
	// PageOrder lists page ids in authored order.
	PageOrder []string
}

// Display carries the renderer vocabulary declared alongside the scenes.
type Display struct {
	MoodImages       map[string]string
	MoodOrder        []string
	MoodDescriptions map[string]string
	BackgroundImages map[string]string
}

type Graph struct {
	StartScene string
	BasePrompt string
	Scenes     map[string]*Scene
	SceneOrder []string
	Display    Display
}

// PageContext is the read-only view of one page handed to turn processors.
type PageContext struct {
	Scene          string
	Page           string
	ScenePrompt    string
	PagePrompt     string
	DefaultMood    string
	OpeningMessage string
	Background     string
	// AllowedMoods is empty when every mood is permitted.
	AllowedMoods []string
	Transitions  []Transition
}

// Prompt composes the scene prompt and the page prompt in that order.
func (c PageContext) Prompt() string {
	parts := make([]string, 0, 2)
	for _, p := range []string{c.ScenePrompt, c.PagePrompt} {
		if s := strings.TrimSpace(p); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Location is a scene/page pair.
type Location struct {
	Scene string
	Page  string
}

func (l Location) String() string { return l.Scene + TargetSeparator + l.Page }

func (g *Graph) page(sceneID, pageID string) (*Scene, *Page, error) {
	scene, ok := g.Scenes[sceneID]
	if !ok {
		return nil, nil, errorsx.Wrap(fmt.Errorf("%w: scene %q", ErrNotFound, sceneID), errorsx.ReasonNotFound)
	}
	page, ok := scene.Pages[pageID]
	if !ok {
		return nil, nil, errorsx.Wrap(fmt.Errorf("%w: page %q in scene %q", ErrNotFound, pageID, sceneID), errorsx.ReasonNotFound)
	}
	return scene, page, nil
}

// Has reports whether scene and page exist.
func (g *Graph) Has(sceneID, pageID string) bool {
	_, _, err := g.page(sceneID, pageID)
	return err == nil
}

// Start returns the configured start location.
func (g *Graph) Start() (Location, error) {
	scene, ok := g.Scenes[g.StartScene]
	if !ok {
		return Location{}, errorsx.Wrap(fmt.Errorf("%w: start scene %q", ErrNotFound, g.StartScene), errorsx.ReasonNotFound)
	}
	return Location{Scene: scene.ID, Page: scene.StartPage}, nil
}

// Resolve builds the page context for scene/page. Mood constraints are
// inherited here: a page without its own allow-set uses its scene's.
func (g *Graph) Resolve(sceneID, pageID string) (PageContext, error) {
	scene, page, err := g.page(sceneID, pageID)
	if err != nil {
		return PageContext{}, err
	}
	allowed := page.AllowedMoods
	if allowed == nil {
		allowed = scene.AllowedMoods
	}
	background := page.Background
	if background == "" {
		background = scene.Background
	}
	opening := page.OpeningMessage
	if opening == "" && page.ID == scene.StartPage {
		opening = scene.OpeningMessage
	}
	return PageContext{
		Scene:          scene.ID,
		Page:           page.ID,
		ScenePrompt:    scene.Prompt,
		PagePrompt:     page.Prompt,
		DefaultMood:    page.DefaultMood,
		OpeningMessage: opening,
		Background:     background,
		AllowedMoods:   append([]string(nil), allowed...),
		Transitions:    append([]Transition(nil), page.Transitions...),
	}, nil
}

// TransitionTarget resolves ref relative to currentScene. A target that
// does not exist yields ErrInvalidTransition, which callers treat as
// recoverable.
func (g *Graph) TransitionTarget(currentScene, ref string) (Location, error) {
	t, err := ParseTarget(ref)
	if err != nil {
		return Location{}, errorsx.Wrap(err, errorsx.ReasonInvalidTransition)
	}
	return g.Target(currentScene, t)
}

// Target resolves an already parsed target relative to currentScene.
func (g *Graph) Target(currentScene string, t TransitionTarget) (Location, error) {
	loc := Location{Scene: t.In(currentScene), Page: t.Page}
	if !g.Has(loc.Scene, loc.Page) {
		return Location{}, errorsx.Wrap(fmt.Errorf("%w: %s", ErrInvalidTransition, loc), errorsx.ReasonInvalidTransition)
	}
	return loc, nil
}

// FindPage resolves a user supplied reference. A bare page id is looked up
// in currentScene first, then as a unique match across all scenes.
func (g *Graph) FindPage(currentScene, ref string) (Location, error) {
	t, err := ParseTarget(ref)
	if err != nil {
		return Location{}, errorsx.Wrap(fmt.Errorf("%w: %q", ErrNotFound, ref), errorsx.ReasonNotFound)
	}
	if t.Kind == CrossScene {
		if !g.Has(t.Scene, t.Page) {
			return Location{}, errorsx.Wrap(fmt.Errorf("%w: %s", ErrNotFound, t), errorsx.ReasonNotFound)
		}
		return Location{Scene: t.Scene, Page: t.Page}, nil
	}
	if g.Has(currentScene, t.Page) {
		return Location{Scene: currentScene, Page: t.Page}, nil
	}
	var matches []Location
	for _, id := range g.SceneOrder {
		if _, ok := g.Scenes[id].Pages[t.Page]; ok {
			matches = append(matches, Location{Scene: id, Page: t.Page})
		}
	}
	switch len(matches) {
	case 0:
		return Location{}, errorsx.Wrap(fmt.Errorf("%w: page %q", ErrNotFound, t.Page), errorsx.ReasonNotFound)
	case 1:
		return matches[0], nil
	default:
		return Location{}, errorsx.Wrap(fmt.Errorf("%w: page %q exists in %d scenes", ErrAmbiguous, t.Page, len(matches)), errorsx.ReasonNotFound)
	}
}

// PageCount returns the total number of pages.
func (g *Graph) PageCount() int {
	n := 0
	for _, s := range g.Scenes {
		n += len(s.Pages)
	}
	return n
}

// Validate checks every invariant a loaded graph must hold.
func (g *Graph) Validate() error {
	if g.StartScene == "" {
		return configErr("base.start_scene", "", "", "start scene is required")
	}
	if len(g.Scenes) == 0 {
		return configErr("scenes", "", "", "at least one scene is required")
	}
	if _, ok := g.Scenes[g.StartScene]; !ok {
		return configErr("base.start_scene", g.StartScene, "", "start scene does not exist")
	}
	if len(g.Display.MoodImages) == 0 {
		return configErr("configuration.mood_images", "", "", "at least one mood image mapping is required")
	}
	for _, sid := range g.SceneOrder {
		scene := g.Scenes[sid]
		if scene.StartPage == "" {
			return configErr("start_page", sid, "", "start page is required")
		}
		if _, ok := scene.Pages[scene.StartPage]; !ok {
			return configErr("start_page", sid, scene.StartPage, "start page does not exist")
		}
		for _, pid := range scene.PageOrder {
			page := scene.Pages[pid]
			if page.DefaultMood == "" {
				return configErr("default_mood", sid, pid, "default mood is required")
			}
			for _, tr := range page.Transitions {
				if _, err := g.Target(sid, tr.Target); err != nil {
					return configErr("transitions", sid, pid, fmt.Sprintf("target %q does not resolve", tr.Target))
				}
			}
		}
	}
	return nil
}
