package scenario

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/harunnryd/kamishibai/pkg/errorsx"
)

type rawFile struct {
	Base struct {
		StartScene string `yaml:"start_scene"`
		BasePrompt string `yaml:"base_prompt"`
	} `yaml:"base"`
	Scenes        []rawScene `yaml:"scenes"`
	Configuration struct {
		MoodImages       yaml.Node         `yaml:"mood_images"`
		MoodDescriptions map[string]string `yaml:"mood_descriptions"`
		BackgroundImages map[string]string `yaml:"background_images"`
	} `yaml:"configuration"`
}

type rawScene struct {
	ID             string    `yaml:"scene_id"`
	Description    string    `yaml:"description"`
	StartPage      string    `yaml:"start_page"`
	ScenePrompt    string    `yaml:"scene_prompt"`
	OpeningMessage string    `yaml:"opening_message"`
	Background     string    `yaml:"background_image"`
	AllowedMoods   []string  `yaml:"allowed_moods"`
	Pages          []rawPage `yaml:"pages"`
}

type rawPage struct {
	ID             string    `yaml:"page_id"`
	DefaultMood    string    `yaml:"default_mood"`
	OpeningMessage string    `yaml:"opening_message"`
	PagePrompt     string    `yaml:"page_prompt"`
	Background     string    `yaml:"background_image"`
	AllowedMoods   []string  `yaml:"allowed_moods"`
	Transitions    yaml.Node `yaml:"transitions"`
}

type rawTransition struct {
	Target    string `yaml:"target"`
	Condition string `yaml:"condition"`
}

// Load reads and validates a scenario file.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errorsx.Wrapf(err, errorsx.ReasonConfig, "read scenario %s", path)
	}
	return Parse(data)
}

// Parse builds a Graph from YAML and validates it eagerly. Every transition
// target must resolve or a ConfigError is returned.
func Parse(data []byte) (*Graph, error) {
	var raw rawFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errorsx.Wrap(&ConfigError{Msg: fmt.Sprintf("malformed yaml: %v", err)}, errorsx.ReasonConfig)
	}
	g := &Graph{
		StartScene: strings.TrimSpace(raw.Base.StartScene),
		BasePrompt: raw.Base.BasePrompt,
		Scenes:     make(map[string]*Scene, len(raw.Scenes)),
	}
	moods, order, err := orderedStringMap(&raw.Configuration.MoodImages)
	if err != nil {
		return nil, configErr("configuration.mood_images", "", "", err.Error())
	}
	g.Display = Display{
		MoodImages:       moods,
		MoodOrder:        order,
		MoodDescriptions: raw.Configuration.MoodDescriptions,
		BackgroundImages: raw.Configuration.BackgroundImages,
	}
	for i, rs := range raw.Scenes {
		scene, err := buildScene(i, rs)
		if err != nil {
			return nil, err
		}
		if _, dup := g.Scenes[scene.ID]; dup {
			return nil, configErr("scene_id", scene.ID, "", "duplicate scene id")
		}
		g.Scenes[scene.ID] = scene
		g.SceneOrder = append(g.SceneOrder, scene.ID)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func buildScene(index int, rs rawScene) (*Scene, error) {
	id := strings.TrimSpace(rs.ID)
	if id == "" {
		return nil, configErr("scene_id", fmt.Sprintf("#%d", index), "", "scene id is required")
	}
	if len(rs.Pages) == 0 {
		return nil, configErr("pages", id, "", "at least one page is required")
	}
	scene := &Scene{
		ID:             id,
		Description:    rs.Description,
		Prompt:         rs.ScenePrompt,
		StartPage:      strings.TrimSpace(rs.StartPage),
		OpeningMessage: rs.OpeningMessage,
		Background:     rs.Background,
		AllowedMoods:   normalizeMoods(rs.AllowedMoods),
		Pages:          make(map[string]*Page, len(rs.Pages)),
	}
	for j, rp := range rs.Pages {
		pid := strings.TrimSpace(rp.ID)
		if pid == "" {
			return nil, configErr("page_id", id, fmt.Sprintf("#%d", j), "page id is required")
		}
		if _, dup := scene.Pages[pid]; dup {
			return nil, configErr("page_id", id, pid, "duplicate page id")
		}
		transitions, err := parseTransitions(&rp.Transitions)
		if err != nil {
			return nil, configErr("transitions", id, pid, err.Error())
		}
		scene.Pages[pid] = &Page{
			ID:             pid,
			DefaultMood:    strings.TrimSpace(rp.DefaultMood),
			OpeningMessage: rp.OpeningMessage,
			Prompt:         rp.PagePrompt,
			Background:     rp.Background,
			AllowedMoods:   normalizeMoods(rp.AllowedMoods),
			Transitions:    transitions,
		}
		scene.PageOrder = append(scene.PageOrder, pid)
	}
	return scene, nil
}

// parseTransitions accepts either a {target: condition} mapping, kept in
// document order, or a list of {target, condition} entries.
func parseTransitions(node *yaml.Node) ([]Transition, error) {
	switch node.Kind {
	case 0:
		return nil, nil
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return nil, nil
		}
		return nil, fmt.Errorf("expected mapping or list, got %q", node.Value)
	case yaml.MappingNode:
		out := make([]Transition, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			t, err := ParseTarget(node.Content[i].Value)
			if err != nil {
				return nil, err
			}
			out = append(out, Transition{Target: t, Condition: node.Content[i+1].Value})
		}
		return out, nil
	case yaml.SequenceNode:
		var raw []rawTransition
		if err := node.Decode(&raw); err != nil {
			return nil, err
		}
		out := make([]Transition, 0, len(raw))
		for _, r := range raw {
			t, err := ParseTarget(r.Target)
			if err != nil {
				return nil, err
			}
			out = append(out, Transition{Target: t, Condition: r.Condition})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported transitions node")
	}
}

func orderedStringMap(node *yaml.Node) (map[string]string, []string, error) {
	if node.Kind == 0 || node.Tag == "!!null" {
		return nil, nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, nil, fmt.Errorf("expected a mapping")
	}
	out := make(map[string]string, len(node.Content)/2)
	order := make([]string, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if _, dup := out[key]; !dup {
			order = append(order, key)
		}
		out[key] = node.Content[i+1].Value
	}
	return out, order, nil
}

func normalizeMoods(in []string) []string {
	var out []string
	for _, m := range in {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}
