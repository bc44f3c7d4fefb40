package turn

import (
	"strings"

	"github.com/bytedance/sonic"

	"github.com/harunnryd/kamishibai/pkg/scenario"
)

// Result is what every turn processor produces, text or voice.
type Result struct {
	Narrative string
	Mood      string
	// Transition is nil when the page should stay put.
	Transition *scenario.TransitionTarget
	// RawPayload is stored verbatim in the model-facing history.
	RawPayload string
}

type turnPayload struct {
	Text       *string `json:"text"`
	Mood       string  `json:"mood"`
	Transition any     `json:"transition"`
}

type analysisPayload struct {
	Mood       string `json:"mood"`
	Transition any    `json:"transition"`
}

// parseTurn decodes a {"text","mood","transition"} reply. On failure the
// raw text becomes the narrative with defaultMood and no transition.
func parseTurn(raw, defaultMood string) (Result, bool) {
	res := Result{Narrative: raw, Mood: defaultMood, RawPayload: raw}
	clean := cleanJSON(raw)
	if !strings.HasPrefix(clean, "{") {
		return res, false
	}
	var p turnPayload
	if err := sonic.UnmarshalString(clean, &p); err != nil {
		return res, false
	}
	if p.Text != nil {
		res.Narrative = *p.Text
	}
	if m := strings.TrimSpace(p.Mood); m != "" {
		res.Mood = m
	}
	res.Transition = transitionOf(p.Transition)
	return res, true
}

// parseAnalysis decodes a {"mood","transition"} reply.
func parseAnalysis(raw, defaultMood string) (string, *scenario.TransitionTarget, bool) {
	clean := cleanJSON(raw)
	if !strings.HasPrefix(clean, "{") {
		return defaultMood, nil, false
	}
	var p analysisPayload
	if err := sonic.UnmarshalString(clean, &p); err != nil {
		return defaultMood, nil, false
	}
	mood := strings.TrimSpace(p.Mood)
	if mood == "" {
		mood = defaultMood
	}
	return mood, transitionOf(p.Transition), true
}

// transitionOf accepts a string target; null, empty and "null" mean none.
func transitionOf(v any) *scenario.TransitionTarget {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") || strings.EqualFold(s, "none") {
		return nil
	}
	t, err := scenario.ParseTarget(s)
	if err != nil {
		return nil
	}
	return &t
}

// encodePayload renders a Result in the same wire shape the text path
// stores, so both modalities leave identical history entries.
func encodePayload(text, mood string, target *scenario.TransitionTarget) string {
	p := struct {
		Text       string  `json:"text"`
		Mood       string  `json:"mood"`
		Transition *string `json:"transition"`
	}{Text: text, Mood: mood}
	if target != nil {
		s := target.String()
		p.Transition = &s
	}
	out, err := sonic.MarshalString(p)
	if err != nil {
		return text
	}
	return out
}

func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return text
	}
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(text, "```")
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
