package display

import (
	"slices"
	"strings"

	"github.com/harunnryd/kamishibai/pkg/scenario"
)

// ValidateMood returns tag when allowed is empty or contains it, otherwise
// fallback. It never fails.
func ValidateMood(tag string, allowed []string, fallback string) string {
	if len(allowed) == 0 || slices.Contains(allowed, tag) {
		return tag
	}
	return fallback
}

// Vocabulary is the set of moods the renderer knows how to draw.
type Vocabulary struct {
	images       map[string]string
	order        []string
	descriptions map[string]string
}

func NewVocabulary(d scenario.Display) *Vocabulary {
	order := d.MoodOrder
	if len(order) == 0 {
		for mood := range d.MoodImages {
			order = append(order, mood)
		}
		slices.Sort(order)
	}
	return &Vocabulary{images: d.MoodImages, order: order, descriptions: d.MoodDescriptions}
}

func (v *Vocabulary) Contains(mood string) bool {
	if v == nil {
		return false
	}
	_, ok := v.images[mood]
	return ok
}

// Moods lists the vocabulary in declaration order.
func (v *Vocabulary) Moods() []string {
	if v == nil {
		return nil
	}
	return slices.Clone(v.order)
}

func (v *Vocabulary) Image(mood string) (string, bool) {
	if v == nil {
		return "", false
	}
	img, ok := v.images[mood]
	return img, ok
}

// PromptSection renders the mood usage guide shown to the model. Moods
// without a description are listed bare.
func (v *Vocabulary) PromptSection() string {
	if v == nil || len(v.order) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Moods\n")
	for _, mood := range v.order {
		b.WriteString("- " + mood)
		if desc := v.descriptions[mood]; desc != "" {
			b.WriteString(": " + desc)
		}
		b.WriteByte('\n')
	}
	b.WriteString("Pick the mood that best fits the reply.")
	return b.String()
}
