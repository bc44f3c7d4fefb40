package turn

import (
	"fmt"
	"strings"

	"github.com/harunnryd/kamishibai/pkg/display"
	"github.com/harunnryd/kamishibai/pkg/scenario"
)

const formatInstructions = `Reply with one JSON object and nothing else. It has exactly three fields:
- "text": your reply to the user
- "mood": one mood tag for the reply
- "transition": a transition target id, or null`

const analysisInstructions = `Analyse the voice exchange below and decide the mood of the assistant's reply and whether the page should change.
Reply with one JSON object and nothing else: {"mood": "<mood>", "transition": "<target id>" or null}`

// PromptBuilder layers the system prompt: base instructions, scene prompt,
// page prompt, then the transition menu. Mood guidance follows the menu.
type PromptBuilder struct {
	// Base is the scenario-wide prompt placed after the format rules.
	Base     string
	Vocab    *display.Vocabulary
	Preamble string
}

func (b *PromptBuilder) System(page scenario.PageContext, currentMood string) string {
	var sb strings.Builder
	sb.WriteString(formatInstructions)
	if base := strings.TrimSpace(b.Base); base != "" {
		sb.WriteString("\n\n" + base)
	}
	fmt.Fprintf(&sb, "\n\n---\n## Current scene/page\nScene: %s\nPage: %s\nMood: %s\nBackground: %s",
		page.Scene, page.Page, currentMood, orNone(page.Background))
	if p := strings.TrimSpace(page.ScenePrompt); p != "" {
		sb.WriteString("\n\n## Scene prompt\n" + p)
	}
	if p := strings.TrimSpace(page.PagePrompt); p != "" {
		sb.WriteString("\n\n## Page prompt\n" + p)
	}
	sb.WriteString("\n\n## Transitions\n" + TransitionMenu(page.Transitions))
	sb.WriteString("\n\n## Mood constraint\n" + moodConstraint(page.AllowedMoods))
	if section := b.Vocab.PromptSection(); section != "" {
		sb.WriteString("\n\n" + section)
	}
	return sb.String()
}

// Analysis builds the single prompt of the transcript analyzer.
func (b *PromptBuilder) Analysis(page scenario.PageContext, user, assistant string) string {
	var sb strings.Builder
	sb.WriteString(analysisInstructions)
	fmt.Fprintf(&sb, "\n\n## Current scene/page\nScene: %s\nPage: %s", page.Scene, page.Page)
	sb.WriteString("\n\n## Mood constraint\n" + moodConstraint(page.AllowedMoods))
	if moods := b.Vocab.Moods(); len(moods) > 0 && len(page.AllowedMoods) == 0 {
		sb.WriteString("\nKnown moods: " + strings.Join(moods, ", "))
	}
	sb.WriteString("\n\n## Transitions\n" + TransitionMenu(page.Transitions))
	fmt.Fprintf(&sb, "\n\n## Conversation\nUser: %s\nAssistant: %s", user, assistant)
	return sb.String()
}

// VoiceInstructions builds the realtime session instructions. The voice
// model speaks freely, so no output format is imposed.
func (b *PromptBuilder) VoiceInstructions(page scenario.PageContext) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(b.Preamble))
	if base := strings.TrimSpace(b.Base); base != "" {
		sb.WriteString("\n\n" + base)
	}
	fmt.Fprintf(&sb, "\n\nCurrent scene: %s\nCurrent page: %s", page.Scene, page.Page)
	if p := page.Prompt(); p != "" {
		sb.WriteString("\n\n" + p)
	}
	return strings.TrimSpace(sb.String())
}

// TransitionMenu renders each candidate as "condition → target" and ends
// with the instruction to stay when nothing matches.
func TransitionMenu(transitions []scenario.Transition) string {
	if len(transitions) == 0 {
		return `No transitions are available. Always set "transition": null.`
	}
	var sb strings.Builder
	sb.WriteString("If one of these conditions applies, set \"transition\" to its target id:\n")
	for i, tr := range transitions {
		cond := strings.TrimSpace(tr.Condition)
		if cond == "" {
			cond = "(no condition given)"
		}
		fmt.Fprintf(&sb, "%d. %s → %q\n", i+1, cond, tr.Target.String())
	}
	sb.WriteString(`If none applies, stay on this page and set "transition": null.`)
	return sb.String()
}

func moodConstraint(allowed []string) string {
	if len(allowed) == 0 {
		return "Every mood may be used."
	}
	return "Only these moods may be used on this page: " + strings.Join(allowed, ", ")
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
