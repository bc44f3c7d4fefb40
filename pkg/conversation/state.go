package conversation

import (
	"slices"

	"github.com/harunnryd/kamishibai/pkg/llm"
	"github.com/harunnryd/kamishibai/pkg/scenario"
)

// DisplayEntry is one user-facing exchange. Openings have no user side.
type DisplayEntry struct {
	User      string `json:"user,omitempty"`
	Assistant string `json:"assistant"`
}

// State is one session's conversation. Only the Orchestrator mutates it,
// and only through apply.
type State struct {
	display        []DisplayEntry
	history        []llm.Message
	location       scenario.Location
	previous       *scenario.Location
	pendingOpening bool
	mood           string
}

// change is everything one turn commits.
type change struct {
	entry    *DisplayEntry
	messages []llm.Message
	location *scenario.Location
	// previous is applied when setPrevious is true; nil clears the undo point.
	previous    *scenario.Location
	setPrevious bool
	pending     bool
	mood        string
}

// apply commits c in one step so the two histories never diverge.
func (s *State) apply(c change) {
	if c.entry != nil {
		s.display = append(s.display, *c.entry)
	}
	s.history = append(s.history, c.messages...)
	if c.location != nil {
		s.location = *c.location
	}
	if c.setPrevious {
		s.previous = c.previous
	}
	s.pendingOpening = c.pending
	s.mood = c.mood
}

func (s *State) clear() {
	*s = State{}
}

func (s *State) Display() []DisplayEntry { return slices.Clone(s.display) }

// History returns the model-facing messages.
func (s *State) History() []llm.Message { return llm.Clone(s.history) }

func (s *State) Location() scenario.Location { return s.location }

func (s *State) PendingOpening() bool { return s.pendingOpening }

func (s *State) Mood() string { return s.mood }

func (s *State) CanUndo() bool { return s.previous != nil }
