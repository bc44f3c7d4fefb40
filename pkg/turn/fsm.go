package turn

import (
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/kamishibai/pkg/adapters/realtime"
)

type State int

const (
	StateAwaitingSession State = iota
	StateStreamingResponse
	StateResponseComplete
	StateAborted
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateAwaitingSession:
		return "AWAITING_SESSION"
	case StateStreamingResponse:
		return "STREAMING_RESPONSE"
	case StateResponseComplete:
		return "RESPONSE_COMPLETE"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes voice session state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// StateListenerFunc adapts a function to StateListener.
type StateListenerFunc func(StateChange)

func (f StateListenerFunc) OnStateChange(event StateChange) { f(event) }

// voiceMachine tracks one realtime response and the transcripts it carries.
type voiceMachine struct {
	mu           sync.RWMutex
	currentState State

	userTranscript      string
	userSet             bool
	assistantDeltas     strings.Builder
	assistantTranscript string
	assistantFinal      bool
	audioChunks         int

	listeners []StateListener
}

func newVoiceMachine(listeners ...StateListener) *voiceMachine {
	return &voiceMachine{currentState: StateAwaitingSession, listeners: listeners}
}

// State returns the current state.
func (m *voiceMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentState
}

// transitionValid checks if a state transition is valid (must be called with lock held).
func (m *voiceMachine) transitionValid(from, to State) bool {
	validTransitions := map[State][]State{
		StateAwaitingSession:   {StateStreamingResponse, StateAborted},
		StateStreamingResponse: {StateResponseComplete, StateAborted},
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (m *voiceMachine) Transition(state State, reason string) error {
	m.mu.Lock()
	if !m.transitionValid(m.currentState, state) {
		from := m.currentState
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: state}
	}
	event := StateChange{
		FromState: m.currentState,
		ToState:   state,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	m.currentState = state
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return nil
}

// Apply folds one upstream event into the machine. It reports whether the
// event was the terminal response-done signal. Events outside
// STREAMING_RESPONSE are ignored.
func (m *voiceMachine) Apply(ev realtime.Event) (done bool, err error) {
	m.mu.Lock()
	if m.currentState != StateStreamingResponse {
		m.mu.Unlock()
		return false, nil
	}
	switch ev.Type {
	case realtime.EventUserTranscriptCompleted:
		if !m.userSet {
			m.userTranscript = strings.TrimSpace(ev.Text)
			m.userSet = true
		}
	case realtime.EventAssistantTranscriptDelta:
		if !m.assistantFinal {
			m.assistantDeltas.WriteString(ev.Text)
		}
	case realtime.EventAssistantTranscriptDone:
		if !m.assistantFinal {
			m.assistantTranscript = m.assistantDeltas.String()
			if m.assistantTranscript == "" {
				m.assistantTranscript = ev.Text
			}
			m.assistantFinal = true
		}
	case realtime.EventAudioDelta:
		if len(ev.Audio) > 0 {
			m.audioChunks++
		}
	case realtime.EventResponseDone:
		m.mu.Unlock()
		return true, m.Transition(StateResponseComplete, "response done")
	}
	m.mu.Unlock()
	return false, nil
}

// Transcripts returns the user transcript and the assistant transcript.
// Without a done event the assistant transcript is whatever deltas arrived.
// An aborted session reports both empty.
func (m *voiceMachine) Transcripts() Transcripts {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.currentState == StateAborted {
		return Transcripts{}
	}
	assistant := m.assistantTranscript
	if !m.assistantFinal {
		assistant = m.assistantDeltas.String()
	}
	return Transcripts{User: m.userTranscript, Assistant: strings.TrimSpace(assistant)}
}

func (m *voiceMachine) AudioChunks() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.audioChunks
}

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
