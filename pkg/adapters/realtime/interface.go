package realtime

import (
	"context"
	"time"
)

type EventType string

const (
	EventUserTranscriptCompleted  EventType = "user_transcript_completed"
	EventAssistantTranscriptDelta EventType = "assistant_transcript_delta"
	EventAssistantTranscriptDone  EventType = "assistant_transcript_done"
	EventAudioDelta               EventType = "audio_delta"
	EventResponseDone             EventType = "response_done"
	EventError                    EventType = "error"
)

// Event is one entry of the ordered upstream event stream.
// Text carries transcripts or deltas, Audio carries PCM16LE bytes.
type Event struct {
	Type    EventType
	Text    string
	Audio   []byte
	Message string
}

// VAD holds server voice-activity-detection parameters.
type VAD struct {
	Threshold         float64
	PrefixPaddingMS   int
	SilenceDurationMS int
}

// SessionConfig contains vendor-agnostic session setup.
type SessionConfig struct {
	Model              string
	Instructions       string
	Voice              string
	SampleRate         int
	TranscriptionModel string
	VAD                VAD
	Timeout            time.Duration
}

// Session is one live realtime speech session.
type Session interface {
	// SendAudio appends PCM16LE audio to the input buffer.
	SendAudio(pcm []byte) error
	// Commit closes the input buffer.
	Commit() error
	// CreateResponse asks the service to answer the committed input.
	CreateResponse() error
	// Events returns the ordered event stream. It is closed when the session ends.
	Events() <-chan Event
	// Err reports why the event stream ended, if it ended abnormally.
	Err() error
	// Close tears the session down. It is safe to call more than once.
	Close() error
}

// Dialer opens realtime sessions for a vendor.
type Dialer interface {
	Name() string
	Dial(ctx context.Context, cfg SessionConfig) (Session, error)
}
