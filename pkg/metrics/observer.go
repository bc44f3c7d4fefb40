package metrics

import "time"

// Event names recorded by the engine.
const (
	EventTurnCommitted      = "turn_committed"
	EventTransitionApplied  = "transition_applied"
	EventTransitionRejected = "transition_rejected"
	EventMoodSubstituted    = "mood_substituted"
	EventMalformedResponse  = "malformed_response"
	EventUpstreamFailure    = "upstream_failure"
	EventSilencePlaceholder = "voice_silence_placeholder"
	EventLLMLatency         = "llm_latency_ms"
	EventRealtimeLatency    = "realtime_latency_ms"

	EventBreakerOpen   = "breaker_open"
	EventBreakerClose  = "breaker_close"
	EventBreakerDenied = "breaker_denied"
	EventRateLimit     = "rate_limit"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// OrNoop returns obs, or a NoopObserver when obs is nil.
func OrNoop(obs Observer) Observer {
	if obs == nil {
		return NoopObserver{}
	}
	return obs
}

// Count records a single occurrence of name.
func Count(obs Observer, name string, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Value: 1, Tags: tags})
}

// CountAt records one occurrence of name with fields describing where in
// the scenario it happened. Fields never become metric labels.
func CountAt(obs Observer, name string, tags map[string]string, fields map[string]any) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Value: 1, Tags: tags, Fields: fields})
}

// Latency records the elapsed milliseconds since start under name.
func Latency(obs Observer, name string, start time.Time, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: float64(time.Since(start).Milliseconds()),
		Tags:  tags,
	})
}
