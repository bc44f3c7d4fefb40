package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonConfig            ReasonCode = "config"
	ReasonNotFound          ReasonCode = "not_found"
	ReasonInvalidTransition ReasonCode = "invalid_transition"

	ReasonUpstreamCall      ReasonCode = "upstream_call"
	ReasonMalformedResponse ReasonCode = "malformed_response"
	ReasonLLMRateLimit      ReasonCode = "llm_rate_limit"
	ReasonLLMCircuitOpen    ReasonCode = "llm_circuit_open"

	ReasonRealtimeConnect ReasonCode = "realtime_connect"
	ReasonRealtimeSend    ReasonCode = "realtime_send"
	ReasonRealtimeStream  ReasonCode = "realtime_stream"

	ReasonSessionBusy     ReasonCode = "session_busy"
	ReasonSessionNotFound ReasonCode = "session_not_found"
	ReasonLockAcquire     ReasonCode = "lock_acquire"
)
