package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonMalformedFrame ReasonCode = "malformed_frame"

	ReasonSpeechAuth      ReasonCode = "speech_auth"
	ReasonSpeechConnect   ReasonCode = "speech_connect"
	ReasonSpeechSend      ReasonCode = "speech_send"
	ReasonSpeechProvider  ReasonCode = "speech_provider"
	ReasonSynthesisFailed ReasonCode = "synthesis_request"

	ReasonExtraction      ReasonCode = "extraction"
	ReasonSessionNotFound ReasonCode = "session_not_found"

	ReasonCompletion            ReasonCode = "completion"
	ReasonCompletionRateLimit   ReasonCode = "completion_rate_limit"
	ReasonCompletionBreakerOpen ReasonCode = "completion_breaker_open"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonDial                      ReasonCode = "dial"

	ReasonEventSink ReasonCode = "event_sink"
)

// Degrades reports whether an error with this reason should switch a call to
// local buffering until the speech provider is reachable again.
func Degrades(reason ReasonCode) bool {
	switch reason {
	case ReasonSpeechAuth, ReasonSpeechConnect:
		return true
	default:
		return false
	}
}
