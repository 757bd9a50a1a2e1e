package frames

// Metadata keys shared by transports and the orchestrator.
const (
	MetaStreamID      = "stream_id"
	MetaCallSID       = "call_sid"
	MetaTraceID       = "trace_id"
	MetaSource        = "source"
	MetaEncoding      = "encoding"
	MetaCallEndReason = "call_end_reason"
	MetaCallStatus    = "call_status"
	MetaAnsweredBy    = "answered_by"
	MetaMarkName      = "mark_name"
	MetaText          = "text"
	MetaOldStreamID   = "old_stream_id"

	MetaFirstName = "first_name"
	MetaRowID     = "row_id"
)
