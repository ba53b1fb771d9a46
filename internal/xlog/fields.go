package xlog

// Canonical field name constants for structured logging.
const (
	FieldSessionKey = "session_key"
	FieldChannelID  = "channel_id"
	FieldFormat     = "format"
	FieldRequestID  = "request_id"
	FieldEvent      = "event"
	FieldComponent  = "component"

	FieldOldState = "old_state"
	FieldNewState = "new_state"

	FieldPath = "path"
)
