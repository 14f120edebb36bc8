package logging

const (
	// FieldComponent names the subsystem that emitted a record.
	FieldComponent = "component"
	// FieldEventType is a stable machine-readable label for a record.
	FieldEventType = "event_type"
	// FieldErrorHint suggests the next step after a failure.
	FieldErrorHint = "error_hint"
	// FieldImpact describes the user-visible consequence of a warning.
	FieldImpact = "impact"
	// FieldStorePath is the store a record refers to.
	FieldStorePath = "store_path"
	// FieldVerb is the command verb being handled.
	FieldVerb = "verb"
	// FieldPID is a process identifier.
	FieldPID = "pid"
	// FieldSessionID identifies one daemon run.
	FieldSessionID = "session_id"
	// FieldMessageID is the client-assigned command identifier.
	FieldMessageID = "message_id"
)
