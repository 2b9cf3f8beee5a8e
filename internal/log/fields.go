package log

// Canonical field names for structured logging.
const (
	FieldComponent  = "component"
	FieldDraftID    = "draft_id"
	FieldGeneration = "generation"
	FieldFileKey    = "file_key"
	FieldFileName   = "file_name"
	FieldCaseID     = "case_id"
	FieldStorageKey = "storage_key"
	FieldRemoteID   = "remote_id"
	FieldRequestID  = "request_id"
	FieldAttempt    = "attempt"
	FieldStrategy   = "strategy"
	FieldBackend    = "backend"
)
