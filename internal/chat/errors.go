package chat

// ValidationError is a locally detected precondition failure. It is
// raised before any network request is issued, so no remote or local
// state has changed by the time a caller sees it.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}
