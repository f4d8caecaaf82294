package audit

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by sinks used after Close.
var ErrClosed = errors.New("audit sink closed")

// AuditWriteError reports a ThrottleEvent that could not be written. It
// is logged and the event is dropped.
//
//nolint:revive // the name is part of the public error taxonomy
type AuditWriteError struct {
	Sink    string
	EventID string
	Cause   error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("audit write to %s failed for event %s: %v", e.Sink, e.EventID, e.Cause)
}

func (e *AuditWriteError) Unwrap() error {
	return e.Cause
}
