package fixengine

import "fmt"

// EngineError is the Engine error kind: a session registered twice, a
// listener failure for an acceptor session, or a failure opening the
// message store.
type EngineError struct {
	Reason string
	Err    error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fixengine: %s: %v", e.Reason, e.Err)
	}
	return "fixengine: " + e.Reason
}

func (e *EngineError) Unwrap() error { return e.Err }

func engineErrf(err error, format string, args ...any) error {
	return &EngineError{Reason: fmt.Sprintf(format, args...), Err: err}
}
