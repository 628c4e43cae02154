package fixstore

import "fmt"

// StoreError is the Store error kind from the spec's taxonomy:
// persistence failure, corruption, or a transaction-protocol
// violation. It is fatal per-session: the caller should refuse further
// sends and stop inbound processing for the affected session.
type StoreError struct {
	Reason string
	Err    error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fixstore: %s: %v", e.Reason, e.Err)
	}
	return "fixstore: " + e.Reason
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErrf(err error, format string, args ...any) error {
	return &StoreError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// ErrAlreadyOpen is returned by BeginTx when a transaction is already
// open for the session; only one transaction per session may be open
// at a time.
var ErrAlreadyOpen = &StoreError{Reason: "transaction already open"}

// ErrNoTransaction is returned by CommitTx/RollbackTx when no
// transaction is open.
var ErrNoTransaction = &StoreError{Reason: "no transaction open"}
