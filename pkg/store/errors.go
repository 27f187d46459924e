package store

import (
	"errors"
	"fmt"
)

// ErrorSubject names what a storage operation acted on.
type ErrorSubject string

const (
	SubjectLogs         ErrorSubject = "logs"
	SubjectVote         ErrorSubject = "vote"
	SubjectCommitted    ErrorSubject = "committed"
	SubjectSnapshot     ErrorSubject = "snapshot"
	SubjectStateMachine ErrorSubject = "state_machine"
	SubjectStore        ErrorSubject = "store"
)

// ErrorVerb names the failed action.
type ErrorVerb string

const (
	VerbRead   ErrorVerb = "read"
	VerbWrite  ErrorVerb = "write"
	VerbDelete ErrorVerb = "delete"
)

// StorageError is a durable read or write failure. It is fatal to the
// operation that produced it.
type StorageError struct {
	Subject ErrorSubject
	Verb    ErrorVerb
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: failed to %s %s: %v", e.Verb, e.Subject, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError wraps err, returning nil when err is nil.
func NewStorageError(subject ErrorSubject, verb ErrorVerb, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Subject: subject, Verb: verb, Err: err}
}

var (
	// ErrNotFound is returned by the stable store for unset keys. hashicorp/raft
	// matches on this exact message.
	ErrNotFound = errors.New("not found")

	ErrEntryNotFound  = errors.New("log entry not found")
	ErrNotContiguous  = errors.New("log entries are not contiguous")
	ErrIndexMismatch  = errors.New("stored log index does not match its key")
	ErrUnsupportedKey = errors.New("unsupported stable store key")
	ErrClosed         = errors.New("store is closed")
)
