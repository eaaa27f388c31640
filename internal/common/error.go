package common

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration              = fmt.Errorf("configuration error")
	ErrUnsupportedStrategy        = fmt.Errorf("unsupported strategy")
	ErrEnumeration                = fmt.Errorf("enumeration error")
	ErrWrite                      = fmt.Errorf("write error")
	ErrNotFound                   = fmt.Errorf("not found")
	ErrGenerationCanceled         = fmt.Errorf("generation canceled")
	ErrGenerationQueueFull        = fmt.Errorf("generation queue is full")
	ErrSourceClosed               = fmt.Errorf("source is closed")
	ErrRefreshHasAlreadyStarted   = fmt.Errorf("refresh process has already started")
	ErrNoResourcesFoundError      = fmt.Errorf("no resources found")
	ErrInvalidResourceRecordError = fmt.Errorf("invalid resource record")
)

// EnumerationError is returned when the resource enumerator fails or times out.
// Transient errors are expected to succeed on the next scheduled run.
type EnumerationError struct {
	Transient bool
	Err       error
}

func NewEnumerationError(err error, transient bool) *EnumerationError {
	return &EnumerationError{Transient: transient, Err: err}
}

func (e *EnumerationError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}

	return fmt.Sprintf("%s (%s): %v", ErrEnumeration, kind, e.Err)
}

func (e *EnumerationError) Unwrap() []error {
	return []error{ErrEnumeration, e.Err}
}

// WriteError is returned when documents cannot be written to the metadata directory.
type WriteError struct {
	Path string
	Err  error
}

func NewWriteError(path string, err error) *WriteError {
	return &WriteError{Path: path, Err: err}
}

func (e *WriteError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", ErrWrite, e.Err)
	}

	return fmt.Sprintf("%s: %s: %v", ErrWrite, e.Path, e.Err)
}

func (e *WriteError) Unwrap() []error {
	return []error{ErrWrite, e.Err}
}

// TransientError marks an enumerator failure that is worth retrying later.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err or any error it wraps is marked transient.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var ee *EnumerationError
	if errors.As(err, &ee) {
		return ee.Transient
	}

	return false
}
