// Package dberr holds the errors returned to application code. Engine
// errors are translated into these kinds before leaving the client layer.
package dberr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fulldump/objectdb/engine"
)

// UseAfterReleaseError is returned when operating on a released handle or a
// closed reference.
type UseAfterReleaseError struct {
	Resource string
}

func (e *UseAfterReleaseError) Error() string {
	return fmt.Sprintf("use after release: %s", e.Resource)
}

// WrongThreadError is returned when a live reference is used outside the
// execution context that owns it.
type WrongThreadError struct {
	Owner   string
	Current string
}

func (e *WrongThreadError) Error() string {
	current := e.Current
	if current == "" {
		current = "<none>"
	}
	return fmt.Sprintf("wrong thread: live reference owned by '%s' accessed from '%s'", e.Owner, current)
}

type IllegalStateError struct {
	Op      string
	Message string
	Err     error
}

func (e *IllegalStateError) Error() string {
	if e.Op == "" {
		return "illegal state: " + e.Message
	}
	return fmt.Sprintf("illegal state: %s: %s", e.Op, e.Message)
}

func (e *IllegalStateError) Unwrap() error {
	return e.Err
}

type SchemaMismatchError struct {
	Class    string
	Property string
	Err      error
}

func (e *SchemaMismatchError) Error() string {
	if e.Property != "" {
		return fmt.Sprintf("schema mismatch: property '%s.%s' not found", e.Class, e.Property)
	}
	return fmt.Sprintf("schema mismatch: class '%s' not found", e.Class)
}

func (e *SchemaMismatchError) Unwrap() error {
	return e.Err
}

// BufferOverflowError terminates a notification stream whose consumer
// could not keep up.
type BufferOverflowError struct {
	Subscription string
	Capacity     int
}

func (e *BufferOverflowError) Error() string {
	return fmt.Sprintf("buffer overflow: subscription %s exceeded %d pending events", e.Subscription, e.Capacity)
}

// NotificationError is the reason carried by a terminal error event.
type NotificationError struct {
	Subscription string
	Err          error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notification %s: %s", e.Subscription, e.Err)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

// FatalError wraps unrecoverable engine conditions like resource exhaustion.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s: %s", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Translate maps an engine error into the error kinds of this package.
// Errors that already belong here pass through untouched.
func Translate(op string, err error) error {
	if err == nil {
		return nil
	}

	if isTranslated(err) {
		return err
	}

	switch {
	case errors.Is(err, engine.ErrInvalidHandle), errors.Is(err, engine.ErrClosed):
		return &UseAfterReleaseError{Resource: fmt.Sprintf("%s: %s", op, err)}
	case errors.Is(err, engine.ErrUnknownClass):
		return &SchemaMismatchError{Class: detail(err, engine.ErrUnknownClass), Err: err}
	case errors.Is(err, engine.ErrUnknownProperty):
		class, property, found := strings.Cut(detail(err, engine.ErrUnknownProperty), ".")
		if !found {
			class, property = op, class
		}
		return &SchemaMismatchError{Class: class, Property: property, Err: err}
	case errors.Is(err, engine.ErrResourceExhausted), errors.Is(err, engine.ErrCorrupted):
		return &FatalError{Op: op, Err: err}
	}

	return &IllegalStateError{Op: op, Message: err.Error(), Err: err}
}

func isTranslated(err error) bool {
	var (
		useAfterRelease *UseAfterReleaseError
		wrongThread     *WrongThreadError
		illegalState    *IllegalStateError
		schemaMismatch  *SchemaMismatchError
		overflow        *BufferOverflowError
		notification    *NotificationError
		fatal           *FatalError
	)
	return errors.As(err, &useAfterRelease) ||
		errors.As(err, &wrongThread) ||
		errors.As(err, &illegalState) ||
		errors.As(err, &schemaMismatch) ||
		errors.As(err, &overflow) ||
		errors.As(err, &notification) ||
		errors.As(err, &fatal)
}

// detail extracts what follows "<sentinel>: " in a wrapped engine error.
func detail(err, sentinel error) string {
	msg := err.Error()
	prefix := sentinel.Error() + ": "
	if i := strings.Index(msg, prefix); i >= 0 {
		return msg[i+len(prefix):]
	}
	return msg
}
