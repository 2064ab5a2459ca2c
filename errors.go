package fieldsync

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the fieldsync package.
var (
	// ErrStoreClosed is returned when operations are attempted on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrSessionNotFound is returned when a session is absent from both stores.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSubmissionNotFound is returned when a submission is absent from both stores.
	ErrSubmissionNotFound = errors.New("submission not found")

	// ErrImageNotFound is returned when a pending image blob is absent.
	ErrImageNotFound = errors.New("pending image not found")

	// ErrSessionTerminal is returned when a mutation targets a terminal session.
	ErrSessionTerminal = errors.New("session is in a terminal state")

	// ErrSessionExpired is returned when a mutation targets a session whose
	// editing window has passed.
	ErrSessionExpired = errors.New("session has expired")

	// ErrRemoteUnavailable is returned when the remote store cannot be
	// reached after all retry attempts.
	ErrRemoteUnavailable = errors.New("remote store unavailable")

	// ErrNotAuthorized is returned when the caller lacks edit capability
	// for the target program.
	ErrNotAuthorized = errors.New("caller is not authorized to edit submissions")
)

// ValidationError indicates an illegal state transition or a missing
// required field. It always propagates to the caller immediately.
type ValidationError struct {
	Field     string
	Current   SessionStatus
	Requested SessionStatus
	Message   string
}

func (e *ValidationError) Error() string {
	if e.Current != "" || e.Requested != "" {
		return fmt.Sprintf("invalid transition from %s to %s: %s", e.Current, e.Requested, e.Message)
	}
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return e.Message
}

// newTransitionError creates a ValidationError naming the current and
// requested session states.
func newTransitionError(current, requested SessionStatus) *ValidationError {
	return &ValidationError{
		Current:   current,
		Requested: requested,
		Message:   "no such edge in the session state machine",
	}
}

// newFieldError creates a ValidationError for a missing or malformed field.
func newFieldError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NotFoundError indicates the requested record exists in neither the
// local nor the remote store.
type NotFoundError struct {
	Kind string // "session" or "submission"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found in local or remote store", e.Kind, e.ID)
}

// Is implements error matching for NotFoundError.
func (e *NotFoundError) Is(target error) bool {
	switch e.Kind {
	case "session":
		return target == ErrSessionNotFound
	case "submission":
		return target == ErrSubmissionNotFound
	}
	return false
}

// NetworkError indicates a transient remote store failure. Calls wrapped
// in the retryer retry these; after retries are exhausted the error is
// returned to the caller, never raised as an unhandled fault.
type NetworkError struct {
	Op         string
	StatusCode int
	Cause      error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote %s failed with status %d", e.Op, e.StatusCode)
	}
	if e.Cause != nil {
		return fmt.Sprintf("remote %s failed: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("remote %s failed", e.Op)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// Is implements error matching for NetworkError.
func (e *NetworkError) Is(target error) bool {
	return target == ErrRemoteUnavailable
}

// ConflictError indicates a fetched session is already terminal when the
// caller expected it to be mutable. The caller should surface the
// authoritative terminal state rather than retry.
type ConflictError struct {
	SessionID string
	Status    SessionStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session %q is already %s", e.SessionID, e.Status)
}

// Is implements error matching for ConflictError.
func (e *ConflictError) Is(target error) bool {
	return target == ErrSessionTerminal
}

// PersistenceError indicates a local storage failure. It is always fatal
// to the in-flight operation and never silently swallowed.
type PersistenceError struct {
	Op    string
	Key   string
	Cause error
}

func (e *PersistenceError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("local %s failed for %q: %v", e.Op, e.Key, e.Cause)
	}
	return fmt.Sprintf("local %s failed: %v", e.Op, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

// newPersistenceError creates a PersistenceError.
func newPersistenceError(op, key string, cause error) *PersistenceError {
	return &PersistenceError{Op: op, Key: key, Cause: cause}
}

// IsTransient reports whether err should be retried against the remote
// store. Validation, conflict and persistence failures are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ve *ValidationError
	var ce *ConflictError
	var pe *PersistenceError
	var nfe *NotFoundError
	if errors.As(err, &ve) || errors.As(err, &ce) || errors.As(err, &pe) || errors.As(err, &nfe) {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		// Client errors other than throttling are permanent.
		if ne.StatusCode >= 400 && ne.StatusCode < 500 && ne.StatusCode != 429 {
			return false
		}
		return true
	}
	return true
}
