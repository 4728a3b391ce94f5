package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors. Validation failures wrap one of these so callers can match
// them with errors.Is.
var (
	ErrAuthExpired   = errors.New("authentication expired")
	ErrTaskNotFound  = errors.New("task not found")
	ErrTaskBusy      = errors.New("task has a pending change")
	ErrInvalidColumn = errors.New("invalid column")
	ErrInvalidIndex  = errors.New("invalid index")
	ErrEmptyTitle    = errors.New("title cannot be empty")
	ErrNotArchived   = errors.New("task is not archived")
	ErrArchived      = errors.New("task is already archived")
	ErrTooManyItems  = errors.New("too many items")
)

// AuthExpiredError reports that credentials could not be renewed. The session
// is over and the user has to log in again.
type AuthExpiredError struct {
	Cause error
}

func (e *AuthExpiredError) Error() string {
	if e.Cause == nil {
		return ErrAuthExpired.Error()
	}
	return fmt.Sprintf("%s: %v", ErrAuthExpired, e.Cause)
}

func (e *AuthExpiredError) Unwrap() error { return e.Cause }

func (e *AuthExpiredError) Is(target error) bool { return target == ErrAuthExpired }

// HttpError is a non-2xx, non-401 response from the remote API.
type HttpError struct {
	Status  int
	Message string
}

func (e *HttpError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// NotFound reports whether the server answered 404.
func (e *HttpError) NotFound() bool { return e.Status == http.StatusNotFound }

// ValidationError is malformed local input. It is always returned before any
// state changes and never reaches the network.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
