package services

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every *ValidationError
	ErrValidation = errors.New("validation failed")
	// ErrUnauthorized marks a requester that may not submit work
	ErrUnauthorized = errors.New("requester is not authorized")
	// ErrShuttingDown is returned by Submit once Shutdown has begun
	ErrShuttingDown = errors.New("rejecting new work: queue is shutting down")
	// ErrCancelled is matched by every *CancellationError
	ErrCancelled = errors.New("job cancelled")
	// ErrJobNotFound is returned for unknown or evicted job ids
	ErrJobNotFound = errors.New("job not found")
	// ErrNotAdmin marks an admin-only operation called by a non-admin
	ErrNotAdmin = errors.New("admin privileges required")
)

// ValidationError is bad input to Submit; no job is created
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// FetchError means the fetch collaborator failed. Reason is safe to show a user.
type FetchError struct {
	Resource string
	Reason   string
	Err      error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.Resource, e.Reason, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.Resource, e.Reason)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// CancellationError records a cooperative stop that was honored
type CancellationError struct {
	Reason string
	Err    error
}

func (e *CancellationError) Error() string {
	return "job cancelled: " + e.Reason
}

func (e *CancellationError) Is(target error) bool {
	return target == ErrCancelled
}

func (e *CancellationError) Unwrap() error {
	return e.Err
}

// ReclamationEntryError is a failure to stat or delete one entry during a sweep
type ReclamationEntryError struct {
	Op   string
	Path string
	Err  error
}

func (e *ReclamationEntryError) Error() string {
	return fmt.Sprintf("reclaim %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ReclamationEntryError) Unwrap() error {
	return e.Err
}

// ReclamationFatalError aborts a whole sweep, e.g. an unreadable root
type ReclamationFatalError struct {
	Root string
	Err  error
}

func (e *ReclamationFatalError) Error() string {
	return fmt.Sprintf("reclamation sweep of %s failed: %v", e.Root, e.Err)
}

func (e *ReclamationFatalError) Unwrap() error {
	return e.Err
}

// failureDetail returns the short user-facing text stored on a failed job
func failureDetail(err error) string {
	var fe *FetchError
	if errors.As(err, &fe) && fe.Reason != "" {
		return fe.Reason
	}
	return "download failed"
}
