package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind tags a failure in a run's error list.
type ErrorKind string

// Error kinds.
const (
	KindValidation     ErrorKind = "validation"
	KindTransient      ErrorKind = "transient_provider"
	KindRejection      ErrorKind = "provider_rejection"
	KindTimeout        ErrorKind = "timeout"
	KindAlreadyRunning ErrorKind = "already_running"
	KindCancelled      ErrorKind = "cancelled"
	KindInternal       ErrorKind = "internal"
)

var (
	// ErrNoData marks a provider response that carried no traffic data.
	// It is a valid outcome and is never retried.
	ErrNoData = errors.New("no data")
	// ErrRunNotFound is returned when a keyword has no known run.
	ErrRunNotFound = errors.New("run not found")
)

// ValidationError reports bad input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Kind implements the error taxonomy.
func (e *ValidationError) Kind() ErrorKind { return KindValidation }

// TransientProviderError is a network, 429 or 5xx failure worth retrying.
type TransientProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *TransientProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: transient failure (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Provider, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// Kind implements the error taxonomy.
func (e *TransientProviderError) Kind() ErrorKind { return KindTransient }

// ProviderRejectionError is a 4xx auth, quota or configuration failure.
type ProviderRejectionError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderRejectionError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: rejected with status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: rejected with status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Kind implements the error taxonomy.
func (e *ProviderRejectionError) Kind() ErrorKind { return KindRejection }

// TimeoutError is returned when a poll loop or call exhausts its budget.
type TimeoutError struct {
	Op     string
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: exceeded %s budget", e.Op, e.Budget)
}

// Kind implements the error taxonomy.
func (e *TimeoutError) Kind() ErrorKind { return KindTimeout }

// AlreadyRunningError rejects a second run for a busy keyword.
type AlreadyRunningError struct {
	Keyword string
	RunID   string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("keyword %q already has an active run %s", e.Keyword, e.RunID)
}

// Kind implements the error taxonomy.
func (e *AlreadyRunningError) Kind() ErrorKind { return KindAlreadyRunning }

// CancelledError ends a run that was cancelled by request.
type CancelledError struct {
	Stage Stage
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("run cancelled during %s stage", e.Stage)
}

// Kind implements the error taxonomy.
func (e *CancelledError) Kind() ErrorKind { return KindCancelled }

type kinded interface {
	Kind() ErrorKind
}

// Classify returns the taxonomy tag for err.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindInternal
	}
}

// IsRetryable reports whether err should be retried by a stage-local retry loop.
func IsRetryable(err error) bool {
	var transient *TransientProviderError
	return errors.As(err, &transient)
}
