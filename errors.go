package governor

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors.
var (
	// ErrRateLimitWaitTimeout reports that the scheduler could not clear the
	// window within max_wait. It is absorbed by the fallback loop and only
	// reaches callers inside an AllBackendsExhaustedError.
	ErrRateLimitWaitTimeout = errors.New("governor: rate limit wait timed out")

	// ErrBackendUnavailable is a generic retryable invocation failure,
	// useful for tests and simple backends.
	ErrBackendUnavailable = errors.New("governor: backend unavailable")
)

// FailureKind enumerates why a candidate was skipped or failed.
type FailureKind string

const (
	FailureContextTooLarge  FailureKind = "context_too_large"
	FailureBudgetExceeded   FailureKind = "budget_exceeded"
	FailureRateLimitTimeout FailureKind = "rate_limit_timeout"
	FailureInvocation       FailureKind = "invocation_error"
)

// ContextTooLargeError reports that no candidate context window can hold the
// payload. LargestContext is the best available among the considered backends.
type ContextTooLargeError struct {
	EstimatedTokens int64
	LargestContext  int64
}

func (e *ContextTooLargeError) Error() string {
	return fmt.Sprintf("governor: payload of ~%d tokens exceeds largest context window (%d)",
		e.EstimatedTokens, e.LargestContext)
}

// BudgetExceededError reports that recording a cost pushed a hard-limited
// period over its configured budget. The spend is recorded regardless; the
// overage already happened.
type BudgetExceededError struct {
	Budget       float64
	CurrentTotal float64
	Period       BudgetPeriod
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("governor: %s budget of %.2f exceeded (spent %.2f)",
		e.Period, e.Budget, e.CurrentTotal)
}

// BackendInvocationError wraps a failure returned by Backend.Invoke.
type BackendInvocationError struct {
	Provider string
	Model    string
	Err      error
}

func (e *BackendInvocationError) Error() string {
	return fmt.Sprintf("governor: invoke %s/%s: %v", e.Provider, e.Model, e.Err)
}

func (e *BackendInvocationError) Unwrap() error { return e.Err }

// AttemptFailure records why one candidate did not serve the call.
type AttemptFailure struct {
	Provider string
	Model    string
	Kind     FailureKind
	Err      error
}

// AllBackendsExhaustedError is the terminal routing error: every candidate was
// tried (or skipped) without success. Attempts are in the order attempted.
type AllBackendsExhaustedError struct {
	CallID   string
	Attempts []AttemptFailure
}

func (e *AllBackendsExhaustedError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "governor: all backends exhausted after %d attempts", len(e.Attempts))
	for _, a := range e.Attempts {
		fmt.Fprintf(&sb, "; %s/%s: %s", a.Provider, a.Model, a.Kind)
	}
	return sb.String()
}

// Unwrap exposes the per-attempt errors so callers can match with errors.Is
// and errors.As.
func (e *AllBackendsExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	return errs
}

// IsRetryable reports whether an invocation error may be retried against the
// next candidate. Everything is retryable except context cancellation, which
// would fail identically everywhere.
func IsRetryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
