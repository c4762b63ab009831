package governor

import "time"

// Meter observes routing events for monitoring/logging. Implementations must
// be fast; events are emitted synchronously from the invoke path.
type Meter interface {
	// OnAttempt is called just before a backend is invoked.
	OnAttempt(event AttemptEvent)

	// OnFallback is called before invoking any backend other than the
	// configured primary.
	OnFallback(event FallbackEvent)

	// OnResult is called when a backend attempt completes.
	OnResult(event ResultEvent)

	// OnBudgetWarning is called when a budget period crosses its warning
	// threshold.
	OnBudgetWarning(event BudgetWarningEvent)
}

// AttemptEvent describes an imminent backend invocation.
type AttemptEvent struct {
	CallID          string
	Provider        string
	Model           string
	AttemptNum      int
	EstimatedTokens int64
}

// FallbackEvent describes a departure from the primary backend.
type FallbackEvent struct {
	CallID          string
	AttemptedModel  string // the primary's model key
	FallbackModel   string // the model key actually chosen
	Reason          string // failure kind of the primary, or "strategy_order"
	EstimatedTokens int64
	Limits          ModelLimits // limits of the chosen backend
}

// ResultEvent describes the outcome of a backend invocation.
type ResultEvent struct {
	CallID   string
	Outcome  CallOutcome
	Usage    Usage
	Err      error
	Duration time.Duration
}

// noopMeter is the default meter. Inline here so the root package need not
// import its own meter subpackage.
type noopMeter struct{}

func (noopMeter) OnAttempt(AttemptEvent)             {}
func (noopMeter) OnFallback(FallbackEvent)           {}
func (noopMeter) OnResult(ResultEvent)               {}
func (noopMeter) OnBudgetWarning(BudgetWarningEvent) {}
