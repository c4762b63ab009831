package governor

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Router is the facade over the governor's components. For each call it
// orders candidates via the Strategy, applies the context and budget gates,
// waits out rate limits, invokes the backend, records the outcome, and
// retries the next candidate on failure. Candidates are tried strictly
// sequentially — never two backends in flight for one logical call.
//
// Routers are immutable once built; all mutable state lives in the ledger,
// budget enforcer, and stats tracker instances they own. Safe for concurrent
// use from multiple goroutines.
type Router struct {
	chain           FallbackChain
	strategy        Strategy
	scheduler       *Scheduler
	ledger          UsageLedger
	budget          *BudgetEnforcer
	contexts        *ContextPolicy
	stats           *StatsTracker
	meter           Meter
	onFallback      func(FallbackEvent)
	contextFallback bool
	maxWait         time.Duration
}

// Invoke routes one call. It returns the first successful backend response,
// or one of *ContextTooLargeError (no configured backend can hold the
// payload), *BudgetExceededError (every candidate was blocked by a hard
// budget), or *AllBackendsExhaustedError (mixed or other failures, with the
// per-candidate reason in attempt order).
func (r *Router) Invoke(ctx context.Context, req Request) (Response, error) {
	callID := uuid.New().String()
	primaryKey := ModelKey(r.chain.Primary)

	ordered := r.strategy.Order(r.candidates())

	var attempts []AttemptFailure
	anyFit := false
	attemptNum := 0

	for _, c := range ordered {
		b := c.Backend

		fits, estimated, maxContext := r.contexts.Fits(req, b)
		if !fits {
			attempts = append(attempts, AttemptFailure{
				Provider: b.Provider(),
				Model:    b.ModelName(),
				Kind:     FailureContextTooLarge,
				Err:      &ContextTooLargeError{EstimatedTokens: estimated, LargestContext: maxContext},
			})
			continue
		}
		anyFit = true
		attemptNum++

		resp, fail := r.tryCandidate(ctx, callID, req, b, estimated, attemptNum, primaryKey, attempts)
		if fail != nil {
			attempts = append(attempts, *fail)
			// A canceled caller fails identically against every candidate.
			if fail.Kind == FailureInvocation && !IsRetryable(fail.Err) {
				return Response{}, fail.Err
			}
			continue
		}
		return resp, nil
	}

	// Context escalation: nothing in strategy order could hold the payload,
	// so correctness trumps preference ordering — look for any configured
	// backend with a large enough window.
	if !anyFit && len(ordered) > 0 {
		b, cerr := r.contexts.SelectContextCapable(req, r.chain.All())
		if cerr != nil {
			return Response{}, cerr
		}
		if r.contextFallback {
			estimated := r.contexts.EstimateTokens(req)
			attemptNum++
			resp, fail := r.tryCandidate(ctx, callID, req, b, estimated, attemptNum, primaryKey, attempts)
			if fail == nil {
				return resp, nil
			}
			attempts = append(attempts, *fail)
		}
	}

	if err := terminalBudgetError(attempts); err != nil {
		return Response{}, err
	}
	return Response{}, &AllBackendsExhaustedError{CallID: callID, Attempts: attempts}
}

// tryCandidate runs the budget gate, rate-limit wait, and invocation for one
// backend. The context gate already passed. Returns the response on success,
// or the attempt failure to aggregate.
func (r *Router) tryCandidate(ctx context.Context, callID string, req Request, b Backend, estimated int64, attemptNum int, primaryKey string, prior []AttemptFailure) (Response, *AttemptFailure) {
	key := ModelKey(b)

	estimatedCost := float64(estimated) * b.Limits().BlendedCost()
	if err := r.budget.affordError(estimatedCost); err != nil {
		return Response{}, &AttemptFailure{
			Provider: b.Provider(), Model: b.ModelName(),
			Kind: FailureBudgetExceeded, Err: err,
		}
	}

	if !r.scheduler.WaitUntilReady(ctx, key, estimated, r.maxWait) {
		return Response{}, &AttemptFailure{
			Provider: b.Provider(), Model: b.ModelName(),
			Kind: FailureRateLimitTimeout, Err: ErrRateLimitWaitTimeout,
		}
	}

	if key != primaryKey {
		ev := FallbackEvent{
			CallID:          callID,
			AttemptedModel:  primaryKey,
			FallbackModel:   key,
			Reason:          fallbackReason(prior, primaryKey),
			EstimatedTokens: estimated,
			Limits:          b.Limits(),
		}
		r.meter.OnFallback(ev)
		if r.onFallback != nil {
			r.onFallback(ev)
		}
	}

	r.scheduler.RecordRequest(key, estimated)
	r.meter.OnAttempt(AttemptEvent{
		CallID:          callID,
		Provider:        b.Provider(),
		Model:           b.ModelName(),
		AttemptNum:      attemptNum,
		EstimatedTokens: estimated,
	})

	start := time.Now()
	resp, err := b.Invoke(ctx, req)
	duration := time.Since(start)

	if err != nil {
		r.stats.Record(key, false, duration)
		r.meter.OnResult(ResultEvent{
			CallID: callID,
			Outcome: CallOutcome{
				Provider: b.Provider(), Model: b.ModelName(),
				Success: false, Duration: duration, ErrorKind: FailureInvocation,
			},
			Err:      err,
			Duration: duration,
		})
		return Response{}, &AttemptFailure{
			Provider: b.Provider(), Model: b.ModelName(),
			Kind: FailureInvocation,
			Err:  &BackendInvocationError{Provider: b.Provider(), Model: b.ModelName(), Err: err},
		}
	}

	tokens := resp.Usage.TotalTokens
	if tokens == 0 {
		tokens = estimated
	}
	cost := costFor(b.Limits(), resp.Usage, estimated)

	// A hard-limit overage on a completed call is recorded but not
	// surfaced: the spend already happened and the response is in hand.
	// The next call gets budget-blocked instead.
	_ = r.budget.RecordCost(cost, key)
	r.stats.Record(key, true, duration)
	r.meter.OnResult(ResultEvent{
		CallID: callID,
		Outcome: CallOutcome{
			Provider: b.Provider(), Model: b.ModelName(),
			TokensUsed: tokens, Cost: cost,
			Success: true, Duration: duration,
		},
		Usage:    resp.Usage,
		Duration: duration,
	})

	resp.Routing = RoutingInfo{
		CallID:   callID,
		Provider: b.Provider(),
		Model:    b.ModelName(),
		Attempts: attemptNum,
		FellBack: key != primaryKey,
	}
	return resp, nil
}

// candidates snapshots the chain with each backend's recent history.
func (r *Router) candidates() []Candidate {
	backends := r.chain.All()
	out := make([]Candidate, 0, len(backends))
	for i, b := range backends {
		rate, latency, samples := r.stats.Snapshot(ModelKey(b))
		out = append(out, Candidate{
			Backend:     b,
			Primary:     i == 0,
			SuccessRate: rate,
			AvgLatency:  latency,
			Samples:     samples,
		})
	}
	return out
}

// Status is the introspection snapshot exposed for health endpoints.
type Status struct {
	Backends   map[string]BackendUsage
	Budgets    map[BudgetPeriod]BudgetStatus
	ModelSpend map[string]float64
}

// BackendUsage is one backend's current window usage and recent history.
type BackendUsage struct {
	Requests    int64
	Tokens      int64
	Limits      ModelLimits
	SuccessRate float64
	AvgLatency  time.Duration
}

// Status reports per-backend window usage and per-period budget state.
func (r *Router) Status() Status {
	st := Status{
		Backends:   make(map[string]BackendUsage),
		Budgets:    r.budget.Status(),
		ModelSpend: r.budget.ModelSpend(),
	}
	for _, b := range r.chain.All() {
		key := ModelKey(b)
		requests, tokens := r.ledger.Usage(key)
		rate, latency, _ := r.stats.Snapshot(key)
		st.Backends[key] = BackendUsage{
			Requests:    requests,
			Tokens:      tokens,
			Limits:      b.Limits(),
			SuccessRate: rate,
			AvgLatency:  latency,
		}
	}
	return st
}

// Chain returns the configured fallback chain.
func (r *Router) Chain() FallbackChain { return r.chain }

// costFor computes the dollar cost of a completed call, falling back to the
// blended estimate when the backend reported no usage.
func costFor(ml ModelLimits, usage Usage, estimated int64) float64 {
	if usage.TotalTokens > 0 {
		return float64(usage.PromptTokens)*ml.CostPerInputToken +
			float64(usage.CompletionTokens)*ml.CostPerOutputToken
	}
	return float64(estimated) * ml.BlendedCost()
}

// fallbackReason names why the router departed from the primary: the
// primary's own failure kind when it was already tried or skipped, otherwise
// the strategy simply preferred another backend.
func fallbackReason(attempts []AttemptFailure, primaryKey string) string {
	for _, a := range attempts {
		if a.Provider+"/"+a.Model == primaryKey {
			return string(a.Kind)
		}
	}
	return "strategy_order"
}

// terminalBudgetError returns the first budget error when every attempted
// candidate was budget-blocked; only then is BudgetExceededError the terminal
// error a caller sees.
func terminalBudgetError(attempts []AttemptFailure) error {
	if len(attempts) == 0 {
		return nil
	}
	for _, a := range attempts {
		if a.Kind != FailureBudgetExceeded {
			return nil
		}
	}
	return attempts[0].Err
}
