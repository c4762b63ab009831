package governor

import (
	"context"
	"time"
)

// DefaultSafetyMargin is the fixed headroom subtracted from both the request
// and token limits before scheduling. A fixed count (not a percentage) keeps
// numeric behavior stable across tiers, but note it is negligible headroom at
// very high-throughput limits.
const DefaultSafetyMargin = 2

// minPollInterval floors the sleep inside WaitUntilReady so a zero remaining
// wait at a window boundary cannot spin the loop.
const minPollInterval = 25 * time.Millisecond

// Scheduler decides whether a call to a model may proceed now, and how long
// to wait if not. It enforces safe request/token limits over the sliding
// window plus a 60/RPM minimum spacing that smooths bursts which would
// otherwise all land at one instant.
type Scheduler struct {
	ledger  UsageLedger
	limits  map[string]ModelLimits
	margin  int64
	nowFunc func() time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSafetyMargin sets the fixed margin subtracted from RPM and TPM.
func WithSafetyMargin(n int64) SchedulerOption {
	return func(s *Scheduler) { s.margin = n }
}

// WithSchedulerNow overrides the scheduler clock. For tests.
func WithSchedulerNow(fn func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.nowFunc = fn }
}

// NewScheduler creates a Scheduler over the given ledger. Limits are
// registered per model key via SetLimits.
func NewScheduler(ledger UsageLedger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		ledger:  ledger,
		limits:  make(map[string]ModelLimits),
		margin:  DefaultSafetyMargin,
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetLimits registers the limits for a model key. Call before routing; the
// Scheduler treats unknown keys as unlimited.
func (s *Scheduler) SetLimits(modelKey string, ml ModelLimits) {
	s.limits[modelKey] = ml
}

// CanProceed reports whether a call consuming the given tokens may go out
// now. When not ready, the returned wait is the larger of the remaining
// minimum-spacing time and the time until the oldest blocking window entry
// expires, always >= 0.
func (s *Scheduler) CanProceed(modelKey string, tokens int64) (bool, time.Duration) {
	ml, ok := s.limits[modelKey]
	if !ok || ml.RequestsPerMinute <= 0 {
		return true, 0
	}

	safeRequests := max(int64(0), ml.RequestsPerMinute-s.margin)
	safeTokens := max(int64(0), ml.TokensPerMinute-s.margin)

	now := s.nowFunc()
	ready := true
	var wait time.Duration

	// Minimum spacing: 60/RPM since the last recorded call.
	spacing := time.Duration(float64(time.Minute) / float64(ml.RequestsPerMinute))
	if last, ok := s.ledger.LastEvent(modelKey); ok {
		if since := now.Sub(last); since < spacing {
			ready = false
			wait = spacing - since
		}
	}

	requests, used := s.ledger.Usage(modelKey)
	overRequests := requests+1 > safeRequests
	overTokens := ml.TokensPerMinute > 0 && used+tokens > safeTokens
	if overRequests || overTokens {
		ready = false
		if oldest, ok := s.ledger.Oldest(modelKey); ok {
			if w := oldest.Add(UsageWindow).Sub(now); w > wait {
				wait = w
			}
		}
	}

	if ready {
		return true, 0
	}
	if wait < 0 {
		wait = 0
	}
	return false, wait
}

// RecordRequest records an accepted call in the ledger. Call after a
// successful CanProceed and before invoking the backend.
func (s *Scheduler) RecordRequest(modelKey string, tokens int64) {
	s.ledger.Record(modelKey, tokens)
}

// WaitUntilReady blocks until the model can accept the call or maxWait would
// be exceeded, whichever comes first. Returns false on timeout or context
// cancellation without blocking further. The loop is bounded: every sleep is
// at most the remaining budget and the candidate is re-checked after each.
func (s *Scheduler) WaitUntilReady(ctx context.Context, modelKey string, tokens int64, maxWait time.Duration) bool {
	deadline := s.nowFunc().Add(maxWait)

	for {
		ready, wait := s.CanProceed(modelKey, tokens)
		if ready {
			return true
		}
		if wait < minPollInterval {
			wait = minPollInterval
		}
		if s.nowFunc().Add(wait).After(deadline) {
			return false
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}
