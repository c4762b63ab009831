package governor

import (
	"sync"
	"time"
)

// statsWindow bounds how far back outcome history counts toward the Smart
// strategy's success rate and latency inputs.
const statsWindow = 5 * time.Minute

// StatsTracker keeps a sliding window of per-backend call outcomes. It feeds
// the Smart strategy and Router.Status.
type StatsTracker struct {
	mu       sync.Mutex
	backends map[string]*outcomeWindow
	nowFunc  func() time.Time
}

type outcomeWindow struct {
	outcomes []outcome
}

type outcome struct {
	at      time.Time
	success bool
	latency time.Duration
}

// StatsOption configures a StatsTracker.
type StatsOption func(*StatsTracker)

// WithStatsNow overrides the tracker clock. For tests.
func WithStatsNow(fn func() time.Time) StatsOption {
	return func(t *StatsTracker) { t.nowFunc = fn }
}

// NewStatsTracker creates an empty tracker.
func NewStatsTracker(opts ...StatsOption) *StatsTracker {
	t := &StatsTracker{
		backends: make(map[string]*outcomeWindow),
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record adds one call outcome for a model key.
func (t *StatsTracker) Record(modelKey string, success bool, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.backends[modelKey]
	if !ok {
		w = &outcomeWindow{}
		t.backends[modelKey] = w
	}
	w.prune(t.nowFunc())
	w.outcomes = append(w.outcomes, outcome{at: t.nowFunc(), success: success, latency: latency})
}

// Snapshot returns the recency-windowed success rate, mean latency, and
// sample count for a model key. With no history it reports a perfect 1.0
// success rate and zero latency, so untried backends are not penalized.
func (t *StatsTracker) Snapshot(modelKey string) (successRate float64, avgLatency time.Duration, samples int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.backends[modelKey]
	if !ok {
		return 1.0, 0, 0
	}
	w.prune(t.nowFunc())
	if len(w.outcomes) == 0 {
		return 1.0, 0, 0
	}

	var successes int
	var total time.Duration
	for _, o := range w.outcomes {
		if o.success {
			successes++
		}
		total += o.latency
	}
	n := len(w.outcomes)
	return float64(successes) / float64(n), total / time.Duration(n), n
}

// prune drops outcomes outside the stats window.
func (w *outcomeWindow) prune(now time.Time) {
	cutoff := now.Add(-statsWindow)
	valid := w.outcomes[:0]
	for _, o := range w.outcomes {
		if o.at.After(cutoff) {
			valid = append(valid, o)
		}
	}
	w.outcomes = valid
}
