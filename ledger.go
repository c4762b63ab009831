package governor

import (
	"sync"
	"time"
)

// UsageWindow is the trailing accounting interval for per-minute limits.
const UsageWindow = 60 * time.Second

// UsageLedger tracks per-model sliding-window usage. Implementations must be
// safe for concurrent use, and the evict-then-count sequence inside Usage must
// be atomic per model key.
type UsageLedger interface {
	// Record appends a usage event for the model at the current time.
	// Side effect only; never fails.
	Record(modelKey string, tokens int64)

	// Usage returns the request and token counts for events inside the
	// trailing window, evicting expired events as a side effect.
	Usage(modelKey string) (requests, tokens int64)

	// Oldest returns the timestamp of the oldest event still inside the
	// window, or false if the window is empty.
	Oldest(modelKey string) (time.Time, bool)

	// LastEvent returns the timestamp of the most recently recorded event,
	// regardless of window expiry, or false if nothing was ever recorded.
	LastEvent(modelKey string) (time.Time, bool)
}

// MemoryLedger is the in-memory UsageLedger. Each model key gets its own
// window and lock, so independent backends never contend.
type MemoryLedger struct {
	mu      sync.RWMutex
	keys    map[string]*usageWindow
	nowFunc func() time.Time
}

type usageWindow struct {
	mu     sync.Mutex
	events []usageEvent
	tokens int64 // running token total of events
	last   time.Time
}

type usageEvent struct {
	at     time.Time
	tokens int64
}

var _ UsageLedger = (*MemoryLedger)(nil)

// LedgerOption configures a MemoryLedger.
type LedgerOption func(*MemoryLedger)

// WithLedgerNow overrides the ledger clock. For tests.
func WithLedgerNow(fn func() time.Time) LedgerOption {
	return func(l *MemoryLedger) { l.nowFunc = fn }
}

// NewMemoryLedger creates an in-memory usage ledger.
func NewMemoryLedger(opts ...LedgerOption) *MemoryLedger {
	l := &MemoryLedger{
		keys:    make(map[string]*usageWindow),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends a usage event for the model at the current time.
func (l *MemoryLedger) Record(modelKey string, tokens int64) {
	w := l.window(modelKey)
	now := l.nowFunc()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.events = append(w.events, usageEvent{at: now, tokens: tokens})
	w.tokens += tokens
	w.last = now
}

// Usage returns the request and token counts inside the trailing window.
func (l *MemoryLedger) Usage(modelKey string) (requests, tokens int64) {
	w := l.window(modelKey)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(l.nowFunc())
	return int64(len(w.events)), w.tokens
}

// Oldest returns the timestamp of the oldest in-window event.
func (l *MemoryLedger) Oldest(modelKey string) (time.Time, bool) {
	w := l.window(modelKey)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(l.nowFunc())
	if len(w.events) == 0 {
		return time.Time{}, false
	}
	return w.events[0].at, true
}

// LastEvent returns the timestamp of the most recent recorded event. Unlike
// the window counts, this survives eviction: minimum-spacing checks care about
// the last call even when it has aged out of the window.
func (l *MemoryLedger) LastEvent(modelKey string) (time.Time, bool) {
	w := l.window(modelKey)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.last.IsZero() {
		return time.Time{}, false
	}
	return w.last, true
}

// evict drops events older than the window. Caller holds w.mu.
func (w *usageWindow) evict(now time.Time) {
	cutoff := now.Add(-UsageWindow)
	i := 0
	for ; i < len(w.events); i++ {
		if w.events[i].at.After(cutoff) {
			break
		}
		w.tokens -= w.events[i].tokens
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

func (l *MemoryLedger) window(modelKey string) *usageWindow {
	l.mu.RLock()
	w, ok := l.keys[modelKey]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.keys[modelKey]; ok {
		return w
	}
	w = &usageWindow{}
	l.keys[modelKey] = w
	return w
}
