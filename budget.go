package governor

import (
	"math"
	"sync"
	"time"
)

// BudgetPeriod identifies one budget accounting period.
type BudgetPeriod string

const (
	BudgetHourly  BudgetPeriod = "hourly"
	BudgetDaily   BudgetPeriod = "daily"
	BudgetMonthly BudgetPeriod = "monthly"
	BudgetTotal   BudgetPeriod = "total"
)

// budgetPeriods is the deterministic iteration order for period state.
var budgetPeriods = []BudgetPeriod{BudgetHourly, BudgetDaily, BudgetMonthly, BudgetTotal}

// Valid reports whether p is a known period.
func (p BudgetPeriod) Valid() bool {
	switch p {
	case BudgetHourly, BudgetDaily, BudgetMonthly, BudgetTotal:
		return true
	}
	return false
}

// DefaultWarningThreshold is the spend fraction at which a budget warning is
// emitted.
const DefaultWarningThreshold = 0.8

// BudgetConfig configures one budget period.
type BudgetConfig struct {
	Amount           float64
	Period           BudgetPeriod
	HardLimit        bool
	WarningThreshold float64 // fraction in [0,1], 0 disables warnings
}

// NewBudgetConfig returns a BudgetConfig with the defaults: hard limit on,
// warning at DefaultWarningThreshold.
func NewBudgetConfig(period BudgetPeriod, amount float64) BudgetConfig {
	return BudgetConfig{
		Amount:           amount,
		Period:           period,
		HardLimit:        true,
		WarningThreshold: DefaultWarningThreshold,
	}
}

// BudgetStatus is one period's introspection snapshot.
type BudgetStatus struct {
	Budget     float64
	Spent      float64
	Remaining  float64
	Percentage float64
	HardLimit  bool
}

// BudgetWarningEvent is emitted once per period cycle when spend crosses the
// warning threshold.
type BudgetWarningEvent struct {
	Period    BudgetPeriod
	Budget    float64
	Spent     float64
	Threshold float64
}

// SpendSink receives a copy of every recorded spend, e.g. for durable
// mirroring in a shared store. Calls are best-effort and must not block the
// caller for long.
type SpendSink interface {
	RecordSpend(period BudgetPeriod, modelKey string, amount float64)
}

// BudgetEnforcer tracks cumulative spend per configured period and enforces
// hard and soft limits. HOURLY/DAILY/MONTHLY totals lazily reset to zero once
// the wall-clock boundary has elapsed; TOTAL never resets automatically.
// Safe for concurrent use; period totals aggregate across all models, so all
// operations serialize on one lock.
type BudgetEnforcer struct {
	mu       sync.Mutex
	periods  map[BudgetPeriod]*periodState
	perModel map[string]float64
	nowFunc  func() time.Time
	sink     SpendSink
	onWarn   func(BudgetWarningEvent)
}

type periodState struct {
	cfg     BudgetConfig
	spent   float64
	resetAt time.Time // zero for BudgetTotal
	warned  bool
}

// BudgetOption configures a BudgetEnforcer.
type BudgetOption func(*BudgetEnforcer)

// WithBudgetNow overrides the budget clock. For tests.
func WithBudgetNow(fn func() time.Time) BudgetOption {
	return func(b *BudgetEnforcer) { b.nowFunc = fn }
}

// WithSpendSink mirrors every recorded spend into the sink.
func WithSpendSink(sink SpendSink) BudgetOption {
	return func(b *BudgetEnforcer) { b.sink = sink }
}

// WithWarningFunc sets the callback for threshold-crossing warnings.
func WithWarningFunc(fn func(BudgetWarningEvent)) BudgetOption {
	return func(b *BudgetEnforcer) { b.onWarn = fn }
}

// NewBudgetEnforcer creates an enforcer for the given period configs.
// At most one config per period; later configs overwrite earlier ones.
func NewBudgetEnforcer(configs []BudgetConfig, opts ...BudgetOption) *BudgetEnforcer {
	b := &BudgetEnforcer{
		periods:  make(map[BudgetPeriod]*periodState, len(configs)),
		perModel: make(map[string]float64),
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	for _, cfg := range configs {
		b.periods[cfg.Period] = &periodState{
			cfg:     cfg,
			resetAt: nextBoundary(cfg.Period, b.nowFunc()),
		}
	}
	return b
}

// RecordCost adds spend to every configured period (and to the per-model
// subtotal when modelKey is non-empty). If a hard-limited period ends up over
// budget, a *BudgetExceededError for the first such period is returned — the
// spend is still recorded, since it already happened.
func (b *BudgetEnforcer) RecordCost(amount float64, modelKey string) error {
	b.mu.Lock()

	var warnings []BudgetWarningEvent
	var exceeded *BudgetExceededError

	for _, period := range budgetPeriods {
		ps, ok := b.periods[period]
		if !ok {
			continue
		}
		b.maybeReset(ps)
		ps.spent += amount

		if th := ps.cfg.WarningThreshold; th > 0 && !ps.warned && ps.spent >= th*ps.cfg.Amount {
			ps.warned = true
			warnings = append(warnings, BudgetWarningEvent{
				Period:    period,
				Budget:    ps.cfg.Amount,
				Spent:     ps.spent,
				Threshold: th,
			})
		}

		if exceeded == nil && ps.cfg.HardLimit && ps.spent > ps.cfg.Amount {
			exceeded = &BudgetExceededError{
				Budget:       ps.cfg.Amount,
				CurrentTotal: ps.spent,
				Period:       period,
			}
		}
	}

	if modelKey != "" {
		b.perModel[modelKey] += amount
	}

	sink, onWarn := b.sink, b.onWarn
	b.mu.Unlock()

	if sink != nil {
		for _, period := range budgetPeriods {
			if _, ok := b.periods[period]; ok {
				sink.RecordSpend(period, modelKey, amount)
			}
		}
	}
	if onWarn != nil {
		for _, w := range warnings {
			onWarn(w)
		}
	}

	if exceeded != nil {
		return exceeded
	}
	return nil
}

// CanAfford reports whether spending amount now would stay within budget.
// Soft-limited periods always afford; hard-limited periods afford only while
// current + amount <= budget. With no periods given, all configured periods
// are checked.
func (b *BudgetEnforcer) CanAfford(amount float64, periods ...BudgetPeriod) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	check := periods
	if len(check) == 0 {
		check = budgetPeriods
	}
	for _, period := range check {
		ps, ok := b.periods[period]
		if !ok || !ps.cfg.HardLimit {
			continue
		}
		b.maybeReset(ps)
		if ps.spent+amount > ps.cfg.Amount {
			return false
		}
	}
	return true
}

// affordError is CanAfford with the blocking period spelled out. Returns nil
// when the spend fits every configured hard limit.
func (b *BudgetEnforcer) affordError(amount float64) *BudgetExceededError {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, period := range budgetPeriods {
		ps, ok := b.periods[period]
		if !ok || !ps.cfg.HardLimit {
			continue
		}
		b.maybeReset(ps)
		if ps.spent+amount > ps.cfg.Amount {
			return &BudgetExceededError{
				Budget:       ps.cfg.Amount,
				CurrentTotal: ps.spent,
				Period:       period,
			}
		}
	}
	return nil
}

// Remaining returns the budget left for a period: +Inf when the period is
// unconfigured, floored at 0 when a soft limit is exceeded.
func (b *BudgetEnforcer) Remaining(period BudgetPeriod) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	ps, ok := b.periods[period]
	if !ok {
		return math.Inf(1)
	}
	b.maybeReset(ps)
	return max(0, ps.cfg.Amount-ps.spent)
}

// Spent returns the running total for a period (0 when unconfigured).
func (b *BudgetEnforcer) Spent(period BudgetPeriod) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	ps, ok := b.periods[period]
	if !ok {
		return 0
	}
	b.maybeReset(ps)
	return ps.spent
}

// Status returns an introspection snapshot for every configured period.
func (b *BudgetEnforcer) Status() map[BudgetPeriod]BudgetStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[BudgetPeriod]BudgetStatus, len(b.periods))
	for period, ps := range b.periods {
		b.maybeReset(ps)
		st := BudgetStatus{
			Budget:    ps.cfg.Amount,
			Spent:     ps.spent,
			Remaining: max(0, ps.cfg.Amount-ps.spent),
			HardLimit: ps.cfg.HardLimit,
		}
		if ps.cfg.Amount > 0 {
			st.Percentage = ps.spent / ps.cfg.Amount * 100
		}
		out[period] = st
	}
	return out
}

// ModelSpend returns the per-model spend subtotals.
func (b *BudgetEnforcer) ModelSpend() map[string]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]float64, len(b.perModel))
	for k, v := range b.perModel {
		out[k] = v
	}
	return out
}

// Reset manually zeroes the given periods, or every period (and the per-model
// subtotals) when none are given.
func (b *BudgetEnforcer) Reset(periods ...BudgetPeriod) {
	b.mu.Lock()
	defer b.mu.Unlock()

	reset := periods
	if len(reset) == 0 {
		reset = budgetPeriods
		b.perModel = make(map[string]float64)
	}
	for _, period := range reset {
		if ps, ok := b.periods[period]; ok {
			ps.spent = 0
			ps.warned = false
			ps.resetAt = nextBoundary(period, b.nowFunc())
		}
	}
}

// Seed replaces the running totals, e.g. from a durable spend store after a
// restart.
func (b *BudgetEnforcer) Seed(totals map[BudgetPeriod]float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for period, total := range totals {
		if ps, ok := b.periods[period]; ok {
			ps.spent = total
		}
	}
}

// maybeReset zeroes a period whose boundary has elapsed. Caller holds b.mu.
func (b *BudgetEnforcer) maybeReset(ps *periodState) {
	if ps.cfg.Period == BudgetTotal {
		return
	}
	now := b.nowFunc()
	if now.Before(ps.resetAt) {
		return
	}
	ps.spent = 0
	ps.warned = false
	ps.resetAt = nextBoundary(ps.cfg.Period, now)
}

// nextBoundary returns the next wall-clock reset instant (UTC) for a period.
func nextBoundary(period BudgetPeriod, now time.Time) time.Time {
	now = now.UTC()
	switch period {
	case BudgetHourly:
		return now.Truncate(time.Hour).Add(time.Hour)
	case BudgetDaily:
		return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	case BudgetMonthly:
		return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Time{}
	}
}
