package governor

import (
	"errors"
	"fmt"
	"time"
)

// DefaultMaxWait bounds how long the router waits out a rate limit per
// candidate before moving on.
const DefaultMaxWait = 5 * time.Minute

// ErrNoPrimary is returned by Build when no primary backend was configured.
var ErrNoPrimary = errors.New("governor: builder: a primary backend is required")

// Builder assembles a validated, immutable Router. Configuration errors
// accumulate and surface at Build, so calls can be chained fluently.
type Builder struct {
	primary         Backend
	fallbacks       []Backend
	budgets         []BudgetConfig
	strategyKind    StrategyKind
	strategy        Strategy
	contextFallback bool
	maxWait         time.Duration
	safetyMargin    int64
	ledger          UsageLedger
	meter           Meter
	sink            SpendSink
	onFallback      func(FallbackEvent)
	nowFunc         func() time.Time
	errs            []error
}

// NewBuilder creates a Builder with the defaults: Sequential strategy,
// context fallback enabled, DefaultMaxWait, DefaultSafetyMargin.
func NewBuilder() *Builder {
	return &Builder{
		strategyKind:    StrategySequential,
		contextFallback: true,
		maxWait:         DefaultMaxWait,
		safetyMargin:    DefaultSafetyMargin,
		nowFunc:         time.Now,
	}
}

// WithPrimary sets the primary backend. Required, exactly once.
func (b *Builder) WithPrimary(backend Backend) *Builder {
	if backend == nil {
		b.errs = append(b.errs, errors.New("governor: builder: primary backend is nil"))
		return b
	}
	if b.primary != nil {
		b.errs = append(b.errs, errors.New("governor: builder: primary backend already set"))
		return b
	}
	b.primary = backend
	return b
}

// WithFallback appends one fallback backend. Order is preserved and is the
// Sequential strategy's order.
func (b *Builder) WithFallback(backend Backend) *Builder {
	if backend == nil {
		b.errs = append(b.errs, errors.New("governor: builder: fallback backend is nil"))
		return b
	}
	b.fallbacks = append(b.fallbacks, backend)
	return b
}

// WithFallbacks appends several fallback backends in order.
func (b *Builder) WithFallbacks(backends ...Backend) *Builder {
	for _, backend := range backends {
		b.WithFallback(backend)
	}
	return b
}

// WithBudget configures one budget period with the defaults (hard limit,
// warning at DefaultWarningThreshold).
func (b *Builder) WithBudget(period BudgetPeriod, amount float64) *Builder {
	return b.WithBudgetConfig(NewBudgetConfig(period, amount))
}

// WithBudgetConfig configures one budget period with full control over hard
// limit and warning threshold.
func (b *Builder) WithBudgetConfig(cfg BudgetConfig) *Builder {
	b.budgets = append(b.budgets, cfg)
	return b
}

// WithStrategy selects a built-in fallback-ordering strategy.
func (b *Builder) WithStrategy(kind StrategyKind) *Builder {
	b.strategyKind = kind
	return b
}

// WithCustomStrategy installs a caller-provided Strategy, overriding the
// kind selection.
func (b *Builder) WithCustomStrategy(s Strategy) *Builder {
	b.strategy = s
	return b
}

// WithContextFallback toggles escalation to a larger-context backend when the
// payload fits none of the strategy-ordered candidates. Default true.
func (b *Builder) WithContextFallback(enabled bool) *Builder {
	b.contextFallback = enabled
	return b
}

// WithMaxWait bounds the per-candidate rate-limit wait. Default DefaultMaxWait.
func (b *Builder) WithMaxWait(d time.Duration) *Builder {
	b.maxWait = d
	return b
}

// WithSafetyMargin sets the fixed headroom subtracted from RPM and TPM.
// Default DefaultSafetyMargin.
func (b *Builder) WithSafetyMargin(n int64) *Builder {
	b.safetyMargin = n
	return b
}

// WithLedger replaces the in-memory usage ledger, e.g. with a shared Redis
// ledger for multi-instance deployments.
func (b *Builder) WithLedger(l UsageLedger) *Builder {
	b.ledger = l
	return b
}

// WithMeter installs an event observer.
func (b *Builder) WithMeter(m Meter) *Builder {
	b.meter = m
	return b
}

// WithSpendSink mirrors recorded spend into a durable store.
func (b *Builder) WithSpendSink(sink SpendSink) *Builder {
	b.sink = sink
	return b
}

// WithOnFallback installs a callback invoked synchronously whenever the
// router departs from the primary backend.
func (b *Builder) WithOnFallback(fn func(FallbackEvent)) *Builder {
	b.onFallback = fn
	return b
}

// WithClock overrides the clock for every component the builder creates.
// For tests.
func (b *Builder) WithClock(fn func() time.Time) *Builder {
	b.nowFunc = fn
	return b
}

// Build validates the configuration and returns a ready-to-use Router.
func (b *Builder) Build() (*Router, error) {
	errs := b.errs
	if b.primary == nil {
		errs = append(errs, ErrNoPrimary)
	}

	seenPeriods := make(map[BudgetPeriod]bool, len(b.budgets))
	for i, cfg := range b.budgets {
		if !cfg.Period.Valid() {
			errs = append(errs, fmt.Errorf("governor: builder: budget[%d]: invalid period %q", i, cfg.Period))
			continue
		}
		if cfg.Amount <= 0 {
			errs = append(errs, fmt.Errorf("governor: builder: budget[%d] (%s): amount must be positive", i, cfg.Period))
		}
		if cfg.WarningThreshold < 0 || cfg.WarningThreshold > 1 {
			errs = append(errs, fmt.Errorf("governor: builder: budget[%d] (%s): warning threshold must be in [0,1]", i, cfg.Period))
		}
		if seenPeriods[cfg.Period] {
			errs = append(errs, fmt.Errorf("governor: builder: duplicate budget period %q", cfg.Period))
		}
		seenPeriods[cfg.Period] = true
	}

	if b.primary != nil {
		seenKeys := map[string]bool{ModelKey(b.primary): true}
		for _, fb := range b.fallbacks {
			key := ModelKey(fb)
			if seenKeys[key] {
				errs = append(errs, fmt.Errorf("governor: builder: duplicate backend %q", key))
			}
			seenKeys[key] = true
		}
	}

	strategy := b.strategy
	if strategy == nil {
		var err error
		strategy, err = NewStrategy(b.strategyKind)
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	meter := b.meter
	if meter == nil {
		meter = noopMeter{}
	}

	ledger := b.ledger
	if ledger == nil {
		ledger = NewMemoryLedger(WithLedgerNow(b.nowFunc))
	}

	chain := FallbackChain{Primary: b.primary, Fallbacks: b.fallbacks}

	scheduler := NewScheduler(ledger,
		WithSafetyMargin(b.safetyMargin),
		WithSchedulerNow(b.nowFunc),
	)
	for _, backend := range chain.All() {
		scheduler.SetLimits(ModelKey(backend), backend.Limits())
	}

	budgetOpts := []BudgetOption{
		WithBudgetNow(b.nowFunc),
		WithWarningFunc(meter.OnBudgetWarning),
	}
	if b.sink != nil {
		budgetOpts = append(budgetOpts, WithSpendSink(b.sink))
	}
	budget := NewBudgetEnforcer(b.budgets, budgetOpts...)

	return &Router{
		chain:           chain,
		strategy:        strategy,
		scheduler:       scheduler,
		ledger:          ledger,
		budget:          budget,
		contexts:        NewContextPolicy(),
		stats:           NewStatsTracker(WithStatsNow(b.nowFunc)),
		meter:           meter,
		onFallback:      b.onFallback,
		contextFallback: b.contextFallback,
		maxWait:         b.maxWait,
	}, nil
}
