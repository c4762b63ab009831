package governor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietgrid/governor"
	"github.com/quietgrid/governor/backend/mock"
)

func helloRequest() governor.Request {
	return governor.Request{
		Messages: []governor.Message{{Role: "user", Content: "hello"}},
	}
}

func generousLimits() governor.ModelLimits {
	return governor.ModelLimits{
		RequestsPerMinute: 1000,
		TokensPerMinute:   1_000_000,
		MaxContextTokens:  128_000,
	}
}

func TestRouter_PrimaryServes(t *testing.T) {
	primary := mock.New(mock.WithProvider("alpha"), mock.WithModel("a"), mock.WithLimits(generousLimits()))

	r, err := governor.NewBuilder().WithPrimary(primary).Build()
	require.NoError(t, err)

	resp, err := r.Invoke(context.Background(), helloRequest())
	require.NoError(t, err)
	assert.Equal(t, "Hello from mock backend", resp.Content)
	assert.Equal(t, "alpha", resp.Routing.Provider)
	assert.Equal(t, "a", resp.Routing.Model)
	assert.Equal(t, 1, resp.Routing.Attempts)
	assert.False(t, resp.Routing.FellBack)
	assert.NotEmpty(t, resp.Routing.CallID)
}

func TestRouter_FallsBackOnInvocationError(t *testing.T) {
	failing := mock.New(
		mock.WithProvider("alpha"), mock.WithModel("a"),
		mock.WithLimits(generousLimits()),
		mock.WithError(errors.New("boom")),
	)
	working := mock.New(mock.WithProvider("beta"), mock.WithModel("b"), mock.WithLimits(generousLimits()))

	var events []governor.FallbackEvent
	r, err := governor.NewBuilder().
		WithPrimary(failing).
		WithFallback(working).
		WithOnFallback(func(e governor.FallbackEvent) { events = append(events, e) }).
		Build()
	require.NoError(t, err)

	resp, err := r.Invoke(context.Background(), helloRequest())
	require.NoError(t, err)

	// Exactly one call to each, strictly sequential.
	assert.Equal(t, int64(1), failing.CallCount())
	assert.Equal(t, int64(1), working.CallCount())
	assert.Equal(t, "beta", resp.Routing.Provider)
	assert.Equal(t, 2, resp.Routing.Attempts)
	assert.True(t, resp.Routing.FellBack)

	require.Len(t, events, 1)
	assert.Equal(t, "alpha/a", events[0].AttemptedModel)
	assert.Equal(t, "beta/b", events[0].FallbackModel)
	assert.Equal(t, string(governor.FailureInvocation), events[0].Reason)
}

func TestRouter_AllBackendsExhausted(t *testing.T) {
	a := mock.New(
		mock.WithProvider("alpha"), mock.WithModel("a"),
		mock.WithLimits(generousLimits()),
		mock.WithError(errors.New("a down")),
	)
	b := mock.New(
		mock.WithProvider("beta"), mock.WithModel("b"),
		mock.WithLimits(generousLimits()),
		mock.WithError(errors.New("b down")),
	)

	r, err := governor.NewBuilder().WithPrimary(a).WithFallback(b).Build()
	require.NoError(t, err)

	_, err = r.Invoke(context.Background(), helloRequest())
	require.Error(t, err)

	var exhausted *governor.AllBackendsExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Attempts, 2)
	assert.Equal(t, "alpha", exhausted.Attempts[0].Provider)
	assert.Equal(t, governor.FailureInvocation, exhausted.Attempts[0].Kind)
	assert.Equal(t, "beta", exhausted.Attempts[1].Provider)

	// Each candidate is attempted at most once per logical call.
	assert.Equal(t, int64(1), a.CallCount())
	assert.Equal(t, int64(1), b.CallCount())
}

func TestRouter_RateLimitTimeoutIsAggregated(t *testing.T) {
	only := mock.New(
		mock.WithProvider("alpha"), mock.WithModel("a"),
		mock.WithLimits(governor.ModelLimits{
			RequestsPerMinute: 1,
			TokensPerMinute:   1_000_000,
			MaxContextTokens:  128_000,
		}),
	)

	r, err := governor.NewBuilder().
		WithPrimary(only).
		WithSafetyMargin(0).
		WithMaxWait(0).
		Build()
	require.NoError(t, err)

	_, err = r.Invoke(context.Background(), helloRequest())
	require.NoError(t, err)

	_, err = r.Invoke(context.Background(), helloRequest())
	require.Error(t, err)

	var exhausted *governor.AllBackendsExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Attempts, 1)
	assert.Equal(t, governor.FailureRateLimitTimeout, exhausted.Attempts[0].Kind)
	assert.ErrorIs(t, err, governor.ErrRateLimitWaitTimeout)

	// Only the first call reached the backend.
	assert.Equal(t, int64(1), only.CallCount())
}

func TestRouter_CancellationStopsFallback(t *testing.T) {
	canceled := mock.New(
		mock.WithProvider("alpha"), mock.WithModel("a"),
		mock.WithLimits(generousLimits()),
		mock.WithError(context.Canceled),
	)
	next := mock.New(mock.WithProvider("beta"), mock.WithModel("b"), mock.WithLimits(generousLimits()))

	r, err := governor.NewBuilder().WithPrimary(canceled).WithFallback(next).Build()
	require.NoError(t, err)

	_, err = r.Invoke(context.Background(), helloRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// Cancellation is not retried against the remaining candidates.
	assert.Zero(t, next.CallCount())
}

func TestRouter_ContextEscalatesToLargerBackend(t *testing.T) {
	small := mock.New(
		mock.WithProvider("alpha"), mock.WithModel("small"),
		mock.WithLimits(governor.ModelLimits{
			RequestsPerMinute: 1000,
			TokensPerMinute:   10_000_000,
			MaxContextTokens:  128_000,
		}),
	)
	large := mock.New(
		mock.WithProvider("beta"), mock.WithModel("large"),
		mock.WithLimits(governor.ModelLimits{
			RequestsPerMinute: 1000,
			TokensPerMinute:   10_000_000,
			MaxContextTokens:  2_097_152,
		}),
	)

	var events []governor.FallbackEvent
	r, err := governor.NewBuilder().
		WithPrimary(small).
		WithFallback(large).
		WithOnFallback(func(e governor.FallbackEvent) { events = append(events, e) }).
		Build()
	require.NoError(t, err)

	resp, err := r.Invoke(context.Background(), payloadOfTokens(150_000))
	require.NoError(t, err)

	// Never routed to the primary: its window cannot hold the payload.
	assert.Equal(t, int64(0), small.CallCount())
	assert.Equal(t, int64(1), large.CallCount())
	assert.Equal(t, "large", resp.Routing.Model)

	require.Len(t, events, 1)
	assert.Equal(t, string(governor.FailureContextTooLarge), events[0].Reason)
}

func TestRouter_ContextTooLargeForEveryBackend(t *testing.T) {
	small := mock.New(
		mock.WithProvider("alpha"), mock.WithModel("small"),
		mock.WithLimits(governor.ModelLimits{
			RequestsPerMinute: 1000,
			TokensPerMinute:   100_000_000,
			MaxContextTokens:  128_000,
		}),
	)
	large := mock.New(
		mock.WithProvider("beta"), mock.WithModel("large"),
		mock.WithLimits(governor.ModelLimits{
			RequestsPerMinute: 1000,
			TokensPerMinute:   100_000_000,
			MaxContextTokens:  2_097_152,
		}),
	)

	r, err := governor.NewBuilder().WithPrimary(small).WithFallback(large).Build()
	require.NoError(t, err)

	_, err = r.Invoke(context.Background(), payloadOfTokens(3_000_000))
	require.Error(t, err)

	var tooLarge *governor.ContextTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, int64(2_097_152), tooLarge.LargestContext)

	assert.Zero(t, small.CallCount())
	assert.Zero(t, large.CallCount())
}

func TestRouter_BudgetBlockedEverywhere(t *testing.T) {
	pricey := governor.ModelLimits{
		RequestsPerMinute:  1000,
		TokensPerMinute:    1_000_000,
		MaxContextTokens:   128_000,
		CostPerInputToken:  1,
		CostPerOutputToken: 1,
	}
	a := mock.New(mock.WithProvider("alpha"), mock.WithModel("a"), mock.WithLimits(pricey))
	b := mock.New(mock.WithProvider("beta"), mock.WithModel("b"), mock.WithLimits(pricey))

	r, err := governor.NewBuilder().
		WithPrimary(a).
		WithFallback(b).
		WithBudget(governor.BudgetDaily, 0.5).
		Build()
	require.NoError(t, err)

	_, err = r.Invoke(context.Background(), helloRequest())
	require.Error(t, err)

	// Every candidate was budget-blocked, so the budget error is terminal.
	var exceeded *governor.BudgetExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, governor.BudgetDaily, exceeded.Period)

	assert.Zero(t, a.CallCount())
	assert.Zero(t, b.CallCount())
}

func TestRouter_BudgetSkipThenInvocationFailureIsExhausted(t *testing.T) {
	pricey := governor.ModelLimits{
		RequestsPerMinute:  1000,
		TokensPerMinute:    1_000_000,
		MaxContextTokens:   128_000,
		CostPerInputToken:  1,
		CostPerOutputToken: 1,
	}
	free := governor.ModelLimits{
		RequestsPerMinute: 1000,
		TokensPerMinute:   1_000_000,
		MaxContextTokens:  128_000,
	}

	expensive := mock.New(mock.WithProvider("alpha"), mock.WithModel("a"), mock.WithLimits(pricey))
	broken := mock.New(
		mock.WithProvider("beta"), mock.WithModel("b"),
		mock.WithLimits(free),
		mock.WithError(errors.New("down")),
	)

	r, err := governor.NewBuilder().
		WithPrimary(expensive).
		WithFallback(broken).
		WithBudget(governor.BudgetDaily, 0.5).
		Build()
	require.NoError(t, err)

	_, err = r.Invoke(context.Background(), helloRequest())
	require.Error(t, err)

	// Mixed reasons: terminal error is the aggregate, not BudgetExceeded.
	var exhausted *governor.AllBackendsExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Attempts, 2)
	assert.Equal(t, governor.FailureBudgetExceeded, exhausted.Attempts[0].Kind)
	assert.Equal(t, governor.FailureInvocation, exhausted.Attempts[1].Kind)
}

func TestRouter_CostOptimizedPrefersCheaper(t *testing.T) {
	expensive := mock.New(
		mock.WithProvider("alpha"), mock.WithModel("pricey"),
		mock.WithLimits(governor.ModelLimits{
			RequestsPerMinute:  1000,
			TokensPerMinute:    1_000_000,
			MaxContextTokens:   128_000,
			CostPerInputToken:  0.01,
			CostPerOutputToken: 0.03,
		}),
	)
	cheap := mock.New(
		mock.WithProvider("beta"), mock.WithModel("cheap"),
		mock.WithLimits(governor.ModelLimits{
			RequestsPerMinute:  1000,
			TokensPerMinute:    1_000_000,
			MaxContextTokens:   128_000,
			CostPerInputToken:  0.0001,
			CostPerOutputToken: 0.0003,
		}),
	)

	var events []governor.FallbackEvent
	r, err := governor.NewBuilder().
		WithPrimary(expensive).
		WithFallback(cheap).
		WithStrategy(governor.StrategyCostOptimized).
		WithOnFallback(func(e governor.FallbackEvent) { events = append(events, e) }).
		Build()
	require.NoError(t, err)

	resp, err := r.Invoke(context.Background(), helloRequest())
	require.NoError(t, err)
	assert.Equal(t, "cheap", resp.Routing.Model)
	assert.True(t, resp.Routing.FellBack)
	assert.Zero(t, expensive.CallCount())

	// The primary never failed; the strategy simply preferred another.
	require.Len(t, events, 1)
	assert.Equal(t, "strategy_order", events[0].Reason)
}

func TestRouter_SmartStrategyAvoidsFlakyPrimary(t *testing.T) {
	flaky := mock.New(
		mock.WithProvider("alpha"), mock.WithModel("flaky"),
		mock.WithLimits(generousLimits()),
		mock.WithFailFirst(3),
	)
	steady := mock.New(mock.WithProvider("beta"), mock.WithModel("steady"), mock.WithLimits(generousLimits()))

	r, err := governor.NewBuilder().
		WithPrimary(flaky).
		WithFallback(steady).
		WithStrategy(governor.StrategySmart).
		Build()
	require.NoError(t, err)

	// First call: flaky fails once, steady serves.
	resp, err := r.Invoke(context.Background(), helloRequest())
	require.NoError(t, err)
	assert.Equal(t, "steady", resp.Routing.Model)

	// Second call: flaky's recent failure pushes it behind steady, so the
	// router goes straight to steady.
	resp, err = r.Invoke(context.Background(), helloRequest())
	require.NoError(t, err)
	assert.Equal(t, "steady", resp.Routing.Model)
	assert.Equal(t, int64(1), flaky.CallCount())
}

func TestRouter_StatusReflectsUsageAndBudget(t *testing.T) {
	primary := mock.New(
		mock.WithProvider("alpha"), mock.WithModel("a"),
		mock.WithLimits(governor.ModelLimits{
			RequestsPerMinute:  1000,
			TokensPerMinute:    1_000_000,
			MaxContextTokens:   128_000,
			CostPerInputToken:  0.001,
			CostPerOutputToken: 0.001,
		}),
	)

	r, err := governor.NewBuilder().
		WithPrimary(primary).
		WithBudget(governor.BudgetDaily, 100).
		Build()
	require.NoError(t, err)

	_, err = r.Invoke(context.Background(), helloRequest())
	require.NoError(t, err)

	st := r.Status()
	usage, ok := st.Backends["alpha/a"]
	require.True(t, ok)
	assert.Equal(t, int64(1), usage.Requests)
	assert.Greater(t, usage.Tokens, int64(0))

	daily := st.Budgets[governor.BudgetDaily]
	// Mock usage is 10 prompt + 20 completion tokens at 0.001 each.
	assert.InDelta(t, 0.03, daily.Spent, 1e-9)
	assert.InDelta(t, 0.03, st.ModelSpend["alpha/a"], 1e-9)
}

func TestRouter_ConcurrentInvokes(t *testing.T) {
	primary := mock.New(mock.WithProvider("alpha"), mock.WithModel("a"), mock.WithLimits(governor.ModelLimits{
		RequestsPerMinute: 100_000,
		TokensPerMinute:   100_000_000,
		MaxContextTokens:  128_000,
	}))

	r, err := governor.NewBuilder().WithPrimary(primary).Build()
	require.NoError(t, err)

	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func() {
			_, err := r.Invoke(context.Background(), helloRequest())
			errs <- err
		}()
	}
	for i := 0; i < 20; i++ {
		assert.NoError(t, <-errs)
	}

	st := r.Status()
	assert.Equal(t, int64(20), st.Backends["alpha/a"].Requests)
}

func TestRouter_MaxWaitBoundsLatency(t *testing.T) {
	only := mock.New(
		mock.WithProvider("alpha"), mock.WithModel("a"),
		mock.WithLimits(governor.ModelLimits{
			RequestsPerMinute: 1,
			TokensPerMinute:   1_000_000,
			MaxContextTokens:  128_000,
		}),
	)

	r, err := governor.NewBuilder().
		WithPrimary(only).
		WithSafetyMargin(0).
		WithMaxWait(100 * time.Millisecond).
		Build()
	require.NoError(t, err)

	_, err = r.Invoke(context.Background(), helloRequest())
	require.NoError(t, err)

	start := time.Now()
	_, err = r.Invoke(context.Background(), helloRequest())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
