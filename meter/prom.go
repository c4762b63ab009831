package meter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/quietgrid/governor"
)

// PromMeter exports routing events as Prometheus metrics.
type PromMeter struct {
	attempts  *prometheus.CounterVec
	fallbacks *prometheus.CounterVec
	results   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	cost      *prometheus.CounterVec
	warnings  *prometheus.CounterVec
}

var _ governor.Meter = (*PromMeter)(nil)

// NewPromMeter creates a PromMeter registered on reg. If reg is nil, the
// default registerer is used.
func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PromMeter{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "governor_attempts_total",
			Help: "Backend invocation attempts.",
		}, []string{"provider", "model"}),
		fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "governor_fallbacks_total",
			Help: "Departures from the primary backend, by reason.",
		}, []string{"fallback_model", "reason"}),
		results: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "governor_results_total",
			Help: "Completed backend attempts, by outcome.",
		}, []string{"provider", "model", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "governor_request_duration_seconds",
			Help:    "Backend invocation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "model"}),
		cost: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "governor_spend_total",
			Help: "Recorded spend in dollars.",
		}, []string{"provider", "model"}),
		warnings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "governor_budget_warnings_total",
			Help: "Budget warning threshold crossings.",
		}, []string{"period"}),
	}
}

func (m *PromMeter) OnAttempt(e governor.AttemptEvent) {
	m.attempts.WithLabelValues(e.Provider, e.Model).Inc()
}

func (m *PromMeter) OnFallback(e governor.FallbackEvent) {
	m.fallbacks.WithLabelValues(e.FallbackModel, e.Reason).Inc()
}

func (m *PromMeter) OnResult(e governor.ResultEvent) {
	outcome := "success"
	if !e.Outcome.Success {
		outcome = "error"
	}
	m.results.WithLabelValues(e.Outcome.Provider, e.Outcome.Model, outcome).Inc()
	m.duration.WithLabelValues(e.Outcome.Provider, e.Outcome.Model).Observe(e.Duration.Seconds())
	if e.Outcome.Cost > 0 {
		m.cost.WithLabelValues(e.Outcome.Provider, e.Outcome.Model).Add(e.Outcome.Cost)
	}
}

func (m *PromMeter) OnBudgetWarning(e governor.BudgetWarningEvent) {
	m.warnings.WithLabelValues(string(e.Period)).Inc()
}
