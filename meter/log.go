package meter

import (
	"log/slog"

	"github.com/quietgrid/governor"
)

// LogMeter logs routing events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ governor.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnAttempt(e governor.AttemptEvent) {
	m.Logger.Info("attempt",
		"call_id", e.CallID,
		"provider", e.Provider,
		"model", e.Model,
		"attempt", e.AttemptNum,
		"estimated_tokens", e.EstimatedTokens,
	)
}

func (m *LogMeter) OnFallback(e governor.FallbackEvent) {
	m.Logger.Warn("fallback",
		"call_id", e.CallID,
		"attempted_model", e.AttemptedModel,
		"fallback_model", e.FallbackModel,
		"reason", e.Reason,
		"estimated_tokens", e.EstimatedTokens,
	)
}

func (m *LogMeter) OnResult(e governor.ResultEvent) {
	if e.Outcome.Success {
		m.Logger.Info("result",
			"call_id", e.CallID,
			"provider", e.Outcome.Provider,
			"model", e.Outcome.Model,
			"duration_ms", e.Duration.Milliseconds(),
			"prompt_tokens", e.Usage.PromptTokens,
			"completion_tokens", e.Usage.CompletionTokens,
			"cost", e.Outcome.Cost,
		)
	} else {
		m.Logger.Warn("result_error",
			"call_id", e.CallID,
			"provider", e.Outcome.Provider,
			"model", e.Outcome.Model,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Err,
		)
	}
}

func (m *LogMeter) OnBudgetWarning(e governor.BudgetWarningEvent) {
	m.Logger.Warn("budget_warning",
		"period", string(e.Period),
		"budget", e.Budget,
		"spent", e.Spent,
		"threshold", e.Threshold,
	)
}
