package meter

import "github.com/quietgrid/governor"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ governor.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnAttempt(governor.AttemptEvent)             {}
func (m *NoopMeter) OnFallback(governor.FallbackEvent)           {}
func (m *NoopMeter) OnResult(governor.ResultEvent)               {}
func (m *NoopMeter) OnBudgetWarning(governor.BudgetWarningEvent) {}
