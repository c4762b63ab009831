package governor_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/quietgrid/governor"
)

func TestStatsTracker_EmptyReportsPerfect(t *testing.T) {
	s := governor.NewStatsTracker()

	rate, latency, samples := s.Snapshot("p/m")
	assert.Equal(t, 1.0, rate)
	assert.Zero(t, latency)
	assert.Zero(t, samples)
}

func TestStatsTracker_SuccessRateAndLatency(t *testing.T) {
	s := governor.NewStatsTracker()

	s.Record("p/m", true, 100*time.Millisecond)
	s.Record("p/m", true, 200*time.Millisecond)
	s.Record("p/m", false, 300*time.Millisecond)
	s.Record("p/m", false, 400*time.Millisecond)

	rate, latency, samples := s.Snapshot("p/m")
	assert.InDelta(t, 0.5, rate, 1e-9)
	assert.Equal(t, 250*time.Millisecond, latency)
	assert.Equal(t, 4, samples)
}

func TestStatsTracker_OldOutcomesExpire(t *testing.T) {
	clock := newFakeClock()
	s := governor.NewStatsTracker(governor.WithStatsNow(clock.Now))

	s.Record("p/m", false, time.Second)
	clock.Advance(6 * time.Minute)
	s.Record("p/m", true, 100*time.Millisecond)

	rate, latency, samples := s.Snapshot("p/m")
	assert.Equal(t, 1.0, rate)
	assert.Equal(t, 100*time.Millisecond, latency)
	assert.Equal(t, 1, samples)
}

func TestStatsTracker_KeysAreIndependent(t *testing.T) {
	s := governor.NewStatsTracker()

	s.Record("p/a", false, time.Second)
	s.Record("p/b", true, time.Second)

	rateA, _, _ := s.Snapshot("p/a")
	rateB, _, _ := s.Snapshot("p/b")
	assert.Zero(t, rateA)
	assert.Equal(t, 1.0, rateB)
}
