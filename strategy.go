package governor

import (
	"fmt"
	"sort"
	"time"
)

// Strategy orders the not-yet-tried candidates for an attempt. Orderings must
// be deterministic given the same candidate set and recent history.
type Strategy interface {
	Order(candidates []Candidate) []Candidate
}

// StrategyKind selects a built-in fallback-ordering strategy.
type StrategyKind string

const (
	// StrategySequential keeps the configured order: primary first, then
	// fallbacks as declared.
	StrategySequential StrategyKind = "sequential"

	// StrategyCostOptimized sorts candidates by ascending blended cost per
	// token.
	StrategyCostOptimized StrategyKind = "cost"

	// StrategySmart sorts by a weighted score of recent success rate,
	// recent latency, and cost.
	StrategySmart StrategyKind = "smart"
)

// NewStrategy maps a kind to its implementation.
func NewStrategy(kind StrategyKind) (Strategy, error) {
	switch kind {
	case StrategySequential, "":
		return SequentialStrategy{}, nil
	case StrategyCostOptimized:
		return CostOptimizedStrategy{}, nil
	case StrategySmart:
		return SmartStrategy{}, nil
	default:
		return nil, fmt.Errorf("governor: unknown strategy kind %q", kind)
	}
}

// SequentialStrategy returns candidates unchanged.
type SequentialStrategy struct{}

func (SequentialStrategy) Order(candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	return out
}

// CostOptimizedStrategy sorts candidates by ascending blended cost per token.
type CostOptimizedStrategy struct{}

func (CostOptimizedStrategy) Order(candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Backend.Limits().BlendedCost() < out[j].Backend.Limits().BlendedCost()
	})
	return out
}

// Smart scoring weights. Success dominates, then latency, then cost; the
// inputs are the contract, the exact weights are not.
const (
	smartSuccessWeight = 0.5
	smartLatencyWeight = 0.3
	smartCostWeight    = 0.2

	// smartLatencyRef normalizes latency into [0,1): lat/(lat+ref).
	smartLatencyRef = time.Second
)

// SmartStrategy sorts candidates by descending weighted score of recent
// success rate, recent latency, and blended cost. Ties keep the incoming
// order, so equal-history candidates fall back to the configured sequence.
type SmartStrategy struct{}

func (SmartStrategy) Order(candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)

	// Normalize cost against the most expensive candidate in this set so
	// the ordering depends only on the set and history.
	var maxCost float64
	for _, c := range out {
		if cost := c.Backend.Limits().BlendedCost(); cost > maxCost {
			maxCost = cost
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return smartScore(out[i], maxCost) > smartScore(out[j], maxCost)
	})
	return out
}

func smartScore(c Candidate, maxCost float64) float64 {
	success := c.SuccessRate

	lat := float64(c.AvgLatency)
	latNorm := lat / (lat + float64(smartLatencyRef))

	var costNorm float64
	if maxCost > 0 {
		costNorm = c.Backend.Limits().BlendedCost() / maxCost
	}

	return smartSuccessWeight*success - smartLatencyWeight*latNorm - smartCostWeight*costNorm
}
