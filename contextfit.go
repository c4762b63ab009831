package governor

import "sort"

// ContextPolicy decides whether a payload fits a backend's context window and
// which backend to escalate to when it does not.
type ContextPolicy struct {
	estimate func(Request) int64
}

// ContextOption configures a ContextPolicy.
type ContextOption func(*ContextPolicy)

// WithEstimator replaces the default chars/4 estimator, e.g. with an exact
// tokenizer. The estimator must be deterministic for identical input.
func WithEstimator(fn func(Request) int64) ContextOption {
	return func(p *ContextPolicy) { p.estimate = fn }
}

// NewContextPolicy creates a ContextPolicy with the default estimator.
func NewContextPolicy(opts ...ContextOption) *ContextPolicy {
	p := &ContextPolicy{
		estimate: func(req Request) int64 { return EstimateTokens(req.Messages) },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EstimateTokens returns the estimated token size of the payload.
func (p *ContextPolicy) EstimateTokens(req Request) int64 {
	return p.estimate(req)
}

// Fits reports whether the payload fits the backend's context window, along
// with the estimate and the window size. A zero MaxContextTokens means the
// window is unbounded.
func (p *ContextPolicy) Fits(req Request, b Backend) (fits bool, estimated, maxContext int64) {
	estimated = p.estimate(req)
	maxContext = b.Limits().MaxContextTokens
	if maxContext <= 0 {
		return true, estimated, maxContext
	}
	return estimated <= maxContext, estimated, maxContext
}

// SelectContextCapable returns the backend with the smallest sufficient
// context window for the payload, trying candidates from smallest to largest.
// Returns a *ContextTooLargeError carrying the estimate and the largest
// available window if none fit.
func (p *ContextPolicy) SelectContextCapable(req Request, candidates []Backend) (Backend, error) {
	estimated := p.estimate(req)

	ordered := make([]Backend, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return contextSize(ordered[i]) < contextSize(ordered[j])
	})

	var largest int64
	for _, b := range ordered {
		size := b.Limits().MaxContextTokens
		if size <= 0 || estimated <= size {
			return b, nil
		}
		if size > largest {
			largest = size
		}
	}

	return nil, &ContextTooLargeError{EstimatedTokens: estimated, LargestContext: largest}
}

// contextSize orders windows ascending with "unbounded" (0) last.
func contextSize(b Backend) int64 {
	size := b.Limits().MaxContextTokens
	if size <= 0 {
		return 1<<63 - 1
	}
	return size
}
