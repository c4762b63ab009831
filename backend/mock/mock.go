// Package mock provides a fake Backend for tests and examples.
package mock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/quietgrid/governor"
)

// Backend is a mock governor.Backend.
type Backend struct {
	provider     string
	model        string
	limits       governor.ModelLimits
	latency      time.Duration
	staticErr    error
	failFirst    int
	callCount    atomic.Int64
	usage        governor.Usage
	responseFunc func(governor.Request) (governor.Response, error)
}

var _ governor.Backend = (*Backend)(nil)

// Option configures a mock Backend.
type Option func(*Backend)

// New creates a mock backend with the given options.
func New(opts ...Option) *Backend {
	b := &Backend{
		provider: "mock",
		model:    "mock-model",
		limits: governor.ModelLimits{
			RequestsPerMinute: 1000,
			TokensPerMinute:   1_000_000,
			MaxContextTokens:  128_000,
		},
		usage: governor.Usage{
			PromptTokens:     10,
			CompletionTokens: 20,
			TotalTokens:      30,
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// WithProvider sets the provider name.
func WithProvider(name string) Option {
	return func(b *Backend) { b.provider = name }
}

// WithModel sets the model name.
func WithModel(name string) Option {
	return func(b *Backend) { b.model = name }
}

// WithLimits sets the backend limits.
func WithLimits(ml governor.ModelLimits) Option {
	return func(b *Backend) { b.limits = ml }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(b *Backend) { b.latency = d }
}

// WithError makes the backend always return this error.
func WithError(err error) Option {
	return func(b *Backend) { b.staticErr = err }
}

// WithFailFirst makes the first n calls fail, then succeed.
func WithFailFirst(n int) Option {
	return func(b *Backend) { b.failFirst = n }
}

// WithUsage sets the usage returned by the mock.
func WithUsage(u governor.Usage) Option {
	return func(b *Backend) { b.usage = u }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(governor.Request) (governor.Response, error)) Option {
	return func(b *Backend) { b.responseFunc = fn }
}

func (b *Backend) Provider() string             { return b.provider }
func (b *Backend) ModelName() string            { return b.model }
func (b *Backend) Limits() governor.ModelLimits { return b.limits }

func (b *Backend) Invoke(ctx context.Context, req governor.Request) (governor.Response, error) {
	if b.latency > 0 {
		select {
		case <-time.After(b.latency):
		case <-ctx.Done():
			return governor.Response{}, ctx.Err()
		}
	}

	count := b.callCount.Add(1)

	if b.staticErr != nil {
		return governor.Response{}, b.staticErr
	}

	if b.failFirst > 0 && int(count) <= b.failFirst {
		return governor.Response{}, governor.ErrBackendUnavailable
	}

	if b.responseFunc != nil {
		return b.responseFunc(req)
	}

	return governor.Response{
		ID:           "mock-response-id",
		Content:      "Hello from mock backend",
		FinishReason: "stop",
		Usage:        b.usage,
		Model:        b.model,
	}, nil
}

// CallCount returns the number of calls made to the backend.
func (b *Backend) CallCount() int64 { return b.callCount.Load() }
