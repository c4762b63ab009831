package governor

import (
	"context"
	"time"
)

// Message is a single chat message in a request payload.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the payload routed to a backend.
type Request struct {
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

// Usage reports token consumption for a completed call.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Response is the result of a routed call.
type Response struct {
	ID           string `json:"id"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Model        string `json:"model"`
	Usage        Usage  `json:"usage"`
	Routing      RoutingInfo
}

// RoutingInfo describes which backend served the request and how it was reached.
type RoutingInfo struct {
	CallID   string
	Provider string
	Model    string
	Attempts int
	FellBack bool
}

// ModelLimits holds the published limits and pricing for one backend model.
// Immutable once configured. Zero values mean "unlimited" for the rate and
// context dimensions and "free" for the cost dimensions.
type ModelLimits struct {
	RequestsPerMinute  int64
	TokensPerMinute    int64
	MaxContextTokens   int64
	CostPerInputToken  float64
	CostPerOutputToken float64
}

// BlendedCost returns an estimated cost per token for ordering candidates.
// Assumes ~3:1 input:output ratio typical for chat.
func (ml ModelLimits) BlendedCost() float64 {
	return (ml.CostPerInputToken + 2*ml.CostPerOutputToken) / 3
}

// Backend is the capability the governor routes to. Implementations own the
// transport to a specific vendor; the governor only sees this boundary.
type Backend interface {
	// Provider returns the provider identifier (e.g. "gemini", "openai").
	Provider() string

	// ModelName returns the concrete model identifier.
	ModelName() string

	// Limits returns the published limits for this backend.
	Limits() ModelLimits

	// Invoke performs one synchronous call.
	Invoke(ctx context.Context, req Request) (Response, error)
}

// ModelKey returns the ledger/budget key for a backend.
func ModelKey(b Backend) string {
	return b.Provider() + "/" + b.ModelName()
}

// FallbackChain is the configured primary backend plus ordered fallbacks.
type FallbackChain struct {
	Primary   Backend
	Fallbacks []Backend
}

// All returns the primary followed by the fallbacks, in configured order.
func (fc FallbackChain) All() []Backend {
	all := make([]Backend, 0, 1+len(fc.Fallbacks))
	all = append(all, fc.Primary)
	return append(all, fc.Fallbacks...)
}

// Candidate is one backend under consideration for an attempt, annotated with
// the recent-history inputs strategies are allowed to order by.
type Candidate struct {
	Backend Backend
	Primary bool

	// SuccessRate is the recency-windowed success ratio, 1.0 with no history.
	SuccessRate float64

	// AvgLatency is the recency-windowed mean call latency, 0 with no history.
	AvgLatency time.Duration

	// Samples is the number of outcomes inside the recency window.
	Samples int
}

// Key returns the candidate's model key.
func (c Candidate) Key() string { return ModelKey(c.Backend) }

// CallOutcome records what one backend attempt did. Ephemeral: it drives
// ledger/budget/stats updates and the fallback loop, nothing else.
type CallOutcome struct {
	Provider   string
	Model      string
	TokensUsed int64
	Cost       float64
	Success    bool
	Duration   time.Duration
	ErrorKind  FailureKind
}

// InvokeFunc adapts a plain function to the Backend invoke capability.
type InvokeFunc func(ctx context.Context, req Request) (Response, error)

// NewBackend wraps an invoke function with static descriptor data. Useful for
// assembling backends from config when the transport lives elsewhere.
func NewBackend(provider, model string, limits ModelLimits, invoke InvokeFunc) Backend {
	return &funcBackend{provider: provider, model: model, limits: limits, invoke: invoke}
}

type funcBackend struct {
	provider string
	model    string
	limits   ModelLimits
	invoke   InvokeFunc
}

func (b *funcBackend) Provider() string    { return b.provider }
func (b *funcBackend) ModelName() string   { return b.model }
func (b *funcBackend) Limits() ModelLimits { return b.limits }

func (b *funcBackend) Invoke(ctx context.Context, req Request) (Response, error) {
	return b.invoke(ctx, req)
}

// IntPtr returns a pointer to the given int.
func IntPtr(v int) *int { return &v }

// Float64Ptr returns a pointer to the given float64.
func Float64Ptr(v float64) *float64 { return &v }
