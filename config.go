package governor

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the declarative router configuration. The invoke capability
// cannot live in a file, so FromConfig pairs each declared backend with an
// InvokeFunc supplied by the host.
type Config struct {
	Strategy        string        `yaml:"strategy"`
	MaxWaitSeconds  float64       `yaml:"max_wait_seconds"`
	SafetyMargin    *int64        `yaml:"safety_margin"`
	ContextFallback *bool         `yaml:"context_fallback"`
	Primary         BackendRef    `yaml:"primary"`
	Fallbacks       []BackendRef  `yaml:"fallbacks"`
	Budgets         []BudgetEntry `yaml:"budgets"`
}

// BackendRef declares one backend's identity, limits, and pricing.
type BackendRef struct {
	Provider           string  `yaml:"provider"`
	Model              string  `yaml:"model"`
	RequestsPerMinute  int64   `yaml:"requests_per_minute"`
	TokensPerMinute    int64   `yaml:"tokens_per_minute"`
	MaxContextTokens   int64   `yaml:"max_context_tokens"`
	CostPerInputToken  float64 `yaml:"cost_per_input_token"`
	CostPerOutputToken float64 `yaml:"cost_per_output_token"`
}

// Limits returns the ModelLimits declared by the ref.
func (r BackendRef) Limits() ModelLimits {
	return ModelLimits{
		RequestsPerMinute:  r.RequestsPerMinute,
		TokensPerMinute:    r.TokensPerMinute,
		MaxContextTokens:   r.MaxContextTokens,
		CostPerInputToken:  r.CostPerInputToken,
		CostPerOutputToken: r.CostPerOutputToken,
	}
}

// BudgetEntry declares one budget period. HardLimit defaults to true and
// WarningThreshold to DefaultWarningThreshold when omitted.
type BudgetEntry struct {
	Period           string   `yaml:"period"`
	Amount           float64  `yaml:"amount"`
	HardLimit        *bool    `yaml:"hard_limit"`
	WarningThreshold *float64 `yaml:"warning_threshold"`
}

// LoadConfig reads and parses a YAML config file. Environment variables in
// the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("governor: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("governor: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.Primary.Provider == "" || c.Primary.Model == "" {
		return fmt.Errorf("governor: config: primary provider and model are required")
	}
	for i, fb := range c.Fallbacks {
		if fb.Provider == "" {
			return fmt.Errorf("governor: config: fallbacks[%d]: provider is required", i)
		}
		if fb.Model == "" {
			return fmt.Errorf("governor: config: fallbacks[%d] (%s): model is required", i, fb.Provider)
		}
	}

	if c.Strategy != "" {
		if _, err := NewStrategy(StrategyKind(c.Strategy)); err != nil {
			return fmt.Errorf("governor: config: %w", err)
		}
	}

	periods := make(map[string]bool, len(c.Budgets))
	for i, entry := range c.Budgets {
		if !BudgetPeriod(entry.Period).Valid() {
			return fmt.Errorf("governor: config: budgets[%d]: invalid period %q", i, entry.Period)
		}
		if entry.Amount <= 0 {
			return fmt.Errorf("governor: config: budgets[%d] (%s): amount must be positive", i, entry.Period)
		}
		if th := entry.WarningThreshold; th != nil && (*th < 0 || *th > 1) {
			return fmt.Errorf("governor: config: budgets[%d] (%s): warning_threshold must be in [0,1]", i, entry.Period)
		}
		if periods[entry.Period] {
			return fmt.Errorf("governor: config: duplicate budget period %q", entry.Period)
		}
		periods[entry.Period] = true
	}

	if c.MaxWaitSeconds < 0 {
		return fmt.Errorf("governor: config: max_wait_seconds must not be negative")
	}

	return nil
}

// FromConfig assembles a Builder from a validated config. invokers maps a
// provider name to the transport that serves it; every declared provider must
// be present.
func FromConfig(cfg Config, invokers map[string]InvokeFunc) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	resolve := func(ref BackendRef) (Backend, error) {
		invoke, ok := invokers[ref.Provider]
		if !ok {
			return nil, fmt.Errorf("governor: config: no invoker registered for provider %q", ref.Provider)
		}
		return NewBackend(ref.Provider, ref.Model, ref.Limits(), invoke), nil
	}

	primary, err := resolve(cfg.Primary)
	if err != nil {
		return nil, err
	}

	b := NewBuilder().WithPrimary(primary)

	for _, ref := range cfg.Fallbacks {
		fb, err := resolve(ref)
		if err != nil {
			return nil, err
		}
		b.WithFallback(fb)
	}

	if cfg.Strategy != "" {
		b.WithStrategy(StrategyKind(cfg.Strategy))
	}
	if cfg.MaxWaitSeconds > 0 {
		b.WithMaxWait(time.Duration(cfg.MaxWaitSeconds * float64(time.Second)))
	}
	if cfg.SafetyMargin != nil {
		b.WithSafetyMargin(*cfg.SafetyMargin)
	}
	if cfg.ContextFallback != nil {
		b.WithContextFallback(*cfg.ContextFallback)
	}

	for _, entry := range cfg.Budgets {
		bc := NewBudgetConfig(BudgetPeriod(entry.Period), entry.Amount)
		if entry.HardLimit != nil {
			bc.HardLimit = *entry.HardLimit
		}
		if entry.WarningThreshold != nil {
			bc.WarningThreshold = *entry.WarningThreshold
		}
		b.WithBudgetConfig(bc)
	}

	return b, nil
}
