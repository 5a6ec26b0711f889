// Package config provides configuration loading for dispatch.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// Duration wraps time.Duration for YAML/env parsing via text unmarshaling.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the top-level dispatch configuration.
type Config struct {
	Backend     BackendConfig     `koanf:"backend"`
	Budget      BudgetConfig      `koanf:"budget"`
	Retrieval   RetrievalConfig   `koanf:"retrieval"`
	Credentials CredentialsConfig `koanf:"credentials"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// BackendConfig describes the agent backend this client talks to.
type BackendConfig struct {
	// BaseURL is the root of the backend HTTP API, e.g. http://localhost:9090.
	BaseURL string `koanf:"base_url"`

	// RequestTimeout bounds every non-streaming HTTP call.
	// The event stream endpoint is exempt: streams are long-lived.
	RequestTimeout Duration `koanf:"request_timeout"`

	// RateLimit is the sustained job-submission rate (requests per second).
	RateLimit float64 `koanf:"rate_limit"`

	// RateBurst is the submission burst allowance.
	RateBurst int `koanf:"rate_burst"`
}

// BudgetConfig describes the model token budget used for context assembly.
type BudgetConfig struct {
	// ModelContextLength is the model's total context window in tokens.
	ModelContextLength int `koanf:"model_context_length"`

	// ReservedForOutput is the slice of the window reserved for model output.
	// Assembled context never exceeds ModelContextLength - ReservedForOutput.
	ReservedForOutput int `koanf:"reserved_for_output"`
}

// RetrievalConfig tunes memory retrieval for context assembly.
type RetrievalConfig struct {
	// MinRelevance excludes long-term candidates scored below it.
	MinRelevance float64 `koanf:"min_relevance"`

	// LongTermLimit caps long-term candidates requested from the store.
	LongTermLimit int `koanf:"long_term_limit"`

	// ShortTermLimit caps recent session turns requested from the store.
	ShortTermLimit int `koanf:"short_term_limit"`
}

// CredentialsConfig locates the secure token store.
type CredentialsConfig struct {
	// TokenPath is the file the bearer token is read from. Must be 0600.
	TokenPath string `koanf:"token_path"`
}

// LoggingConfig is the koanf-facing shape of logging configuration.
// Translated to logging.Config at wiring time so this package does not
// depend on zap.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// NewDefaultConfig returns a config with working local defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:        "http://localhost:9090",
			RequestTimeout: Duration(30 * time.Second),
			RateLimit:      5,
			RateBurst:      10,
		},
		Budget: BudgetConfig{
			ModelContextLength: 200000,
			ReservedForOutput:  16000,
		},
		Retrieval: RetrievalConfig{
			MinRelevance:   0.3,
			LongTermLimit:  20,
			ShortTermLimit: 50,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend base_url must be an absolute URL, got %q", c.Backend.BaseURL)
	}
	if c.Backend.RequestTimeout.Duration() <= 0 {
		return fmt.Errorf("backend request_timeout must be > 0")
	}
	if c.Backend.RateLimit <= 0 {
		return fmt.Errorf("backend rate_limit must be > 0, got %v", c.Backend.RateLimit)
	}
	if c.Backend.RateBurst < 1 {
		return fmt.Errorf("backend rate_burst must be >= 1, got %d", c.Backend.RateBurst)
	}
	if c.Budget.ModelContextLength <= 0 {
		return fmt.Errorf("budget model_context_length must be > 0, got %d", c.Budget.ModelContextLength)
	}
	if c.Budget.ReservedForOutput < 0 {
		return fmt.Errorf("budget reserved_for_output must be >= 0, got %d", c.Budget.ReservedForOutput)
	}
	if c.Budget.ReservedForOutput >= c.Budget.ModelContextLength {
		return fmt.Errorf("budget reserved_for_output (%d) must be smaller than model_context_length (%d)",
			c.Budget.ReservedForOutput, c.Budget.ModelContextLength)
	}
	if c.Retrieval.MinRelevance < 0 || c.Retrieval.MinRelevance > 1 {
		return fmt.Errorf("retrieval min_relevance must be in [0,1], got %v", c.Retrieval.MinRelevance)
	}
	if c.Retrieval.LongTermLimit < 0 || c.Retrieval.ShortTermLimit < 0 {
		return fmt.Errorf("retrieval limits must be >= 0")
	}
	return nil
}
