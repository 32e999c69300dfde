// Package config loads the recommender configuration: struct defaults,
// an optional YAML file, then RECO_* environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// #region types

// Config is the full service configuration.
type Config struct {
	Concepts  int             `koanf:"concepts" validate:"gt=0"`
	Endpoints EndpointsConfig `koanf:"endpoints"`
	Retry     RetryConfig     `koanf:"retry"`
	Breaker   BreakerConfig   `koanf:"breaker"`
	Gate      GateConfig      `koanf:"gate"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Update    UpdateConfig    `koanf:"update"`
	Store     StoreConfig     `koanf:"store"`
	Logging   LoggingConfig   `koanf:"logging"`
	Server    ServerConfig    `koanf:"server"`
	Events    EventsConfig    `koanf:"events"`
}

// EndpointConfig addresses one inference endpoint.
type EndpointConfig struct {
	Address string        `koanf:"address"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

// EndpointsConfig lists the model stages. An empty address disables the stage.
type EndpointsConfig struct {
	Encoder EndpointConfig `koanf:"encoder"`
	Adapter EndpointConfig `koanf:"adapter"`
	Policy  EndpointConfig `koanf:"policy"`
	Causal  EndpointConfig `koanf:"causal"`
	Content EndpointConfig `koanf:"content"`
}

// RetryConfig bounds transient-failure retries per model call.
type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts" validate:"gte=1,lte=10"`
	BaseBackoff time.Duration `koanf:"base_backoff" validate:"gt=0"`
	MaxBackoff  time.Duration `koanf:"max_backoff" validate:"gtefield=BaseBackoff"`
}

// BreakerConfig tunes the per-endpoint circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32        `koanf:"failure_threshold" validate:"gte=1"`
	Cooldown         time.Duration `koanf:"cooldown" validate:"gt=0"`
}

// GateConfig holds safety thresholds.
type GateConfig struct {
	Bands                  int     `koanf:"bands" validate:"gte=1"`
	MaxBandDistance        float64 `koanf:"max_band_distance" validate:"gt=0"`
	MinPrerequisiteMastery float64 `koanf:"min_prerequisite_mastery" validate:"gte=0,lte=1"`
	MasteredThreshold      float64 `koanf:"mastered_threshold" validate:"gt=0,lte=1"`
}

// PipelineConfig holds request budgeting knobs.
type PipelineConfig struct {
	DefaultDeadline   time.Duration `koanf:"default_deadline" validate:"gt=0"`
	SafePolicyReserve time.Duration `koanf:"safe_policy_reserve" validate:"gte=0"`
	MinExplainBudget  time.Duration `koanf:"min_explain_budget" validate:"gte=0"`
	PersistTimeout    time.Duration `koanf:"persist_timeout" validate:"gt=0"`
	AuditTimeout      time.Duration `koanf:"audit_timeout" validate:"gt=0"`
	PolicyTopK        int           `koanf:"policy_top_k" validate:"gte=1"`
	ExplainEnabled    bool          `koanf:"explain_enabled"`
}

// UpdateConfig holds the mastery update rule parameters.
type UpdateConfig struct {
	LearningRate  float64 `koanf:"learning_rate" validate:"gt=0,lte=1"`
	GainNudgeRate float64 `koanf:"gain_nudge_rate" validate:"gte=0,lte=1"`
	VelocityAlpha float64 `koanf:"velocity_alpha" validate:"gt=0,lte=1"`
}

// StoreConfig selects the state backend.
type StoreConfig struct {
	Backend   string `koanf:"backend" validate:"oneof=memory sqlite redis"`
	Path      string `koanf:"path"`
	RedisAddr string `koanf:"redis_addr"`
	KeyPrefix string `koanf:"key_prefix"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// ServerConfig configures the HTTP request surface.
type ServerConfig struct {
	Addr         string        `koanf:"addr" validate:"required"`
	ReadTimeout  time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"gt=0"`
	MaxDeadline  time.Duration `koanf:"max_deadline" validate:"gt=0"`
	RateLimit    int           `koanf:"rate_limit" validate:"gte=0"` // per client IP per minute
}

// EventsConfig sizes the in-process event bus and the content worker.
type EventsConfig struct {
	Buffer             int64 `koanf:"buffer" validate:"gte=1"`
	ContentConcurrency int   `koanf:"content_concurrency" validate:"gte=1"`
	ContentQueue       int   `koanf:"content_queue" validate:"gte=0"`
}

// #endregion types

// #region defaults

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Concepts: 16,
		Endpoints: EndpointsConfig{
			Encoder: EndpointConfig{Timeout: 2 * time.Second},
			Adapter: EndpointConfig{Timeout: 2 * time.Second},
			Policy:  EndpointConfig{Timeout: 2 * time.Second},
			Causal:  EndpointConfig{Timeout: time.Second},
			Content: EndpointConfig{Timeout: 5 * time.Second},
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseBackoff: time.Second,
			MaxBackoff:  8 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         60 * time.Second,
		},
		Gate: GateConfig{
			Bands:                  5,
			MaxBandDistance:        2,
			MinPrerequisiteMastery: 0.3,
			MasteredThreshold:      0.8,
		},
		Pipeline: PipelineConfig{
			DefaultDeadline:   500 * time.Millisecond,
			SafePolicyReserve: 0,
			MinExplainBudget:  20 * time.Millisecond,
			PersistTimeout:    2 * time.Second,
			AuditTimeout:      50 * time.Millisecond,
			PolicyTopK:        5,
			ExplainEnabled:    true,
		},
		Update: UpdateConfig{
			LearningRate:  0.2,
			GainNudgeRate: 0.5,
			VelocityAlpha: 0.3,
		},
		Store: StoreConfig{
			Backend:   "memory",
			Path:      "recommender.db",
			KeyPrefix: "reco:student:",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Events: EventsConfig{
			Buffer:             256,
			ContentConcurrency: 4,
			ContentQueue:       64,
		},
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			MaxDeadline:  5 * time.Second,
			RateLimit:    600,
		},
	}
}

// #endregion defaults

// #region validate

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("config: store.path required for sqlite backend")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("config: store.redis_addr required for redis backend")
		}
	}
	if c.Pipeline.SafePolicyReserve >= c.Pipeline.DefaultDeadline {
		return fmt.Errorf("config: pipeline.safe_policy_reserve %s must be below default_deadline %s",
			c.Pipeline.SafePolicyReserve, c.Pipeline.DefaultDeadline)
	}
	return nil
}

// #endregion validate
