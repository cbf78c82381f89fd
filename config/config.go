// Package config centralises runtime configuration for the GlowBack gateway.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment identifies the runtime environment where the gateway operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// ServerSettings configures the HTTP listener and auth surface.
type ServerSettings struct {
	ListenAddr      string
	APIKeys         []string
	ShutdownTimeout time.Duration
}

// RateLimitSettings configures per-client request admission.
type RateLimitSettings struct {
	MaxRequests int
	Window      time.Duration
}

// EngineSettings tunes the simulated backtest engine.
type EngineSettings struct {
	Steps        int
	StepsPerSec  float64
	TrialDelay   time.Duration
	WebhookRetry int
}

// TelemetrySettings configures OTLP exporters. An empty endpoint disables
// export and installs noop providers.
type TelemetrySettings struct {
	OTLPEndpoint string
	ServiceName  string
}

// Settings is the gateway configuration tree loaded from defaults, an
// optional YAML file, and environment overrides.
type Settings struct {
	Environment Environment
	Server      ServerSettings
	RateLimit   RateLimitSettings
	Engine      EngineSettings
	Telemetry   TelemetrySettings
}

// Default returns the default gateway configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Server: ServerSettings{
			ListenAddr:      ":8080",
			APIKeys:         nil,
			ShutdownTimeout: 15 * time.Second,
		},
		RateLimit: RateLimitSettings{
			MaxRequests: 100,
			Window:      60 * time.Second,
		},
		Engine: EngineSettings{
			Steps:        5,
			StepsPerSec:  4,
			TrialDelay:   50 * time.Millisecond,
			WebhookRetry: 3,
		},
		Telemetry: TelemetrySettings{
			OTLPEndpoint: "",
			ServiceName:  "glowback-gateway",
		},
	}
}

// FromEnv loads configuration from environment variables, overriding defaults.
func FromEnv() Settings {
	cfg := Default()
	if env := strings.TrimSpace(os.Getenv("GLOWBACK_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("GLOWBACK_LISTEN_ADDR")); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("GLOWBACK_API_KEY")); v != "" {
		cfg.Server.APIKeys = splitKeys(v)
	}
	if v := strings.TrimSpace(os.Getenv("GLOWBACK_SHUTDOWN_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
			cfg.Server.ShutdownTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("GLOWBACK_RATE_LIMIT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimit.MaxRequests = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("GLOWBACK_RATE_WINDOW")); v != "" {
		// Accepts bare seconds or a Go duration string.
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 {
			cfg.RateLimit.Window = time.Duration(n * float64(time.Second))
		} else if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
			cfg.RateLimit.Window = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("GLOWBACK_ENGINE_STEPS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.Steps = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("GLOWBACK_ENGINE_STEP_RATE")); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 {
			cfg.Engine.StepsPerSec = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("GLOWBACK_TRIAL_DELAY")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil && dur >= 0 {
			cfg.Engine.TrialDelay = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("GLOWBACK_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("GLOWBACK_SERVICE_NAME")); v != "" {
		cfg.Telemetry.ServiceName = v
	}
	return cfg
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base.clone()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithListenAddr overrides the HTTP listen address.
func WithListenAddr(addr string) Option {
	addr = strings.TrimSpace(addr)
	return func(s *Settings) {
		if addr != "" {
			s.Server.ListenAddr = addr
		}
	}
}

// WithAPIKeys replaces the accepted API key set.
func WithAPIKeys(keys ...string) Option {
	return func(s *Settings) {
		s.Server.APIKeys = splitKeys(strings.Join(keys, ","))
	}
}

// WithRateLimit overrides the per-client admission rate and window.
func WithRateLimit(maxRequests int, window time.Duration) Option {
	return func(s *Settings) {
		if maxRequests > 0 {
			s.RateLimit.MaxRequests = maxRequests
		}
		if window > 0 {
			s.RateLimit.Window = window
		}
	}
}

// WithOTLPEndpoint overrides the telemetry export target.
func WithOTLPEndpoint(endpoint string) Option {
	return func(s *Settings) {
		s.Telemetry.OTLPEndpoint = strings.TrimSpace(endpoint)
	}
}

func (s Settings) clone() Settings {
	out := s
	out.Server.APIKeys = append([]string(nil), s.Server.APIKeys...)
	return out
}

// splitKeys parses a comma-separated credential list, dropping blanks.
func splitKeys(raw string) []string {
	parts := strings.Split(raw, ",")
	keys := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			keys = append(keys, trimmed)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return keys
}
