package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig mirrors the YAML document operators deploy alongside the binary.
// Zero values leave the corresponding Settings field untouched.
type FileConfig struct {
	Environment string              `yaml:"environment"`
	Server      ServerFileConfig    `yaml:"server"`
	RateLimit   RateLimitFileConfig `yaml:"rateLimit"`
	Engine      EngineFileConfig    `yaml:"engine"`
	Telemetry   TelemetryFileConfig `yaml:"telemetry"`
}

// ServerFileConfig declares listener and auth settings.
type ServerFileConfig struct {
	ListenAddr      string        `yaml:"listenAddr"`
	APIKeys         []string      `yaml:"apiKeys"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// RateLimitFileConfig declares the per-client admission rate.
type RateLimitFileConfig struct {
	MaxRequests int           `yaml:"maxRequests"`
	Window      time.Duration `yaml:"window"`
}

// EngineFileConfig tunes the simulated engine.
type EngineFileConfig struct {
	Steps       int           `yaml:"steps"`
	StepsPerSec float64       `yaml:"stepsPerSec"`
	TrialDelay  time.Duration `yaml:"trialDelay"`
}

// TelemetryFileConfig configures OTLP export.
type TelemetryFileConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// LoadFile merges a YAML configuration file over base. A missing file at the
// default path is not an error; an explicit path that cannot be read is.
func LoadFile(base Settings, path string) (Settings, error) {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = strings.TrimSpace(os.Getenv("GLOWBACK_CONFIG"))
		explicit = path != ""
	}
	if path == "" {
		path = "config/gateway.yaml"
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return base, nil
		}
		return Settings{}, fmt.Errorf("read gateway config: %w", err)
	}

	var file FileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Settings{}, fmt.Errorf("unmarshal gateway config: %w", err)
	}
	if err := file.Validate(); err != nil {
		return Settings{}, err
	}

	cfg := base.clone()
	if file.Environment != "" {
		cfg.Environment = Environment(strings.ToLower(strings.TrimSpace(file.Environment)))
	}
	if file.Server.ListenAddr != "" {
		cfg.Server.ListenAddr = file.Server.ListenAddr
	}
	if len(file.Server.APIKeys) > 0 {
		cfg.Server.APIKeys = splitKeys(strings.Join(file.Server.APIKeys, ","))
	}
	if file.Server.ShutdownTimeout > 0 {
		cfg.Server.ShutdownTimeout = file.Server.ShutdownTimeout
	}
	if file.RateLimit.MaxRequests > 0 {
		cfg.RateLimit.MaxRequests = file.RateLimit.MaxRequests
	}
	if file.RateLimit.Window > 0 {
		cfg.RateLimit.Window = file.RateLimit.Window
	}
	if file.Engine.Steps > 0 {
		cfg.Engine.Steps = file.Engine.Steps
	}
	if file.Engine.StepsPerSec > 0 {
		cfg.Engine.StepsPerSec = file.Engine.StepsPerSec
	}
	if file.Engine.TrialDelay > 0 {
		cfg.Engine.TrialDelay = file.Engine.TrialDelay
	}
	if file.Telemetry.OTLPEndpoint != "" {
		cfg.Telemetry.OTLPEndpoint = file.Telemetry.OTLPEndpoint
	}
	if file.Telemetry.ServiceName != "" {
		cfg.Telemetry.ServiceName = file.Telemetry.ServiceName
	}
	return cfg, nil
}

// Validate performs semantic validation on the loaded document.
func (c FileConfig) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "", string(EnvDev), string(EnvStaging), string(EnvProd):
	default:
		return fmt.Errorf("environment must be dev|staging|prod")
	}
	if c.RateLimit.MaxRequests < 0 {
		return fmt.Errorf("rateLimit.maxRequests must be >=0")
	}
	if c.RateLimit.Window < 0 {
		return fmt.Errorf("rateLimit.window must be >=0")
	}
	if c.Engine.Steps < 0 {
		return fmt.Errorf("engine.steps must be >=0")
	}
	if c.Engine.StepsPerSec < 0 {
		return fmt.Errorf("engine.stepsPerSec must be >=0")
	}
	return nil
}
