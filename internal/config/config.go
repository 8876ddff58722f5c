package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models foreman.yml.
type Config struct {
	Supervisor struct {
		MaxRetries    int      `yaml:"max_retries"`
		StaleAfter    Duration `yaml:"stale_after"`
		LeaseTTL      Duration `yaml:"lease_ttl"`
		PassTimeout   Duration `yaml:"pass_timeout"`
		WorkerTimeout Duration `yaml:"worker_timeout"`
	} `yaml:"supervisor"`
	Circuit struct {
		FailureThreshold int      `yaml:"failure_threshold"`
		FailureWindow    Duration `yaml:"failure_window"`
		CoolDown         Duration `yaml:"cool_down"`
	} `yaml:"circuit"`
	Validator struct {
		CriticalPatterns []string `yaml:"critical_patterns"`
		WarningPatterns  []string `yaml:"warning_patterns"`
	} `yaml:"validator"`
}

// Duration wraps time.Duration for YAML round-tripping as "4h"/"3m" strings.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Supervisor.MaxRetries < 0 {
		return fmt.Errorf("config.supervisor.max_retries must be >= 0")
	}
	if c.Supervisor.StaleAfter <= 0 {
		return fmt.Errorf("config.supervisor.stale_after must be > 0")
	}
	if c.Supervisor.LeaseTTL <= 0 {
		return fmt.Errorf("config.supervisor.lease_ttl must be > 0")
	}
	if c.Supervisor.PassTimeout <= 0 {
		return fmt.Errorf("config.supervisor.pass_timeout must be > 0")
	}
	if c.Supervisor.WorkerTimeout <= 0 {
		return fmt.Errorf("config.supervisor.worker_timeout must be > 0")
	}
	if c.Circuit.FailureThreshold <= 0 {
		return fmt.Errorf("config.circuit.failure_threshold must be > 0")
	}
	if c.Circuit.FailureWindow <= 0 {
		return fmt.Errorf("config.circuit.failure_window must be > 0")
	}
	if c.Circuit.CoolDown <= 0 {
		return fmt.Errorf("config.circuit.cool_down must be > 0")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "foreman.yml")
}

// Load reads config from the workspace, seeding defaults when missing.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := os.WriteFile(path, []byte(defaultTemplate), 0o644); err != nil {
				return nil, fmt.Errorf("seed config %s: %w", path, err)
			}
			return cfg, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default supervisor tunables.
func Default() *Config {
	var cfg Config
	cfg.Supervisor.MaxRetries = 2
	cfg.Supervisor.StaleAfter = Duration(4 * time.Hour)
	cfg.Supervisor.LeaseTTL = Duration(3 * time.Minute)
	cfg.Supervisor.PassTimeout = Duration(2 * time.Minute)
	cfg.Supervisor.WorkerTimeout = Duration(10 * time.Minute)
	cfg.Circuit.FailureThreshold = 3
	cfg.Circuit.FailureWindow = Duration(10 * time.Minute)
	cfg.Circuit.CoolDown = Duration(15 * time.Minute)
	return &cfg
}

const defaultTemplate = `supervisor:
  # Auto-retry budget per drop before recovery escalates instead.
  max_retries: 2
  # A build with zero drop status changes for this long is escalated as stale.
  stale_after: 4h
  # Tick lease TTL; an orchestrator crash self-heals once this elapses.
  lease_ttl: 3m
  # Wall-clock bound on a single per-build orchestration pass.
  pass_timeout: 2m
  # A running drop with no deposit after this long is declared dead.
  worker_timeout: 10m

circuit:
  # Spawn failures within failure_window before the breaker opens.
  failure_threshold: 3
  failure_window: 10m
  # How long the breaker stays open before spawning resumes.
  cool_down: 15m

validator:
  # Extra regex rules layered on top of the built-in pattern classes.
  critical_patterns: []
  warning_patterns: []
`
