package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/hutchlabs/hutch/pkg/types"
)

// DefaultPath is the project-relative configuration file location
const DefaultPath = ".hutch/config.yaml"

// Config is the tool configuration. Every field has a working default;
// a missing file is not an error.
type Config struct {
	// Runtime is the preferred engine: docker, podman, or empty for auto
	Runtime string `yaml:"runtime"`

	// NamePrefix marks workspace-owned containers
	NamePrefix string `yaml:"name_prefix"`

	StopGraceSeconds   int `yaml:"stop_grace_seconds"`
	ExecTimeoutSeconds int `yaml:"exec_timeout_seconds"`

	Health struct {
		IntervalSeconds int `yaml:"interval_seconds"`
		MaxFailures     int `yaml:"max_failures"`
		PIDCeiling      int `yaml:"pid_ceiling"`
	} `yaml:"health"`

	Cache struct {
		MaxEntries int `yaml:"max_entries"`
	} `yaml:"cache"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`
}

// Default returns the configuration used when no file is present
func Default() Config {
	var cfg Config
	cfg.Runtime = ""
	cfg.NamePrefix = "hutch"
	cfg.StopGraceSeconds = 10
	cfg.ExecTimeoutSeconds = 30
	cfg.Health.IntervalSeconds = 30
	cfg.Health.MaxFailures = 3
	cfg.Health.PIDCeiling = 2048
	cfg.Cache.MaxEntries = 100
	cfg.Log.Level = "info"
	return cfg
}

// Load reads configuration from path, falling back to defaults for any
// unset field. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("malformed config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	return cfg, nil
}

// LoadProject loads configuration from the project root's default location
func LoadProject(projectRoot string) (Config, error) {
	return Load(filepath.Join(projectRoot, DefaultPath))
}

// PreferredRuntime maps the configured runtime name to a kind
func (c Config) PreferredRuntime() types.RuntimeKind {
	switch c.Runtime {
	case "docker":
		return types.RuntimeDocker
	case "podman":
		return types.RuntimePodman
	default:
		return types.RuntimeNone
	}
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = def.NamePrefix
	}
	if cfg.StopGraceSeconds <= 0 {
		cfg.StopGraceSeconds = def.StopGraceSeconds
	}
	if cfg.ExecTimeoutSeconds <= 0 {
		cfg.ExecTimeoutSeconds = def.ExecTimeoutSeconds
	}
	if cfg.Health.IntervalSeconds <= 0 {
		cfg.Health.IntervalSeconds = def.Health.IntervalSeconds
	}
	if cfg.Health.MaxFailures <= 0 {
		cfg.Health.MaxFailures = def.Health.MaxFailures
	}
	if cfg.Health.PIDCeiling <= 0 {
		cfg.Health.PIDCeiling = def.Health.PIDCeiling
	}
	if cfg.Cache.MaxEntries <= 0 {
		cfg.Cache.MaxEntries = def.Cache.MaxEntries
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
}
