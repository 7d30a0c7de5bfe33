package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Engine    EngineConfig    `toml:"engine"`
	Policy    PolicyConfig    `toml:"policy"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Raw       map[string]any  `toml:"-"`
	Path      string          `toml:"-"`
}

type EngineConfig struct {
	Addr                   string `toml:"addr"`
	DBPath                 string `toml:"db_path"`
	WorkspaceRoot          string `toml:"workspace_root"`
	RolesPath              string `toml:"roles_path"`
	SessionID              string `toml:"session_id"`
	RegistryRetryAttempts  int    `toml:"registry_retry_attempts"`
	RegistryRetryInitialMS int    `toml:"registry_retry_initial_ms"`
	StallTimeoutMS         int    `toml:"stall_timeout_ms"`
	SupervisorSchedule     string `toml:"supervisor_schedule"`
	EventBuffer            int    `toml:"event_buffer"`
}

// PolicyConfig is the shared rule set every role follows. It is loaded once
// at startup and treated as immutable afterwards.
type PolicyConfig struct {
	ReflectionStep         string `toml:"reflection_step"`
	CommitStep             string `toml:"commit_step"`
	RegistryUpdateStep     string `toml:"registry_update_step"`
	GateStep               string `toml:"gate_step"`
	ReviewRequired         bool   `toml:"review_required"`
	MaxDelegationDepth     int    `toml:"max_delegation_depth"`
	DefaultCapturePriority int    `toml:"default_capture_priority"`
	TitleMaxRunes          int    `toml:"title_max_runes"`
}

type TelemetryConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	Tracing   string `toml:"tracing"`
	Metrics   bool   `toml:"metrics"`
}

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}
	cfg, err := Parse(string(bytes))
	if err != nil {
		return Config{}, err
	}
	cfg.Path = resolved
	return cfg, nil
}

// Parse decodes a TOML document and applies defaults.
func Parse(doc string) (Config, error) {
	var cfg Config
	if _, err := toml.Decode(doc, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(doc, &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	cfg.Policy = cfg.Policy.WithDefaults()
	return cfg, nil
}

// Default returns the configuration used when no config file exists.
func Default() Config {
	return Config{Policy: PolicyConfig{}.WithDefaults(), Raw: map[string]any{}}
}

func (p PolicyConfig) WithDefaults() PolicyConfig {
	if strings.TrimSpace(p.ReflectionStep) == "" {
		p.ReflectionStep = "Reflect on the work and record improvements"
	}
	if strings.TrimSpace(p.CommitStep) == "" {
		p.CommitStep = "Commit the work product"
	}
	if strings.TrimSpace(p.RegistryUpdateStep) == "" {
		p.RegistryUpdateStep = "Update the task status in the registry"
	}
	if strings.TrimSpace(p.GateStep) == "" {
		p.GateStep = "Confirm every checklist item is complete"
	}
	if p.MaxDelegationDepth <= 0 {
		p.MaxDelegationDepth = 8
	}
	if p.DefaultCapturePriority <= 0 {
		p.DefaultCapturePriority = 50
	}
	if p.TitleMaxRunes <= 0 {
		p.TitleMaxRunes = 120
	}
	return p
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".roledesk/config.toml"
	}
	return filepath.Join(home, ".roledesk", "config.toml")
}
