// Package config loads runctl configuration from defaults, a config.yaml file
// and RUNCTL_ prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Execution    ExecutionConfig    `mapstructure:"execution"`
	Confirmation ConfirmationConfig `mapstructure:"confirmation"`
	Workspace    WorkspaceConfig    `mapstructure:"workspace"`
	Profiles     []ProfileConfig    `mapstructure:"profiles"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NATSConfig holds NATS configuration. An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	// SubjectPrefix scopes subjects so several workspaces can share a server.
	// Subjects become <prefix>.<workspace>.<event>.
	SubjectPrefix string `mapstructure:"subjectPrefix"`
}

// TracingConfig selects where spans go. An empty endpoint falls back to
// OTEL_EXPORTER_OTLP_ENDPOINT; with neither, tracing is off.
type TracingConfig struct {
	ServiceName string  `mapstructure:"serviceName"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sampleRatio"`
}

// ExecutionConfig tunes the run-session orchestrator.
type ExecutionConfig struct {
	RestartInitialDelayMs  int  `mapstructure:"restartInitialDelayMs"`
	RestartPollIntervalMs  int  `mapstructure:"restartPollIntervalMs"`
	RestartStuckWarningSec int  `mapstructure:"restartStuckWarningSec"`
	WorkerPoolSize         int  `mapstructure:"workerPoolSize"`
	AutoDisposeTerminated  bool `mapstructure:"autoDisposeTerminated"`
	StopGracePeriodMs      int  `mapstructure:"stopGracePeriodMs"`
	OutputBufferBytes      int  `mapstructure:"outputBufferBytes"`
}

// ConfirmationConfig controls the restart and stop confirmation prompts.
type ConfirmationConfig struct {
	RestartSingleton bool   `mapstructure:"restartSingleton"`
	StopIncompatible bool   `mapstructure:"stopIncompatible"`
	PreferencesPath  string `mapstructure:"preferencesPath"`
	ServerPolicy     string `mapstructure:"serverPolicy"` // approve, decline
}

type WorkspaceConfig struct {
	Name         string   `mapstructure:"name"`
	Root         string   `mapstructure:"root"`
	RefreshRoots []string `mapstructure:"refreshRoots"`
}

// ProfileConfig declares one run profile.
type ProfileConfig struct {
	Name             string           `mapstructure:"name"`
	Command          string           `mapstructure:"command"`
	Dir              string           `mapstructure:"dir"`
	Env              []string         `mapstructure:"env"` // KEY=VALUE
	Singleton        bool             `mapstructure:"singleton"`
	EditBeforeRun    bool             `mapstructure:"editBeforeRun"`
	DetachOnStop     bool             `mapstructure:"detachOnStop"`
	IncompatibleWith []string         `mapstructure:"incompatibleWith"`
	BeforeRun        []BeforeRunEntry `mapstructure:"beforeRun"`
}

// BeforeRunEntry is a single pre-launch step. Option keys are case-insensitive.
type BeforeRunEntry struct {
	Provider string            `mapstructure:"provider"`
	Ordinal  int               `mapstructure:"ordinal"`
	Options  map[string]string `mapstructure:"options"`
}

func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns host:port.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (e *ExecutionConfig) RestartInitialDelay() time.Duration {
	return time.Duration(e.RestartInitialDelayMs) * time.Millisecond
}

func (e *ExecutionConfig) RestartPollInterval() time.Duration {
	return time.Duration(e.RestartPollIntervalMs) * time.Millisecond
}

func (e *ExecutionConfig) RestartStuckWarning() time.Duration {
	return time.Duration(e.RestartStuckWarningSec) * time.Second
}

func (e *ExecutionConfig) StopGracePeriod() time.Duration {
	return time.Duration(e.StopGracePeriodMs) * time.Millisecond
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("RUNCTL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultPreferencesPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".runctl/preferences.yaml"
	}
	return filepath.Join(home, ".runctl", "preferences.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7420)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	// empty URL means in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "runctl")
	v.SetDefault("nats.maxReconnects", 10)
	v.SetDefault("nats.subjectPrefix", "runctl")

	v.SetDefault("tracing.serviceName", "runctl")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sampleRatio", 1.0)

	v.SetDefault("execution.restartInitialDelayMs", 50)
	v.SetDefault("execution.restartPollIntervalMs", 100)
	v.SetDefault("execution.restartStuckWarningSec", 30)
	v.SetDefault("execution.workerPoolSize", 8)
	v.SetDefault("execution.autoDisposeTerminated", true)
	v.SetDefault("execution.stopGracePeriodMs", 2000)
	v.SetDefault("execution.outputBufferBytes", 2*1024*1024)

	v.SetDefault("confirmation.restartSingleton", true)
	v.SetDefault("confirmation.stopIncompatible", true)
	v.SetDefault("confirmation.preferencesPath", defaultPreferencesPath())
	v.SetDefault("confirmation.serverPolicy", "approve")

	v.SetDefault("workspace.name", "default")
	v.SetDefault("workspace.root", ".")
	v.SetDefault("workspace.refreshRoots", []string{})
}

// Load reads configuration from the default locations.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from configPath, which may be a directory
// holding config.yaml or a path to a YAML file, then from ./ and /etc/runctl/.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RUNCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// camelCase keys don't map onto SNAKE_CASE env vars by themselves
	_ = v.BindEnv("nats.url", "RUNCTL_NATS_URL", "NATS_URL")
	_ = v.BindEnv("workspace.root", "RUNCTL_WORKSPACE_ROOT")
	_ = v.BindEnv("execution.workerPoolSize", "RUNCTL_EXECUTION_WORKER_POOL_SIZE")
	_ = v.BindEnv("confirmation.serverPolicy", "RUNCTL_CONFIRMATION_SERVER_POLICY")
	_ = v.BindEnv("confirmation.preferencesPath", "RUNCTL_CONFIRMATION_PREFERENCES_PATH")

	ext := strings.ToLower(filepath.Ext(configPath))
	if ext == ".yaml" || ext == ".yml" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if configPath != "" {
			v.AddConfigPath(configPath)
		}
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/runctl/")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if cfg.Execution.RestartInitialDelayMs < 0 {
		errs = append(errs, "execution.restartInitialDelayMs must not be negative")
	}
	if cfg.Execution.RestartPollIntervalMs <= 0 {
		errs = append(errs, "execution.restartPollIntervalMs must be positive")
	}
	if cfg.Execution.WorkerPoolSize <= 0 {
		errs = append(errs, "execution.workerPoolSize must be positive")
	}
	if cfg.Execution.StopGracePeriodMs < 0 {
		errs = append(errs, "execution.stopGracePeriodMs must not be negative")
	}

	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, "tracing.sampleRatio must be between 0 and 1")
	}

	switch strings.ToLower(cfg.Confirmation.ServerPolicy) {
	case "approve", "decline":
	default:
		errs = append(errs, "confirmation.serverPolicy must be one of: approve, decline")
	}

	seen := make(map[string]bool, len(cfg.Profiles))
	for i, p := range cfg.Profiles {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("profiles[%d].name is required", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Sprintf("profiles[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
		if strings.TrimSpace(p.Command) == "" {
			errs = append(errs, fmt.Sprintf("profiles[%d] (%s): command is required", i, p.Name))
		}
		for j, step := range p.BeforeRun {
			if step.Provider == "" {
				errs = append(errs, fmt.Sprintf("profiles[%d].beforeRun[%d].provider is required", i, j))
			}
		}
		for _, kv := range p.Env {
			if !strings.Contains(kv, "=") {
				errs = append(errs, fmt.Sprintf("profiles[%d] (%s): env entry %q must be KEY=VALUE", i, p.Name, kv))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
