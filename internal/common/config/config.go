// Package config provides configuration management for nanoclaw.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for nanoclaw.
type Config struct {
	Server        ServerConfig               `mapstructure:"server"`
	Store         StoreConfig                `mapstructure:"store"`
	Logging       LoggingConfig              `mapstructure:"logging"`
	Docker        DockerConfig               `mapstructure:"docker"`
	VM            VMConfig                   `mapstructure:"vm"`
	Sandbox       SandboxConfig              `mapstructure:"sandbox"`
	MountPolicy   MountPolicyConfig          `mapstructure:"mountPolicy"`
	Scheduler     SchedulerConfig            `mapstructure:"scheduler"`
	MessageLoop   MessageLoopConfig          `mapstructure:"messageLoop"`
	IPCDispatcher IPCDispatcherConfig        `mapstructure:"ipcDispatcher"`
	Paths         PathsConfig                `mapstructure:"paths"`
	// Channels holds per-adapter config blocks (e.g. "whatsapp", "discord"),
	// opaque to the core — only a concrete adapter in cmd/ interprets them.
	Channels map[string]map[string]any `mapstructure:"channels"`
}

// ServerConfig holds the core's HTTP health-check surface.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// StoreConfig holds the embedded store's file location.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DockerConfig holds Docker client configuration for the ephemeral container engine.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
}

// VMConfig holds the settings shared by the one-shot and persistent VM
// sandbox engines, which drive a platform VM CLI as a subprocess rather
// than a Go SDK (§4.3.b, §4.3.c).
type VMConfig struct {
	CLI       string `mapstructure:"cli"`
	BaseImage string `mapstructure:"baseImage"`
}

// SandboxConfig holds cross-engine sandbox defaults, overridable per workspace.
type SandboxConfig struct {
	// DefaultEngine is the fallback sandbox engine: container, onetimevm, persistentvm, inprocess.
	DefaultEngine string `mapstructure:"defaultEngine"`
	// DefaultCLI is the fallback agent CLI: claude, codex, opencode.
	DefaultCLI string `mapstructure:"defaultCli"`
	// ContainerImage is the base image used by the ephemeral container engine.
	ContainerImage string `mapstructure:"containerImage"`
	// TimeoutMs is the default per-run wall-clock deadline.
	TimeoutMs int64 `mapstructure:"timeoutMs"`
	// IdleTimeoutMs is how long to wait after the last stdout output or stdin write before closing stdin.
	IdleTimeoutMs int64 `mapstructure:"idleTimeoutMs"`
	// MaxOutputBytes caps stdout/stderr capture independently.
	MaxOutputBytes int64 `mapstructure:"maxOutputBytes"`
	// CredentialsEnvFile names a file of KEY=VALUE lines. It is loaded with
	// the config only; no sandbox engine reads it or forwards its entries.
	CredentialsEnvFile string `mapstructure:"credentialsEnvFile"`
}

// TimeoutDuration returns Sandbox.TimeoutMs as a time.Duration.
func (s *SandboxConfig) TimeoutDuration() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// IdleTimeoutDuration returns Sandbox.IdleTimeoutMs as a time.Duration.
func (s *SandboxConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeoutMs) * time.Millisecond
}

// MountPolicyConfig points at the allowlist file kept outside any workspace.
type MountPolicyConfig struct {
	ConfigPath string `mapstructure:"configPath"`
}

// SchedulerConfig holds the scheduler sweep interval.
type SchedulerConfig struct {
	IntervalMs int64 `mapstructure:"intervalMs"`
}

// IntervalDuration returns the sweep interval as a time.Duration.
func (s *SchedulerConfig) IntervalDuration() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

// MessageLoopConfig holds the message ingestion poll interval.
type MessageLoopConfig struct {
	PollIntervalMs int64  `mapstructure:"pollIntervalMs"`
	SelfName       string `mapstructure:"selfName"`
}

// PollIntervalDuration returns the poll interval as a time.Duration.
func (m *MessageLoopConfig) PollIntervalDuration() time.Duration {
	return time.Duration(m.PollIntervalMs) * time.Millisecond
}

// IPCDispatcherConfig holds the filesystem IPC poller's interval.
type IPCDispatcherConfig struct {
	PollIntervalMs int64 `mapstructure:"pollIntervalMs"`
}

// PollIntervalDuration returns the poll interval as a time.Duration.
func (i *IPCDispatcherConfig) PollIntervalDuration() time.Duration {
	return time.Duration(i.PollIntervalMs) * time.Millisecond
}

// PathsConfig holds the well-known directory roots derived from a data root.
type PathsConfig struct {
	DataRoot string `mapstructure:"dataRoot"`
}

// WorkspacesDir returns the directory holding per-workspace agent CWDs.
func (p *PathsConfig) WorkspacesDir() string { return filepath.Join(p.DataRoot, "workspaces") }

// SessionsDir returns the directory holding per-workspace agent home/session data.
func (p *PathsConfig) SessionsDir() string { return filepath.Join(p.DataRoot, "sessions") }

// IPCDir returns the directory holding per-workspace IPC request/response files.
func (p *PathsConfig) IPCDir() string { return filepath.Join(p.DataRoot, "ipc") }

// VMImagesDir returns the directory holding per-workspace persistent-VM disks.
func (p *PathsConfig) VMImagesDir() string { return filepath.Join(p.DataRoot, "vibe-images") }

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("NANOCLAW_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("store.path", "./data/nanoclaw.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("docker.host", defaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultNetwork", "nanoclaw-network")

	v.SetDefault("vm.cli", "tart")
	v.SetDefault("vm.baseImage", "nanoclaw-base")

	v.SetDefault("sandbox.defaultEngine", "container")
	v.SetDefault("sandbox.defaultCli", "claude")
	v.SetDefault("sandbox.containerImage", "nanoclaw/agent-runtime:latest")
	v.SetDefault("sandbox.timeoutMs", int64(5*time.Minute/time.Millisecond))
	v.SetDefault("sandbox.idleTimeoutMs", int64(5*time.Second/time.Millisecond))
	v.SetDefault("sandbox.maxOutputBytes", int64(10*1024*1024))
	v.SetDefault("sandbox.credentialsEnvFile", "./data/agent-credentials.env")

	v.SetDefault("mountPolicy.configPath", "./config/mount-policy.json")

	v.SetDefault("scheduler.intervalMs", int64(60*time.Second/time.Millisecond))

	v.SetDefault("messageLoop.pollIntervalMs", int64(2*time.Second/time.Millisecond))
	v.SetDefault("messageLoop.selfName", "nanoclaw")

	v.SetDefault("ipcDispatcher.pollIntervalMs", int64(1*time.Second/time.Millisecond))

	v.SetDefault("paths.dataRoot", "./data")
}

// defaultDockerHost returns the platform-appropriate Docker socket path.
func defaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// Load reads configuration from environment variables, config file, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("NANOCLAW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the snake_case control-surface vars in spec.md §6.6,
	// which AutomaticEnv's camelCase-to-SNAKE_CASE guess would miss.
	_ = v.BindEnv("sandbox.defaultEngine", "CONTAINER_RUNTIME", "NANOCLAW_SANDBOX_DEFAULT_ENGINE")
	_ = v.BindEnv("sandbox.defaultCli", "AGENT_RUNTIME", "NANOCLAW_SANDBOX_DEFAULT_CLI")
	_ = v.BindEnv("messageLoop.pollIntervalMs", "POLL_INTERVAL_MS")
	_ = v.BindEnv("scheduler.intervalMs", "SCHEDULER_INTERVAL_MS")
	_ = v.BindEnv("ipcDispatcher.pollIntervalMs", "IPC_INTERVAL_MS")
	_ = v.BindEnv("sandbox.idleTimeoutMs", "IDLE_TIMEOUT_MS")
	_ = v.BindEnv("sandbox.timeoutMs", "CONTAINER_TIMEOUT_MS")
	_ = v.BindEnv("sandbox.maxOutputBytes", "MAX_OUTPUT_BYTES")
	_ = v.BindEnv("vm.cli", "VM_CLI")
	_ = v.BindEnv("vm.baseImage", "VM_BASE_IMAGE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/nanoclaw/")

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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	validEngines := map[string]bool{"container": true, "onetimevm": true, "persistentvm": true, "inprocess": true}
	if !validEngines[cfg.Sandbox.DefaultEngine] {
		errs = append(errs, "sandbox.defaultEngine must be one of: container, onetimevm, persistentvm, inprocess")
	}
	validCLIs := map[string]bool{"claude": true, "codex": true, "opencode": true}
	if !validCLIs[cfg.Sandbox.DefaultCLI] {
		errs = append(errs, "sandbox.defaultCli must be one of: claude, codex, opencode")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
