// Package config loads and validates the scheduler configuration from
// config.yaml under the testbench home directory. Everything tunable is
// carried in explicit structs handed to constructors; there is no package
// level mutable state.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MikePfunk28/agent-builder-application-sub000/internal/otel"
)

// SchedulerConfig tunes the dispatch pass and the abandonment reaper.
type SchedulerConfig struct {
	// MaxConcurrent is the global ceiling on RUNNING test executions.
	MaxConcurrent int `yaml:"max_concurrent"`

	// MaxAttempts bounds queue-level retries per test execution.
	MaxAttempts int `yaml:"max_attempts"`

	// InvokeTimeoutSeconds bounds a single backend invocation.
	InvokeTimeoutSeconds int `yaml:"invoke_timeout_seconds"`

	// BackstopIntervalSeconds is the fixed-interval wakeup that catches work
	// the post-enqueue trigger missed.
	BackstopIntervalSeconds int `yaml:"backstop_interval_seconds"`

	// DispatchParallelism caps how many claimed entries one pass dispatches
	// at the same time.
	DispatchParallelism int `yaml:"dispatch_parallelism"`

	// ClaimStaleAfterSeconds is how long an entry may sit claimed before the
	// reaper treats it as abandoned.
	ClaimStaleAfterSeconds int `yaml:"claim_stale_after_seconds"`

	// ReaperSchedule is a 5-field cron expression for the abandonment sweep.
	ReaperSchedule string `yaml:"reaper_schedule"`
}

// SandboxConfig configures the managed-sandbox backend (direct model invocation).
type SandboxConfig struct {
	Provider string `yaml:"provider"` // "anthropic", "google", "openai_compatible"
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
}

// ContainerConfig configures the container-orchestrator backend.
type ContainerConfig struct {
	Image       string `yaml:"image"`
	MemoryMB    int64  `yaml:"memory_mb"`
	NetworkMode string `yaml:"network_mode"`
	Workspace   string `yaml:"workspace"`
}

// FunctionConfig configures the serverless function runner.
type FunctionConfig struct {
	ModuleDir            string `yaml:"module_dir"`
	MemoryLimitPages     uint32 `yaml:"memory_limit_pages"`
	InvokeTimeoutSeconds int    `yaml:"invoke_timeout_seconds"`
}

// BackendsConfig groups all execution backend settings.
type BackendsConfig struct {
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Container ContainerConfig `yaml:"container"`
	Function  FunctionConfig  `yaml:"function"`
}

// WindowConfig tunes the conversation sliding window.
type WindowConfig struct {
	SlidingWindowSize      int   `yaml:"sliding_window_size"`
	OverflowThresholdBytes int64 `yaml:"overflow_threshold_bytes"`
}

// TierConfig holds per-tier limits consulted before enqueue.
type TierConfig struct {
	DailyTestLimit int `yaml:"daily_test_limit"`
}

// RateLimitConfig throttles gateway requests per API token or client IP.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// CORSConfig controls cross-origin access to the gateway. AllowedOrigins
// also serves as the WebSocket origin allowlist.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// GatewayConfig groups the HTTP surface settings.
type GatewayConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`

	// ManagedPrefixes overrides the default managed-model namespace table.
	ManagedPrefixes []string `yaml:"managed_prefixes"`

	Scheduler SchedulerConfig       `yaml:"scheduler"`
	Backends  BackendsConfig        `yaml:"backends"`
	Window    WindowConfig          `yaml:"window"`
	Gateway   GatewayConfig         `yaml:"gateway"`
	Tiers     map[string]TierConfig `yaml:"tiers"`
	OTel      otel.Config           `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Scheduler: SchedulerConfig{
			MaxConcurrent:           10,
			MaxAttempts:             3,
			InvokeTimeoutSeconds:    60,
			BackstopIntervalSeconds: 15,
			DispatchParallelism:     4,
			ClaimStaleAfterSeconds:  int((5 * time.Minute).Seconds()),
			ReaperSchedule:          "*/2 * * * *",
		},
		Backends: BackendsConfig{
			Sandbox: SandboxConfig{Provider: "anthropic"},
			Container: ContainerConfig{
				Image:       "python:3.11-slim",
				MemoryMB:    512,
				NetworkMode: "none",
			},
			Function: FunctionConfig{
				MemoryLimitPages:     160,
				InvokeTimeoutSeconds: 30,
			},
		},
		Window: WindowConfig{
			SlidingWindowSize:      50,
			OverflowThresholdBytes: 256 * 1024,
		},
		Gateway: GatewayConfig{
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 120,
				BurstSize:         20,
			},
		},
		Tiers: map[string]TierConfig{
			"free": {DailyTestLimit: 25},
			"pro":  {DailyTestLimit: 500},
		},
	}
}

// HomeDir resolves the testbench home directory, honoring TESTBENCH_HOME.
func HomeDir() string {
	if override := os.Getenv("TESTBENCH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".testbench")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the default home directory.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from the given home directory, applying
// defaults, env overrides, and normalization. A missing file is not an
// error; defaults apply.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create testbench home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TESTBENCH_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TESTBENCH_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TESTBENCH_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("TESTBENCH_MAX_CONCURRENT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.MaxConcurrent = v
		}
	}
	if raw := os.Getenv("TESTBENCH_MAX_ATTEMPTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.MaxAttempts = v
		}
	}
	if raw := os.Getenv("TESTBENCH_INVOKE_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.InvokeTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("SANDBOX_API_KEY"); raw != "" {
		cfg.Backends.Sandbox.APIKey = raw
	}
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Scheduler.MaxConcurrent <= 0 {
		cfg.Scheduler.MaxConcurrent = def.Scheduler.MaxConcurrent
	}
	if cfg.Scheduler.MaxAttempts <= 0 {
		cfg.Scheduler.MaxAttempts = def.Scheduler.MaxAttempts
	}
	if cfg.Scheduler.InvokeTimeoutSeconds <= 0 {
		cfg.Scheduler.InvokeTimeoutSeconds = def.Scheduler.InvokeTimeoutSeconds
	}
	if cfg.Scheduler.BackstopIntervalSeconds <= 0 {
		cfg.Scheduler.BackstopIntervalSeconds = def.Scheduler.BackstopIntervalSeconds
	}
	if cfg.Scheduler.DispatchParallelism <= 0 {
		cfg.Scheduler.DispatchParallelism = def.Scheduler.DispatchParallelism
	}
	if cfg.Scheduler.ClaimStaleAfterSeconds <= 0 {
		cfg.Scheduler.ClaimStaleAfterSeconds = def.Scheduler.ClaimStaleAfterSeconds
	}
	if strings.TrimSpace(cfg.Scheduler.ReaperSchedule) == "" {
		cfg.Scheduler.ReaperSchedule = def.Scheduler.ReaperSchedule
	}
	if cfg.Backends.Container.Image == "" {
		cfg.Backends.Container.Image = def.Backends.Container.Image
	}
	if cfg.Backends.Container.MemoryMB <= 0 {
		cfg.Backends.Container.MemoryMB = def.Backends.Container.MemoryMB
	}
	if cfg.Backends.Container.NetworkMode == "" {
		cfg.Backends.Container.NetworkMode = def.Backends.Container.NetworkMode
	}
	if cfg.Backends.Function.MemoryLimitPages == 0 {
		cfg.Backends.Function.MemoryLimitPages = def.Backends.Function.MemoryLimitPages
	}
	if cfg.Backends.Function.InvokeTimeoutSeconds <= 0 {
		cfg.Backends.Function.InvokeTimeoutSeconds = def.Backends.Function.InvokeTimeoutSeconds
	}
	if cfg.Window.SlidingWindowSize <= 0 {
		cfg.Window.SlidingWindowSize = def.Window.SlidingWindowSize
	}
	if cfg.Window.OverflowThresholdBytes <= 0 {
		cfg.Window.OverflowThresholdBytes = def.Window.OverflowThresholdBytes
	}
	if cfg.Gateway.RateLimit.RequestsPerMinute <= 0 {
		cfg.Gateway.RateLimit.RequestsPerMinute = def.Gateway.RateLimit.RequestsPerMinute
	}
	if cfg.Gateway.RateLimit.BurstSize <= 0 {
		cfg.Gateway.RateLimit.BurstSize = def.Gateway.RateLimit.BurstSize
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = def.Tiers
	}
}

// InvokeTimeout returns the backend invocation bound as a duration.
func (c SchedulerConfig) InvokeTimeout() time.Duration {
	return time.Duration(c.InvokeTimeoutSeconds) * time.Second
}

// BackstopInterval returns the fixed wakeup interval as a duration.
func (c SchedulerConfig) BackstopInterval() time.Duration {
	return time.Duration(c.BackstopIntervalSeconds) * time.Second
}

// ClaimStaleAfter returns the abandonment threshold as a duration.
func (c SchedulerConfig) ClaimStaleAfter() time.Duration {
	return time.Duration(c.ClaimStaleAfterSeconds) * time.Second
}

// Fingerprint returns a stable hash of the tunables, exposed in health
// responses so a reload is observable.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|conc=%d|att=%d|inv=%d|win=%d|thr=%d",
		c.BindAddr, c.LogLevel,
		c.Scheduler.MaxConcurrent, c.Scheduler.MaxAttempts, c.Scheduler.InvokeTimeoutSeconds,
		c.Window.SlidingWindowSize, c.Window.OverflowThresholdBytes)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
