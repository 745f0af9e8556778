// Package config loads and validates the control-plane and worker-host
// configuration. Values come from the environment first (optionally seeded by
// a .env file), with an optional YAML overlay for deployment-managed
// defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the umbrella configuration object returned by Load() and passed
// through the application.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Server   ServerConfig   `yaml:"server"`
	Worker   WorkerConfig   `yaml:"worker"`
	Agent    AgentConfig    `yaml:"agent"`
	Security SecurityConfig `yaml:"security"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	Cleanup  CleanupConfig  `yaml:"cleanup"`
}

// StoreConfig configures the shared coordination store.
type StoreConfig struct {
	URL string `yaml:"url"`
}

// ServerConfig configures the control-plane HTTP surface.
type ServerConfig struct {
	Port string `yaml:"port"`

	// Sliding-window rate limits, requests per window.
	PublicRateLimit    int           `yaml:"public_rate_limit"`
	PublicRateWindow   time.Duration `yaml:"public_rate_window"`
	WebhookRateLimit   int           `yaml:"webhook_rate_limit"`
	WebhookRateWindow  time.Duration `yaml:"webhook_rate_window"`
	DashboardRateLimit int           `yaml:"dashboard_rate_limit"`
	DashboardRateWin   time.Duration `yaml:"dashboard_rate_window"`
}

// WorkerConfig configures worker-host registration and liveness.
type WorkerConfig struct {
	// TTL is the registration record TTL; lapses when heartbeats stop.
	TTL time.Duration `yaml:"ttl"`

	// HeartbeatTimeout is how long after the last heartbeat readers still
	// consider a worker active.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`

	// HeartbeatInterval is the cadence workers are told to heartbeat at.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// PollInterval is the cadence workers are told to poll for work at.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Capacity is the number of concurrent sessions a worker host runs.
	Capacity int `yaml:"capacity"`

	// WorktreesRoot is the directory under which scratch worktrees are created.
	WorktreesRoot string `yaml:"worktrees_root"`

	// RepoPath is the main repository checkout the worktrees branch from.
	RepoPath string `yaml:"repo_path"`

	// TemplatesDir holds per-work-type prompt template files.
	TemplatesDir string `yaml:"templates_dir"`

	// InstallCommand is the dependency install fallback when symlinking the
	// main checkout's dependency trees fails.
	InstallCommand string `yaml:"install_command"`
}

// AgentConfig configures per-session supervision on the worker side.
type AgentConfig struct {
	InactivityTimeout   time.Duration `yaml:"inactivity_timeout"`
	MaxSessionTimeout   time.Duration `yaml:"max_session_timeout"` // 0 = unbounded
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
	MaxRecoveryAttempts int           `yaml:"max_recovery_attempts"`
	MaxCostUSD          float64       `yaml:"max_cost_usd"` // 0 = disabled

	// PreserveWorkOnPRFailure keeps a dev/inflight worktree when the session
	// ends with uncommitted or unpushed changes.
	PreserveWorkOnPRFailure bool `yaml:"preserve_work_on_pr_failure"`

	// EventLogEnabled turns on the per-session events.jsonl log.
	EventLogEnabled bool `yaml:"event_log_enabled"`
}

// SecurityConfig holds the secrets and auth material the API surface needs.
type SecurityConfig struct {
	WorkerAPIKey    string `yaml:"-"`
	WebhookSecret   string `yaml:"-"`
	CronSecret      string `yaml:"-"`
	SessionHashSalt string `yaml:"-"`
}

// TrackerConfig configures the issue-tracker client.
type TrackerConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIToken string `yaml:"-"`

	// ForgeHost is the code-forge hostname used for PR-URL detection.
	ForgeHost string `yaml:"forge_host"`

	BucketCapacity float64       `yaml:"bucket_capacity"`
	RefillPerSec   float64       `yaml:"refill_per_sec"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	AcquirePoll    time.Duration `yaml:"acquire_poll"`

	CircuitFailureThreshold int           `yaml:"circuit_failure_threshold"`
	CircuitResetTimeout     time.Duration `yaml:"circuit_reset_timeout"`
	CircuitMaxResetTimeout  time.Duration `yaml:"circuit_max_reset_timeout"`
}

// CleanupConfig configures the orphan/zombie cleanup pass.
type CleanupConfig struct {
	// Debounce is the minimum gap between opportunistic cleanup passes.
	Debounce time.Duration `yaml:"debounce"`

	// OrphanGrace is how stale a claimed/running session must be before it is
	// treated as orphaned.
	OrphanGrace time.Duration `yaml:"orphan_grace"`

	// ZombieGrace is how stale a pending session must be before the queues
	// are checked for its presence.
	ZombieGrace time.Duration `yaml:"zombie_grace"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			URL: "redis://localhost:6379/0",
		},
		Server: ServerConfig{
			Port:               "8080",
			PublicRateLimit:    60,
			PublicRateWindow:   time.Minute,
			WebhookRateLimit:   10,
			WebhookRateWindow:  time.Second,
			DashboardRateLimit: 30,
			DashboardRateWin:   time.Minute,
		},
		Worker: WorkerConfig{
			TTL:               120 * time.Second,
			HeartbeatTimeout:  90 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			PollInterval:      5 * time.Second,
			Capacity:          2,
			WorktreesRoot:     "./worktrees",
			RepoPath:          ".",
		},
		Agent: AgentConfig{
			InactivityTimeout:       5 * time.Minute,
			MaxSessionTimeout:       0,
			HeartbeatInterval:       10 * time.Second,
			HeartbeatTimeout:        30 * time.Second,
			MaxRecoveryAttempts:     3,
			MaxCostUSD:              0,
			PreserveWorkOnPRFailure: true,
			EventLogEnabled:         true,
		},
		Tracker: TrackerConfig{
			ForgeHost:               "github.com",
			BucketCapacity:          80,
			RefillPerSec:            1.5,
			AcquireTimeout:          30 * time.Second,
			AcquirePoll:             500 * time.Millisecond,
			CircuitFailureThreshold: 2,
			CircuitResetTimeout:     60 * time.Second,
			CircuitMaxResetTimeout:  300 * time.Second,
		},
		Cleanup: CleanupConfig{
			Debounce:    60 * time.Second,
			OrphanGrace: 120 * time.Second,
			ZombieGrace: 5 * time.Minute,
		},
	}
}

// applyEnv overlays environment variables onto the config.
func (c *Config) applyEnv() {
	c.Store.URL = getEnv("STORE_URL", c.Store.URL)
	c.Server.Port = getEnv("HTTP_PORT", c.Server.Port)

	c.Security.WorkerAPIKey = os.Getenv("WORKER_API_KEY")
	c.Security.WebhookSecret = os.Getenv("WEBHOOK_SECRET")
	c.Security.CronSecret = os.Getenv("CRON_SECRET")
	c.Security.SessionHashSalt = os.Getenv("SESSION_HASH_SALT")

	c.Tracker.Endpoint = getEnv("TRACKER_ENDPOINT", c.Tracker.Endpoint)
	c.Tracker.APIToken = os.Getenv("TRACKER_API_TOKEN")
	c.Tracker.ForgeHost = getEnv("FORGE_HOST", c.Tracker.ForgeHost)

	c.Worker.TTL = getEnvSeconds("WORKER_TTL", c.Worker.TTL)
	c.Worker.HeartbeatTimeout = getEnvMillis("WORKER_HEARTBEAT_TIMEOUT", c.Worker.HeartbeatTimeout)
	c.Worker.HeartbeatInterval = getEnvMillis("WORKER_HEARTBEAT_INTERVAL", c.Worker.HeartbeatInterval)
	c.Worker.PollInterval = getEnvMillis("WORKER_POLL_INTERVAL", c.Worker.PollInterval)
	c.Worker.Capacity = getEnvInt("WORKER_CAPACITY", c.Worker.Capacity)
	c.Worker.WorktreesRoot = getEnv("WORKTREES_ROOT", c.Worker.WorktreesRoot)
	c.Worker.RepoPath = getEnv("REPO_PATH", c.Worker.RepoPath)

	c.Agent.InactivityTimeout = getEnvMillis("AGENT_INACTIVITY_TIMEOUT_MS", c.Agent.InactivityTimeout)
	c.Agent.MaxSessionTimeout = getEnvMillis("AGENT_MAX_SESSION_TIMEOUT_MS", c.Agent.MaxSessionTimeout)
	c.Agent.HeartbeatInterval = getEnvMillis("AGENT_HEARTBEAT_INTERVAL_MS", c.Agent.HeartbeatInterval)
	c.Agent.HeartbeatTimeout = getEnvMillis("AGENT_HEARTBEAT_TIMEOUT_MS", c.Agent.HeartbeatTimeout)
	c.Agent.MaxRecoveryAttempts = getEnvInt("AGENT_MAX_RECOVERY_ATTEMPTS", c.Agent.MaxRecoveryAttempts)
	c.Agent.MaxCostUSD = getEnvFloat("AGENT_MAX_COST_USD", c.Agent.MaxCostUSD)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	if n := getEnvInt(key, -1); n >= 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvMillis(key string, fallback time.Duration) time.Duration {
	if n := getEnvInt(key, -1); n >= 0 {
		return time.Duration(n) * time.Millisecond
	}
	return fallback
}

// minSaltLength is the minimum accepted SESSION_HASH_SALT length.
const minSaltLength = 32

// Validate checks required settings. In production, missing secrets are
// fatal; in development they produce warnings collected in the returned
// slice.
func (c *Config) Validate(production bool) ([]string, error) {
	var warnings []string

	check := func(name, value string) error {
		if value != "" {
			return nil
		}
		if production {
			return fmt.Errorf("%s is required in production", name)
		}
		warnings = append(warnings, name+" is not set")
		return nil
	}

	if err := check("WORKER_API_KEY", c.Security.WorkerAPIKey); err != nil {
		return warnings, err
	}
	if err := check("WEBHOOK_SECRET", c.Security.WebhookSecret); err != nil {
		return warnings, err
	}
	if err := check("CRON_SECRET", c.Security.CronSecret); err != nil {
		return warnings, err
	}
	if err := check("SESSION_HASH_SALT", c.Security.SessionHashSalt); err != nil {
		return warnings, err
	}
	if c.Security.SessionHashSalt != "" && len(c.Security.SessionHashSalt) < minSaltLength {
		return warnings, fmt.Errorf("SESSION_HASH_SALT must be at least %d characters", minSaltLength)
	}
	return warnings, nil
}
