package controlplane

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Supported ProcessController backends.
const (
	ControllerSupervisor = "supervisor"
	ControllerDocker     = "docker"
)

// Config holds all configuration for the fleet control plane.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int

	WebhookSecret string // shared secret for the payment webhook (optional)
	TrialDays     int

	Controller  string // "supervisor" or "docker"
	TemplateDir string // bot workspace template copied per tenant
	BotCommand  string // entrypoint for supervisor-managed workers

	BotImage          string // container image for docker-managed workers
	DockerNetwork     string
	TenantMemoryLimit int64 // bytes
	TenantCPUShares   int64

	SupervisorConfDir string
	SupervisorLogDir  string
	SupervisorCtl     string

	LogLevel      string // zerolog level name
	LogFile       string // optional control plane log file (rotated)
	LogMaxSizeMB  int
	LogMaxAgeDays int

	ReconcileInterval time.Duration

	Notify string // "telegram" or "log" (dev/testing)
}

// WorkspacesDir returns the directory where per-tenant workspaces live.
func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.DataDir, "tenants")
}

// ControlPlaneDir returns the directory for the control plane's own data
// (registry DB, etc).
func (c *Config) ControlPlaneDir() string {
	return filepath.Join(c.DataDir, "control-plane")
}

// LoadConfig loads control plane configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("FLEET_PORT", 8080)
	if err != nil {
		return nil, err
	}
	trialDays, err := envOrDefaultInt("FLEET_TRIAL_DAYS", 7)
	if err != nil {
		return nil, err
	}
	tenantMemoryLimit, err := envOrDefaultInt64("FLEET_TENANT_MEMORY_LIMIT", 256*1024*1024) // 256 MiB
	if err != nil {
		return nil, err
	}
	tenantCPUShares, err := envOrDefaultInt64("FLEET_TENANT_CPU_SHARES", 256)
	if err != nil {
		return nil, err
	}
	reconcileInterval, err := envOrDefaultDuration("FLEET_RECONCILE_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	logMaxSizeMB, err := envOrDefaultInt("FLEET_LOG_MAX_SIZE_MB", 100)
	if err != nil {
		return nil, err
	}
	logMaxAgeDays, err := envOrDefaultInt("FLEET_LOG_MAX_AGE_DAYS", 30)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:           envOrDefault("FLEET_DATA_DIR", "/data"),
		BindAddress:       envOrDefault("FLEET_BIND_ADDRESS", "0.0.0.0"),
		Port:              port,
		WebhookSecret:     strings.TrimSpace(os.Getenv("FLEET_WEBHOOK_SECRET")),
		TrialDays:         trialDays,
		Controller:        envOrDefault("FLEET_CONTROLLER", ControllerSupervisor),
		TemplateDir:       envOrDefault("FLEET_TEMPLATE_DIR", "/opt/botfleet/template"),
		BotCommand:        envOrDefault("FLEET_BOT_COMMAND", "python3 -m bot"),
		BotImage:          envOrDefault("FLEET_BOT_IMAGE", "ghcr.io/botsmith/bot-worker:latest"),
		DockerNetwork:     envOrDefault("FLEET_DOCKER_NETWORK", "botfleet"),
		TenantMemoryLimit: tenantMemoryLimit,
		TenantCPUShares:   tenantCPUShares,
		SupervisorConfDir: envOrDefault("FLEET_SUPERVISOR_CONF_DIR", "/etc/supervisor/conf.d"),
		SupervisorLogDir:  envOrDefault("FLEET_SUPERVISOR_LOG_DIR", "/var/log"),
		SupervisorCtl:     envOrDefault("FLEET_SUPERVISORCTL", "/usr/bin/supervisorctl"),
		LogLevel:          envOrDefault("FLEET_LOG_LEVEL", "info"),
		LogFile:           strings.TrimSpace(os.Getenv("FLEET_LOG_FILE")),
		LogMaxSizeMB:      logMaxSizeMB,
		LogMaxAgeDays:     logMaxAgeDays,
		ReconcileInterval: reconcileInterval,
		Notify:            envOrDefault("FLEET_NOTIFY", "telegram"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate control plane config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("FLEET_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.TrialDays < 1 {
		return fmt.Errorf("FLEET_TRIAL_DAYS must be at least 1, got %d", c.TrialDays)
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("FLEET_RECONCILE_INTERVAL must be greater than 0, got %s", c.ReconcileInterval)
	}
	switch c.Controller {
	case ControllerSupervisor:
		if strings.TrimSpace(c.BotCommand) == "" {
			return fmt.Errorf("FLEET_BOT_COMMAND must be set for the supervisor controller")
		}
	case ControllerDocker:
		if c.TenantMemoryLimit <= 0 {
			return fmt.Errorf("FLEET_TENANT_MEMORY_LIMIT must be greater than 0, got %d", c.TenantMemoryLimit)
		}
		if c.TenantCPUShares <= 0 {
			return fmt.Errorf("FLEET_TENANT_CPU_SHARES must be greater than 0, got %d", c.TenantCPUShares)
		}
	default:
		return fmt.Errorf("FLEET_CONTROLLER must be %q or %q, got %q", ControllerSupervisor, ControllerDocker, c.Controller)
	}
	if c.Notify != "telegram" && c.Notify != "log" {
		return fmt.Errorf("FLEET_NOTIFY must be \"telegram\" or \"log\", got %q", c.Notify)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultInt64(key string, fallback int64) (int64, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
