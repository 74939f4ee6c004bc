package controlplane

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.TrialDays != 7 {
		t.Errorf("expected default trial of 7 days, got %d", cfg.TrialDays)
	}
	if cfg.Controller != ControllerSupervisor {
		t.Errorf("expected supervisor controller by default, got %q", cfg.Controller)
	}
	if cfg.ReconcileInterval != 5*time.Minute {
		t.Errorf("expected 5m reconcile interval, got %s", cfg.ReconcileInterval)
	}
	if cfg.Notify != "telegram" {
		t.Errorf("expected telegram notify backend, got %q", cfg.Notify)
	}
	if !strings.HasSuffix(cfg.WorkspacesDir(), "tenants") {
		t.Errorf("unexpected workspaces dir %q", cfg.WorkspacesDir())
	}
	if !strings.HasSuffix(cfg.ControlPlaneDir(), "control-plane") {
		t.Errorf("unexpected control plane dir %q", cfg.ControlPlaneDir())
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("FLEET_PORT", "9090")
	t.Setenv("FLEET_TRIAL_DAYS", "14")
	t.Setenv("FLEET_RECONCILE_INTERVAL", "90s")
	t.Setenv("FLEET_WEBHOOK_SECRET", " shh ")
	t.Setenv("FLEET_NOTIFY", "log")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.TrialDays != 14 {
		t.Errorf("expected 14 trial days, got %d", cfg.TrialDays)
	}
	if cfg.ReconcileInterval != 90*time.Second {
		t.Errorf("expected 90s interval, got %s", cfg.ReconcileInterval)
	}
	if cfg.WebhookSecret != "shh" {
		t.Errorf("expected trimmed webhook secret, got %q", cfg.WebhookSecret)
	}
	if cfg.Notify != "log" {
		t.Errorf("expected log notify backend, got %q", cfg.Notify)
	}
}

func TestLoadConfig_LogFileSettings(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.LogFile != "" {
		t.Errorf("expected no log file by default, got %q", cfg.LogFile)
	}
	if cfg.LogMaxSizeMB != 100 || cfg.LogMaxAgeDays != 30 {
		t.Errorf("unexpected rotation defaults: %d MB / %d days", cfg.LogMaxSizeMB, cfg.LogMaxAgeDays)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected info level by default, got %q", cfg.LogLevel)
	}

	t.Setenv("FLEET_LOG_FILE", "/var/log/botfleet/cp.log")
	t.Setenv("FLEET_LOG_MAX_SIZE_MB", "25")
	t.Setenv("FLEET_LOG_MAX_AGE_DAYS", "7")
	t.Setenv("FLEET_LOG_LEVEL", "debug")

	cfg, err = LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.LogFile != "/var/log/botfleet/cp.log" {
		t.Errorf("unexpected log file %q", cfg.LogFile)
	}
	if cfg.LogMaxSizeMB != 25 || cfg.LogMaxAgeDays != 7 {
		t.Errorf("unexpected rotation settings: %d MB / %d days", cfg.LogMaxSizeMB, cfg.LogMaxAgeDays)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("unexpected log level %q", cfg.LogLevel)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"port not a number", "FLEET_PORT", "eighty"},
		{"port out of range", "FLEET_PORT", "70000"},
		{"trial days zero", "FLEET_TRIAL_DAYS", "0"},
		{"bad interval", "FLEET_RECONCILE_INTERVAL", "soon"},
		{"unknown controller", "FLEET_CONTROLLER", "systemd"},
		{"unknown notify", "FLEET_NOTIFY", "email"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := LoadConfig(); err == nil {
				t.Errorf("expected error for %s=%s", tc.key, tc.value)
			}
		})
	}
}

func TestLoadConfig_DockerValidation(t *testing.T) {
	t.Setenv("FLEET_CONTROLLER", "docker")

	t.Setenv("FLEET_TENANT_MEMORY_LIMIT", "0")
	if _, err := LoadConfig(); err == nil {
		t.Error("expected error for zero memory limit")
	}

	t.Setenv("FLEET_TENANT_MEMORY_LIMIT", "134217728")
	t.Setenv("FLEET_TENANT_CPU_SHARES", "-1")
	if _, err := LoadConfig(); err == nil {
		t.Error("expected error for negative cpu shares")
	}

	t.Setenv("FLEET_TENANT_CPU_SHARES", "512")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.TenantMemoryLimit != 134217728 || cfg.TenantCPUShares != 512 {
		t.Errorf("unexpected docker limits: %d / %d", cfg.TenantMemoryLimit, cfg.TenantCPUShares)
	}
}
