package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultSupervisorctl = "/usr/bin/supervisorctl"
	defaultConfDir       = "/etc/supervisor/conf.d"
	defaultLogDir        = "/var/log"
	defaultCallTimeout   = 30 * time.Second

	// startRetries bounds supervisord's crash-restart attempts per unit.
	startRetries = 3
)

// SupervisorConfig holds supervisor controller settings.
type SupervisorConfig struct {
	ConfDir     string        // program conf fragments (default /etc/supervisor/conf.d)
	LogDir      string        // per-tenant stdout/stderr logs (default /var/log)
	Ctl         string        // supervisorctl binary (default /usr/bin/supervisorctl)
	CallTimeout time.Duration // upper bound on one supervisorctl invocation
}

// SupervisorController drives tenant workers as supervisord programs, one
// named unit per tenant. Every supervisorctl call is bounded by a timeout
// so a wedged manager can never hang a reconciliation pass.
type SupervisorController struct {
	cfg SupervisorConfig
}

// NewSupervisorController creates a supervisor-backed controller.
func NewSupervisorController(cfg SupervisorConfig) *SupervisorController {
	if cfg.ConfDir == "" {
		cfg.ConfDir = defaultConfDir
	}
	if cfg.LogDir == "" {
		cfg.LogDir = defaultLogDir
	}
	if cfg.Ctl == "" {
		cfg.Ctl = defaultSupervisorctl
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	return &SupervisorController{cfg: cfg}
}

// ProgramName returns the supervisord program name for a tenant.
func ProgramName(tenantID string) string {
	return "bot_" + tenantID
}

func (c *SupervisorController) confPath(tenantID string) string {
	return filepath.Join(c.cfg.ConfDir, ProgramName(tenantID)+".conf")
}

// renderProgramConf renders the supervisord program fragment for one tenant.
// The unit auto-restarts on crash with a bounded retry count, writes its own
// log files, and receives only that tenant's environment.
func renderProgramConf(reg Registration, logDir string) string {
	program := ProgramName(reg.TenantID)

	keys := make([]string, 0, len(reg.Env))
	for k := range reg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	envParts := make([]string, 0, len(keys))
	for _, k := range keys {
		envParts = append(envParts, fmt.Sprintf(`%s="%s"`, k, reg.Env[k]))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[program:%s]\n", program)
	fmt.Fprintf(&sb, "command=%s\n", reg.Command)
	fmt.Fprintf(&sb, "directory=%s\n", reg.Dir)
	sb.WriteString("autostart=true\n")
	sb.WriteString("autorestart=true\n")
	fmt.Fprintf(&sb, "startretries=%d\n", startRetries)
	fmt.Fprintf(&sb, "stderr_logfile=%s\n", filepath.Join(logDir, program+"_err.log"))
	fmt.Fprintf(&sb, "stdout_logfile=%s\n", filepath.Join(logDir, program+"_out.log"))
	if len(envParts) > 0 {
		fmt.Fprintf(&sb, "environment=%s\n", strings.Join(envParts, ","))
	}
	return sb.String()
}

// Register writes the program conf fragment and tells supervisord to load it.
func (c *SupervisorController) Register(ctx context.Context, reg Registration) error {
	if err := os.MkdirAll(c.cfg.ConfDir, 0o755); err != nil {
		return fmt.Errorf("create supervisor conf dir: %w", err)
	}
	conf := renderProgramConf(reg, c.cfg.LogDir)
	if err := os.WriteFile(c.confPath(reg.TenantID), []byte(conf), 0o644); err != nil {
		return fmt.Errorf("write supervisor conf for %s: %w", reg.TenantID, err)
	}
	if _, err := c.ctl(ctx, "reread"); err != nil {
		return fmt.Errorf("supervisor reread: %w", err)
	}
	if _, err := c.ctl(ctx, "update"); err != nil {
		return fmt.Errorf("supervisor update: %w", err)
	}
	return nil
}

// Deregister stops the program and removes its conf fragment.
func (c *SupervisorController) Deregister(ctx context.Context, tenantID string) error {
	if _, err := c.Stop(ctx, tenantID); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Deregister: stop failed, removing conf anyway")
	}
	if err := os.Remove(c.confPath(tenantID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove supervisor conf for %s: %w", tenantID, err)
	}
	if _, err := c.ctl(ctx, "reread"); err != nil {
		return fmt.Errorf("supervisor reread: %w", err)
	}
	if _, err := c.ctl(ctx, "update"); err != nil {
		return fmt.Errorf("supervisor update: %w", err)
	}
	return nil
}

// Start starts the tenant's program.
func (c *SupervisorController) Start(ctx context.Context, tenantID string) (Status, error) {
	out, err := c.ctl(ctx, "start", ProgramName(tenantID))
	return classify(out, err)
}

// Stop stops the tenant's program.
func (c *SupervisorController) Stop(ctx context.Context, tenantID string) (Status, error) {
	out, err := c.ctl(ctx, "stop", ProgramName(tenantID))
	return classify(out, err)
}

// Restart restarts the tenant's program.
func (c *SupervisorController) Restart(ctx context.Context, tenantID string) (Status, error) {
	out, err := c.ctl(ctx, "restart", ProgramName(tenantID))
	return classify(out, err)
}

// Running reports whether the tenant's program is in the RUNNING state.
func (c *SupervisorController) Running(ctx context.Context, tenantID string) (bool, error) {
	out, err := c.ctl(ctx, "status", ProgramName(tenantID))
	if err != nil {
		return false, err
	}
	return strings.Contains(out, "RUNNING"), nil
}

// ReloadRegistration re-reads conf fragments so a rewritten registration
// takes effect on the next start.
func (c *SupervisorController) ReloadRegistration(ctx context.Context, tenantID string) (Status, error) {
	if _, err := c.ctl(ctx, "reread"); err != nil {
		return "", fmt.Errorf("supervisor reread: %w", err)
	}
	out, err := c.ctl(ctx, "update", ProgramName(tenantID))
	return classify(out, err)
}

// ctl runs one supervisorctl invocation bounded by the call timeout.
func (c *SupervisorController) ctl(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.cfg.Ctl, args...)
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return string(out), fmt.Errorf("supervisorctl %s timed out after %s", strings.Join(args, " "), c.cfg.CallTimeout)
	}
	// supervisorctl exits non-zero for benign outcomes ("already started",
	// "no such process"); classification happens on the output, so an exec
	// failure only matters when there is no output to classify.
	if err != nil && strings.TrimSpace(string(out)) == "" {
		return "", fmt.Errorf("supervisorctl %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

// classify maps supervisorctl output to a non-fatal status.
func classify(out string, err error) (Status, error) {
	if err != nil {
		return "", err
	}
	lower := strings.ToLower(out)
	switch {
	case strings.Contains(lower, "no such process"), strings.Contains(lower, "no such group"):
		return StatusNotRegistered, nil
	case strings.Contains(lower, "already started"), strings.Contains(lower, "not running"):
		return StatusUnchanged, nil
	default:
		return StatusApplied, nil
	}
}
