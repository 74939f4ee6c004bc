package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/botsmith/botfleet/internal/controlplane/fleetmetrics"
	"github.com/botsmith/botfleet/internal/controlplane/process"
	"github.com/botsmith/botfleet/internal/controlplane/registry"
	"github.com/botsmith/botfleet/internal/controlplane/telegram"
	"github.com/rs/zerolog/log"
)

// ErrInvalidCredential is returned when the bot token is rejected by the
// identity service or validation times out. No side effects have been
// performed when this error is returned.
var ErrInvalidCredential = errors.New("invalid bot credential")

// Error wraps a provisioning failure that occurred after partial setup.
// Whatever partial state was created has been rolled back by the time the
// caller sees it.
type Error struct {
	TenantID string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provision tenant %s: %v", e.TenantID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

const (
	// maxIDAttempts bounds tenant id regeneration on workspace collision.
	maxIDAttempts = 5

	defaultValidateTimeout = 10 * time.Second
)

// Config holds provisioner settings.
type Config struct {
	// WorkspacesDir is the root under which per-tenant workspaces live.
	WorkspacesDir string
	// TemplateDir is the workspace template copied for each new tenant.
	TemplateDir string
	// BotCommand is the worker entrypoint registered with the process
	// manager, executed inside the tenant workspace.
	BotCommand string
	// ValidateTimeout bounds the credential validation call.
	ValidateTimeout time.Duration
}

// Result is the outcome of a successful provisioning.
type Result struct {
	TenantID string `json:"tenant_id"`
	Username string `json:"username"`
}

// Provisioner creates new tenants: validated credential, isolated
// workspace, registered worker process, and an initial trial subscription.
// Provisioning is one logical transaction across those systems; any
// failure after partial setup rolls everything back.
type Provisioner struct {
	store      *registry.Store
	controller process.Controller
	tg         *telegram.Client
	cfg        Config
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(store *registry.Store, controller process.Controller, tg *telegram.Client, cfg Config) *Provisioner {
	if cfg.ValidateTimeout <= 0 {
		cfg.ValidateTimeout = defaultValidateTimeout
	}
	return &Provisioner{store: store, controller: controller, tg: tg, cfg: cfg}
}

type cleanupState struct {
	tenantID      string
	workspaceDir  string
	tenantCreated bool
	registered    bool
}

// Create provisions a new tenant for the given bot token and first admin.
// Two calls with the same token produce two independent tenants; creation
// is deliberately not deduplicated by credential.
func (p *Provisioner) Create(ctx context.Context, token string, adminID int64) (res *Result, err error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidCredential)
	}

	// Validate before touching any external state, so a rejected
	// credential has no side effects to undo.
	vctx, cancel := context.WithTimeout(ctx, p.cfg.ValidateTimeout)
	defer cancel()
	me, err := p.tg.GetMe(vctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredential, err)
	}

	fleetmetrics.ProvisioningTotal.WithLabelValues("attempt").Inc()
	cleanup := cleanupState{}
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
			p.rollback(cleanup)
			err = &Error{TenantID: cleanup.tenantID, Err: err}
		}
		fleetmetrics.ProvisioningTotal.WithLabelValues(outcome).Inc()
	}()

	tenantID, workspaceDir, err := p.allocateWorkspacePath()
	if err != nil {
		return nil, err
	}
	cleanup.tenantID = tenantID

	if err := p.materializeWorkspace(workspaceDir, tenantID, token, adminID); err != nil {
		return nil, err
	}
	cleanup.workspaceDir = workspaceDir

	tenant := &registry.Tenant{
		ID:            tenantID,
		Token:         token,
		AdminIDs:      []int64{adminID},
		WorkspacePath: workspaceDir,
	}
	if err := p.store.CreateTenant(tenant); err != nil {
		return nil, err
	}
	cleanup.tenantCreated = true

	if _, err := p.store.UpsertSubscription(tenantID, 0, true); err != nil {
		return nil, fmt.Errorf("create trial subscription: %w", err)
	}

	if err := p.controller.Register(ctx, workerRegistration(tenant, p.cfg.BotCommand)); err != nil {
		return nil, fmt.Errorf("register worker: %w", err)
	}
	cleanup.registered = true

	if _, err := p.controller.Start(ctx, tenantID); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	log.Info().
		Str("tenant_id", tenantID).
		Str("username", me.Username).
		Int64("admin_id", adminID).
		Msg("Tenant provisioned with trial subscription")

	return &Result{TenantID: tenantID, Username: me.Username}, nil
}

// allocateWorkspacePath generates a tenant id whose workspace directory
// does not already exist. A collision never reuses the directory; the id
// is regenerated instead.
func (p *Provisioner) allocateWorkspacePath() (tenantID, workspaceDir string, err error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := registry.GenerateTenantID()
		if err != nil {
			return "", "", err
		}
		dir := filepath.Join(p.cfg.WorkspacesDir, id)
		if _, err := os.Stat(dir); err == nil {
			log.Warn().Str("tenant_id", id).Msg("Workspace collision, regenerating tenant id")
			continue
		} else if !os.IsNotExist(err) {
			return "", "", fmt.Errorf("stat workspace dir: %w", err)
		}
		return id, dir, nil
	}
	return "", "", fmt.Errorf("could not allocate a collision-free tenant id after %d attempts", maxIDAttempts)
}

// materializeWorkspace copies the worker template and writes the tenant's
// isolated runtime configuration. Nothing in the workspace is shared with
// any other tenant.
func (p *Provisioner) materializeWorkspace(dir, tenantID, token string, adminID int64) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}
	if err := os.CopyFS(filepath.Join(dir, "app"), os.DirFS(p.cfg.TemplateDir)); err != nil {
		return fmt.Errorf("copy workspace template: %w", err)
	}

	env := fmt.Sprintf("BOT_TOKEN=%s\nADMIN_IDS=%d\nTENANT_ID=%s\nDB_PATH=bot_database.db\nCONFIG_PATH=config.json\n",
		token, adminID, tenantID)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600); err != nil {
		return fmt.Errorf("write workspace env: %w", err)
	}

	defaults := "{\"schedule\": {}, \"services\": [], \"reviews_link\": \"\", \"faq\": \"\"}\n"
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(defaults), 0o644); err != nil {
		return fmt.Errorf("write workspace config: %w", err)
	}
	return nil
}

// workerRegistration derives the process registration for a tenant. It can
// be recomputed from the tenant record at any time.
func workerRegistration(t *registry.Tenant, command string) process.Registration {
	adminIDs := make([]string, 0, len(t.AdminIDs))
	for _, id := range t.AdminIDs {
		adminIDs = append(adminIDs, fmt.Sprintf("%d", id))
	}
	return process.Registration{
		TenantID: t.ID,
		Command:  command,
		Dir:      t.WorkspacePath,
		Env: map[string]string{
			"BOT_TOKEN": t.Token,
			"ADMIN_IDS": strings.Join(adminIDs, ","),
			"TENANT_ID": t.ID,
		},
	}
}

// Registration re-derives the process registration for an existing tenant.
func (p *Provisioner) Registration(t *registry.Tenant) process.Registration {
	return workerRegistration(t, p.cfg.BotCommand)
}

func (p *Provisioner) rollback(state cleanupState) {
	// Fresh context so cleanup still runs if the request context was
	// canceled.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if state.registered {
		if err := p.controller.Deregister(ctx, state.tenantID); err != nil {
			log.Warn().Err(err).
				Str("tenant_id", state.tenantID).
				Msg("Provisioning rollback: failed to deregister worker")
		}
	}
	if state.tenantCreated {
		if err := p.store.DeleteTenant(state.tenantID); err != nil {
			log.Warn().Err(err).
				Str("tenant_id", state.tenantID).
				Msg("Provisioning rollback: failed to delete tenant record")
		}
	}
	if state.workspaceDir == "" {
		return
	}
	if err := os.RemoveAll(state.workspaceDir); err != nil {
		log.Warn().Err(err).
			Str("tenant_id", state.tenantID).
			Str("workspace_dir", state.workspaceDir).
			Msg("Provisioning rollback: failed to remove workspace")
	}
}
