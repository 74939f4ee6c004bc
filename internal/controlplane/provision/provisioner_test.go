package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/botsmith/botfleet/internal/controlplane/process"
	"github.com/botsmith/botfleet/internal/controlplane/registry"
	"github.com/botsmith/botfleet/internal/controlplane/telegram"
)

// fakeController records registrations and can fail register or start.
type fakeController struct {
	mu          sync.Mutex
	registered  []process.Registration
	deregisters []string
	starts      []string
	registerErr error
	startErr    error
}

func (f *fakeController) Register(_ context.Context, reg process.Registration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return f.registerErr
	}
	f.registered = append(f.registered, reg)
	return nil
}

func (f *fakeController) Deregister(_ context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregisters = append(f.deregisters, tenantID)
	return nil
}

func (f *fakeController) Start(_ context.Context, tenantID string) (process.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.starts = append(f.starts, tenantID)
	return process.StatusApplied, nil
}

func (f *fakeController) Stop(context.Context, string) (process.Status, error) {
	return process.StatusApplied, nil
}

func (f *fakeController) Restart(context.Context, string) (process.Status, error) {
	return process.StatusApplied, nil
}

func (f *fakeController) Running(context.Context, string) (bool, error) { return true, nil }

func (f *fakeController) ReloadRegistration(context.Context, string) (process.Status, error) {
	return process.StatusApplied, nil
}

// newTelegramStub serves getMe: tokens starting with "good" resolve to a
// bot identity, everything else is rejected like the real API does.
func newTelegramStub(t *testing.T) *telegram.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(r.URL.Path, "/botgood") {
			fmt.Fprint(w, `{"ok":true,"result":{"id":42,"is_bot":true,"username":"schedule_helper_bot"}}`)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
	}))
	t.Cleanup(srv.Close)
	return telegram.NewClientWithBaseURL(srv.URL)
}

type env struct {
	store       *registry.Store
	controller  *fakeController
	provisioner *Provisioner
	workspaces  string
}

func newTestEnv(t *testing.T) *env {
	t.Helper()
	store, err := registry.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	template := t.TempDir()
	if err := os.WriteFile(filepath.Join(template, "bot.py"), []byte("print('worker')\n"), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}

	workspaces := t.TempDir()
	controller := &fakeController{}
	provisioner := NewProvisioner(store, controller, newTelegramStub(t), Config{
		WorkspacesDir: workspaces,
		TemplateDir:   template,
		BotCommand:    "python3 app/bot.py",
	})
	return &env{store: store, controller: controller, provisioner: provisioner, workspaces: workspaces}
}

func (e *env) workspaceCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(e.workspaces)
	if err != nil {
		t.Fatalf("read workspaces dir: %v", err)
	}
	return len(entries)
}

func TestCreate_Success(t *testing.T) {
	e := newTestEnv(t)

	res, err := e.provisioner.Create(context.Background(), "good123:token", 555)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Username != "schedule_helper_bot" {
		t.Errorf("username mismatch: %q", res.Username)
	}
	if !strings.HasPrefix(res.TenantID, "b-") {
		t.Errorf("unexpected tenant id %q", res.TenantID)
	}

	// Tenant record with trial subscription.
	tenant, err := e.store.GetTenant(res.TenantID)
	if err != nil || tenant == nil {
		t.Fatalf("GetTenant: %v (%v)", tenant, err)
	}
	if tenant.Token != "good123:token" {
		t.Errorf("token mismatch: %q", tenant.Token)
	}
	sub, err := e.store.GetSubscription(res.TenantID)
	if err != nil || sub == nil {
		t.Fatalf("GetSubscription: %v (%v)", sub, err)
	}
	if !sub.Active {
		t.Error("expected active trial subscription")
	}
	if got := sub.EndDate.Sub(sub.StartDate); got != registry.DefaultTrialPeriod {
		t.Errorf("expected trial window %s, got %s", registry.DefaultTrialPeriod, got)
	}

	// Workspace materialized from the template.
	dir := filepath.Join(e.workspaces, res.TenantID)
	if _, err := os.Stat(filepath.Join(dir, "app", "bot.py")); err != nil {
		t.Errorf("expected template copied into workspace: %v", err)
	}
	envBytes, err := os.ReadFile(filepath.Join(dir, ".env"))
	if err != nil {
		t.Fatalf("read .env: %v", err)
	}
	for _, want := range []string{"BOT_TOKEN=good123:token", "ADMIN_IDS=555", "TENANT_ID=" + res.TenantID} {
		if !strings.Contains(string(envBytes), want) {
			t.Errorf(".env missing %q:\n%s", want, envBytes)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "config.json")); err != nil {
		t.Errorf("expected default config.json: %v", err)
	}

	// Worker registered and started.
	if len(e.controller.registered) != 1 {
		t.Fatalf("expected 1 registration, got %d", len(e.controller.registered))
	}
	reg := e.controller.registered[0]
	if reg.TenantID != res.TenantID || reg.Dir != dir {
		t.Errorf("registration mismatch: %+v", reg)
	}
	if reg.Env["BOT_TOKEN"] != "good123:token" {
		t.Errorf("registration env missing credential: %v", reg.Env)
	}
	if len(e.controller.starts) != 1 {
		t.Errorf("expected worker started, got %v", e.controller.starts)
	}
}

func TestCreate_SameTokenTwoTenants(t *testing.T) {
	e := newTestEnv(t)

	first, err := e.provisioner.Create(context.Background(), "good123:token", 555)
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	second, err := e.provisioner.Create(context.Background(), "good123:token", 555)
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if first.TenantID == second.TenantID {
		t.Error("expected two independent tenants for the same credential")
	}
}

func TestCreate_InvalidToken_NoSideEffects(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.provisioner.Create(context.Background(), "bad123:token", 555)
	if !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}

	tenants, err := e.store.ListTenants()
	if err != nil {
		t.Fatal(err)
	}
	if len(tenants) != 0 {
		t.Errorf("expected no tenants, got %d", len(tenants))
	}
	if n := e.workspaceCount(t); n != 0 {
		t.Errorf("expected no workspaces, got %d", n)
	}
	if len(e.controller.registered) != 0 {
		t.Errorf("expected no registrations, got %v", e.controller.registered)
	}
}

func TestCreate_EmptyToken(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.provisioner.Create(context.Background(), "   ", 555)
	if !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
}

func TestCreate_StartFailureRollsBack(t *testing.T) {
	e := newTestEnv(t)
	e.controller.startErr = errors.New("manager refused")

	_, err := e.provisioner.Create(context.Background(), "good123:token", 555)
	if err == nil {
		t.Fatal("expected provisioning error")
	}
	var pErr *Error
	if !errors.As(err, &pErr) {
		t.Fatalf("expected *provision.Error, got %T", err)
	}
	if errors.Is(err, ErrInvalidCredential) {
		t.Error("post-validation failure must not map to ErrInvalidCredential")
	}

	// Everything rolled back: no tenant, no subscription, no workspace,
	// and the worker registration was removed.
	tenants, err := e.store.ListTenants()
	if err != nil {
		t.Fatal(err)
	}
	if len(tenants) != 0 {
		t.Errorf("expected tenant rolled back, got %d", len(tenants))
	}
	sub, err := e.store.GetSubscription(pErr.TenantID)
	if err != nil {
		t.Fatal(err)
	}
	if sub != nil {
		t.Error("expected subscription rolled back")
	}
	if n := e.workspaceCount(t); n != 0 {
		t.Errorf("expected workspace removed, got %d entries", n)
	}
	if len(e.controller.deregisters) != 1 {
		t.Errorf("expected worker deregistered, got %v", e.controller.deregisters)
	}
}

func TestCreate_RegisterFailureRollsBack(t *testing.T) {
	e := newTestEnv(t)
	e.controller.registerErr = errors.New("conf dir unwritable")

	_, err := e.provisioner.Create(context.Background(), "good123:token", 555)
	if err == nil {
		t.Fatal("expected provisioning error")
	}
	if n := e.workspaceCount(t); n != 0 {
		t.Errorf("expected workspace removed, got %d entries", n)
	}
	// Register never succeeded, so no deregister is attempted.
	if len(e.controller.deregisters) != 0 {
		t.Errorf("unexpected deregister calls: %v", e.controller.deregisters)
	}
}

func TestWorkerRegistration_OnlyTenantData(t *testing.T) {
	tenant := &registry.Tenant{
		ID:            "b-ISOLATED00",
		Token:         "tok",
		AdminIDs:      []int64{1, 2},
		WorkspacePath: "/data/tenants/b-ISOLATED00",
	}
	reg := workerRegistration(tenant, "python3 app/bot.py")

	if reg.Env["ADMIN_IDS"] != "1,2" {
		t.Errorf("admin ids mismatch: %q", reg.Env["ADMIN_IDS"])
	}
	if len(reg.Env) != 3 {
		t.Errorf("registration env must carry only tenant data, got %v", reg.Env)
	}

	var buf []byte
	buf, err := json.Marshal(tenant)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(buf), "tok") {
		t.Error("tenant token must not serialize to JSON")
	}
}
