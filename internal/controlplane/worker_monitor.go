package controlplane

import (
	"context"
	"time"

	"github.com/botsmith/botfleet/internal/controlplane/fleetmetrics"
	"github.com/botsmith/botfleet/internal/controlplane/process"
	"github.com/botsmith/botfleet/internal/controlplane/registry"
	"github.com/rs/zerolog/log"
)

// MonitorConfig holds worker monitor settings.
type MonitorConfig struct {
	Interval      time.Duration // how often to check (default 60s)
	RestartOnFail bool          // start workers found down
	FailThreshold int           // consecutive failures before a start attempt (default 3)
	CallTimeout   time.Duration // bound on each controller call (default 30s)
}

// RegistrationSource re-derives a tenant's worker registration from its
// record. Satisfied by the provisioner.
type RegistrationSource interface {
	Registration(t *registry.Tenant) process.Registration
}

// Monitor periodically checks that every tenant with an unexpired active
// subscription has a running worker, and starts workers found down. It
// covers the gap the subscription reconciler does not: a worker that
// crashed past its supervisor retry budget stays down until someone
// notices, and the tenant is paying for it.
type Monitor struct {
	store      *registry.Store
	controller process.Controller
	regs       RegistrationSource
	cfg        MonitorConfig
	failures   map[string]int
}

// NewMonitor creates a worker monitor.
func NewMonitor(store *registry.Store, controller process.Controller, regs RegistrationSource, cfg MonitorConfig) *Monitor {
	if cfg.Interval == 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Monitor{
		store:      store,
		controller: controller,
		regs:       regs,
		cfg:        cfg,
		failures:   make(map[string]int),
	}
}

// Run starts the worker check loop. It blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	log.Info().
		Dur("interval", m.cfg.Interval).
		Bool("restart_on_fail", m.cfg.RestartOnFail).
		Msg("Worker monitor started")

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Worker monitor stopped")
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *Monitor) checkAll(ctx context.Context) {
	subs, err := m.store.ListSubscriptions()
	if err != nil {
		log.Error().Err(err).Msg("Worker monitor: failed to list subscriptions")
		return
	}

	now := m.store.Now().UTC()
	entitled := make(map[string]struct{})
	for _, sub := range subs {
		if ctx.Err() != nil {
			return
		}
		// Expired-but-active tenants belong to the reconciler; checking
		// them here would start a worker the reconciler is about to stop.
		if !sub.Active || !sub.EndDate.After(now) {
			continue
		}
		entitled[sub.TenantID] = struct{}{}
		m.checkTenant(ctx, sub.TenantID)
	}

	for tenantID := range m.failures {
		if _, ok := entitled[tenantID]; !ok {
			delete(m.failures, tenantID)
		}
	}
}

func (m *Monitor) checkTenant(ctx context.Context, tenantID string) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	running, err := m.controller.Running(callCtx, tenantID)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Worker check error")
	}

	if running {
		fleetmetrics.WorkerChecksTotal.WithLabelValues("running").Inc()
		m.failures[tenantID] = 0
		return
	}
	fleetmetrics.WorkerChecksTotal.WithLabelValues("down").Inc()
	m.failures[tenantID]++

	if !m.cfg.RestartOnFail || m.failures[tenantID] < m.cfg.FailThreshold {
		return
	}

	log.Warn().
		Str("tenant_id", tenantID).
		Int("consecutive_failures", m.failures[tenantID]).
		Int("fail_threshold", m.cfg.FailThreshold).
		Msg("Worker down, attempting start")

	callCtx, cancel = context.WithTimeout(ctx, m.cfg.CallTimeout)
	status, err := m.controller.Start(callCtx, tenantID)
	cancel()
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to start downed worker")
		return
	}
	if status == process.StatusNotRegistered {
		m.recoverRegistration(ctx, tenantID)
		return
	}
	m.failures[tenantID] = 0
}

// recoverRegistration rebuilds a missing worker registration from the
// tenant record and starts it. A registration can vanish out from under
// supervisord or the container runtime (host rebuild, pruned conf dir);
// the tenant record holds everything needed to recreate it.
func (m *Monitor) recoverRegistration(ctx context.Context, tenantID string) {
	tenant, err := m.store.GetTenant(tenantID)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("Registration recovery: failed to load tenant")
		return
	}
	if tenant == nil {
		log.Error().Str("tenant_id", tenantID).Msg("Registration recovery: subscription without tenant record")
		return
	}

	log.Warn().Str("tenant_id", tenantID).Msg("Worker has no registration, recreating from tenant record")

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	if err := m.controller.Register(callCtx, m.regs.Registration(tenant)); err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("Registration recovery: register failed")
		return
	}
	if _, err := m.controller.ReloadRegistration(callCtx, tenantID); err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("Registration recovery: reload failed")
		return
	}
	if _, err := m.controller.Start(callCtx, tenantID); err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("Registration recovery: start failed")
		return
	}
	m.failures[tenantID] = 0
}
