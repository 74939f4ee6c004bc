package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/botsmith/botfleet/internal/controlplane/fleetmetrics"
	"github.com/botsmith/botfleet/internal/controlplane/notify"
	"github.com/botsmith/botfleet/internal/controlplane/process"
	"github.com/botsmith/botfleet/internal/controlplane/registry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	defaultInterval          = 5 * time.Minute
	defaultConcurrency       = 4
	defaultControllerTimeout = 30 * time.Second
)

// DefaultThresholds are the staged expiry warning boundaries, largest first.
var DefaultThresholds = []time.Duration{24 * time.Hour, 12 * time.Hour, 6 * time.Hour}

// Config holds reconciler settings.
type Config struct {
	Interval          time.Duration
	Thresholds        []time.Duration
	Concurrency       int           // parallel per-tenant work within one pass
	ControllerTimeout time.Duration // bound on each process manager call
}

// Reconciler is the periodic loop that evaluates every subscription against
// the current time: it emits staged expiry warnings exactly once per
// threshold, and deactivates and stops tenants whose paid time ran out.
// Warning flags only move forward while a subscription is active; renewal
// is the one thing that resets them.
type Reconciler struct {
	store      *registry.Store
	controller process.Controller
	sink       notify.Sink
	cfg        Config

	// runMu rejects overlapping passes: two concurrent passes over the
	// same tenant could double-fire a warning.
	runMu sync.Mutex
}

// New creates a Reconciler.
func New(store *registry.Store, controller process.Controller, sink notify.Sink, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if len(cfg.Thresholds) == 0 {
		cfg.Thresholds = DefaultThresholds
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.ControllerTimeout <= 0 {
		cfg.ControllerTimeout = defaultControllerTimeout
	}
	return &Reconciler{store: store, controller: controller, sink: sink, cfg: cfg}
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	log.Info().
		Dur("interval", r.cfg.Interval).
		Int("thresholds", len(r.cfg.Thresholds)).
		Msg("Subscription reconciler started")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Subscription reconciler stopped")
			return
		case <-ticker.C:
			r.RunPass(ctx)
		}
	}
}

// RunPass executes a single reconciliation pass over the full tenant set.
// A pass already in flight makes this call a no-op.
func (r *Reconciler) RunPass(ctx context.Context) {
	if !r.runMu.TryLock() {
		log.Warn().Msg("Reconciliation pass still running, skipping trigger")
		fleetmetrics.ReconcilePassesTotal.WithLabelValues("skipped_overlap").Inc()
		return
	}
	defer r.runMu.Unlock()

	passLog := log.With().Str("pass_id", uuid.NewString()).Logger()
	r.processWarnings(ctx, passLog)
	r.processExpired(ctx, passLog)
	fleetmetrics.ReconcilePassesTotal.WithLabelValues("completed").Inc()
}

// processWarnings sends every newly due threshold warning, largest first,
// and marks each threshold warned whether or not every admin was reached.
func (r *Reconciler) processWarnings(ctx context.Context, passLog zerolog.Logger) {
	due, err := r.store.DueWarnings(r.cfg.Thresholds)
	if err != nil {
		passLog.Error().Err(err).Msg("Failed to query due warnings")
		return
	}

	g := &errgroup.Group{}
	g.SetLimit(r.cfg.Concurrency)
	for _, d := range due {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r.warnTenant(ctx, passLog, d)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Reconciler) warnTenant(ctx context.Context, passLog zerolog.Logger, d registry.DueWarning) {
	tenant, err := r.store.GetTenant(d.TenantID)
	if err != nil {
		passLog.Error().Err(err).Str("tenant_id", d.TenantID).Msg("Failed to load tenant for warning")
		return
	}
	if tenant == nil {
		passLog.Warn().Str("tenant_id", d.TenantID).Msg("Subscription without tenant record, skipping warning")
		return
	}

	remaining := d.EndDate.Sub(r.store.Now().UTC())
	for _, threshold := range d.Thresholds {
		text := warningMessage(d.TenantID, remaining)
		r.broadcast(ctx, passLog, tenant, text)

		if err := r.store.MarkWarned(d.TenantID, threshold); err != nil {
			passLog.Error().Err(err).
				Str("tenant_id", d.TenantID).
				Str("threshold", formatThreshold(threshold)).
				Msg("Failed to mark threshold warned")
			// Leave the remaining thresholds for the next pass rather
			// than risk double-marking out of order.
			return
		}
		fleetmetrics.WarningsSentTotal.WithLabelValues(formatThreshold(threshold)).Inc()

		passLog.Info().
			Str("tenant_id", d.TenantID).
			Str("threshold", formatThreshold(threshold)).
			Dur("remaining", remaining).
			Msg("Expiry warning sent")
	}
}

// processExpired stops and deactivates every tenant whose active
// subscription is past its end date. Deactivation happens even when the
// stop call fails: a stopped-but-billed tenant is the worse failure mode
// than a deactivated process the next pass finds already inactive.
func (r *Reconciler) processExpired(ctx context.Context, passLog zerolog.Logger) {
	ids, err := r.store.ExpiredActive()
	if err != nil {
		passLog.Error().Err(err).Msg("Failed to query expired subscriptions")
		return
	}

	g := &errgroup.Group{}
	g.SetLimit(r.cfg.Concurrency)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r.expireTenant(ctx, passLog, id)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Reconciler) expireTenant(ctx context.Context, passLog zerolog.Logger, tenantID string) {
	stopCtx, cancel := context.WithTimeout(ctx, r.cfg.ControllerTimeout)
	status, err := r.controller.Stop(stopCtx, tenantID)
	cancel()
	if err != nil {
		// Retryable on the next pass; never blocks deactivation.
		passLog.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to stop expired tenant worker")
	} else if status == process.StatusNotRegistered {
		passLog.Warn().Str("tenant_id", tenantID).Msg("Expired tenant had no worker registration")
	}

	flipped, err := r.store.Deactivate(tenantID)
	if err != nil {
		passLog.Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to deactivate expired subscription")
		return
	}
	if !flipped {
		// A renewal landed between the query and the update; the tenant
		// keeps running and no expiration notice goes out.
		passLog.Info().Str("tenant_id", tenantID).Msg("Expiration skipped, subscription renewed concurrently")
		return
	}
	fleetmetrics.ExpirationsTotal.Inc()

	tenant, err := r.store.GetTenant(tenantID)
	if err != nil || tenant == nil {
		passLog.Warn().Err(err).Str("tenant_id", tenantID).Msg("Deactivated tenant without loadable record, skipping notice")
		return
	}
	r.broadcast(ctx, passLog, tenant, expirationMessage(tenantID))

	passLog.Info().
		Str("tenant_id", tenantID).
		Str("stop_status", string(status)).
		Msg("Subscription expired, worker stopped")
}

func (r *Reconciler) broadcast(ctx context.Context, passLog zerolog.Logger, tenant *registry.Tenant, text string) {
	fanout := r.sink.Broadcast(ctx, tenant.Token, tenant.AdminIDs, text)
	for _, d := range fanout.Deliveries {
		if d.Err != nil {
			fleetmetrics.NotifyDeliveriesTotal.WithLabelValues("error").Inc()
			passLog.Warn().Err(d.Err).
				Str("tenant_id", tenant.ID).
				Int64("recipient", d.Recipient).
				Msg("Notification delivery failed")
		} else {
			fleetmetrics.NotifyDeliveriesTotal.WithLabelValues("ok").Inc()
		}
	}
}

func warningMessage(tenantID string, remaining time.Duration) string {
	hours := int(remaining.Hours())
	return fmt.Sprintf("Reminder: the subscription for bot %s expires in about %d hours. Please renew to keep the bot running.", tenantID, hours)
}

func expirationMessage(tenantID string) string {
	return fmt.Sprintf("The subscription for bot %s has expired and the bot has been stopped. Renew the subscription to turn it back on.", tenantID)
}

func formatThreshold(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return d.String()
}
