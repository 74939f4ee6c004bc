package renewal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/botsmith/botfleet/internal/controlplane/fleetmetrics"
	"github.com/botsmith/botfleet/internal/controlplane/process"
	"github.com/botsmith/botfleet/internal/controlplane/registry"
	"github.com/rs/zerolog/log"
)

// ErrTenantNotFound is returned when a renewal names a tenant that was
// never provisioned. No store mutation happens in that case.
var ErrTenantNotFound = errors.New("tenant not found")

// MonthDuration is the subscription time granted per paid month.
const MonthDuration = 30 * 24 * time.Hour

const defaultControllerTimeout = 30 * time.Second

// Handler applies externally confirmed payments to subscriptions. The
// subscription extension is the source of truth; getting the worker
// process running again is best-effort.
type Handler struct {
	store             *registry.Store
	controller        process.Controller
	controllerTimeout time.Duration
}

// NewHandler creates a renewal Handler.
func NewHandler(store *registry.Store, controller process.Controller) *Handler {
	return &Handler{
		store:             store,
		controller:        controller,
		controllerTimeout: defaultControllerTimeout,
	}
}

// Renew extends tenantID's subscription by d using the store's tie-break
// rule (a still-active window is extended from its end date, an expired
// one restarts from now), then starts and restarts the worker so a tenant
// stopped on expiry comes back up with current configuration.
func (h *Handler) Renew(ctx context.Context, tenantID string, d time.Duration) (*registry.Subscription, error) {
	tenant, err := h.store.GetTenant(tenantID)
	if err != nil {
		fleetmetrics.RenewalsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to look up tenant: %w", err)
	}
	if tenant == nil {
		fleetmetrics.RenewalsTotal.WithLabelValues("not_found").Inc()
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}

	sub, err := h.store.UpsertSubscription(tenantID, d, false)
	if err != nil {
		fleetmetrics.RenewalsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to extend subscription: %w", err)
	}
	fleetmetrics.RenewalsTotal.WithLabelValues("ok").Inc()

	log.Info().
		Str("tenant_id", tenantID).
		Dur("duration", d).
		Time("end_date", sub.EndDate).
		Msg("Subscription renewed")

	h.ensureRunning(ctx, tenantID)
	return sub, nil
}

// ensureRunning starts the worker in case expiry stopped it, then
// restarts it so any configuration change is picked up. Failures are
// logged only; the next reconciliation pass sees a healthy subscription
// either way.
func (h *Handler) ensureRunning(ctx context.Context, tenantID string) {
	callCtx, cancel := context.WithTimeout(ctx, h.controllerTimeout)
	defer cancel()

	status, err := h.controller.Start(callCtx, tenantID)
	if err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to start worker after renewal")
		return
	}
	if status == process.StatusNotRegistered {
		log.Warn().Str("tenant_id", tenantID).Msg("Renewed tenant has no worker registration")
		return
	}

	if _, err := h.controller.Restart(callCtx, tenantID); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to restart worker after renewal")
	}
}
