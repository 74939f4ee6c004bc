package fleetmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SubscriptionsByState tracks the number of subscriptions by active state.
	SubscriptionsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "botfleet",
		Subsystem: "cp",
		Name:      "subscriptions_by_state",
		Help:      "Number of subscriptions by state (active/inactive).",
	}, []string{"state"})

	// ProvisioningTotal counts provisioning attempts and outcomes.
	ProvisioningTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botfleet",
		Subsystem: "cp",
		Name:      "provisioning_total",
		Help:      "Total provisioning attempts by outcome.",
	}, []string{"outcome"})

	// ReconcilePassesTotal counts reconciliation passes by outcome.
	ReconcilePassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botfleet",
		Subsystem: "cp",
		Name:      "reconcile_passes_total",
		Help:      "Total reconciliation passes by outcome.",
	}, []string{"outcome"})

	// WarningsSentTotal counts expiry warnings sent, by threshold.
	WarningsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botfleet",
		Subsystem: "cp",
		Name:      "warnings_sent_total",
		Help:      "Total subscription expiry warnings sent, by threshold.",
	}, []string{"threshold"})

	// ExpirationsTotal counts tenants deactivated on expiry.
	ExpirationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "botfleet",
		Subsystem: "cp",
		Name:      "expirations_total",
		Help:      "Total subscriptions deactivated after expiry.",
	})

	// RenewalsTotal counts renewal attempts by outcome.
	RenewalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botfleet",
		Subsystem: "cp",
		Name:      "renewals_total",
		Help:      "Total subscription renewals by outcome.",
	}, []string{"outcome"})

	// NotifyDeliveriesTotal counts notification deliveries by result.
	NotifyDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botfleet",
		Subsystem: "cp",
		Name:      "notify_deliveries_total",
		Help:      "Total per-recipient notification deliveries by result.",
	}, []string{"result"})

	// WorkerChecksTotal counts worker liveness checks by result.
	WorkerChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botfleet",
		Subsystem: "cp",
		Name:      "worker_checks_total",
		Help:      "Total worker liveness checks by result.",
	}, []string{"result"})

	// WebhookRequestsTotal counts payment webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botfleet",
		Subsystem: "cp",
		Name:      "webhook_requests_total",
		Help:      "Total payment webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})
)
