package controlplane

import (
	"context"
	"time"

	"github.com/botsmith/botfleet/internal/controlplane/fleetmetrics"
	"github.com/botsmith/botfleet/internal/controlplane/registry"
	"github.com/rs/zerolog/log"
)

const subscriptionStateMetricsInterval = 30 * time.Second

func runSubscriptionStateMetrics(ctx context.Context, store *registry.Store) {
	ticker := time.NewTicker(subscriptionStateMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for this gauge.
	updateSubscriptionStateGauges(store)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSubscriptionStateGauges(store)
		}
	}
}

func updateSubscriptionStateGauges(store *registry.Store) {
	active, inactive, err := store.CountByState()
	if err != nil {
		log.Error().Err(err).Msg("Failed to update subscription state metrics")
		return
	}
	fleetmetrics.SubscriptionsByState.WithLabelValues("active").Set(float64(active))
	fleetmetrics.SubscriptionsByState.WithLabelValues("inactive").Set(float64(inactive))
}
