package controlplane

import (
	"net/http"
	"time"

	"github.com/botsmith/botfleet/internal/controlplane/provision"
	"github.com/botsmith/botfleet/internal/controlplane/registry"
	"github.com/botsmith/botfleet/internal/controlplane/renewal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config      *Config
	Store       *registry.Store
	Provisioner *provision.Provisioner
	Renewals    *renewal.Handler
	Version     string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/readyz", handleReadyz(deps.Store))
	mux.Handle("/metrics", promhttp.Handler())

	// Tenant provisioning does an outbound Telegram call per request,
	// so the create endpoint gets a tighter limit than reads.
	createLimiter := NewRateLimiter(30, time.Minute)
	mux.Handle("POST /api/tenants", createLimiter.Middleware(handleCreateTenant(deps.Provisioner)))
	mux.Handle("GET /api/tenants", handleListTenants(deps.Store))
	mux.Handle("GET /api/tenants/{tenant_id}", handleGetTenant(deps.Store))

	// Payment webhook (shared-secret authenticated when configured)
	webhookHandler := renewal.NewWebhookHandler(deps.Config.WebhookSecret, deps.Renewals)
	webhookLimiter := NewRateLimiter(120, time.Minute)
	mux.Handle("/api/payments/webhook", webhookLimiter.Middleware(webhookHandler))
}
