package controlplane

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/botsmith/botfleet/internal/controlplane/provision"
	"github.com/botsmith/botfleet/internal/controlplane/registry"
	"github.com/rs/zerolog/log"
)

const createBodyLimit = 64 * 1024

type errorResponse struct {
	Error string `json:"error"`
}

type createTenantRequest struct {
	Token   string `json:"token"`
	AdminID int64  `json:"admin_id"`
}

type createTenantResponse struct {
	TenantID string `json:"tenant_id"`
	Username string `json:"username"`
}

type subscriptionView struct {
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	Active    bool      `json:"active"`
}

type tenantView struct {
	TenantID     string            `json:"tenant_id"`
	AdminIDs     []int64           `json:"admin_ids"`
	CreatedAt    time.Time         `json:"created_at"`
	Subscription *subscriptionView `json:"subscription,omitempty"`
}

// handleCreateTenant provisions a new tenant from a bot token and an admin
// chat id.
func handleCreateTenant(provisioner *provision.Provisioner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, createBodyLimit)

		var req createTenantRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
			return
		}
		if strings.TrimSpace(req.Token) == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "token is required"})
			return
		}
		if req.AdminID == 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "admin_id is required"})
			return
		}

		res, err := provisioner.Create(r.Context(), req.Token, req.AdminID)
		if err != nil {
			if errors.Is(err, provision.ErrInvalidCredential) {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bot token rejected by Telegram"})
				return
			}
			log.Error().Err(err).Msg("Tenant provisioning failed")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "provisioning failed"})
			return
		}

		writeJSON(w, http.StatusCreated, createTenantResponse{
			TenantID: res.TenantID,
			Username: res.Username,
		})
	}
}

// handleListTenants returns every tenant with its subscription state.
func handleListTenants(store *registry.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenants, err := store.ListTenants()
		if err != nil {
			log.Error().Err(err).Msg("Failed to list tenants")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list tenants"})
			return
		}
		subs, err := store.ListSubscriptions()
		if err != nil {
			log.Error().Err(err).Msg("Failed to list subscriptions")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list tenants"})
			return
		}

		byTenant := make(map[string]*registry.Subscription, len(subs))
		for _, s := range subs {
			byTenant[s.TenantID] = s
		}

		out := make([]tenantView, 0, len(tenants))
		for _, t := range tenants {
			out = append(out, tenantToView(t, byTenant[t.ID]))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// handleGetTenant returns one tenant with its subscription state.
func handleGetTenant(store *registry.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.PathValue("tenant_id")
		tenant, err := store.GetTenant(tenantID)
		if err != nil {
			log.Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to load tenant")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load tenant"})
			return
		}
		if tenant == nil {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "tenant not found"})
			return
		}
		sub, err := store.GetSubscription(tenantID)
		if err != nil {
			log.Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to load subscription")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load tenant"})
			return
		}
		writeJSON(w, http.StatusOK, tenantToView(tenant, sub))
	}
}

func tenantToView(t *registry.Tenant, sub *registry.Subscription) tenantView {
	v := tenantView{
		TenantID:  t.ID,
		AdminIDs:  t.AdminIDs,
		CreatedAt: t.CreatedAt,
	}
	if sub != nil {
		v.Subscription = &subscriptionView{
			StartDate: sub.StartDate,
			EndDate:   sub.EndDate,
			Active:    sub.Active,
		}
	}
	return v
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleReadyz(store *registry.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := store.Ping(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "registry unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
