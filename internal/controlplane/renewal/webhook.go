package renewal

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/botsmith/botfleet/internal/controlplane/fleetmetrics"
	"github.com/rs/zerolog/log"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// EventPaymentSucceeded is the only event type that mutates state.
const EventPaymentSucceeded = "payment.succeeded"

// WebhookHandler accepts payment provider notifications and turns
// confirmed payments into subscription renewals. Parsing is tolerant:
// unknown event types and payloads without a resolvable tenant are
// acknowledged and dropped, never retried by the provider.
type WebhookHandler struct {
	secret  string
	handler *Handler
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// paymentEvent is the subset of the provider notification we read.
// Metadata is echoed back from payment creation and carries our
// tenant id and the number of months purchased.
type paymentEvent struct {
	Event  string `json:"event"`
	Object struct {
		ID       string            `json:"id"`
		Metadata map[string]string `json:"metadata"`
	} `json:"object"`
}

// NewWebhookHandler creates a payment webhook HTTP handler. secret, when
// non-empty, must match the X-Webhook-Token header on every request.
func NewWebhookHandler(secret string, handler *Handler) *WebhookHandler {
	return &WebhookHandler{secret: secret, handler: handler}
}

// ServeHTTP authenticates and dispatches a provider notification.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		fleetmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if h.secret != "" {
		token := r.Header.Get("X-Webhook-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) != 1 {
			status = http.StatusUnauthorized
			writeJSON(w, status, webhookErrorResponse{Error: "invalid webhook token"})
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	var event paymentEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid JSON payload"})
		return
	}
	if event.Event != "" {
		eventType = event.Event
	}

	if event.Event != EventPaymentSucceeded {
		log.Debug().Str("event", event.Event).Msg("Ignoring payment webhook event")
		writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
		return
	}

	tenantID := strings.TrimSpace(event.Object.Metadata["tenant_id"])
	if tenantID == "" {
		log.Warn().Str("payment_id", event.Object.ID).Msg("Payment without tenant_id metadata, dropping")
		writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
		return
	}
	months := parseMonths(event.Object.Metadata["months"])

	if _, err := h.handler.Renew(r.Context(), tenantID, time.Duration(months)*MonthDuration); err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			// The provider retries non-2xx responses forever; a payment
			// for a tenant we never provisioned will not resolve itself.
			log.Warn().
				Str("tenant_id", tenantID).
				Str("payment_id", event.Object.ID).
				Msg("Payment for unknown tenant, dropping")
			writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
			return
		}
		log.Error().Err(err).
			Str("tenant_id", tenantID).
			Str("payment_id", event.Object.ID).
			Msg("Payment webhook renewal failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
		return
	}

	log.Info().
		Str("tenant_id", tenantID).
		Str("payment_id", event.Object.ID).
		Int("months", months).
		Msg("Payment applied")
	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}

// maxPurchaseMonths bounds the renewal multiplier; beyond this the
// duration arithmetic would overflow.
const maxPurchaseMonths = 120

// parseMonths reads the purchased month count from string-valued provider
// metadata, clamped to [1, maxPurchaseMonths]. Absent or malformed values
// default to one month.
func parseMonths(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 1 {
		return 1
	}
	if n > maxPurchaseMonths {
		return maxPurchaseMonths
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode webhook response")
	}
}
