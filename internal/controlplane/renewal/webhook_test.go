package renewal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newWebhookFixture(t *testing.T, secret string) (*WebhookHandler, *Handler, *fakeController) {
	t.Helper()
	h, store, controller := newTestHandler(t)
	addTenant(t, store, "b-WEBHOOK000")
	return NewWebhookHandler(secret, h), h, controller
}

func postWebhook(wh *WebhookHandler, secret, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", strings.NewReader(body))
	if secret != "" {
		req.Header.Set("X-Webhook-Token", secret)
	}
	rec := httptest.NewRecorder()
	wh.ServeHTTP(rec, req)
	return rec
}

func paymentBody(tenantID, months string) string {
	return fmt.Sprintf(`{"event":"payment.succeeded","object":{"id":"pay_123","metadata":{"tenant_id":%q,"months":%q}}}`, tenantID, months)
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	wh, _, _ := newWebhookFixture(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/payments/webhook", nil)
	rec := httptest.NewRecorder()
	wh.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestWebhook_InvalidToken(t *testing.T) {
	wh, h, _ := newWebhookFixture(t, "s3cret")

	before, err := h.store.GetSubscription("b-WEBHOOK000")
	if err != nil {
		t.Fatal(err)
	}

	rec := postWebhook(wh, "wrong", paymentBody("b-WEBHOOK000", "1"))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}

	after, err := h.store.GetSubscription("b-WEBHOOK000")
	if err != nil {
		t.Fatal(err)
	}
	if !after.EndDate.Equal(before.EndDate) {
		t.Error("expected no renewal on rejected request")
	}
}

func TestWebhook_InvalidJSON(t *testing.T) {
	wh, _, _ := newWebhookFixture(t, "")

	rec := postWebhook(wh, "", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestWebhook_IgnoresUnknownEvent(t *testing.T) {
	wh, _, controller := newWebhookFixture(t, "")

	rec := postWebhook(wh, "", `{"event":"payment.refunded","object":{"id":"pay_9"}}`)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"received":true`) {
		t.Errorf("expected ack body, got %s", rec.Body.String())
	}
	if len(controller.starts) != 0 {
		t.Error("expected no side effects for unknown event")
	}
}

func TestWebhook_MissingTenantIDAcked(t *testing.T) {
	wh, _, controller := newWebhookFixture(t, "")

	rec := postWebhook(wh, "", `{"event":"payment.succeeded","object":{"id":"pay_9","metadata":{}}}`)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 ack, got %d", rec.Code)
	}
	if len(controller.starts) != 0 {
		t.Error("expected no side effects without a tenant id")
	}
}

// A payment naming a tenant that was never provisioned cannot resolve by
// retrying, so the webhook acks it instead of making the provider loop.
func TestWebhook_UnknownTenantAcked(t *testing.T) {
	wh, _, _ := newWebhookFixture(t, "")

	rec := postWebhook(wh, "", paymentBody("b-GHOST00000", "1"))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 ack, got %d", rec.Code)
	}
}

func TestWebhook_RenewsByMonths(t *testing.T) {
	wh, h, controller := newWebhookFixture(t, "s3cret")

	before, err := h.store.GetSubscription("b-WEBHOOK000")
	if err != nil {
		t.Fatal(err)
	}

	rec := postWebhook(wh, "s3cret", paymentBody("b-WEBHOOK000", "3"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	after, err := h.store.GetSubscription("b-WEBHOOK000")
	if err != nil {
		t.Fatal(err)
	}
	if want := before.EndDate.Add(3 * MonthDuration); !after.EndDate.Equal(want) {
		t.Errorf("expected end %s, got %s", want, after.EndDate)
	}
	if len(controller.starts) != 1 {
		t.Errorf("expected worker start, got %v", controller.starts)
	}
}

// An absurd months value must not flip the renewal window negative and
// turn a well-formed event into a retried 500.
func TestWebhook_HugeMonthsClamped(t *testing.T) {
	wh, h, _ := newWebhookFixture(t, "")

	before, err := h.store.GetSubscription("b-WEBHOOK000")
	if err != nil {
		t.Fatal(err)
	}

	rec := postWebhook(wh, "", paymentBody("b-WEBHOOK000", "9999999"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	after, err := h.store.GetSubscription("b-WEBHOOK000")
	if err != nil {
		t.Fatal(err)
	}
	if want := before.EndDate.Add(maxPurchaseMonths * MonthDuration); !after.EndDate.Equal(want) {
		t.Errorf("expected end clamped to %s, got %s", want, after.EndDate)
	}
	if !after.EndDate.After(before.EndDate) {
		t.Error("expected the window extended forward")
	}
}

func TestParseMonths(t *testing.T) {
	cases := []struct {
		raw  string
		want int
	}{
		{"3", 3},
		{" 12 ", 12},
		{"", 1},
		{"0", 1},
		{"-2", 1},
		{"lots", 1},
		{"120", 120},
		{"121", 120},
		// Beyond the cap the duration multiplication would overflow into
		// a negative window.
		{"9999999", 120},
	}
	for _, tc := range cases {
		if got := parseMonths(tc.raw); got != tc.want {
			t.Errorf("parseMonths(%q) = %d, want %d", tc.raw, got, tc.want)
		}
	}
}
