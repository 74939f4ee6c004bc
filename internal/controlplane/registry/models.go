package registry

import (
	"crypto/rand"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Tenant is one provisioned bot instance: its credential, notification
// recipients, and isolated workspace. Immutable after provisioning.
type Tenant struct {
	ID            string    `json:"id"`
	Token         string    `json:"-"`
	AdminIDs      []int64   `json:"admin_ids"`
	WorkspacePath string    `json:"workspace_path"`
	CreatedAt     time.Time `json:"created_at"`
}

// Subscription is the paid-time window governing whether a tenant's bot
// process should be running. Exactly one per tenant.
type Subscription struct {
	TenantID  string    `json:"tenant_id"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	Active    bool      `json:"active"`
	// Warned is the set of remaining-time thresholds for which a warning
	// has already been sent, largest first. Reset on renewal.
	Warned []time.Duration `json:"warned"`
}

// HasWarned reports whether the given threshold has already been notified.
func (s *Subscription) HasWarned(threshold time.Duration) bool {
	for _, w := range s.Warned {
		if w == threshold {
			return true
		}
	}
	return false
}

// Remaining returns the time left on the subscription at now.
func (s *Subscription) Remaining(now time.Time) time.Duration {
	return s.EndDate.Sub(now)
}

// DueWarning describes the warning thresholds newly crossed by one tenant,
// largest first. A coarse reconciliation interval can make several
// thresholds due in the same pass.
type DueWarning struct {
	TenantID   string
	EndDate    time.Time
	Thresholds []time.Duration
}

// crockfordBase32 is the Crockford base32 alphabet (excludes I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// GenerateTenantID returns a tenant ID of the form "b-" followed by 10 random
// Crockford base32 characters (50 bits of entropy).
func GenerateTenantID() (string, error) {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate tenant id: %w", err)
	}
	var sb strings.Builder
	sb.WriteString("b-")
	for _, v := range b {
		sb.WriteByte(crockfordBase32[int(v)%len(crockfordBase32)])
	}
	return sb.String(), nil
}

// encodeWarned serializes a threshold set as comma-separated whole seconds.
func encodeWarned(warned []time.Duration) string {
	if len(warned) == 0 {
		return ""
	}
	parts := make([]string, 0, len(warned))
	for _, w := range warned {
		parts = append(parts, strconv.FormatInt(int64(w/time.Second), 10))
	}
	return strings.Join(parts, ",")
}

func decodeWarned(raw string) ([]time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	warned := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		secs, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode warned thresholds %q: %w", raw, err)
		}
		warned = append(warned, time.Duration(secs)*time.Second)
	}
	sort.Slice(warned, func(i, j int) bool { return warned[i] > warned[j] })
	return warned, nil
}

func encodeAdminIDs(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ",")
}

func decodeAdminIDs(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode admin ids %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
