package registry

import (
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// DefaultTrialPeriod is the subscription window granted at provisioning
// without payment.
const DefaultTrialPeriod = 7 * 24 * time.Hour

// UpsertSubscription creates or renews the subscription for a tenant and
// returns the resulting record. The renewal tie-break rule lives here, not
// in callers: when the existing end date is still in the future the new
// window extends from it (no paid time lost), otherwise the window restarts
// from now. Renewal always reactivates and clears the warned set. The whole
// operation is a single conditional statement, so a concurrent deactivation
// cannot interleave with it.
func (s *Store) UpsertSubscription(tenantID string, duration time.Duration, isTrial bool) (*Subscription, error) {
	if isTrial {
		duration = s.Trial
	}
	if duration <= 0 {
		return nil, fmt.Errorf("upsert subscription for %s: non-positive duration %s", tenantID, duration)
	}

	now := s.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO subscriptions (tenant_id, start_date, end_date, active, warned)
		VALUES (?, ?, ?, 1, '')
		ON CONFLICT(tenant_id) DO UPDATE SET
			start_date = excluded.start_date,
			end_date = CASE
				WHEN subscriptions.end_date > excluded.start_date
				THEN subscriptions.end_date + ?
				ELSE excluded.end_date
			END,
			active = 1,
			warned = ''`,
		tenantID, now.Unix(), now.Add(duration).Unix(), int64(duration/time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert subscription for %s: %w", tenantID, err)
	}
	return s.GetSubscription(tenantID)
}

// GetSubscription retrieves the subscription for a tenant. Returns nil when
// no record exists.
func (s *Store) GetSubscription(tenantID string) (*Subscription, error) {
	row := s.db.QueryRow(`SELECT tenant_id, start_date, end_date, active, warned
		FROM subscriptions WHERE tenant_id = ?`, tenantID)
	return scanSubscription(row)
}

// ListSubscriptions returns all subscription records.
func (s *Store) ListSubscriptions() ([]*Subscription, error) {
	rows, err := s.db.Query(`SELECT tenant_id, start_date, end_date, active, warned
		FROM subscriptions ORDER BY end_date ASC`)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// MarkWarned records that the warning for one threshold has been sent.
// It is a no-op when the threshold is already recorded, when the
// subscription is inactive, or when a concurrent renewal reset the set
// between read and write (the next pass sees the fresh state either way).
func (s *Store) MarkWarned(tenantID string, threshold time.Duration) error {
	sub, err := s.GetSubscription(tenantID)
	if err != nil {
		return err
	}
	if sub == nil || !sub.Active || sub.HasWarned(threshold) {
		return nil
	}

	warned := append(append([]time.Duration(nil), sub.Warned...), threshold)
	sort.Slice(warned, func(i, j int) bool { return warned[i] > warned[j] })

	// Conditional on the previous value so a renewal's reset is never
	// overwritten by a stale warning mark.
	_, err = s.db.Exec(`UPDATE subscriptions SET warned = ?
		WHERE tenant_id = ? AND active = 1 AND warned = ?`,
		encodeWarned(warned), tenantID, encodeWarned(sub.Warned),
	)
	if err != nil {
		return fmt.Errorf("mark warned %s for %s: %w", threshold, tenantID, err)
	}
	return nil
}

// Deactivate flips a tenant's subscription to inactive and reports whether
// a row actually changed. The update is conditional on the subscription
// still being active and expired, so a renewal that landed in between wins
// and the expiration step is skipped for that tenant.
func (s *Store) Deactivate(tenantID string) (bool, error) {
	res, err := s.db.Exec(`UPDATE subscriptions SET active = 0
		WHERE tenant_id = ? AND active = 1 AND end_date < ?`,
		tenantID, s.Now().UTC().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("deactivate %s: %w", tenantID, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// CountByState returns the number of subscriptions per activity state.
func (s *Store) CountByState() (active, inactive int, err error) {
	rows, err := s.db.Query(`SELECT active, COUNT(*) FROM subscriptions GROUP BY active`)
	if err != nil {
		return 0, 0, fmt.Errorf("count subscriptions by state: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state, count int
		if err := rows.Scan(&state, &count); err != nil {
			return 0, 0, fmt.Errorf("scan subscription state count: %w", err)
		}
		if state == 1 {
			active = count
		} else {
			inactive = count
		}
	}
	return active, inactive, rows.Err()
}

// ExpiredActive returns the IDs of tenants whose subscription is active but
// past its end date.
func (s *Store) ExpiredActive() ([]string, error) {
	rows, err := s.db.Query(`SELECT tenant_id FROM subscriptions
		WHERE active = 1 AND end_date < ? ORDER BY end_date ASC`,
		s.Now().UTC().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("query expired subscriptions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DueWarnings returns, for every active unexpired tenant, the thresholds in
// the given list that are newly crossed and not yet warned, largest first.
// More than one threshold can be due at once when passes are infrequent.
func (s *Store) DueWarnings(thresholds []time.Duration) ([]DueWarning, error) {
	if len(thresholds) == 0 {
		return nil, nil
	}
	sorted := append([]time.Duration(nil), thresholds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	largest := sorted[0]

	now := s.Now().UTC()
	rows, err := s.db.Query(`SELECT tenant_id, start_date, end_date, active, warned
		FROM subscriptions
		WHERE active = 1 AND end_date > ? AND end_date <= ?
		ORDER BY end_date ASC`,
		now.Unix(), now.Add(largest).Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("query due warnings: %w", err)
	}
	defer rows.Close()

	var due []DueWarning
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		remaining := sub.Remaining(now)
		var newlyDue []time.Duration
		for _, th := range sorted {
			if remaining <= th && !sub.HasWarned(th) {
				newlyDue = append(newlyDue, th)
			}
		}
		if len(newlyDue) > 0 {
			due = append(due, DueWarning{
				TenantID:   sub.TenantID,
				EndDate:    sub.EndDate,
				Thresholds: newlyDue,
			})
		}
	}
	return due, rows.Err()
}

func scanSubscription(sc scanner) (*Subscription, error) {
	var sub Subscription
	var start, end int64
	var active int
	var warned string

	err := sc.Scan(&sub.TenantID, &start, &end, &active, &warned)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	sub.StartDate = time.Unix(start, 0).UTC()
	sub.EndDate = time.Unix(end, 0).UTC()
	sub.Active = active != 0
	sub.Warned, err = decodeWarned(warned)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}
