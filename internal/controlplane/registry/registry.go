package registry

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides durable tenant and subscription records backed by SQLite.
// Every write is scoped to a single tenant row; the race-sensitive updates
// are expressed as conditional single-statement SQL so no external locking
// is needed between the reconciler and the renewal handler.
type Store struct {
	db *sql.DB

	// Now is the clock used for all date arithmetic. Overridable in tests.
	Now func() time.Time

	// Trial is the window granted by a trial upsert.
	Trial time.Duration
}

// NewStore opens (or creates) the fleet database in dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	dbPath := filepath.Join(dir, "fleet.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open fleet db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, Now: time.Now, Trial: DefaultTrialPeriod}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id             TEXT PRIMARY KEY,
		token          TEXT NOT NULL DEFAULT '',
		admin_ids      TEXT NOT NULL DEFAULT '',
		workspace_path TEXT NOT NULL DEFAULT '',
		created_at     INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS subscriptions (
		tenant_id  TEXT PRIMARY KEY,
		start_date INTEGER NOT NULL,
		end_date   INTEGER NOT NULL,
		active     INTEGER NOT NULL DEFAULT 0,
		warned     TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_active_end ON subscriptions(active, end_date);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init fleet schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateTenant inserts a new tenant record.
func (s *Store) CreateTenant(t *Tenant) error {
	if t == nil {
		return fmt.Errorf("tenant is nil")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO tenants (id, token, admin_ids, workspace_path, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Token, encodeAdminIDs(t.AdminIDs), t.WorkspacePath, t.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

// GetTenant retrieves a tenant by ID. Returns nil when not found.
func (s *Store) GetTenant(id string) (*Tenant, error) {
	row := s.db.QueryRow(`SELECT id, token, admin_ids, workspace_path, created_at
		FROM tenants WHERE id = ?`, id)
	return scanTenant(row)
}

// ListTenants returns all tenants, newest first.
func (s *Store) ListTenants() ([]*Tenant, error) {
	rows, err := s.db.Query(`SELECT id, token, admin_ids, workspace_path, created_at
		FROM tenants ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// DeleteTenant removes a tenant record and its subscription. Used by
// provisioning rollback; tenants are otherwise never deleted.
func (s *Store) DeleteTenant(id string) error {
	if _, err := s.db.Exec(`DELETE FROM subscriptions WHERE tenant_id = ?`, id); err != nil {
		return fmt.Errorf("delete subscription for tenant %s: %w", id, err)
	}
	if _, err := s.db.Exec(`DELETE FROM tenants WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete tenant %s: %w", id, err)
	}
	return nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTenant(sc scanner) (*Tenant, error) {
	var t Tenant
	var adminIDs string
	var createdAt int64

	err := sc.Scan(&t.ID, &t.Token, &adminIDs, &t.WorkspacePath, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan tenant: %w", err)
	}

	t.AdminIDs, err = decodeAdminIDs(adminIDs)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &t, nil
}
