package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion is the number of entries in migrations.
const SchemaVersion = 2

// migrations[i] moves the schema from version i to i+1. Append only.
var migrations = []string{
	`CREATE TABLE clients (
		id          TEXT PRIMARY KEY,
		work_dir    TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		last_seen   INTEGER NOT NULL DEFAULT 0,
		last_status TEXT NOT NULL DEFAULT 'unknown'
	);
	CREATE TABLE push_subscriptions (
		endpoint   TEXT PRIMARY KEY,
		p256dh     TEXT NOT NULL,
		auth       TEXT NOT NULL,
		client_id  TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);`,
	`CREATE INDEX idx_push_subscriptions_client ON push_subscriptions (client_id);`,
}

// connPragmas are applied once after opening. The pool is capped at one
// connection, so they stay in force for the life of the handle.
var connPragmas = []struct{ name, stmt string }{
	{"wal mode", "PRAGMA journal_mode=WAL"},
	{"busy timeout", "PRAGMA busy_timeout=5000"},
	{"foreign keys", "PRAGMA foreign_keys=ON"},
}

// StateDB records known clients and push subscriptions in SQLite. It is
// safe for concurrent use.
type StateDB struct {
	db *sql.DB
}

// ClientRow is a client the server has constructed a session for.
type ClientRow struct {
	ID         string
	WorkDir    string
	CreatedAt  time.Time
	LastSeen   time.Time
	LastStatus string
}

// SubscriptionRow is a stored web push subscription. An empty ClientID
// subscribes to batches from every client.
type SubscriptionRow struct {
	Endpoint  string
	P256dh    string
	Auth      string
	ClientID  string
	CreatedAt time.Time
}

// Open opens (creating parent directories as needed) the database at dbPath.
// Call Migrate before use.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	for _, p := range connPragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("statedb: %s: %w", p.name, err)
		}
	}
	return &StateDB{db: db}, nil
}

// Close truncates the WAL and closes the handle.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Migrate brings the schema up to SchemaVersion, applying each pending
// step in one transaction. A database newer than this binary is an error.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS metadata (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("statedb: metadata table: %w", err)
	}

	var raw string
	err = tx.QueryRow(`SELECT value FROM metadata WHERE key = 'schema_version'`).Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("statedb: read schema version: %w", err)
	}
	current := 0
	if raw != "" {
		if current, err = strconv.Atoi(raw); err != nil {
			return fmt.Errorf("statedb: schema version %q: %w", raw, err)
		}
	}
	if current > SchemaVersion {
		return fmt.Errorf("statedb: schema version %d is newer than supported %d", current, SchemaVersion)
	}

	for v := current; v < SchemaVersion; v++ {
		if _, err := tx.Exec(migrations[v]); err != nil {
			return fmt.Errorf("statedb: migration %d: %w", v+1, err)
		}
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)`,
		strconv.Itoa(SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: write schema version: %w", err)
	}
	return tx.Commit()
}

// --- Clients ---

// RecordClient inserts a client or refreshes its work dir, keeping the
// original created_at when the row already exists.
func (s *StateDB) RecordClient(id, workDir string, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO clients (id, work_dir, created_at, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET work_dir = excluded.work_dir, last_seen = excluded.last_seen
	`, id, workDir, at.Unix(), at.Unix())
	if err != nil {
		return fmt.Errorf("statedb: record client %s: %w", id, err)
	}
	return nil
}

// WriteStatus stores the last observed lifecycle status for a client.
// Unknown ids are ignored.
func (s *StateDB) WriteStatus(id, status string, at time.Time) error {
	_, err := s.db.Exec(
		"UPDATE clients SET last_status = ?, last_seen = ? WHERE id = ?",
		status, at.Unix(), id,
	)
	return err
}

// DeleteClient removes a client row. Missing rows are not an error.
func (s *StateDB) DeleteClient(id string) error {
	_, err := s.db.Exec("DELETE FROM clients WHERE id = ?", id)
	return err
}

// LoadClients returns every recorded client ordered by creation time.
func (s *StateDB) LoadClients() ([]*ClientRow, error) {
	rows, err := s.db.Query(`
		SELECT id, work_dir, created_at, last_seen, last_status
		FROM clients ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ClientRow
	for rows.Next() {
		r := &ClientRow{}
		var createdUnix, seenUnix int64
		if err := rows.Scan(&r.ID, &r.WorkDir, &createdUnix, &seenUnix, &r.LastStatus); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(createdUnix, 0)
		if seenUnix > 0 {
			r.LastSeen = time.Unix(seenUnix, 0)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// --- Push subscriptions ---

// SaveSubscription inserts or replaces a push subscription keyed by endpoint.
func (s *StateDB) SaveSubscription(sub *SubscriptionRow) error {
	created := sub.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO push_subscriptions (endpoint, p256dh, auth, client_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, sub.Endpoint, sub.P256dh, sub.Auth, sub.ClientID, created.Unix())
	return err
}

// DeleteSubscription removes the subscription for endpoint.
// Reports whether a row was removed.
func (s *StateDB) DeleteSubscription(endpoint string) (bool, error) {
	res, err := s.db.Exec("DELETE FROM push_subscriptions WHERE endpoint = ?", endpoint)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// LoadSubscriptions returns the subscriptions interested in clientID: those
// bound to it plus the catch-all ones. An empty clientID returns all rows.
func (s *StateDB) LoadSubscriptions(clientID string) ([]*SubscriptionRow, error) {
	query := "SELECT endpoint, p256dh, auth, client_id, created_at FROM push_subscriptions"
	var args []any
	if clientID != "" {
		query += " WHERE client_id = '' OR client_id = ?"
		args = append(args, clientID)
	}
	query += " ORDER BY created_at, endpoint"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*SubscriptionRow
	for rows.Next() {
		r := &SubscriptionRow{}
		var createdUnix int64
		if err := rows.Scan(&r.Endpoint, &r.P256dh, &r.Auth, &r.ClientID, &createdUnix); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(createdUnix, 0)
		result = append(result, r)
	}
	return result, rows.Err()
}

// --- Metadata ---

// SetMeta stores value under key, replacing any previous value.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// GetMeta returns the value stored under key, or "" when there is none.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	switch err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value); {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("statedb: get %s: %w", key, err)
	}
	return value, nil
}
