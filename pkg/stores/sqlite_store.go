package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/avtune/avtune/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store on a single SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
	root string
}

// SQLiteConfig holds SQLite store configuration.
type SQLiteConfig struct {
	// Path is the database file, or ":memory:".
	Path string

	// Root is the inventory directory RecordPaths are relative to.
	Root string

	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance. Call Init and Migrate before use.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path, root: cfg.Root}, nil
}

// Init opens the database and applies connection pragmas.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := "file:" + s.path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if s.path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if s.path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// LoadDevice implements engine.DeviceStore.
func (s *SQLiteStore) LoadDevice(ctx context.Context, hostname string) (*engine.Device, error) {
	var record string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM devices WHERE hostname = ?`, hostname).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewDeviceNotFoundError(hostname)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	var d engine.Device
	if err := json.Unmarshal([]byte(record), &d); err != nil {
		return nil, engine.NewParseError(hostname, err).WithOperation("load device")
	}
	return &d, nil
}

// SaveDevice implements engine.DeviceStore.
func (s *SQLiteStore) SaveDevice(ctx context.Context, device *engine.Device) error {
	cp := *device
	cp.Tags = engine.MergeTags(nil, device.Tags...)
	return s.upsertDevice(ctx, s.db, &cp)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) upsertDevice(ctx context.Context, db execer, d *engine.Device) error {
	record, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode device: %w", err)
	}

	query := `
		INSERT INTO devices (hostname, os, profile, registered_at, last_seen, record)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(hostname) DO UPDATE SET
			os = excluded.os,
			profile = excluded.profile,
			registered_at = excluded.registered_at,
			last_seen = excluded.last_seen,
			record = excluded.record
	`
	_, err = db.ExecContext(ctx, query,
		d.Hostname,
		string(d.OS),
		d.Profile,
		toNanos(d.RegisteredAt),
		toNanos(d.LastSeen),
		string(record),
	)
	if err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}
	return nil
}

// RegisterDevice implements engine.DeviceStore.
func (s *SQLiteStore) RegisterDevice(ctx context.Context, device *engine.Device) (*engine.Device, error) {
	existing, err := s.LoadDevice(ctx, device.Hostname)
	if err != nil && !errors.Is(err, engine.ErrDeviceNotFound) {
		return nil, err
	}
	merged := engine.MergeRegistration(existing, device)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.upsertDevice(ctx, tx, merged); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO device_state (hostname) VALUES (?) ON CONFLICT(hostname) DO NOTHING`,
		merged.Hostname); err != nil {
		return nil, fmt.Errorf("failed to create device state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit registration: %w", err)
	}
	return merged, nil
}

// ListDevices implements engine.DeviceStore.
func (s *SQLiteStore) ListDevices(ctx context.Context) ([]*engine.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hostname, record FROM devices ORDER BY hostname`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var out []*engine.Device
	for rows.Next() {
		var hostname, record string
		if err := rows.Scan(&hostname, &record); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		var d engine.Device
		if err := json.Unmarshal([]byte(record), &d); err != nil {
			return nil, engine.NewParseError(hostname, err)
		}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}
	return out, nil
}

// RemoveDevice implements engine.DeviceStore. State and history rows cascade.
func (s *SQLiteStore) RemoveDevice(ctx context.Context, hostname string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE hostname = ?`, hostname)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewDeviceNotFoundError(hostname)
	}
	return nil
}

// LoadState implements engine.DeviceStore.
func (s *SQLiteStore) LoadState(ctx context.Context, hostname string) (*engine.DeviceState, error) {
	if _, err := s.LoadDevice(ctx, hostname); err != nil {
		return nil, err
	}

	var (
		lastUpdated                     int64
		software, optimizations, applied string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT last_updated, software, optimizations, applied FROM device_state WHERE hostname = ?`,
		hostname).Scan(&lastUpdated, &software, &optimizations, &applied)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.NewDeviceState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device state: %w", err)
	}

	state := engine.NewDeviceState()
	state.LastUpdated = fromNanos(lastUpdated)
	for _, col := range []struct {
		raw string
		out any
	}{
		{software, &state.Software},
		{optimizations, &state.Optimizations},
		{applied, &state.AppliedRecipes},
	} {
		if err := json.Unmarshal([]byte(col.raw), col.out); err != nil {
			return nil, engine.NewParseError(hostname, err).WithOperation("load state")
		}
	}
	state.Normalize()
	return state, nil
}

// SaveState implements engine.DeviceStore.
func (s *SQLiteStore) SaveState(ctx context.Context, hostname string, state *engine.DeviceState) error {
	prev, err := s.LoadState(ctx, hostname)
	if err != nil {
		return err
	}
	if state.LastUpdated.Before(prev.LastUpdated) {
		return engine.NewStaleStateError(hostname)
	}

	cp := state.Clone()
	software, err := json.Marshal(cp.Software)
	if err != nil {
		return fmt.Errorf("failed to encode software: %w", err)
	}
	optimizations, err := json.Marshal(cp.Optimizations)
	if err != nil {
		return fmt.Errorf("failed to encode optimizations: %w", err)
	}
	applied, err := json.Marshal(cp.AppliedRecipes)
	if err != nil {
		return fmt.Errorf("failed to encode applied recipes: %w", err)
	}

	query := `
		INSERT INTO device_state (hostname, last_updated, software, optimizations, applied)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(hostname) DO UPDATE SET
			last_updated = excluded.last_updated,
			software = excluded.software,
			optimizations = excluded.optimizations,
			applied = excluded.applied
	`
	if _, err := s.db.ExecContext(ctx, query,
		hostname, toNanos(cp.LastUpdated), string(software), string(optimizations), string(applied)); err != nil {
		return fmt.Errorf("failed to save device state: %w", err)
	}
	return nil
}

// CreateSession implements engine.HistoryStore.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *engine.Session) error {
	record, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (hostname, id, recipe, status, started_at, completed_at, record)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hostname, id) DO NOTHING
	`,
		session.Hostname,
		session.ID,
		session.RecipeName,
		string(session.Status),
		toNanos(session.StartedAt),
		completedNanos(session.CompletedAt),
		string(record),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return engine.NewSessionExistsError(session.ID)
	}
	return nil
}

// FinalizeSession implements engine.HistoryStore. The update only matches an
// in_progress row, so a terminal record is never rewritten.
func (s *SQLiteStore) FinalizeSession(ctx context.Context, session *engine.Session) error {
	record, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, completed_at = ?, record = ?
		WHERE hostname = ? AND id = ? AND status = ?
	`,
		string(session.Status),
		completedNanos(session.CompletedAt),
		string(record),
		session.Hostname,
		session.ID,
		string(engine.SessionInProgress),
	)
	if err != nil {
		return fmt.Errorf("failed to finalize session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, getErr := s.GetSession(ctx, session.Hostname, session.ID); getErr != nil {
			return fmt.Errorf("session %s not found", session.ID)
		}
		return engine.NewSessionFinalizedError(session.ID)
	}
	return nil
}

// GetSession implements engine.HistoryStore.
func (s *SQLiteStore) GetSession(ctx context.Context, hostname, sessionID string) (*engine.Session, error) {
	var record string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM sessions WHERE hostname = ? AND id = ?`, hostname, sessionID).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewValidationError(fmt.Sprintf("session %s not found", sessionID), nil).WithResource(hostname)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session engine.Session
	if err := json.Unmarshal([]byte(record), &session); err != nil {
		return nil, engine.NewParseError(sessionID, err)
	}
	return &session, nil
}

// ListSessions implements engine.HistoryStore.
func (s *SQLiteStore) ListSessions(ctx context.Context, hostname string, limit int) ([]*engine.Session, error) {
	if _, err := s.LoadDevice(ctx, hostname); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, record FROM sessions
		WHERE hostname = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, hostname, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*engine.Session
	for rows.Next() {
		var id, record string
		if err := rows.Scan(&id, &record); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		var session engine.Session
		if err := json.Unmarshal([]byte(record), &session); err != nil {
			return nil, engine.NewParseError(id, err)
		}
		out = append(out, &session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return out, nil
}

// RecordPaths implements engine.Inventory. The whole database is one record.
func (s *SQLiteStore) RecordPaths(_, _ string) []string {
	if s.path == ":memory:" {
		return nil
	}
	if s.root != "" {
		if rel, err := filepath.Rel(s.root, s.path); err == nil {
			return []string{filepath.ToSlash(rel)}
		}
	}
	return []string{s.path}
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func completedNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}
