// Package postgres mirrors cycle diagnostics into a shared Postgres
// database so several robots can report into one place. Records are kept
// whole as JSONB next to the columns used for filtering.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/banshee-data/dynamic-localization/internal/localization"
	"github.com/banshee-data/dynamic-localization/internal/monitoring"
)

var logger = monitoring.For("storage")

const driverName = "pgx"

// writeTimeout bounds a single record write so a slow database cannot
// stall the cycle that emitted it.
const writeTimeout = 2 * time.Second

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS localization_runs (
		run_id      TEXT PRIMARY KEY,
		host        TEXT NOT NULL,
		started_at  TIMESTAMPTZ NOT NULL,
		config_path TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS localization_cycles (
		cycle_id   TEXT PRIMARY KEY,
		run_id     TEXT REFERENCES localization_runs(run_id) ON DELETE CASCADE,
		cycle_time TIMESTAMPTZ NOT NULL,
		status     TEXT NOT NULL,
		mode       TEXT NOT NULL,
		accepted   BOOLEAN NOT NULL,
		record     JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_localization_cycles_run ON localization_cycles(run_id, cycle_time)`,
	`CREATE TABLE IF NOT EXISTS map_loads (
		load_id   BIGSERIAL PRIMARY KEY,
		run_id    TEXT REFERENCES localization_runs(run_id) ON DELETE CASCADE,
		version   BIGINT NOT NULL,
		loaded_at TIMESTAMPTZ NOT NULL,
		points    INTEGER NOT NULL,
		source    TEXT
	)`,
}

// Store writes diagnostics to Postgres. It is safe for concurrent use.
type Store struct {
	db *sql.DB

	mu    sync.RWMutex
	runID string
}

// Open connects to dsn and creates the tables when missing.
func Open(ctx context.Context, dsn string) (*Store, error) {
	openMu.Lock()
	db, err := sqlOpen(driverName, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// RunID is the run new records are attributed to.
func (s *Store) RunID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runID
}

// StartRun registers a run for this host. Later records belong to it.
func (s *Store) StartRun(ctx context.Context, configPath string) (string, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	id := uuid.NewString()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO localization_runs (run_id, host, started_at, config_path) VALUES ($1, $2, $3, $4)`,
		id, host, time.Now().UTC(), nullString(configPath)); err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	s.mu.Lock()
	s.runID = id
	s.mu.Unlock()
	logger.Diagw("run started", "run_id", id, "host", host)
	return id, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// RecordCycle stores d as JSONB.
func (s *Store) RecordCycle(d localization.Diagnostics) error {
	record, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode diagnostics: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO localization_cycles (cycle_id, run_id, cycle_time, status, mode, accepted, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (cycle_id) DO NOTHING`,
		d.CycleID, nullString(s.RunID()), d.CycleTime.UTC(), string(d.Status), string(d.Mode),
		d.Status.Accepted(), string(record))
	return err
}

// RecordMapLoad stores a reference map publication.
func (s *Store) RecordMapLoad(m localization.MapLoad) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO map_loads (run_id, version, loaded_at, points, source) VALUES ($1, $2, $3, $4, $5)`,
		nullString(s.RunID()), int64(m.Version), m.LoadedAt.UTC(), m.Points, nullString(m.Source))
	return err
}
