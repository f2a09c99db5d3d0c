package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/num/quat"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/dynamic-localization/internal/localization"
	"github.com/banshee-data/dynamic-localization/internal/localization/geometry"
	"github.com/banshee-data/dynamic-localization/internal/monitoring"
)

var logger = monitoring.For("storage")

// pragmas are applied to every connection opened by Open.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// Store records localization runs in SQLite. It is safe for concurrent
// use.
type Store struct {
	db   *sql.DB
	path string

	mu    sync.RWMutex
	runID string
}

// Open opens (creating if needed) the database at path, applies the
// pragmas and runs pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	s := &Store{db: db, path: path}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// RunID is the run new records are attributed to; empty before StartRun.
func (s *Store) RunID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runID
}

// StartRun opens a new run. Later records are attributed to it.
func (s *Store) StartRun(configPath string) (string, error) {
	id := uuid.NewString()
	err := retryOnBusy(func() error {
		_, err := s.db.Exec(`INSERT INTO localization_runs (run_id, started_at_ns, config_path) VALUES (?, ?, ?)`,
			id, time.Now().UnixNano(), configPath)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	s.mu.Lock()
	s.runID = id
	s.mu.Unlock()
	logger.Diagw("run started", "run_id", id, "config", configPath)
	return id, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullInt64 {
	return sql.NullInt64{Int64: t.UnixNano(), Valid: !t.IsZero()}
}

// RecordCycle stores d and, when the cycle accepted one, its pose.
func (s *Store) RecordCycle(d localization.Diagnostics) error {
	runID := nullString(s.RunID())
	var transition sql.NullString
	if d.Transition != nil {
		transition = nullString(string(d.Transition.To))
	}
	var cov sql.NullString
	if d.Pose != nil {
		b, err := json.Marshal(d.Pose.Covariance)
		if err != nil {
			return fmt.Errorf("encode covariance: %w", err)
		}
		cov = nullString(string(b))
	}

	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		_, err = tx.Exec(`
			INSERT INTO localization_cycles (
				cycle_id, run_id, cycle_ts_ns, cloud_ts_ns, source, status, mode,
				transition_to, reason, raw_points, filtered_points, inliers, outliers,
				rmse, outlier_pct, iterations, duration_ms, map_version, dropped
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.CycleID, runID, d.CycleTime.UnixNano(), nullTime(d.CloudTime), nullString(d.Source),
			string(d.Status), string(d.Mode), transition, nullString(d.Reason),
			d.RawPoints, d.FilteredPoints, d.Inliers, d.Outliers,
			d.InlierRMSE, d.OutlierPercentage, d.MatcherIterations,
			float64(d.Durations.Total)/float64(time.Millisecond), int64(d.MapVersion), d.Dropped,
		)
		if err != nil {
			return err
		}
		if p := d.Pose; p != nil {
			q := p.Rotation
			_, err = tx.Exec(`
				INSERT INTO accepted_poses (
					cycle_id, run_id, ts_ns, frame, x, y, z, qw, qx, qy, qz, covariance_json
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				d.CycleID, runID, p.Timestamp.UnixNano(), nullString(p.Frame),
				p.Translation.X, p.Translation.Y, p.Translation.Z,
				q.Real, q.Imag, q.Jmag, q.Kmag, cov,
			)
			if err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// RecordMapLoad stores a reference map publication.
func (s *Store) RecordMapLoad(m localization.MapLoad) error {
	runID := nullString(s.RunID())
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`INSERT INTO map_loads (run_id, version, loaded_at_ns, points, source) VALUES (?, ?, ?, ?, ?)`,
			runID, int64(m.Version), m.LoadedAt.UnixNano(), m.Points, nullString(m.Source))
		return err
	})
}

// CycleRecord is a stored cycle.
type CycleRecord struct {
	CycleID           string                    `json:"cycle_id"`
	RunID             string                    `json:"run_id,omitempty"`
	CycleTime         time.Time                 `json:"cycle_time"`
	CloudTime         time.Time                 `json:"cloud_time"`
	Source            string                    `json:"source,omitempty"`
	Status            localization.Status       `json:"status"`
	Mode              localization.TrackingMode `json:"mode"`
	TransitionTo      string                    `json:"transition_to,omitempty"`
	Reason            string                    `json:"reason,omitempty"`
	RawPoints         int                       `json:"raw_points"`
	FilteredPoints    int                       `json:"filtered_points"`
	Inliers           int                       `json:"inliers"`
	Outliers          int                       `json:"outliers"`
	RMSE              float64                   `json:"rmse"`
	OutlierPercentage float64                   `json:"outlier_pct"`
	Iterations        int                       `json:"iterations"`
	DurationMs        float64                   `json:"duration_ms"`
	MapVersion        uint64                    `json:"map_version"`
	Dropped           int                       `json:"dropped"`
}

const cycleColumns = `cycle_id, run_id, cycle_ts_ns, cloud_ts_ns, source, status, mode, transition_to, reason,
	raw_points, filtered_points, inliers, outliers, rmse, outlier_pct, iterations, duration_ms, map_version, dropped`

func scanCycles(rows *sql.Rows) ([]CycleRecord, error) {
	defer rows.Close()
	var out []CycleRecord
	for rows.Next() {
		var (
			r                                 CycleRecord
			runID, source, transition, reason sql.NullString
			cycleNs                           int64
			cloudNs                           sql.NullInt64
			status, mode                      string
			mapVersion                        int64
		)
		if err := rows.Scan(&r.CycleID, &runID, &cycleNs, &cloudNs, &source, &status, &mode, &transition, &reason,
			&r.RawPoints, &r.FilteredPoints, &r.Inliers, &r.Outliers, &r.RMSE, &r.OutlierPercentage,
			&r.Iterations, &r.DurationMs, &mapVersion, &r.Dropped); err != nil {
			return nil, err
		}
		r.RunID, r.Source, r.TransitionTo, r.Reason = runID.String, source.String, transition.String, reason.String
		r.CycleTime = time.Unix(0, cycleNs).UTC()
		if cloudNs.Valid {
			r.CloudTime = time.Unix(0, cloudNs.Int64).UTC()
		}
		r.Status = localization.Status(status)
		r.Mode = localization.TrackingMode(mode)
		r.MapVersion = uint64(mapVersion)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentCycles returns up to limit cycles, newest first.
func (s *Store) RecentCycles(limit int) ([]CycleRecord, error) {
	rows, err := s.db.Query(`SELECT `+cycleColumns+` FROM localization_cycles ORDER BY cycle_ts_ns DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanCycles(rows)
}

// RunCycles returns every cycle of a run in order. An empty runID selects
// cycles recorded outside any run.
func (s *Store) RunCycles(runID string) ([]CycleRecord, error) {
	rows, err := s.db.Query(`SELECT `+cycleColumns+` FROM localization_cycles
		WHERE run_id IS ? ORDER BY cycle_ts_ns, rowid`, nullString(runID))
	if err != nil {
		return nil, err
	}
	return scanCycles(rows)
}

// PoseRecord is a stored accepted pose.
type PoseRecord struct {
	CycleID string                      `json:"cycle_id"`
	RunID   string                      `json:"run_id,omitempty"`
	Pose    geometry.PoseWithCovariance `json:"pose"`
}

// AcceptedPoses returns the accepted poses of a run in time order. An
// empty runID selects poses recorded outside any run.
func (s *Store) AcceptedPoses(runID string) ([]PoseRecord, error) {
	rows, err := s.db.Query(`
		SELECT cycle_id, run_id, ts_ns, frame, x, y, z, qw, qx, qy, qz, covariance_json
		FROM accepted_poses WHERE run_id IS ? ORDER BY ts_ns, rowid`, nullString(runID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PoseRecord
	for rows.Next() {
		var (
			r          PoseRecord
			run, frame sql.NullString
			cov        sql.NullString
			ts         int64
			t          r3.Vector
			q          quat.Number
		)
		if err := rows.Scan(&r.CycleID, &run, &ts, &frame, &t.X, &t.Y, &t.Z, &q.Real, &q.Imag, &q.Jmag, &q.Kmag, &cov); err != nil {
			return nil, err
		}
		r.RunID = run.String
		r.Pose.Pose = geometry.NewPose(t, q)
		r.Pose.Frame = frame.String
		r.Pose.Timestamp = time.Unix(0, ts).UTC()
		if cov.Valid {
			if err := json.Unmarshal([]byte(cov.String), &r.Pose.Covariance); err != nil {
				return nil, fmt.Errorf("decode covariance of %s: %w", r.CycleID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// StatusCounts returns how many cycles of a run ended in each status.
func (s *Store) StatusCounts(runID string) (map[localization.Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM localization_cycles WHERE run_id IS ? GROUP BY status`, nullString(runID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[localization.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[localization.Status(status)] = n
	}
	return out, rows.Err()
}

// MapLoads returns the map publications of a run, oldest first.
func (s *Store) MapLoads(runID string) ([]localization.MapLoad, error) {
	rows, err := s.db.Query(`SELECT version, loaded_at_ns, points, source FROM map_loads WHERE run_id IS ? ORDER BY load_id`, nullString(runID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []localization.MapLoad
	for rows.Next() {
		var m localization.MapLoad
		var version, ns int64
		var source sql.NullString
		if err := rows.Scan(&version, &ns, &m.Points, &source); err != nil {
			return nil, err
		}
		m.Version, m.LoadedAt, m.Source = uint64(version), time.Unix(0, ns).UTC(), source.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// LatestRunID returns the most recently started run, or "" when there is
// none.
func (s *Store) LatestRunID() (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT run_id FROM localization_runs ORDER BY started_at_ns DESC, rowid DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}
