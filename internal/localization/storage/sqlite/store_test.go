package sqlite

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dynamic-localization/internal/localization"
	"github.com/banshee-data/dynamic-localization/internal/localization/geometry"
)

var ts = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "localization.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func accepted(id string, at time.Time, x float64) localization.Diagnostics {
	p := geometry.PoseWithCovariance{
		Pose:       geometry.NewPose(r3.Vector{X: x, Y: 1, Z: 0}, geometry.FromRPY(0, 0, 0.2)),
		Covariance: geometry.DiagonalCovariance(0.01, 0.001),
	}
	p.Frame = "map"
	p.Timestamp = at
	return localization.Diagnostics{
		CycleID:           id,
		Status:            localization.StatusSuccessfulPoseEstimation,
		Mode:              localization.ModeTracking,
		Transition:        &localization.Transition{From: localization.ModeInitialPoseEstimation, To: localization.ModeTracking, Reason: "accepted"},
		Source:            "lidar",
		CloudTime:         at,
		CycleTime:         at.Add(5 * time.Millisecond),
		RawPoints:         1000,
		FilteredPoints:    400,
		Inliers:           380,
		Outliers:          20,
		InlierRMSE:        0.03,
		OutlierPercentage: 0.05,
		MatcherIterations: 12,
		Pose:              &p,
		Durations:         localization.StageDurations{Total: 42 * time.Millisecond},
		MapVersion:        3,
	}
}

func failed(id string, at time.Time) localization.Diagnostics {
	return localization.Diagnostics{
		CycleID:   id,
		Status:    localization.StatusFailedPoseEstimation,
		Mode:      localization.ModeTracking,
		Reason:    "icp_point_to_plane: matcher did not converge",
		CloudTime: at,
		CycleTime: at,
	}
}

func TestOpen_AppliesPragmasAndMigrations(t *testing.T) {
	s := openTestStore(t)

	var journal string
	require.NoError(t, s.DB().QueryRow("PRAGMA journal_mode").Scan(&journal))
	assert.Equal(t, "wal", journal)
	var fk int
	require.NoError(t, s.DB().QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
}

func TestMigrateDownAndUp(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.MigrateDown())
	version, _, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)

	require.NoError(t, s.MigrateUp())
	require.NoError(t, s.MigrateUp(), "no change is not an error")
	version, _, err = s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
}

func TestRecordCycle_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	runID, err := s.StartRun("config/localization.json")
	require.NoError(t, err)

	d := accepted("c1", ts, 2.5)
	require.NoError(t, s.RecordCycle(d))
	require.NoError(t, s.RecordCycle(failed("c2", ts.Add(100*time.Millisecond))))

	cycles, err := s.RunCycles(runID)
	require.NoError(t, err)
	require.Len(t, cycles, 2)

	want := CycleRecord{
		CycleID:           "c1",
		RunID:             runID,
		CycleTime:         d.CycleTime,
		CloudTime:         d.CloudTime,
		Source:            "lidar",
		Status:            localization.StatusSuccessfulPoseEstimation,
		Mode:              localization.ModeTracking,
		TransitionTo:      string(localization.ModeTracking),
		RawPoints:         1000,
		FilteredPoints:    400,
		Inliers:           380,
		Outliers:          20,
		RMSE:              0.03,
		OutlierPercentage: 0.05,
		Iterations:        12,
		DurationMs:        42,
		MapVersion:        3,
	}
	if diff := cmp.Diff(want, cycles[0]); diff != "" {
		t.Errorf("cycle mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "icp_point_to_plane: matcher did not converge", cycles[1].Reason)

	poses, err := s.AcceptedPoses(runID)
	require.NoError(t, err)
	require.Len(t, poses, 1)
	assert.Equal(t, "c1", poses[0].CycleID)
	assert.Equal(t, "map", poses[0].Pose.Frame)
	assert.True(t, poses[0].Pose.Timestamp.Equal(ts))
	assert.InDelta(t, 2.5, poses[0].Pose.Translation.X, 1e-12)
	assert.InDelta(t, 0, geometry.AngularDistance(d.Pose.Pose, poses[0].Pose.Pose), 1e-9)
	assert.Equal(t, d.Pose.Covariance, poses[0].Pose.Covariance)
}

func TestRecordCycle_WithoutRun(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.RecordCycle(failed("c1", ts)))

	cycles, err := s.RunCycles("")
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Empty(t, cycles[0].RunID)

	id, err := s.LatestRunID()
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestRecordCycle_DuplicateIDFails(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.RecordCycle(failed("c1", ts)))
	assert.Error(t, s.RecordCycle(failed("c1", ts)))
}

func TestRecentCyclesAndStatusCounts(t *testing.T) {
	s := openTestStore(t)
	runID, err := s.StartRun("")
	require.NoError(t, err)

	for i, d := range []localization.Diagnostics{
		accepted("a", ts, 0),
		failed("b", ts.Add(1*time.Second)),
		failed("c", ts.Add(2*time.Second)),
		accepted("d", ts.Add(3*time.Second), 1),
	} {
		require.NoError(t, s.RecordCycle(d), "record %d", i)
	}

	recent, err := s.RecentCycles(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "d", recent[0].CycleID)
	assert.Equal(t, "c", recent[1].CycleID)

	counts, err := s.StatusCounts(runID)
	require.NoError(t, err)
	assert.Equal(t, map[localization.Status]int{
		localization.StatusSuccessfulPoseEstimation: 2,
		localization.StatusFailedPoseEstimation:     2,
	}, counts)

	latest, err := s.LatestRunID()
	require.NoError(t, err)
	assert.Equal(t, runID, latest)
}

func TestRecordMapLoad(t *testing.T) {
	s := openTestStore(t)
	runID, err := s.StartRun("")
	require.NoError(t, err)

	require.NoError(t, s.RecordMapLoad(localization.MapLoad{Version: 1, LoadedAt: ts, Points: 5000, Source: "file:///maps/site.pcd"}))
	require.NoError(t, s.RecordMapLoad(localization.MapLoad{Version: 2, LoadedAt: ts.Add(time.Minute), Points: 5200, Source: "slam:lidar"}))

	loads, err := s.MapLoads(runID)
	require.NoError(t, err)
	require.Len(t, loads, 2)
	assert.Equal(t, uint64(2), loads[1].Version)
	assert.Equal(t, "slam:lidar", loads[1].Source)
	assert.True(t, loads[0].LoadedAt.Equal(ts))
}

func TestIsSQLiteBusy(t *testing.T) {
	assert.False(t, isSQLiteBusy(nil))
	assert.True(t, isSQLiteBusy(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.True(t, isSQLiteBusy(errors.New("SQLITE_BUSY")))
	assert.False(t, isSQLiteBusy(errors.New("some other error")))
}

func TestRetryOnBusy(t *testing.T) {
	busy := errors.New("database is locked (5) (SQLITE_BUSY)")

	t.Run("success after retry", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(func() error {
			calls++
			if calls < 3 {
				return busy
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("non-busy error fails immediately", func(t *testing.T) {
		calls := 0
		other := errors.New("constraint failed")
		err := retryOnBusy(func() error {
			calls++
			return other
		})
		assert.Same(t, other, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("max retries exceeded", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(func() error {
			calls++
			return busy
		})
		assert.ErrorIs(t, err, busy)
		assert.Equal(t, busyRetries, calls)
	})
}

func localHostRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestAttachAdminRoutes(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.RecordCycle(accepted("a", ts, 0)))
	require.NoError(t, s.RecordCycle(failed("b", ts.Add(time.Second))))

	mux := http.NewServeMux()
	require.NoError(t, s.AttachAdminRoutes(mux))

	t.Run("recent cycles", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/localization/cycles?limit=1"))
		require.Equal(t, http.StatusOK, w.Code)
		var got []CycleRecord
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		require.Len(t, got, 1)
		assert.Equal(t, "b", got[0].CycleID)
	})

	t.Run("bad limit", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/localization/cycles?limit=zero"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("backup", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, localHostRequest(http.MethodGet, "/debug/localization/backup"))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
		gz, err := gzip.NewReader(w.Body)
		require.NoError(t, err)
		body, err := io.ReadAll(gz)
		require.NoError(t, err)
		assert.Equal(t, "SQLite format 3\x00", string(body[:16]))
	})
}
