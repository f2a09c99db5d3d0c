package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dynamic-localization/internal/api"
	"github.com/banshee-data/dynamic-localization/internal/localization"
	"github.com/banshee-data/dynamic-localization/internal/localization/cloud"
	"github.com/banshee-data/dynamic-localization/internal/localization/storage/sqlite"
	"github.com/banshee-data/dynamic-localization/internal/timeutil"
)

func frac(x float64) float64 { return x - math.Floor(x) }

// room samples a floor and two walls.
func room(n int) *cloud.PointCloud {
	c := cloud.New("", time.Time{}, 3*n)
	for i := 0; i < n; i++ {
		u := frac(float64(i) * 0.6180339887)
		v := frac(float64(i) * 0.7548776662)
		c.Points = append(c.Points,
			cloud.Point{Position: r3.Vector{X: u * 4, Y: v * 3}},
			cloud.Point{Position: r3.Vector{Y: u * 3, Z: v * 2}},
			cloud.Point{Position: r3.Vector{X: u * 4, Z: v * 2}},
		)
	}
	return c
}

func writeFile(t *testing.T, path, body string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// fixture writes a map, a config pointing at it and n clouds.
func fixture(t *testing.T, n int) (cfgPath, clouds string) {
	t.Helper()
	dir := t.TempDir()
	mapPath := filepath.Join(dir, "map.pcd")
	require.NoError(t, cloud.WritePCDFile(room(30), mapPath, cloud.PCDBinary))

	clouds = filepath.Join(dir, "clouds")
	require.NoError(t, os.MkdirAll(clouds, 0o755))
	for i := 0; i < n; i++ {
		require.NoError(t, cloud.WritePCDFile(room(30), filepath.Join(clouds, fmt.Sprintf("%03d.pcd", i)), cloud.PCDBinary))
	}
	writeFile(t, filepath.Join(clouds, "notes.txt"), "ignored")

	cfgPath = writeFile(t, filepath.Join(dir, "localizer.json"), fmt.Sprintf(`{
  "map": {"source": %q},
  "matching": {
    "initial_point_matchers": [{"type": "icp_point_to_point"}],
    "tracking_matchers": [{"type": "icp_point_to_point"}]
  },
  "logging": {"level": "error"}
}`, mapPath))
	return cfgPath, clouds
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"localizer"}, args...))
	return out.String(), err
}

func TestParseInitialPose(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		want    api.PoseRequest
		wantErr bool
	}{
		{name: "planar", spec: "1,2,0.5", want: api.PoseRequest{X: 1, Y: 2, Yaw: 0.5}},
		{name: "full", spec: "1, 2, 3, 0.1, 0.2, 0.3", want: api.PoseRequest{X: 1, Y: 2, Z: 3, Roll: 0.1, Pitch: 0.2, Yaw: 0.3}},
		{name: "wrong arity", spec: "1,2", wantErr: true},
		{name: "not a number", spec: "1,b,3", wantErr: true},
		{name: "nan", spec: "1,NaN,3", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseInitialPose(tt.spec)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPCDFilesSortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.pcd", "a.PCD", "c.txt"} {
		writeFile(t, filepath.Join(dir, name), "")
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "d.pcd"), 0o755))

	files, err := pcdFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.PCD"), filepath.Join(dir, "b.pcd")}, files)
}

func TestMigrateCommand(t *testing.T) {
	db := filepath.Join(t.TempDir(), "diag.db")

	out, err := runApp(t, "migrate", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "schema version 1 (dirty=false)")

	out, err = runApp(t, "migrate", "--db", db, "--steps", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "schema version 0")
}

func TestPlotCommand_NoRuns(t *testing.T) {
	db := filepath.Join(t.TempDir(), "diag.db")
	_, err := runApp(t, "plot", "--db", db, "--out", t.TempDir())
	assert.ErrorContains(t, err, "no runs recorded")
}

func TestReplayThenPlot(t *testing.T) {
	cfgPath, clouds := fixture(t, 3)
	db := filepath.Join(t.TempDir(), "diag.db")

	out, err := runApp(t, "replay", "--config", cfgPath, "--clouds", clouds, "--db", db, "--rate", "0")
	require.NoError(t, err)
	var counts map[localization.Status]int
	require.NoError(t, json.Unmarshal([]byte(out), &counts))
	total := 0
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, 3, total)

	store, err := sqlite.Open(db)
	require.NoError(t, err)
	runID, err := store.LatestRunID()
	require.NoError(t, err)
	cycles, err := store.RunCycles(runID)
	require.NoError(t, err)
	assert.Len(t, cycles, 3)
	require.NoError(t, store.Close())

	outDir := t.TempDir()
	out, err = runApp(t, "plot", "--db", db, "--out", outDir)
	require.NoError(t, err)
	var summary struct {
		RunID  string `json:"run_id"`
		Cycles int    `json:"cycles"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, runID, summary.RunID)
	assert.Equal(t, 3, summary.Cycles)
}

func TestReplay_EmptyDirectory(t *testing.T) {
	cfgPath, clouds := fixture(t, 0)
	_, err := runApp(t, "replay", "--config", cfgPath, "--clouds", clouds)
	assert.ErrorContains(t, err, "no .pcd files")
}

func TestReplay_BadInitialPose(t *testing.T) {
	cfgPath, clouds := fixture(t, 1)
	_, err := runApp(t, "replay", "--config", cfgPath, "--clouds", clouds, "--initial-pose", "1,2")
	assert.ErrorContains(t, err, "want 3 or 6 values")
}

type captureQueue struct {
	mu     sync.Mutex
	clouds []*cloud.PointCloud
}

func (q *captureQueue) Enqueue(c *cloud.PointCloud) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clouds = append(q.clouds, c)
}

func (q *captureQueue) snapshot() []*cloud.PointCloud {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*cloud.PointCloud(nil), q.clouds...)
}

func TestInbox_EnqueuesNewClouds(t *testing.T) {
	dir := t.TempDir()
	q := &captureQueue{}
	stamp := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(stamp)
	in := newInbox(dir, "base_link", q, clock)
	in.settle = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, cloud.WritePCDFile(room(5), filepath.Join(dir, "scan.pcd"), cloud.PCDAscii))
	writeFile(t, filepath.Join(dir, "scan.txt"), "ignored")

	require.Eventually(t, func() bool {
		clock.Advance(in.settle / 2)
		return len(q.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	got := q.snapshot()[0]
	assert.Equal(t, 15, got.Len())
	assert.Equal(t, "base_link", got.Frame)
	assert.Equal(t, "inbox", got.Source)
	assert.False(t, got.Timestamp.Before(stamp))
	assert.WithinDuration(t, stamp, got.Timestamp, time.Minute)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("inbox did not stop")
	}
	assert.Len(t, q.snapshot(), 1)
}

func TestInbox_MissingDirectory(t *testing.T) {
	in := newInbox(filepath.Join(t.TempDir(), "absent"), "base_link", &captureQueue{}, timeutil.RealClock{})
	err := in.Run(context.Background())
	assert.ErrorContains(t, err, "watch")
}

type countingStore struct {
	cycles, loads int
	err           error
}

func (s *countingStore) RecordCycle(localization.Diagnostics) error {
	s.cycles++
	return s.err
}

func (s *countingStore) RecordMapLoad(localization.MapLoad) error {
	s.loads++
	return s.err
}

func TestTeeStore_WritesEveryStore(t *testing.T) {
	a := &countingStore{}
	b := &countingStore{err: errors.New("disk full")}
	tee := teeStore{a, b}

	err := tee.RecordCycle(localization.Diagnostics{CycleID: "c1"})
	assert.ErrorContains(t, err, "disk full")
	require.NoError(t, teeStore{a}.RecordMapLoad(localization.MapLoad{}))
	assert.Equal(t, 1, a.cycles)
	assert.Equal(t, 1, b.cycles)
	assert.Equal(t, 1, a.loads)
}
