package frames

import (
	"math"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dynamic-localization/internal/config"
	"github.com/banshee-data/dynamic-localization/internal/localization/geometry"
)

var t0 = time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)

func assertVec(t *testing.T, want, got r3.Vector) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, 1e-9)
	assert.InDelta(t, want.Y, got.Y, 1e-9)
	assert.InDelta(t, want.Z, got.Z, 1e-9)
}

func TestTree_StaticChain(t *testing.T) {
	tr := NewTree()
	tr.SetStatic("base_link", "lidar_mount", geometry.Translate(0, 0, 1))
	mount := geometry.Identity()
	mount.Rotation = geometry.FromRPY(0, 0, math.Pi/2)
	tr.SetStatic("lidar_mount", "lidar", mount)

	p, err := tr.Lookup("base_link", "lidar", t0)
	require.NoError(t, err)
	assert.Equal(t, "base_link", p.Frame)
	// A point 1 m ahead of the lidar is 1 m to the left of the base, 1 m up.
	assertVec(t, r3.Vector{Y: 1, Z: 1}, p.Apply(r3.Vector{X: 1}))

	inv, err := tr.Lookup("lidar", "base_link", t0)
	require.NoError(t, err)
	assertVec(t, r3.Vector{X: 1}, inv.Apply(r3.Vector{Y: 1, Z: 1}))

	same, err := tr.Lookup("lidar", "lidar", t0)
	require.NoError(t, err)
	assert.Equal(t, geometry.Identity(), same)
}

func TestTree_NoPath(t *testing.T) {
	tr := NewTree()
	tr.SetStatic("a", "b", geometry.Identity())
	tr.SetStatic("c", "d", geometry.Identity())
	_, err := tr.Lookup("a", "d", t0)
	assert.ErrorIs(t, err, ErrNoPath)
	_, err = tr.Lookup("a", "unknown", t0)
	assert.ErrorIs(t, err, ErrNoPath)
}

func odomAt(ms int, x float64) geometry.Pose {
	p := geometry.Translate(x, 0, 0)
	p.Timestamp = t0.Add(time.Duration(ms) * time.Millisecond)
	return p
}

func TestTree_DynamicInterpolation(t *testing.T) {
	tr := NewTree()
	tr.Record("odom", "base_link", odomAt(0, 0))
	tr.Record("odom", "base_link", odomAt(200, 2))
	tr.Record("odom", "base_link", odomAt(100, 1.5)) // out of order

	p, err := tr.Lookup("odom", "base_link", t0.Add(150*time.Millisecond))
	require.NoError(t, err)
	assert.InDelta(t, 1.75, p.Translation.X, 1e-9)

	p, err = tr.Lookup("odom", "base_link", t0.Add(100*time.Millisecond))
	require.NoError(t, err)
	assert.InDelta(t, 1.5, p.Translation.X, 1e-9)

	latest, err := tr.Lookup("odom", "base_link", time.Time{})
	require.NoError(t, err)
	assert.InDelta(t, 2, latest.Translation.X, 1e-9)

	back, err := tr.Lookup("base_link", "odom", t0.Add(50*time.Millisecond))
	require.NoError(t, err)
	assert.InDelta(t, -0.75, back.Translation.X, 1e-9)
}

func TestTree_Extrapolation(t *testing.T) {
	tr := NewTree()
	tr.Record("odom", "base_link", odomAt(0, 0))
	tr.Record("odom", "base_link", odomAt(100, 1))

	_, err := tr.Lookup("odom", "base_link", t0.Add(time.Second))
	assert.ErrorIs(t, err, ErrExtrapolation)
	_, err = tr.Lookup("odom", "base_link", t0.Add(-time.Millisecond))
	assert.ErrorIs(t, err, ErrExtrapolation)

	tr.MaxExtrapolation = 50 * time.Millisecond
	p, err := tr.Lookup("odom", "base_link", t0.Add(140*time.Millisecond))
	require.NoError(t, err)
	assert.InDelta(t, 1, p.Translation.X, 1e-9)
}

func TestTree_HistoryBound(t *testing.T) {
	tr := NewTree()
	tr.History = 3
	for i := 0; i < 10; i++ {
		tr.Record("odom", "base_link", odomAt(i*10, float64(i)))
	}
	_, err := tr.Lookup("odom", "base_link", t0)
	assert.ErrorIs(t, err, ErrExtrapolation, "oldest samples evicted")
	p, ok := tr.Latest("odom", "base_link")
	require.True(t, ok)
	assert.Equal(t, 9.0, p.Translation.X)

	_, ok = tr.Latest("odom", "nothing")
	assert.False(t, ok)
}

func TestTree_MixedPath(t *testing.T) {
	tr := NewTree()
	tr.SetStatic("base_link", "lidar", geometry.Translate(0.5, 0, 0))
	tr.Record("odom", "base_link", odomAt(0, 10))

	p, err := tr.Lookup("odom", "lidar", t0)
	require.NoError(t, err)
	assertVec(t, r3.Vector{X: 10.5}, p.Apply(r3.Vector{}))
}

func TestDisplacement(t *testing.T) {
	tr := NewTree()
	start := geometry.NewPose(r3.Vector{X: 1, Y: 1}, geometry.FromRPY(0, 0, math.Pi/2))
	start.Timestamp = t0
	end := geometry.NewPose(r3.Vector{X: 1, Y: 3}, geometry.FromRPY(0, 0, math.Pi/2))
	end.Timestamp = t0.Add(time.Second)
	tr.Record("odom", "base_link", start)
	tr.Record("odom", "base_link", end)

	d, err := Displacement(tr, "odom", "base_link", t0, t0.Add(time.Second))
	require.NoError(t, err)
	// Driving 2 m along odom +Y while facing +Y is 2 m forward in the body.
	assertVec(t, r3.Vector{X: 2}, d.Translation)
	assert.InDelta(t, 0, d.RotationAngle(), 1e-9)

	_, err = Displacement(tr, "odom", "missing", t0, t0)
	assert.ErrorIs(t, err, ErrNoPath)
}

func TestNewTreeFromConfig(t *testing.T) {
	cfg := config.Empty()
	cfg.Frames.Static = []config.StaticTransform{
		{Parent: "base_link", Child: "lidar", Translation: []float64{0, 0, 2}, RPY: []float64{0, 0, math.Pi}},
	}
	tr, err := NewTreeFromConfig(cfg)
	require.NoError(t, err)
	p, err := tr.Lookup("base_link", "lidar", t0)
	require.NoError(t, err)
	assertVec(t, r3.Vector{X: -1, Z: 2}, p.Apply(r3.Vector{X: 1}))

	cfg.Frames.Static[0].Translation = []float64{1}
	_, err = NewTreeFromConfig(cfg)
	assert.Error(t, err)
}
