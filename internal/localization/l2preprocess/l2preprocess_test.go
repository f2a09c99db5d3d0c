package l2preprocess

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dynamic-localization/internal/config"
	"github.com/banshee-data/dynamic-localization/internal/localization"
	"github.com/banshee-data/dynamic-localization/internal/localization/cloud"
)

var ts = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// plane returns an n×n grid at height z with the given spacing.
func plane(n int, step, z float64) *cloud.PointCloud {
	var pts []r3.Vector
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			pts = append(pts, r3.Vector{X: float64(i) * step, Y: float64(j) * step, Z: z})
		}
	}
	return cloud.FromPositions("lidar", ts, pts)
}

func TestVoxelGrid_Centroids(t *testing.T) {
	c := cloud.FromPositions("lidar", ts, []r3.Vector{
		{X: 0.1, Y: 0.1, Z: 0.1},
		{X: 0.3, Y: 0.3, Z: 0.3},
		{X: 1.5, Y: 0.5, Z: 0.5},
	})
	out, err := (&VoxelGrid{LeafSize: 1}).Filter(c)
	require.NoError(t, err)
	require.Equal(t, 2, out.Len())
	assert.InDelta(t, 0.2, out.Points[0].Position.X, 1e-12)
	assert.InDelta(t, 1.5, out.Points[1].Position.X, 1e-12)
	assert.Equal(t, "lidar", out.Frame)

	_, err = (&VoxelGrid{}).Filter(c)
	assert.Error(t, err)
}

func TestPassThroughAndCropBox(t *testing.T) {
	c := cloud.FromPositions("lidar", ts, []r3.Vector{{Z: -3}, {Z: 0}, {Z: 3}})

	out, err := (&PassThrough{Axis: "z", Min: -1, Max: 1}).Filter(c)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Len())

	out, err = (&PassThrough{Axis: "z", Min: -1, Max: 1, Negative: true}).Filter(c)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Len())

	_, err = (&PassThrough{Axis: "w"}).Filter(c)
	assert.Error(t, err)

	out, err = (&CropBox{Min: []float64{-1, -1, -1}, Max: []float64{1, 1, 4}}).Filter(c)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Len())
}

func TestRandomSample_Deterministic(t *testing.T) {
	c := plane(10, 1, 0)
	f := &RandomSample{Count: 17, Seed: 7}
	a, err := f.Filter(c)
	require.NoError(t, err)
	b, err := f.Filter(c)
	require.NoError(t, err)
	assert.Equal(t, 17, a.Len())
	assert.Equal(t, a.Positions(), b.Positions())
}

func TestRadiusOutlierRemoval(t *testing.T) {
	c := plane(5, 0.1, 0)
	c.Append(cloud.Point{Position: r3.Vector{X: 10, Y: 10, Z: 10}})
	out, err := (&RadiusOutlierRemoval{Radius: 0.15, MinNeighbors: 2}).Filter(c)
	require.NoError(t, err)
	assert.Equal(t, 25, out.Len())
}

func TestSensorOriginRemoval(t *testing.T) {
	c := cloud.FromPositions("lidar", ts, []r3.Vector{{X: 0.1}, {X: 2}})
	out, err := (&SensorOriginRemoval{Radius: 0.5}).Filter(c)
	require.NoError(t, err)
	require.Equal(t, 1, out.Len())
	assert.Equal(t, 2.0, out.Points[0].Position.X)
}

func TestPCANormals_FaceViewpoint(t *testing.T) {
	c := plane(6, 0.2, -1)
	out, err := (&PCANormals{K: 8}).Estimate(c, c, c.Index())
	require.NoError(t, err)
	require.True(t, out.HasNormals())
	for _, p := range out.Points {
		assert.InDelta(t, 1.0, p.Normal.Z, 1e-6, "normal should point up towards the origin")
		assert.InDelta(t, 0.0, p.Curvature, 1e-9)
	}
	assert.False(t, c.HasNormals(), "input is not modified")

	_, err = (&PCANormals{K: 8}).Estimate(cloud.FromPositions("", ts, []r3.Vector{{}, {X: 1}}), c, cloud.NewSpatialIndex(cloud.New("", ts, 0)))
	assert.ErrorIs(t, err, ErrTooFewPoints)
}

func TestPrincipalCurvature_CornerIsCurved(t *testing.T) {
	var pts []r3.Vector
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			pts = append(pts, r3.Vector{X: float64(i) * 0.1, Y: float64(j) * 0.1})
			pts = append(pts, r3.Vector{X: float64(i) * 0.1, Z: 0.1 + float64(j)*0.1})
		}
	}
	c := cloud.FromPositions("", ts, pts)
	out, err := (&PrincipalCurvature{K: 12}).Estimate(c, c.Index())
	require.NoError(t, err)
	assert.Greater(t, out.Points[0].Curvature, 0.01)
}

func TestKeypoints(t *testing.T) {
	c := plane(10, 0.1, 0)
	kp, err := (&UniformKeypoints{LeafSize: 0.5}).Detect(c, c.Index())
	require.NoError(t, err)
	assert.Equal(t, 4, kp.Len())

	c.Points[3].HasNormal = true
	c.Points[3].Curvature = 0.2
	kp, err = (&CurvatureThreshold{MinCurvature: 0.1}).Detect(c, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, kp.Len())
}

func TestNewFilter_FromSpec(t *testing.T) {
	f, err := NewFilter(config.StageSpec{Type: "voxel_grid", Name: "coarse", Attributes: map[string]interface{}{"leaf_size": 0.5}})
	require.NoError(t, err)
	assert.Equal(t, "coarse", f.Name())

	out, err := f.Filter(plane(4, 0.1, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Len())

	_, err = NewFilter(config.StageSpec{Type: "median"})
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	_, err = NewFilter(config.StageSpec{Type: "voxel_grid", Attributes: map[string]interface{}{"leaf": 0.5}})
	assert.Error(t, err)
}

func testPipeline(t *testing.T) *Pipeline {
	t.Helper()
	cfg := config.Empty()
	cfg.Preprocess.Filters = []config.StageSpec{{Type: "voxel_grid", Attributes: map[string]interface{}{"leaf_size": 0.05}}}
	cfg.Preprocess.NormalEstimator = &config.StageSpec{Type: "pca", Attributes: map[string]interface{}{"k": 8}}
	cfg.Preprocess.KeypointDetectors = []config.StageSpec{{Type: "curvature_threshold", Attributes: map[string]interface{}{"min_curvature": 0.5}}}
	cfg.Preprocess.ReferenceNormalEstimator = &config.StageSpec{Type: "pca"}
	cfg.Preprocess.MinPoints = ptr(10)
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

func ptr[T any](v T) *T { return &v }

func TestPipeline_RunComputesNormalsPerMode(t *testing.T) {
	p := testPipeline(t)
	c := plane(8, 0.2, -1)

	out, err := p.Run(c, localization.ModeInitialPoseEstimation)
	require.NoError(t, err)
	assert.True(t, out.Cloud.HasNormals())
	assert.True(t, out.Index.Valid(out.Cloud))
	// A flat plane has no curvature keypoints, so the full cloud is used.
	assert.Same(t, out.Cloud, out.Keypoints)
	assert.Same(t, out.Cloud, out.OutlierCloud)

	out, err = p.Run(c, localization.ModeTracking)
	require.NoError(t, err)
	assert.False(t, out.Cloud.HasNormals(), "normals are off in Tracking by default")
}

func TestPipeline_RunFailsBelowMinPoints(t *testing.T) {
	p := testPipeline(t)
	_, err := p.Run(plane(3, 0.2, 0), localization.ModeTracking)
	assert.ErrorIs(t, err, ErrFilteringFailed)
}

func TestPipeline_NormalEstimationFailure(t *testing.T) {
	p := testPipeline(t)
	p.Ambient.NormalEstimator = failingEstimator{}
	_, err := p.Run(plane(8, 0.2, 0), localization.ModeInitialPoseEstimation)
	assert.ErrorIs(t, err, ErrNormalEstimationFailed)
	assert.False(t, errors.Is(err, ErrFilteringFailed))
}

func TestPipeline_RunReference(t *testing.T) {
	p := testPipeline(t)
	out, err := p.RunReference(plane(8, 0.2, -1))
	require.NoError(t, err)
	assert.True(t, out.Cloud.HasNormals())
	assert.Equal(t, 64, out.Index.Len())

	_, err = p.RunReference(cloud.New("map", ts, 0))
	assert.ErrorIs(t, err, ErrFilteringFailed)
}

type failingEstimator struct{}

func (failingEstimator) Name() string { return "failing" }
func (failingEstimator) Estimate(_, _ *cloud.PointCloud, _ *cloud.SpatialIndex) (*cloud.PointCloud, error) {
	return nil, errors.New("boom")
}

func TestVoxelGrid_AveragesNormals(t *testing.T) {
	c := cloud.New("", ts, 2)
	c.Append(
		cloud.Point{Position: r3.Vector{X: 0.1}, Normal: r3.Vector{Z: 1}, HasNormal: true},
		cloud.Point{Position: r3.Vector{X: 0.2}, Normal: r3.Vector{X: 1}, HasNormal: true},
	)
	out, err := (&VoxelGrid{LeafSize: 1}).Filter(c)
	require.NoError(t, err)
	require.Equal(t, 1, out.Len())
	assert.InDelta(t, math.Sqrt2/2, out.Points[0].Normal.Z, 1e-12)
}
