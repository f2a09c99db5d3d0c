package pipeline

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dynamic-localization/internal/config"
	"github.com/banshee-data/dynamic-localization/internal/localization/cloud"
	"github.com/banshee-data/dynamic-localization/internal/localization/geometry"
	"github.com/banshee-data/dynamic-localization/internal/localization/l4outliers"
)

func TestPostProcess(t *testing.T) {
	guess := geometry.Translate(0, 0, 0.5)
	corrected := geometry.NewPose(r3.Vector{X: 1, Y: 0, Z: 0.8}, geometry.FromRPY(0.1, -0.05, 0.3))
	corrected.Frame = "map"

	t.Run("passthrough", func(t *testing.T) {
		out, err := postProcess(PostParams{}, guess, corrected, nil)
		require.NoError(t, err)
		assert.Equal(t, corrected, out)
	})

	t.Run("ignore height", func(t *testing.T) {
		out, err := postProcess(PostParams{IgnoreHeight: true}, guess, corrected, nil)
		require.NoError(t, err)
		assert.Equal(t, 0.5, out.Translation.Z)
		assert.Equal(t, 1.0, out.Translation.X)
	})

	t.Run("planar", func(t *testing.T) {
		out, err := postProcess(PostParams{Planar: true}, guess, corrected, nil)
		require.NoError(t, err)
		roll, pitch, yaw := out.RPY()
		assert.InDelta(t, 0, roll, 1e-9)
		assert.InDelta(t, 0, pitch, 1e-9)
		assert.InDelta(t, corrected.Yaw(), yaw, 1e-9)
		assert.Equal(t, "map", out.Frame)
	})

	t.Run("weighted mean", func(t *testing.T) {
		last := geometry.Identity()
		out, err := postProcess(PostParams{WeightedMean: 0.25}, guess, corrected, &last)
		require.NoError(t, err)
		assert.InDelta(t, 0.75, out.Translation.X, 1e-9)
		assert.InDelta(t, 0.6, out.Translation.Z, 1e-9)
	})

	t.Run("weighted mean without last pose", func(t *testing.T) {
		out, err := postProcess(PostParams{WeightedMean: 0.25}, guess, corrected, nil)
		require.NoError(t, err)
		assert.Equal(t, corrected, out)
	})
}

func TestCorrectionDiagnostics_Units(t *testing.T) {
	c := geometry.NewPose(r3.Vector{X: 0.03, Y: 0.04}, geometry.FromRPY(0, 0, math.Pi/18))

	got := correctionDiagnostics(PostParams{}, c)
	assert.InDelta(t, 0.05, got.Translation, 1e-9)
	assert.InDelta(t, math.Pi/18, got.Rotation, 1e-9)
	assert.Equal(t, "m", got.TranslationUnit)

	got = correctionDiagnostics(PostParams{UseMillimeters: true, UseDegrees: true}, c)
	assert.InDelta(t, 50, got.Translation, 1e-6)
	assert.InDelta(t, 10, got.Rotation, 1e-6)
	assert.Equal(t, "mm", got.TranslationUnit)
	assert.Equal(t, "deg", got.RotationUnit)
}

func TestNewCovarianceEstimator(t *testing.T) {
	e, err := NewCovarianceEstimator(nil)
	require.NoError(t, err)
	assert.Equal(t, "residual", e.Name())

	e, err = NewCovarianceEstimator(&config.StageSpec{Type: "fixed", Attributes: map[string]interface{}{"translation": 0.04}})
	require.NoError(t, err)
	cov := e.Estimate(CovarianceInput{})
	assert.Equal(t, 0.04, cov[0])
	assert.Equal(t, 0.001, cov[35])

	_, err = NewCovarianceEstimator(&config.StageSpec{Type: "oracle"})
	assert.Error(t, err)
}

func TestResidualCovariance(t *testing.T) {
	e := &ResidualCovariance{Scale: 1, MinVariance: 1e-6}
	inliers := cloud.FromPositions("map", ts, []r3.Vector{{X: -1}, {X: 1}})

	cov := e.Estimate(CovarianceInput{InlierRMSE: 0.1, Inliers: inliers})
	assert.InDelta(t, 0.01, cov[0], 1e-12)
	assert.InDelta(t, 0.01, cov[21], 1e-12, "rotation variance over unit spread")

	cov = e.Estimate(CovarianceInput{InlierRMSE: math.Inf(1)})
	assert.Equal(t, 1.0, cov[0])

	cov = e.Estimate(CovarianceInput{})
	assert.Equal(t, 1e-6, cov[0])
}

func TestReregister_MovesSubsetsToAcceptedPose(t *testing.T) {
	matched := geometry.Translate(1, 0, 0)
	accepted := geometry.Translate(1, 0, 0.5)
	r := l4outliers.Report{
		Inliers:  cloud.FromPositions("map", ts, []r3.Vector{{X: 1}}),
		Outliers: cloud.FromPositions("map", ts, []r3.Vector{{X: 2, Y: 1}}),
	}

	out := reregister(r, matched, accepted)
	assert.InDelta(t, 0.5, out.Inliers.Points[0].Position.Z, 1e-12)
	assert.InDelta(t, 2, out.Outliers.Points[0].Position.X, 1e-12)
	assert.InDelta(t, 0.5, out.Outliers.Points[0].Position.Z, 1e-12)
	assert.Equal(t, 0.0, r.Inliers.Points[0].Position.Z)

	same := reregister(r, matched, matched)
	assert.Same(t, r.Inliers, same.Inliers)
}
