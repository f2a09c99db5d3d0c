package l4outliers

import (
	"math"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dynamic-localization/internal/config"
	"github.com/banshee-data/dynamic-localization/internal/localization/cloud"
	"github.com/banshee-data/dynamic-localization/internal/localization/l3matching"
)

var ts = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func line(n int, y float64) *cloud.PointCloud {
	c := cloud.New("map", ts, n)
	for i := 0; i < n; i++ {
		c.Points = append(c.Points, cloud.Point{
			Position:  r3.Vector{X: float64(i), Y: y},
			Normal:    r3.Vector{Y: 1},
			HasNormal: true,
		})
	}
	return c
}

func TestEuclidean_Classify(t *testing.T) {
	ref := l3matching.NewTarget(line(10, 0))
	pts := []cloud.Point{
		{Position: r3.Vector{X: 1, Y: 0.1}},
		{Position: r3.Vector{X: 2, Y: 3}},
		{Position: r3.Vector{X: 3, Y: -0.2}},
	}
	in, out, err := (&Euclidean{MaxDistance: 0.25}).Classify(pts, ref)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, in)
	assert.Equal(t, []int{1}, out)

	_, _, err = (&Euclidean{}).Classify(pts, l3matching.Target{})
	assert.ErrorIs(t, err, ErrNoReference)
}

func TestNormalConsistency_Classify(t *testing.T) {
	ref := l3matching.NewTarget(line(10, 0))
	pts := []cloud.Point{
		{Position: r3.Vector{X: 1}, Normal: r3.Vector{Y: -1}, HasNormal: true}, // flipped is consistent
		{Position: r3.Vector{X: 2}, Normal: r3.Vector{X: 1}, HasNormal: true},  // perpendicular
		{Position: r3.Vector{X: 3}},                                            // no normal
	}
	in, out, err := (&NormalConsistency{MaxDistance: 0.5, MaxAngle: math.Pi / 6}).Classify(pts, ref)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, in)
	assert.Equal(t, []int{1}, out)
}

func TestClassifier_CascadeOnlyNarrows(t *testing.T) {
	ref := l3matching.NewTarget(line(10, 0))
	registered := cloud.New("map", ts, 4)
	registered.Append(
		cloud.Point{Position: r3.Vector{X: 1, Y: 0.05}, Normal: r3.Vector{Y: 1}, HasNormal: true},
		cloud.Point{Position: r3.Vector{X: 2, Y: 0.4}, Normal: r3.Vector{Y: 1}, HasNormal: true},
		cloud.Point{Position: r3.Vector{X: 3, Y: 0.05}, Normal: r3.Vector{X: 1}, HasNormal: true},
		cloud.Point{Position: r3.Vector{X: 4, Y: 5}},
	)
	c := &Classifier{Detectors: []Detector{
		&Euclidean{MaxDistance: 1},
		&NormalConsistency{MaxDistance: 0.3, MaxAngle: 0.2},
	}}

	rep, err := c.Classify(registered, ref, r3.Vector{})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, rep.InlierIndices)
	assert.Equal(t, []int{1, 2, 3}, rep.OutlierIndices)
	assert.InDelta(t, 0.75, rep.OutlierPercentage, 1e-12)
	assert.InDelta(t, 0.05, rep.InlierRMSE, 1e-12)
	assert.Equal(t, 1, rep.Inliers.Len())
	assert.Equal(t, 3, rep.Outliers.Len())
	assert.False(t, rep.AngularComputed)
}

func TestClassifier_NoDetectorsKeepsEverything(t *testing.T) {
	rep, err := (&Classifier{}).Classify(line(5, 0.1), l3matching.NewTarget(line(5, 0)), r3.Vector{})
	require.NoError(t, err)
	assert.Equal(t, 5, rep.InlierCount())
	assert.Zero(t, rep.OutlierPercentage)
	assert.InDelta(t, 0.1, rep.InlierRMSE, 1e-12)
}

func TestClassifier_Idempotent(t *testing.T) {
	ref := l3matching.NewTarget(line(20, 0))
	registered := line(20, 0.2)
	registered.Points[4].Position.Y = 2
	registered.Points[11].Position.Y = -3
	c := &Classifier{
		Detectors:      []Detector{&Euclidean{MaxDistance: 0.5}},
		ComputeAngular: true,
		AngularBins:    8,
	}

	a, err := c.Classify(registered, ref, r3.Vector{X: 10})
	require.NoError(t, err)
	b, err := c.Classify(registered, ref, r3.Vector{X: 10})
	require.NoError(t, err)
	if diff := cmp.Diff(a, b, cmpopts.IgnoreUnexported(cloud.PointCloud{})); diff != "" {
		t.Errorf("classification not idempotent (-first +second):\n%s", diff)
	}
	assert.Equal(t, []int{4, 11}, a.OutlierIndices)
}

func TestClassifier_ClassifyReference(t *testing.T) {
	reference := line(100, 0)
	registered := line(10, 0)
	// Reference points beyond the registered cloud's extent are ignored;
	// within it, the ones at y=0 match exactly.
	reference.Append(cloud.Point{Position: r3.Vector{X: 5, Y: 0.9}})
	c := &Classifier{Detectors: []Detector{&Euclidean{MaxDistance: 0.3}}, ReferenceMargin: 1}

	pct, err := c.ClassifyReference(reference, registered)
	require.NoError(t, err)
	// Reference points x=0..10 lie inside the padded bounds [-1, 10]; x=10
	// is 1m from the nearest registered point.
	assert.InDelta(t, 2.0/12.0, pct, 1e-12)

	pct, err = c.ClassifyReference(reference, cloud.New("map", ts, 0))
	require.NoError(t, err)
	assert.Zero(t, pct)
}

func TestAngularDistribution(t *testing.T) {
	pts := []r3.Vector{{X: 1}, {X: 1, Y: 0.1}, {X: -1}, {Y: 1}}
	assert.InDelta(t, 3.0/8.0, AngularDistribution(pts, r3.Vector{}, 8), 1e-12)
	assert.Zero(t, AngularDistribution(nil, r3.Vector{}, 8))
	assert.Zero(t, AngularDistribution(pts, r3.Vector{}, 0))
}

func TestNew(t *testing.T) {
	cfg := config.Empty()
	cfg.Outliers.Detectors = []config.StageSpec{{Type: "euclidean", Attributes: map[string]interface{}{"max_distance": 0.4}}}
	c, err := New(cfg)
	require.NoError(t, err)
	require.Len(t, c.Detectors, 1)
	assert.Equal(t, 0.4, c.Detectors[0].(*Euclidean).MaxDistance)
	assert.True(t, c.ComputeAngular)
	assert.Equal(t, 8, c.AngularBins)

	cfg.Outliers.ReferenceDetectors = []config.StageSpec{{Type: "statistical"}}
	_, err = New(cfg)
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}
