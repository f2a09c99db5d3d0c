package l4outliers

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/dynamic-localization/internal/config"
	"github.com/banshee-data/dynamic-localization/internal/localization/cloud"
	"github.com/banshee-data/dynamic-localization/internal/localization/l3matching"
)

var (
	// ErrNoReference is returned when the reference side has no index.
	ErrNoReference = errors.New("outlier detection needs an indexed reference")
	// ErrUnknownStrategy is returned for an unregistered detector type.
	ErrUnknownStrategy = errors.New("unknown outlier detector")
)

// Detector splits points into inliers and outliers with respect to ref.
// Returned indices refer to points and are ascending.
type Detector interface {
	Name() string
	Classify(points []cloud.Point, ref l3matching.Target) (inliers, outliers []int, err error)
}

// Euclidean treats a point as an inlier when its nearest reference point is
// within MaxDistance.
type Euclidean struct {
	MaxDistance float64 `mapstructure:"max_distance"`
}

func (d *Euclidean) Name() string { return "euclidean" }

func (d *Euclidean) Classify(points []cloud.Point, ref l3matching.Target) ([]int, []int, error) {
	if ref.Index == nil {
		return nil, nil, ErrNoReference
	}
	in, out := split(points, func(i int, p cloud.Point) bool {
		nb, ok := ref.Index.Nearest(p.Position)
		return ok && nb.Distance <= d.MaxDistance
	})
	return in, out, nil
}

// NormalConsistency additionally requires the point normal and the nearest
// reference normal to differ by at most MaxAngle radians, ignoring sign.
// Points or references without normals are judged on distance alone.
type NormalConsistency struct {
	MaxDistance float64 `mapstructure:"max_distance"`
	MaxAngle    float64 `mapstructure:"max_angle"`
}

func (d *NormalConsistency) Name() string { return "normal_consistency" }

func (d *NormalConsistency) Classify(points []cloud.Point, ref l3matching.Target) ([]int, []int, error) {
	if ref.Index == nil {
		return nil, nil, ErrNoReference
	}
	cosMax := math.Cos(d.MaxAngle)
	in, out := split(points, func(i int, p cloud.Point) bool {
		nb, ok := ref.Index.Nearest(p.Position)
		if !ok || nb.Distance > d.MaxDistance {
			return false
		}
		r := ref.Cloud.Points[nb.Index]
		if !p.HasNormal || !r.HasNormal {
			return true
		}
		return math.Abs(p.Normal.Dot(r.Normal)) >= cosMax
	})
	return in, out, nil
}

// split partitions point indices by the inlier predicate.
func split(points []cloud.Point, inlier func(int, cloud.Point) bool) ([]int, []int) {
	in := make([]int, 0, len(points))
	out := make([]int, 0)
	for i, p := range points {
		if inlier(i, p) {
			in = append(in, i)
		} else {
			out = append(out, i)
		}
	}
	return in, out
}

var detectorTypes = map[string]func() Detector{
	"euclidean":          func() Detector { return &Euclidean{MaxDistance: 0.25} },
	"normal_consistency": func() Detector { return &NormalConsistency{MaxDistance: 0.25, MaxAngle: math.Pi / 6} },
}

// NewDetectors builds detectors in order.
func NewDetectors(specs []config.StageSpec) ([]Detector, error) {
	out := make([]Detector, 0, len(specs))
	for _, s := range specs {
		mk, ok := detectorTypes[s.Type]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, s.Type)
		}
		d := mk()
		if err := config.DecodeAttributes(s, d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
