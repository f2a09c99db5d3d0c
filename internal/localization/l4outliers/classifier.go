package l4outliers

import (
	"fmt"
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/dynamic-localization/internal/config"
	"github.com/banshee-data/dynamic-localization/internal/localization/cloud"
	"github.com/banshee-data/dynamic-localization/internal/localization/l3matching"
)

// Report summarises one classification.
type Report struct {
	Inliers        *cloud.PointCloud
	Outliers       *cloud.PointCloud
	InlierIndices  []int
	OutlierIndices []int
	// InlierRMSE is over nearest-reference distances of the inliers; it is
	// zero when there are none.
	InlierRMSE float64
	// OutlierPercentage is outliers / total, in [0, 1].
	OutlierPercentage float64

	// Angular coverage is only set when the classifier computes it.
	AngularComputed        bool
	InlierAngularCoverage  float64
	OutlierAngularCoverage float64
}

// InlierCount is the number of inliers.
func (r Report) InlierCount() int { return len(r.InlierIndices) }

// Classifier applies detectors in sequence, each seeing only the previous
// detector's inliers.
type Classifier struct {
	Detectors          []Detector
	ReferenceDetectors []Detector

	ComputeAngular bool
	AngularBins    int
	// ReferenceMargin pads the registered cloud's bounds when cropping the
	// reference for symmetric classification.
	ReferenceMargin float64
}

// New builds a Classifier from the outliers section of cfg.
func New(cfg *config.Config) (*Classifier, error) {
	det, err := NewDetectors(cfg.Outliers.Detectors)
	if err != nil {
		return nil, fmt.Errorf("detectors: %w", err)
	}
	ref, err := NewDetectors(cfg.Outliers.ReferenceDetectors)
	if err != nil {
		return nil, fmt.Errorf("reference_detectors: %w", err)
	}
	return &Classifier{
		Detectors:          det,
		ReferenceDetectors: ref,
		ComputeAngular:     cfg.GetComputeAngularDistribution(),
		AngularBins:        cfg.GetAngularBins(),
		ReferenceMargin:    1.0,
	}, nil
}

// Classify partitions registered against ref. origin is the sensor
// position in the registered cloud's frame and is only used for angular
// coverage. Results depend only on the inputs.
func (c *Classifier) Classify(registered *cloud.PointCloud, ref l3matching.Target, origin r3.Vector) (Report, error) {
	inliers, outliers, err := cascade(c.Detectors, registered.Points, ref)
	if err != nil {
		return Report{}, err
	}

	rep := Report{
		Inliers:        registered.Subset(inliers),
		Outliers:       registered.Subset(outliers),
		InlierIndices:  inliers,
		OutlierIndices: outliers,
	}
	if n := registered.Len(); n > 0 {
		rep.OutlierPercentage = float64(len(outliers)) / float64(n)
	}
	if len(inliers) > 0 && ref.Index != nil {
		sq := make([]float64, 0, len(inliers))
		for _, i := range inliers {
			if nb, ok := ref.Index.Nearest(registered.Points[i].Position); ok {
				sq = append(sq, nb.Distance*nb.Distance)
			}
		}
		if len(sq) > 0 {
			rep.InlierRMSE = math.Sqrt(stat.Mean(sq, nil))
		}
	}
	if c.ComputeAngular {
		rep.AngularComputed = true
		rep.InlierAngularCoverage = AngularDistribution(rep.Inliers.Positions(), origin, c.AngularBins)
		rep.OutlierAngularCoverage = AngularDistribution(rep.Outliers.Positions(), origin, c.AngularBins)
	}
	return rep, nil
}

// ClassifyReference classifies the part of the reference near the
// registered cloud against the registered cloud and returns the outlier
// fraction. It uses ReferenceDetectors, or Detectors when none are set.
func (c *Classifier) ClassifyReference(reference *cloud.PointCloud, registered *cloud.PointCloud) (float64, error) {
	if registered.Len() == 0 {
		return 0, nil
	}
	lo, hi := registered.Bounds()
	m := r3.Vector{X: c.ReferenceMargin, Y: c.ReferenceMargin, Z: c.ReferenceMargin}
	lo, hi = lo.Sub(m), hi.Add(m)
	near := make([]cloud.Point, 0)
	for _, p := range reference.Points {
		v := p.Position
		if v.X >= lo.X && v.X <= hi.X && v.Y >= lo.Y && v.Y <= hi.Y && v.Z >= lo.Z && v.Z <= hi.Z {
			near = append(near, p)
		}
	}
	if len(near) == 0 {
		return 0, nil
	}

	detectors := c.ReferenceDetectors
	if len(detectors) == 0 {
		detectors = c.Detectors
	}
	_, outliers, err := cascade(detectors, near, l3matching.NewTarget(registered))
	if err != nil {
		return 0, err
	}
	return float64(len(outliers)) / float64(len(near)), nil
}

// cascade runs detectors so that the inlier set only narrows. Indices in
// the result refer to points and are ascending.
func cascade(detectors []Detector, points []cloud.Point, ref l3matching.Target) (inliers, outliers []int, err error) {
	inliers = make([]int, len(points))
	for i := range inliers {
		inliers[i] = i
	}
	outliers = make([]int, 0)

	for _, d := range detectors {
		subset := make([]cloud.Point, len(inliers))
		for i, idx := range inliers {
			subset[i] = points[idx]
		}
		in, out, err := d.Classify(subset, ref)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", d.Name(), err)
		}
		next := make([]int, len(in))
		for i, local := range in {
			next[i] = inliers[local]
		}
		for _, local := range out {
			outliers = append(outliers, inliers[local])
		}
		inliers = next
	}
	sort.Ints(outliers)
	return inliers, outliers, nil
}

// AngularDistribution splits the azimuth around origin into bins equal
// sectors and returns the fraction that contain at least one point.
func AngularDistribution(points []r3.Vector, origin r3.Vector, bins int) float64 {
	if bins <= 0 || len(points) == 0 {
		return 0
	}
	filled := make([]bool, bins)
	count := 0
	for _, p := range points {
		az := math.Atan2(p.Y-origin.Y, p.X-origin.X) + math.Pi // [0, 2π]
		b := int(az / (2 * math.Pi) * float64(bins))
		if b >= bins {
			b = bins - 1
		}
		if !filled[b] {
			filled[b] = true
			count++
		}
	}
	return float64(count) / float64(bins)
}
