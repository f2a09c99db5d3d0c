package l2preprocess

import (
	"fmt"
	"time"

	"github.com/banshee-data/dynamic-localization/internal/config"
	"github.com/banshee-data/dynamic-localization/internal/localization"
	"github.com/banshee-data/dynamic-localization/internal/localization/cloud"
)

// Stages is one set of preprocessing slots.
type Stages struct {
	Filters            []Filter
	NormalEstimator    NormalEstimator
	CurvatureEstimator CurvatureEstimator
	KeypointDetectors  []KeypointDetector
}

// Pipeline preprocesses ambient clouds each cycle and the reference cloud
// once per map version.
type Pipeline struct {
	Ambient                    Stages
	FiltersAfterNormals        []Filter
	FiltersForOutlierDetection []Filter
	IntegrationFilters         []Filter
	Reference                  Stages

	MinPoints                       int
	ComputeNormals                  map[localization.TrackingMode]bool
	ComputeKeypoints                map[localization.TrackingMode]bool
	UseFilteredCloudAsNormalSurface bool
}

// New builds a Pipeline from the preprocess section of cfg.
func New(cfg *config.Config) (*Pipeline, error) {
	pc := cfg.Preprocess
	p := &Pipeline{
		MinPoints:                       cfg.GetPreprocessMinPoints(),
		ComputeNormals:                  make(map[localization.TrackingMode]bool),
		ComputeKeypoints:                make(map[localization.TrackingMode]bool),
		UseFilteredCloudAsNormalSurface: cfg.GetUseFilteredCloudAsNormalSurface(),
	}
	for _, m := range localization.Modes() {
		p.ComputeNormals[m] = cfg.ComputeNormals(string(m))
		p.ComputeKeypoints[m] = cfg.ComputeKeypoints(string(m))
	}

	var err error
	if p.Ambient, err = newStages(pc.Filters, pc.NormalEstimator, pc.CurvatureEstimator, pc.KeypointDetectors); err != nil {
		return nil, err
	}
	if p.Reference, err = newStages(pc.ReferenceFilters, pc.ReferenceNormalEstimator, pc.ReferenceCurvatureEstimator, pc.ReferenceKeypointDetectors); err != nil {
		return nil, err
	}
	if p.FiltersAfterNormals, err = NewFilters(pc.FiltersAfterNormals); err != nil {
		return nil, err
	}
	if p.FiltersForOutlierDetection, err = NewFilters(pc.FiltersForOutlierDetection); err != nil {
		return nil, err
	}
	if p.IntegrationFilters, err = NewFilters(pc.IntegrationFilters); err != nil {
		return nil, err
	}
	return p, nil
}

func newStages(filters []config.StageSpec, normals, curvature *config.StageSpec, keypoints []config.StageSpec) (Stages, error) {
	var s Stages
	var err error
	if s.Filters, err = NewFilters(filters); err != nil {
		return s, err
	}
	if s.NormalEstimator, err = NewNormalEstimator(normals); err != nil {
		return s, err
	}
	if s.CurvatureEstimator, err = NewCurvatureEstimator(curvature); err != nil {
		return s, err
	}
	if s.KeypointDetectors, err = NewKeypointDetectors(keypoints); err != nil {
		return s, err
	}
	return s, nil
}

// Timings records the duration of each preprocessing step.
type Timings struct {
	Filtering time.Duration
	Normals   time.Duration
	Keypoints time.Duration
}

// Output is the result of preprocessing one cloud.
type Output struct {
	// Cloud is the filtered cloud, with normals when they were computed.
	Cloud *cloud.PointCloud
	// Keypoints is the matcher input. It is Cloud when no detector ran or
	// every detector came back empty.
	Keypoints *cloud.PointCloud
	// OutlierCloud is the cloud classified against the map after
	// registration.
	OutlierCloud *cloud.PointCloud
	// Index is built over Cloud.
	Index   *cloud.SpatialIndex
	Timings Timings
}

// Run preprocesses an ambient cloud for the given tracking mode. Errors wrap
// ErrFilteringFailed or ErrNormalEstimationFailed.
func (p *Pipeline) Run(c *cloud.PointCloud, mode localization.TrackingMode) (Output, error) {
	var out Output

	start := time.Now()
	filtered, err := p.filter(p.Ambient.Filters, c)
	out.Timings.Filtering = time.Since(start)
	if err != nil {
		return out, err
	}
	out.Cloud = filtered

	if len(p.FiltersForOutlierDetection) > 0 {
		oc, err := runFilters(p.FiltersForOutlierDetection, c)
		if err != nil {
			return out, fmt.Errorf("%w: %v", ErrFilteringFailed, err)
		}
		out.OutlierCloud = oc
	}

	if p.ComputeNormals[mode] && p.Ambient.NormalEstimator != nil {
		start = time.Now()
		surface := c
		if p.UseFilteredCloudAsNormalSurface {
			surface = filtered
		}
		withNormals, err := estimate(p.Ambient, out.Cloud, surface)
		out.Timings.Normals = time.Since(start)
		if err != nil {
			return out, err
		}
		if out.Cloud, err = p.filter(p.FiltersAfterNormals, withNormals); err != nil {
			return out, err
		}
	}

	if out.OutlierCloud == nil {
		out.OutlierCloud = out.Cloud
	}
	out.Index = out.Cloud.Index()

	out.Keypoints = out.Cloud
	if p.ComputeKeypoints[mode] && len(p.Ambient.KeypointDetectors) > 0 {
		start = time.Now()
		kp, err := detect(p.Ambient.KeypointDetectors, out.Cloud, out.Index)
		out.Timings.Keypoints = time.Since(start)
		if err != nil {
			return out, fmt.Errorf("%w: %v", ErrFilteringFailed, err)
		}
		if kp.Len() > 0 {
			out.Keypoints = kp
		}
	}
	return out, nil
}

// RunReference preprocesses a reference cloud with the reference slots.
// Normals and keypoints are computed whenever their stages are configured.
func (p *Pipeline) RunReference(c *cloud.PointCloud) (Output, error) {
	var out Output
	start := time.Now()
	filtered, err := runFilters(p.Reference.Filters, c)
	out.Timings.Filtering = time.Since(start)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrFilteringFailed, err)
	}
	if filtered.Len() == 0 {
		return out, fmt.Errorf("%w: reference cloud is empty after filtering", ErrFilteringFailed)
	}
	out.Cloud = filtered

	if p.Reference.NormalEstimator != nil {
		start = time.Now()
		out.Cloud, err = estimate(p.Reference, filtered, filtered)
		out.Timings.Normals = time.Since(start)
		if err != nil {
			return out, err
		}
	}
	out.Index = out.Cloud.Index()
	out.OutlierCloud = out.Cloud
	out.Keypoints = out.Cloud
	if len(p.Reference.KeypointDetectors) > 0 {
		kp, err := detect(p.Reference.KeypointDetectors, out.Cloud, out.Index)
		if err != nil {
			return out, fmt.Errorf("%w: %v", ErrFilteringFailed, err)
		}
		if kp.Len() > 0 {
			out.Keypoints = kp
		}
	}
	return out, nil
}

// FilterForIntegration applies the integration filters to a registered
// cloud before it is merged into the map.
func (p *Pipeline) FilterForIntegration(c *cloud.PointCloud) (*cloud.PointCloud, error) {
	return runFilters(p.IntegrationFilters, c)
}

func (p *Pipeline) filter(filters []Filter, c *cloud.PointCloud) (*cloud.PointCloud, error) {
	out, err := runFilters(filters, c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFilteringFailed, err)
	}
	if out.Len() < p.MinPoints {
		return nil, fmt.Errorf("%w: %d points left, need %d", ErrFilteringFailed, out.Len(), p.MinPoints)
	}
	return out, nil
}

func runFilters(filters []Filter, c *cloud.PointCloud) (*cloud.PointCloud, error) {
	cur := c
	for _, f := range filters {
		next, err := f.Filter(cur)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name(), err)
		}
		cur = next
	}
	return cur, nil
}

func estimate(s Stages, c, surface *cloud.PointCloud) (*cloud.PointCloud, error) {
	out, err := s.NormalEstimator.Estimate(c, surface, surface.Index())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNormalEstimationFailed, s.NormalEstimator.Name(), err)
	}
	if s.CurvatureEstimator != nil {
		out, err = s.CurvatureEstimator.Estimate(out, out.Index())
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrNormalEstimationFailed, s.CurvatureEstimator.Name(), err)
		}
	}
	return out, nil
}

func detect(detectors []KeypointDetector, c *cloud.PointCloud, idx *cloud.SpatialIndex) (*cloud.PointCloud, error) {
	parts := make([]*cloud.PointCloud, 0, len(detectors))
	for _, d := range detectors {
		kp, err := d.Detect(c, idx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.Name(), err)
		}
		parts = append(parts, kp)
	}
	return cloud.Merge(parts...), nil
}
