package l2preprocess

import (
	"fmt"

	"github.com/banshee-data/dynamic-localization/internal/config"
	"github.com/banshee-data/dynamic-localization/internal/localization/cloud"
)

// Constructors return a strategy populated with its default parameters;
// attributes from the StageSpec are decoded over them.
var (
	filterTypes = map[string]func() Filter{
		"voxel_grid":             func() Filter { return &VoxelGrid{LeafSize: 0.1} },
		"pass_through":           func() Filter { return &PassThrough{Axis: "z", Min: -1, Max: 1} },
		"random_sample":          func() Filter { return &RandomSample{Count: 1000} },
		"radius_outlier_removal": func() Filter { return &RadiusOutlierRemoval{Radius: 0.5, MinNeighbors: 2} },
		"crop_box":               func() Filter { return &CropBox{} },
		"sensor_origin_removal":  func() Filter { return &SensorOriginRemoval{Radius: 0.5} },
	}
	normalTypes = map[string]func() NormalEstimator{
		"pca": func() NormalEstimator { return &PCANormals{K: 10} },
	}
	curvatureTypes = map[string]func() CurvatureEstimator{
		"principal": func() CurvatureEstimator { return &PrincipalCurvature{K: 10} },
	}
	keypointTypes = map[string]func() KeypointDetector{
		"curvature_threshold": func() KeypointDetector { return &CurvatureThreshold{MinCurvature: 0.05} },
		"uniform":             func() KeypointDetector { return &UniformKeypoints{LeafSize: 0.5} },
	}
)

// RegisterFilter adds a filter type. It is not safe to call concurrently
// with NewFilter and is intended for init functions.
func RegisterFilter(name string, mk func() Filter) { filterTypes[name] = mk }

// RegisterKeypointDetector adds a keypoint detector type.
func RegisterKeypointDetector(name string, mk func() KeypointDetector) { keypointTypes[name] = mk }

func build[T any](kind string, types map[string]func() T, spec config.StageSpec) (T, error) {
	var zero T
	mk, ok := types[spec.Type]
	if !ok {
		return zero, fmt.Errorf("%w: %s %q", ErrUnknownStrategy, kind, spec.Type)
	}
	s := mk()
	if err := config.DecodeAttributes(spec, s); err != nil {
		return zero, err
	}
	return s, nil
}

// NewFilter builds the filter described by spec.
func NewFilter(spec config.StageSpec) (Filter, error) {
	f, err := build("filter", filterTypes, spec)
	if err != nil {
		return nil, err
	}
	if spec.Name != "" {
		return namedFilter{f: f, name: spec.Name}, nil
	}
	return f, nil
}

// NewFilters builds a filter chain in order.
func NewFilters(specs []config.StageSpec) ([]Filter, error) {
	out := make([]Filter, 0, len(specs))
	for _, s := range specs {
		f, err := NewFilter(s)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// NewNormalEstimator builds the estimator described by spec; nil spec
// yields nil.
func NewNormalEstimator(spec *config.StageSpec) (NormalEstimator, error) {
	if spec == nil {
		return nil, nil
	}
	return build("normal estimator", normalTypes, *spec)
}

// NewCurvatureEstimator builds the estimator described by spec; nil spec
// yields nil.
func NewCurvatureEstimator(spec *config.StageSpec) (CurvatureEstimator, error) {
	if spec == nil {
		return nil, nil
	}
	return build("curvature estimator", curvatureTypes, *spec)
}

// NewKeypointDetectors builds the detectors in order.
func NewKeypointDetectors(specs []config.StageSpec) ([]KeypointDetector, error) {
	out := make([]KeypointDetector, 0, len(specs))
	for _, s := range specs {
		d, err := build("keypoint detector", keypointTypes, s)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// namedFilter renames a filter for diagnostics.
type namedFilter struct {
	f    Filter
	name string
}

func (n namedFilter) Name() string { return n.name }

func (n namedFilter) Filter(c *cloud.PointCloud) (*cloud.PointCloud, error) {
	return n.f.Filter(c)
}
