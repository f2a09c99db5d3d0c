package l3matching

import (
	"fmt"

	"github.com/banshee-data/dynamic-localization/internal/config"
	"github.com/banshee-data/dynamic-localization/internal/localization"
)

var matcherTypes = map[string]func() Matcher{
	"icp_point_to_point": func() Matcher { return &ICPPointToPoint{ICPParams: defaultICPParams()} },
	"icp_point_to_plane": func() Matcher { return &ICPPointToPlane{ICPParams: defaultICPParams()} },
	"centroid_alignment": func() Matcher {
		return &CentroidAlignment{YawSteps: 8, InlierDistance: 0.5, MinInlierFraction: 0.3, SamplePoints: 500}
	},
}

// Register adds a matcher type. Intended for init functions.
func Register(name string, mk func() Matcher) { matcherTypes[name] = mk }

// New builds the matcher described by spec.
func New(spec config.StageSpec) (Matcher, error) {
	mk, ok := matcherTypes[spec.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, spec.Type)
	}
	m := mk()
	if err := config.DecodeAttributes(spec, m); err != nil {
		return nil, err
	}
	if spec.Name != "" {
		return named{Matcher: m, name: spec.Name}, nil
	}
	return m, nil
}

// NewChain builds matchers in order.
func NewChain(specs []config.StageSpec) ([]Matcher, error) {
	out := make([]Matcher, 0, len(specs))
	for _, s := range specs {
		m, err := New(s)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

type named struct {
	Matcher
	name string
}

func (n named) Name() string { return n.name }

// Sets holds the matcher chain of each tracking mode.
type Sets struct {
	InitialFeature []Matcher
	InitialPoint   []Matcher
	Tracking       []Matcher
	Recovery       []Matcher
}

// NewSets builds every chain from the matching section of cfg.
func NewSets(cfg *config.Config) (Sets, error) {
	var s Sets
	var err error
	mc := cfg.Matching
	if s.InitialFeature, err = NewChain(mc.InitialFeatureMatchers); err != nil {
		return s, fmt.Errorf("initial_feature_matchers: %w", err)
	}
	if s.InitialPoint, err = NewChain(mc.InitialPointMatchers); err != nil {
		return s, fmt.Errorf("initial_point_matchers: %w", err)
	}
	if s.Tracking, err = NewChain(mc.TrackingMatchers); err != nil {
		return s, fmt.Errorf("tracking_matchers: %w", err)
	}
	if s.Recovery, err = NewChain(mc.RecoveryMatchers); err != nil {
		return s, fmt.Errorf("recovery_matchers: %w", err)
	}
	return s, nil
}

// For returns the chain for mode. InitialPoseEstimation runs the feature
// matchers followed by the point matchers.
func (s Sets) For(mode localization.TrackingMode) []Matcher {
	switch mode {
	case localization.ModeInitialPoseEstimation:
		out := make([]Matcher, 0, len(s.InitialFeature)+len(s.InitialPoint))
		out = append(out, s.InitialFeature...)
		return append(out, s.InitialPoint...)
	case localization.ModeTracking:
		return s.Tracking
	case localization.ModeTrackingRecovery:
		return s.Recovery
	}
	return nil
}
