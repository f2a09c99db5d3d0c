package pipeline

import (
	"fmt"

	"github.com/banshee-data/dynamic-localization/internal/config"
	"github.com/banshee-data/dynamic-localization/internal/localization/l1admission"
	"github.com/banshee-data/dynamic-localization/internal/localization/l2preprocess"
	"github.com/banshee-data/dynamic-localization/internal/localization/l3matching"
	"github.com/banshee-data/dynamic-localization/internal/localization/l4outliers"
	"github.com/banshee-data/dynamic-localization/internal/localization/l5validation"
	"github.com/banshee-data/dynamic-localization/internal/localization/l6tracking"
	"github.com/banshee-data/dynamic-localization/internal/localization/refmap"
)

// stages is every strategy built from one configuration. It is immutable
// and replaced as a whole on reload.
type stages struct {
	cfg        *config.Config
	gate       *l1admission.Gate
	preprocess *l2preprocess.Pipeline
	matchers   l3matching.Sets
	classifier *l4outliers.Classifier
	validators l5validation.Sets
	covariance CovarianceEstimator
	post       PostParams
	tracking   l6tracking.Params
	maps       refmap.Params
}

func buildStages(cfg *config.Config) (*stages, error) {
	st := &stages{
		cfg:      cfg,
		gate:     l1admission.NewGate(l1admission.ParamsFromConfig(cfg)),
		post:     PostParamsFromConfig(cfg),
		tracking: l6tracking.ParamsFromConfig(cfg),
		maps:     refmap.ParamsFromConfig(cfg),
	}
	var err error
	if st.preprocess, err = l2preprocess.New(cfg); err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}
	if st.matchers, err = l3matching.NewSets(cfg); err != nil {
		return nil, fmt.Errorf("matching: %w", err)
	}
	if st.classifier, err = l4outliers.New(cfg); err != nil {
		return nil, fmt.Errorf("outliers: %w", err)
	}
	if st.validators, err = l5validation.NewSets(cfg); err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}
	if st.covariance, err = NewCovarianceEstimator(cfg.Pose.CovarianceEstimator); err != nil {
		return nil, fmt.Errorf("pose.covariance_estimator: %w", err)
	}
	if len(st.preprocess.IntegrationFilters) > 0 {
		st.maps.IntegrationFilter = st.preprocess.FilterForIntegration
	}
	return st, nil
}
