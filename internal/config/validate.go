package config

import (
	"fmt"
	"slices"
	"time"

	"go.uber.org/multierr"
)

// Validate checks the set fields and returns every problem found.
func (c *Config) Validate() error {
	var err error

	for name, p := range map[string]*string{
		"admission.max_age":                 c.Admission.MaxAge,
		"admission.min_interval":            c.Admission.MinInterval,
		"admission.max_offset_to_last_pose": c.Admission.MaxOffsetToLastPose,
		"map.min_interval_between_updates":  c.Map.MinIntervalBetweenUpdates,
		"tracking.timeout":                  c.Tracking.Timeout,
		"recovery.timeout":                  c.Recovery.Timeout,
		"lost_timeout":                      c.LostTimeout,
	} {
		err = multierr.Append(err, checkDuration(name, p))
	}

	for name, p := range map[string]*int{
		"admission.min_points":           c.Admission.MinPoints,
		"admission.processing_limit":     c.Admission.ProcessingLimit,
		"preprocess.min_points":          c.Preprocess.MinPoints,
		"map.min_points":                 c.Map.MinPoints,
		"corrections_history":            c.CorrectionsHistory,
		"backlog.accumulator.max_points": c.Backlog.Accumulator.MaxPoints,
		"backlog.accumulator.min_points": c.Backlog.Accumulator.MinPoints,
		"diagnostics.recent_records":     c.Diagnostics.RecentRecords,
		"tracking.min_failures":          c.Tracking.MinFailures,
		"tracking.max_failures":          c.Tracking.MaxFailures,
		"recovery.min_failures":          c.Recovery.MinFailures,
		"recovery.max_failures":          c.Recovery.MaxFailures,
	} {
		if p != nil && *p < 0 {
			err = multierr.Append(err, fmt.Errorf("%s must be non-negative, got %d", name, *p))
		}
	}

	if c.Backlog.PerSourceCapacity != nil && *c.Backlog.PerSourceCapacity < 1 {
		err = multierr.Append(err, fmt.Errorf("backlog.per_source_capacity must be at least 1, got %d", *c.Backlog.PerSourceCapacity))
	}
	if c.Outliers.AngularBins != nil && *c.Outliers.AngularBins < 1 {
		err = multierr.Append(err, fmt.Errorf("outliers.angular_bins must be at least 1, got %d", *c.Outliers.AngularBins))
	}

	if w := c.GetTrackingWindow(); w.MinFailures > w.MaxFailures {
		err = multierr.Append(err, fmt.Errorf("tracking.min_failures (%d) exceeds max_failures (%d)", w.MinFailures, w.MaxFailures))
	}
	if w := c.GetRecoveryWindow(); w.MinFailures > w.MaxFailures {
		err = multierr.Append(err, fmt.Errorf("recovery.min_failures (%d) exceeds max_failures (%d)", w.MinFailures, w.MaxFailures))
	}

	if c.Map.UpdateMode != nil && *c.Map.UpdateMode != "" && !slices.Contains(UpdateModes, *c.Map.UpdateMode) {
		err = multierr.Append(err, fmt.Errorf("map.update_mode must be one of %v, got %q", UpdateModes, *c.Map.UpdateMode))
	}

	if c.Pose.WeightedMeanFilter != nil {
		if w := *c.Pose.WeightedMeanFilter; w < 0 || w >= 1 {
			err = multierr.Append(err, fmt.Errorf("pose.weighted_mean_filter must be in [0, 1), got %f", w))
		}
	}

	err = multierr.Append(err, checkStages("preprocess.filters", c.Preprocess.Filters))
	err = multierr.Append(err, checkStages("preprocess.filters_after_normals", c.Preprocess.FiltersAfterNormals))
	err = multierr.Append(err, checkStages("preprocess.filters_for_outlier_detection", c.Preprocess.FiltersForOutlierDetection))
	err = multierr.Append(err, checkStages("preprocess.integration_filters", c.Preprocess.IntegrationFilters))
	err = multierr.Append(err, checkStages("preprocess.keypoint_detectors", c.Preprocess.KeypointDetectors))
	err = multierr.Append(err, checkStages("preprocess.reference_filters", c.Preprocess.ReferenceFilters))
	err = multierr.Append(err, checkStages("preprocess.reference_keypoint_detectors", c.Preprocess.ReferenceKeypointDetectors))
	err = multierr.Append(err, checkStages("matching.initial_feature_matchers", c.Matching.InitialFeatureMatchers))
	err = multierr.Append(err, checkStages("matching.initial_point_matchers", c.Matching.InitialPointMatchers))
	err = multierr.Append(err, checkStages("matching.tracking_matchers", c.Matching.TrackingMatchers))
	err = multierr.Append(err, checkStages("matching.recovery_matchers", c.Matching.RecoveryMatchers))
	err = multierr.Append(err, checkStages("validation.initial", c.Validation.Initial))
	err = multierr.Append(err, checkStages("validation.tracking", c.Validation.Tracking))
	err = multierr.Append(err, checkStages("validation.recovery", c.Validation.Recovery))
	err = multierr.Append(err, checkStages("outliers.detectors", c.Outliers.Detectors))
	err = multierr.Append(err, checkStages("outliers.reference_detectors", c.Outliers.ReferenceDetectors))
	for name, s := range map[string]*StageSpec{
		"preprocess.normal_estimator":              c.Preprocess.NormalEstimator,
		"preprocess.curvature_estimator":           c.Preprocess.CurvatureEstimator,
		"preprocess.reference_normal_estimator":    c.Preprocess.ReferenceNormalEstimator,
		"preprocess.reference_curvature_estimator": c.Preprocess.ReferenceCurvatureEstimator,
		"pose.covariance_estimator":                c.Pose.CovarianceEstimator,
	} {
		if s != nil && s.Type == "" {
			err = multierr.Append(err, fmt.Errorf("%s: type is required", name))
		}
	}

	for i, st := range c.Frames.Static {
		if st.Parent == "" || st.Child == "" {
			err = multierr.Append(err, fmt.Errorf("frames.static[%d]: parent and child are required", i))
		}
		if len(st.Translation) != 0 && len(st.Translation) != 3 {
			err = multierr.Append(err, fmt.Errorf("frames.static[%d]: translation needs 3 values, got %d", i, len(st.Translation)))
		}
		if len(st.RPY) != 0 && len(st.RPY) != 3 {
			err = multierr.Append(err, fmt.Errorf("frames.static[%d]: rpy needs 3 values, got %d", i, len(st.RPY)))
		}
	}

	return err
}

func checkDuration(name string, p *string) error {
	if p == nil || *p == "" {
		return nil
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *p, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must be non-negative, got %s", name, d)
	}
	return nil
}

func checkStages(slot string, specs []StageSpec) error {
	var err error
	for i, s := range specs {
		if s.Type == "" {
			err = multierr.Append(err, fmt.Errorf("%s[%d]: type is required", slot, i))
		}
	}
	return err
}
