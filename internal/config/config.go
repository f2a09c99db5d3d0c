// Package config defines the localization configuration. Every field is a
// pointer so that partial files are valid: unset values fall back to the
// defaults returned by the Get* accessors.
//
// A *Config is treated as immutable once loaded. Reloading produces a new
// value that the localizer swaps in between cycles.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/localization.defaults.json"

// EnvPrefix prefixes environment overrides, e.g. DRL_ADMISSION_MAX_AGE.
const EnvPrefix = "DRL"

// maxFileSize bounds configuration files.
const maxFileSize = 1 * 1024 * 1024

// StageSpec selects one strategy for a pipeline slot. Type names the
// strategy; Attributes are decoded by the owning stage package.
type StageSpec struct {
	Type       string                 `mapstructure:"type" json:"type"`
	Name       string                 `mapstructure:"name" json:"name,omitempty"`
	Attributes map[string]interface{} `mapstructure:"attributes" json:"attributes,omitempty"`
}

// Label is the name used in diagnostics: Name when set, otherwise Type.
func (s StageSpec) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Type
}

// Config is the root configuration.
type Config struct {
	Admission   AdmissionConfig   `mapstructure:"admission" json:"admission"`
	Preprocess  PreprocessConfig  `mapstructure:"preprocess" json:"preprocess"`
	Matching    MatchingConfig    `mapstructure:"matching" json:"matching"`
	Validation  ValidationConfig  `mapstructure:"validation" json:"validation"`
	Outliers    OutlierConfig     `mapstructure:"outliers" json:"outliers"`
	Map         MapConfig         `mapstructure:"map" json:"map"`
	Tracking    FailureWindow     `mapstructure:"tracking" json:"tracking"`
	Recovery    FailureWindow     `mapstructure:"recovery" json:"recovery"`
	Frames      FramesConfig      `mapstructure:"frames" json:"frames"`
	Pose        PoseConfig        `mapstructure:"pose" json:"pose"`
	Backlog     BacklogConfig     `mapstructure:"backlog" json:"backlog"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics" json:"diagnostics"`
	Logging     LoggingConfig     `mapstructure:"logging" json:"logging"`

	// LostTimeout forces InitialPoseEstimation when no pose has been
	// accepted for this long, regardless of the failure counters.
	LostTimeout                      *string `mapstructure:"lost_timeout" json:"lost_timeout,omitempty"`
	ResetInitialPoseWhenTrackingLost *bool   `mapstructure:"reset_initial_pose_when_tracking_lost" json:"reset_initial_pose_when_tracking_lost,omitempty"`
	CorrectionsHistory               *int    `mapstructure:"corrections_history" json:"corrections_history,omitempty"`

	FilteredCloudSavePath        *string `mapstructure:"filtered_cloud_save_path" json:"filtered_cloud_save_path,omitempty"`
	StopAfterSavingFilteredCloud *bool   `mapstructure:"stop_after_saving_filtered_cloud" json:"stop_after_saving_filtered_cloud,omitempty"`
}

// AdmissionConfig gates incoming clouds.
type AdmissionConfig struct {
	MaxAge              *string `mapstructure:"max_age" json:"max_age,omitempty"`           // duration string like "3s"
	MinInterval         *string `mapstructure:"min_interval" json:"min_interval,omitempty"` // duration string
	MinPoints           *int    `mapstructure:"min_points" json:"min_points,omitempty"`
	ProcessingLimit     *int    `mapstructure:"processing_limit" json:"processing_limit,omitempty"`
	MaxOffsetToLastPose *string `mapstructure:"max_offset_to_last_pose" json:"max_offset_to_last_pose,omitempty"`
	ProcessWhenDisabled *bool   `mapstructure:"process_when_disabled" json:"process_when_disabled,omitempty"`
	StartDisabled       *bool   `mapstructure:"start_disabled" json:"start_disabled,omitempty"`
}

// PerMode holds one flag per tracking mode.
type PerMode struct {
	Initial  *bool `mapstructure:"initial" json:"initial,omitempty"`
	Tracking *bool `mapstructure:"tracking" json:"tracking,omitempty"`
	Recovery *bool `mapstructure:"recovery" json:"recovery,omitempty"`
}

// PreprocessConfig lists the preprocessing slots for ambient and reference clouds.
type PreprocessConfig struct {
	Filters                    []StageSpec `mapstructure:"filters" json:"filters,omitempty"`
	FiltersAfterNormals        []StageSpec `mapstructure:"filters_after_normals" json:"filters_after_normals,omitempty"`
	FiltersForOutlierDetection []StageSpec `mapstructure:"filters_for_outlier_detection" json:"filters_for_outlier_detection,omitempty"`
	IntegrationFilters         []StageSpec `mapstructure:"integration_filters" json:"integration_filters,omitempty"`
	NormalEstimator            *StageSpec  `mapstructure:"normal_estimator" json:"normal_estimator,omitempty"`
	CurvatureEstimator         *StageSpec  `mapstructure:"curvature_estimator" json:"curvature_estimator,omitempty"`
	KeypointDetectors          []StageSpec `mapstructure:"keypoint_detectors" json:"keypoint_detectors,omitempty"`

	ReferenceFilters            []StageSpec `mapstructure:"reference_filters" json:"reference_filters,omitempty"`
	ReferenceNormalEstimator    *StageSpec  `mapstructure:"reference_normal_estimator" json:"reference_normal_estimator,omitempty"`
	ReferenceCurvatureEstimator *StageSpec  `mapstructure:"reference_curvature_estimator" json:"reference_curvature_estimator,omitempty"`
	ReferenceKeypointDetectors  []StageSpec `mapstructure:"reference_keypoint_detectors" json:"reference_keypoint_detectors,omitempty"`

	ComputeNormals                  PerMode `mapstructure:"compute_normals" json:"compute_normals"`
	ComputeKeypoints                PerMode `mapstructure:"compute_keypoints" json:"compute_keypoints"`
	UseFilteredCloudAsNormalSurface *bool   `mapstructure:"use_filtered_cloud_as_normal_surface" json:"use_filtered_cloud_as_normal_surface,omitempty"`
	MinPoints                       *int    `mapstructure:"min_points" json:"min_points,omitempty"`
}

// MatchingConfig lists the matcher chains per tracking mode.
type MatchingConfig struct {
	InitialFeatureMatchers []StageSpec `mapstructure:"initial_feature_matchers" json:"initial_feature_matchers,omitempty"`
	InitialPointMatchers   []StageSpec `mapstructure:"initial_point_matchers" json:"initial_point_matchers,omitempty"`
	TrackingMatchers       []StageSpec `mapstructure:"tracking_matchers" json:"tracking_matchers,omitempty"`
	RecoveryMatchers       []StageSpec `mapstructure:"recovery_matchers" json:"recovery_matchers,omitempty"`
}

// ValidationConfig lists the validators per tracking mode.
type ValidationConfig struct {
	Initial  []StageSpec `mapstructure:"initial" json:"initial,omitempty"`
	Tracking []StageSpec `mapstructure:"tracking" json:"tracking,omitempty"`
	Recovery []StageSpec `mapstructure:"recovery" json:"recovery,omitempty"`
}

// OutlierConfig lists outlier detectors for both classification directions.
type OutlierConfig struct {
	Detectors                  []StageSpec `mapstructure:"detectors" json:"detectors,omitempty"`
	ReferenceDetectors         []StageSpec `mapstructure:"reference_detectors" json:"reference_detectors,omitempty"`
	ComputeReference           *bool       `mapstructure:"compute_reference" json:"compute_reference,omitempty"`
	ComputeAngularDistribution *bool       `mapstructure:"compute_angular_distribution" json:"compute_angular_distribution,omitempty"`
	AngularBins                *int        `mapstructure:"angular_bins" json:"angular_bins,omitempty"`
}

// MapConfig controls the reference map.
type MapConfig struct {
	// Source is a .pcd path or an s3://bucket/key URI.
	Source                    *string  `mapstructure:"source" json:"source,omitempty"`
	UpdateMode                *string  `mapstructure:"update_mode" json:"update_mode,omitempty"`
	UseIncrementalUpdate      *bool    `mapstructure:"use_incremental_update" json:"use_incremental_update,omitempty"`
	MinPoints                 *int     `mapstructure:"min_points" json:"min_points,omitempty"`
	Required                  *bool    `mapstructure:"required" json:"required,omitempty"`
	MinIntervalBetweenUpdates *string  `mapstructure:"min_interval_between_updates" json:"min_interval_between_updates,omitempty"`
	SavePath                  *string  `mapstructure:"save_path" json:"save_path,omitempty"`
	SaveBinary                *bool    `mapstructure:"save_binary" json:"save_binary,omitempty"`
	S3                        S3Config `mapstructure:"s3" json:"s3"`
}

// S3Config configures S3-compatible map storage.
type S3Config struct {
	Region    *string `mapstructure:"region" json:"region,omitempty"`
	Endpoint  *string `mapstructure:"endpoint" json:"endpoint,omitempty"`
	PathStyle *bool   `mapstructure:"path_style" json:"path_style,omitempty"`
}

// FailureWindow bounds the consecutive failures tolerated in a mode.
type FailureWindow struct {
	MinFailures *int    `mapstructure:"min_failures" json:"min_failures,omitempty"`
	MaxFailures *int    `mapstructure:"max_failures" json:"max_failures,omitempty"`
	Timeout     *string `mapstructure:"timeout" json:"timeout,omitempty"`
}

// FramesConfig names the coordinate frames and static transforms.
type FramesConfig struct {
	Map                     *string           `mapstructure:"map" json:"map,omitempty"`
	Odom                    *string           `mapstructure:"odom" json:"odom,omitempty"`
	Base                    *string           `mapstructure:"base" json:"base,omitempty"`
	Sensor                  *string           `mapstructure:"sensor" json:"sensor,omitempty"`
	AddOdometryDisplacement *bool             `mapstructure:"add_odometry_displacement" json:"add_odometry_displacement,omitempty"`
	Static                  []StaticTransform `mapstructure:"static" json:"static,omitempty"`
}

// StaticTransform is a fixed parent<-child transform.
type StaticTransform struct {
	Parent      string    `mapstructure:"parent" json:"parent"`
	Child       string    `mapstructure:"child" json:"child"`
	Translation []float64 `mapstructure:"translation" json:"translation"`
	RPY         []float64 `mapstructure:"rpy" json:"rpy"`
}

// PoseConfig tunes post-processing of accepted poses.
type PoseConfig struct {
	IgnoreHeightCorrections *bool      `mapstructure:"ignore_height_corrections" json:"ignore_height_corrections,omitempty"`
	WeightedMeanFilter      *float64   `mapstructure:"weighted_mean_filter" json:"weighted_mean_filter,omitempty"`
	PlanarAligner           *bool      `mapstructure:"planar_aligner" json:"planar_aligner,omitempty"`
	CovarianceEstimator     *StageSpec `mapstructure:"covariance_estimator" json:"covariance_estimator,omitempty"`
}

// BacklogConfig bounds queued clouds.
type BacklogConfig struct {
	PerSourceCapacity *int              `mapstructure:"per_source_capacity" json:"per_source_capacity,omitempty"`
	Accumulator       AccumulatorConfig `mapstructure:"accumulator" json:"accumulator"`
}

// AccumulatorConfig configures the circular point buffer.
type AccumulatorConfig struct {
	Enabled           *bool    `mapstructure:"enabled" json:"enabled,omitempty"`
	Sources           []string `mapstructure:"sources" json:"sources,omitempty"`
	RequireAllSources *bool    `mapstructure:"require_all_sources" json:"require_all_sources,omitempty"`
	MaxPoints         *int     `mapstructure:"max_points" json:"max_points,omitempty"`
	MinPoints         *int     `mapstructure:"min_points" json:"min_points,omitempty"`
	ClearOnFailure    *bool    `mapstructure:"clear_on_failure" json:"clear_on_failure,omitempty"`
}

// DiagnosticsConfig controls the per-cycle record.
type DiagnosticsConfig struct {
	UseMillimeters *bool `mapstructure:"use_millimeters" json:"use_millimeters,omitempty"`
	UseDegrees     *bool `mapstructure:"use_degrees" json:"use_degrees,omitempty"`
	RecentRecords  *int  `mapstructure:"recent_records" json:"recent_records,omitempty"`
}

// LoggingConfig selects the log streams.
type LoggingConfig struct {
	Level       *string `mapstructure:"level" json:"level,omitempty"`
	Development *bool   `mapstructure:"development" json:"development,omitempty"`
	Trace       *bool   `mapstructure:"trace" json:"trace,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// Empty returns a Config with all fields unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a JSON or YAML configuration file. Scalar keys present in the
// file can be overridden from the environment with the DRL_ prefix, using
// underscores for nesting (DRL_ADMISSION_MAX_AGE).
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	switch ext := filepath.Ext(cleanPath); ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	v := viper.New()
	v.SetConfigFile(cleanPath)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.ErrorUnused = true
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded; intended
// for test setup.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,          // from internal/config/
		"../../../" + DefaultConfigPath,       // from internal/localization/pipeline/
		"../../../../" + DefaultConfigPath,    // deeper packages
		"../../../../../" + DefaultConfigPath, // even deeper
	}
	var lastErr error
	for _, path := range candidates {
		cfg, err := Load(path)
		if err == nil {
			return cfg
		}
		lastErr = err
	}
	panic(fmt.Sprintf("cannot load %s (run tests from repository root): %v", DefaultConfigPath, lastErr))
}
