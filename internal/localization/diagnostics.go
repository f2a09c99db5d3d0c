package localization

import (
	"time"

	"github.com/banshee-data/dynamic-localization/internal/localization/geometry"
)

// MatcherDiagnostics describes one matcher run within a cycle.
type MatcherDiagnostics struct {
	Name            string        `json:"name"`
	Iterations      int           `json:"iterations"`
	Converged       bool          `json:"converged"`
	RMSE            float64       `json:"rmse"`
	Correspondences int           `json:"correspondences"`
	Duration        time.Duration `json:"duration"`
}

// StageDurations are wall-clock times spent in each stage of a cycle.
type StageDurations struct {
	Admission   time.Duration `json:"admission"`
	Transform   time.Duration `json:"transform"`
	Preprocess  time.Duration `json:"preprocess"`
	Matching    time.Duration `json:"matching"`
	Outliers    time.Duration `json:"outliers"`
	Validation  time.Duration `json:"validation"`
	Integration time.Duration `json:"integration"`
	Total       time.Duration `json:"total"`
}

// Correction is the magnitude of the accepted pose correction, reported in
// the configured units.
type Correction struct {
	Translation     float64 `json:"translation"`
	Rotation        float64 `json:"rotation"`
	TranslationUnit string  `json:"translation_unit"`
	RotationUnit    string  `json:"rotation_unit"`
}

// Diagnostics is the record emitted for every processed cloud.
type Diagnostics struct {
	CycleID    string       `json:"cycle_id"`
	Status     Status       `json:"status"`
	Mode       TrackingMode `json:"mode"`
	Transition *Transition  `json:"transition,omitempty"`
	// Reason carries the error or validator message behind a failure status.
	Reason string `json:"reason,omitempty"`

	Source    string    `json:"source"`
	CloudTime time.Time `json:"cloud_time"`
	CycleTime time.Time `json:"cycle_time"`

	RawPoints       int `json:"raw_points"`
	FilteredPoints  int `json:"filtered_points"`
	KeypointPoints  int `json:"keypoint_points"`
	ReferencePoints int `json:"reference_points"`

	Matchers               []MatcherDiagnostics `json:"matchers,omitempty"`
	MatcherIterations      int                  `json:"matcher_iterations"`
	LastConvergence        string               `json:"last_convergence,omitempty"`
	LastCorrespondenceRMSE float64              `json:"last_correspondence_rmse"`
	LastCorrespondences    int                  `json:"last_correspondences"`

	Inliers                    int     `json:"inliers"`
	Outliers                   int     `json:"outliers"`
	InlierRMSE                 float64 `json:"inlier_rmse"`
	OutlierPercentage          float64 `json:"outlier_percentage"`
	ReferenceOutlierPercentage float64 `json:"reference_outlier_percentage"`
	InlierAngularDistribution  float64 `json:"inlier_angular_distribution"`
	OutlierAngularDistribution float64 `json:"outlier_angular_distribution"`

	// Pose is set only when the cycle accepted a pose.
	Pose                *geometry.PoseWithCovariance `json:"pose,omitempty"`
	Correction          *Correction                  `json:"correction,omitempty"`
	Quality             geometry.Quality             `json:"quality,omitempty"`
	AcceptedCorrections int                          `json:"accepted_corrections"`

	Durations  StageDurations `json:"durations"`
	MapVersion uint64         `json:"map_version"`
	// Dropped counts clouds the backlog discarded since the previous record.
	Dropped int `json:"dropped"`
}

// MapLoad records a reference map being published from a source.
type MapLoad struct {
	Version  uint64    `json:"version"`
	LoadedAt time.Time `json:"loaded_at"`
	Points   int       `json:"points"`
	Source   string    `json:"source"`
}
