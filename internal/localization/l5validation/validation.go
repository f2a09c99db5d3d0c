package l5validation

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/dynamic-localization/internal/config"
	"github.com/banshee-data/dynamic-localization/internal/localization"
	"github.com/banshee-data/dynamic-localization/internal/localization/geometry"
)

// ErrUnknownStrategy is returned for an unregistered validator type.
var ErrUnknownStrategy = errors.New("unknown validator")

// Input summarises one registration for validation.
type Input struct {
	Guess     geometry.Pose
	Corrected geometry.Pose
	RMSE      float64
	Inliers   int

	OutlierPercentage          float64
	ReferenceOutlierPercentage float64
	ReferenceComputed          bool

	InlierAngularCoverage float64
	AngularComputed       bool
}

// RejectionError names the validator that rejected a pose.
type RejectionError struct {
	Validator string
	Reason    string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("rejected by %s: %s", e.Validator, e.Reason)
}

// Validator accepts or rejects a corrected pose. A rejection is a
// *RejectionError.
type Validator interface {
	Name() string
	Validate(in Input) error
}

// Validate runs validators in order and returns the first rejection.
func Validate(validators []Validator, in Input) error {
	for _, v := range validators {
		if err := v.Validate(in); err != nil {
			var rej *RejectionError
			if errors.As(err, &rej) {
				return err
			}
			return &RejectionError{Validator: v.Name(), Reason: err.Error()}
		}
	}
	return nil
}

func rejectf(v Validator, format string, args ...interface{}) error {
	return &RejectionError{Validator: v.Name(), Reason: fmt.Sprintf(format, args...)}
}

// CorrectionMagnitude bounds the correction applied to the guess. Zero
// limits are not checked.
type CorrectionMagnitude struct {
	MaxTranslation float64 `mapstructure:"max_translation"`
	MaxRotation    float64 `mapstructure:"max_rotation"`
	MaxHeight      float64 `mapstructure:"max_height"`
}

func (v *CorrectionMagnitude) Name() string { return "correction_magnitude" }

func (v *CorrectionMagnitude) Validate(in Input) error {
	c := geometry.Correction(in.Guess, in.Corrected)
	if d := c.TranslationNorm(); v.MaxTranslation > 0 && d > v.MaxTranslation {
		return rejectf(v, "translation %.3f exceeds %.3f", d, v.MaxTranslation)
	}
	if a := c.RotationAngle(); v.MaxRotation > 0 && a > v.MaxRotation {
		return rejectf(v, "rotation %.4f exceeds %.4f", a, v.MaxRotation)
	}
	if h := math.Abs(c.Translation.Z); v.MaxHeight > 0 && h > v.MaxHeight {
		return rejectf(v, "height %.3f exceeds %.3f", h, v.MaxHeight)
	}
	return nil
}

// OutlierPercentage bounds the ambient outlier fraction, and the reference
// outlier fraction when it was computed. Fractions are in [0, 1].
type OutlierPercentage struct {
	Max          float64 `mapstructure:"max"`
	MaxReference float64 `mapstructure:"max_reference"`
}

func (v *OutlierPercentage) Name() string { return "outlier_percentage" }

func (v *OutlierPercentage) Validate(in Input) error {
	if in.OutlierPercentage > v.Max {
		return rejectf(v, "outliers %.1f%% exceed %.1f%%", 100*in.OutlierPercentage, 100*v.Max)
	}
	if in.ReferenceComputed && v.MaxReference > 0 && in.ReferenceOutlierPercentage > v.MaxReference {
		return rejectf(v, "reference outliers %.1f%% exceed %.1f%%", 100*in.ReferenceOutlierPercentage, 100*v.MaxReference)
	}
	return nil
}

// RMSE bounds the inlier RMSE.
type RMSE struct {
	Max float64 `mapstructure:"max"`
}

func (v *RMSE) Name() string { return "rmse" }

func (v *RMSE) Validate(in Input) error {
	if in.Inliers == 0 {
		return rejectf(v, "no inliers")
	}
	if in.RMSE > v.Max {
		return rejectf(v, "rmse %.4f exceeds %.4f", in.RMSE, v.Max)
	}
	return nil
}

// MinInliers requires a minimum inlier count.
type MinInliers struct {
	Min int `mapstructure:"min"`
}

func (v *MinInliers) Name() string { return "min_inliers" }

func (v *MinInliers) Validate(in Input) error {
	if in.Inliers < v.Min {
		return rejectf(v, "%d inliers, need %d", in.Inliers, v.Min)
	}
	return nil
}

// AngularDistribution requires inliers to cover a minimum fraction of the
// azimuth around the sensor. It passes when coverage was not computed.
type AngularDistribution struct {
	MinCoverage float64 `mapstructure:"min_coverage"`
}

func (v *AngularDistribution) Name() string { return "angular_distribution" }

func (v *AngularDistribution) Validate(in Input) error {
	if in.AngularComputed && in.InlierAngularCoverage < v.MinCoverage {
		return rejectf(v, "inlier coverage %.2f below %.2f", in.InlierAngularCoverage, v.MinCoverage)
	}
	return nil
}

var validatorTypes = map[string]func() Validator{
	"correction_magnitude": func() Validator { return &CorrectionMagnitude{MaxTranslation: 0.5, MaxRotation: 0.35} },
	"outlier_percentage":   func() Validator { return &OutlierPercentage{Max: 0.5} },
	"rmse":                 func() Validator { return &RMSE{Max: 0.15} },
	"min_inliers":          func() Validator { return &MinInliers{Min: 20} },
	"angular_distribution": func() Validator { return &AngularDistribution{MinCoverage: 0.25} },
}

// NewValidators builds validators in order.
func NewValidators(specs []config.StageSpec) ([]Validator, error) {
	out := make([]Validator, 0, len(specs))
	for _, s := range specs {
		mk, ok := validatorTypes[s.Type]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, s.Type)
		}
		v := mk()
		if err := config.DecodeAttributes(s, v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Sets holds the validators of each tracking mode.
type Sets struct {
	Initial  []Validator
	Tracking []Validator
	Recovery []Validator
}

// NewSets builds every list from the validation section of cfg.
func NewSets(cfg *config.Config) (Sets, error) {
	var s Sets
	var err error
	if s.Initial, err = NewValidators(cfg.Validation.Initial); err != nil {
		return s, fmt.Errorf("validation.initial: %w", err)
	}
	if s.Tracking, err = NewValidators(cfg.Validation.Tracking); err != nil {
		return s, fmt.Errorf("validation.tracking: %w", err)
	}
	if s.Recovery, err = NewValidators(cfg.Validation.Recovery); err != nil {
		return s, fmt.Errorf("validation.recovery: %w", err)
	}
	return s, nil
}

// For returns the validators for mode.
func (s Sets) For(mode localization.TrackingMode) []Validator {
	switch mode {
	case localization.ModeInitialPoseEstimation:
		return s.Initial
	case localization.ModeTracking:
		return s.Tracking
	case localization.ModeTrackingRecovery:
		return s.Recovery
	}
	return nil
}
