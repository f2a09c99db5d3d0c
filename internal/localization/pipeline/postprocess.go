package pipeline

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/dynamic-localization/internal/config"
	"github.com/banshee-data/dynamic-localization/internal/localization"
	"github.com/banshee-data/dynamic-localization/internal/localization/cloud"
	"github.com/banshee-data/dynamic-localization/internal/localization/geometry"
)

// ErrAlignerFailed is returned when the planar aligner produced an
// invalid pose.
var ErrAlignerFailed = errors.New("transformation aligner failed")

// PostParams tune what happens to a validated pose before it is accepted.
type PostParams struct {
	// IgnoreHeight keeps the guess height instead of the corrected one.
	IgnoreHeight bool
	// WeightedMean is the weight of the last accepted pose when blending it
	// with the new one. Zero disables the filter.
	WeightedMean float64
	// Planar drops roll and pitch from the accepted pose.
	Planar bool

	UseMillimeters bool
	UseDegrees     bool
}

// PostParamsFromConfig resolves PostParams from cfg.
func PostParamsFromConfig(cfg *config.Config) PostParams {
	return PostParams{
		IgnoreHeight:   cfg.GetIgnoreHeightCorrections(),
		WeightedMean:   cfg.GetWeightedMeanFilter(),
		Planar:         cfg.GetPlanarAligner(),
		UseMillimeters: cfg.GetUseMillimeters(),
		UseDegrees:     cfg.GetUseDegrees(),
	}
}

// postProcess applies the height, alignment and smoothing steps in that
// order. last is the previous accepted pose, if any.
func postProcess(p PostParams, guess, corrected geometry.Pose, last *geometry.Pose) (geometry.Pose, error) {
	out := corrected
	if p.IgnoreHeight {
		out.Translation.Z = guess.Translation.Z
	}
	if p.Planar {
		out = out.Planar(true, 0)
		if !out.IsValid() {
			return corrected, ErrAlignerFailed
		}
	}
	if p.WeightedMean > 0 && last != nil {
		out = geometry.Interpolate(*last, out, 1-p.WeightedMean)
	}
	out.Frame = corrected.Frame
	out.Timestamp = corrected.Timestamp
	return out, nil
}

// correctionDiagnostics reports the size of the applied correction in the
// configured units.
func correctionDiagnostics(p PostParams, c geometry.Pose) *localization.Correction {
	out := &localization.Correction{
		Translation:     c.TranslationNorm(),
		Rotation:        c.RotationAngle(),
		TranslationUnit: "m",
		RotationUnit:    "rad",
	}
	if p.UseMillimeters {
		out.Translation *= 1000
		out.TranslationUnit = "mm"
	}
	if p.UseDegrees {
		out.Rotation *= 180 / math.Pi
		out.RotationUnit = "deg"
	}
	return out
}

// CovarianceInput is what a covariance estimator sees of an accepted
// registration.
type CovarianceInput struct {
	InlierRMSE float64
	Inliers    *cloud.PointCloud
}

// CovarianceEstimator attaches an uncertainty to an accepted pose.
type CovarianceEstimator interface {
	Name() string
	Estimate(in CovarianceInput) geometry.Covariance
}

// ResidualCovariance scales the squared inlier RMSE into a translation
// variance, and divides that by the squared spread of the inliers for the
// rotation variance.
type ResidualCovariance struct {
	Scale       float64 `mapstructure:"scale"`
	MinVariance float64 `mapstructure:"min_variance"`
}

func (e *ResidualCovariance) Name() string { return "residual" }

func (e *ResidualCovariance) Estimate(in CovarianceInput) geometry.Covariance {
	tv := e.Scale * in.InlierRMSE * in.InlierRMSE
	if math.IsNaN(tv) || math.IsInf(tv, 0) {
		tv = 1
	}
	tv = math.Max(tv, e.MinVariance)

	rv := tv
	if n := in.Inliers.Len(); n > 0 {
		c := in.Inliers.Centroid()
		var sum float64
		for _, p := range in.Inliers.Points {
			sum += p.Position.Sub(c).Norm2()
		}
		if spread2 := sum / float64(n); spread2 > 0 {
			rv = math.Max(tv/spread2, e.MinVariance)
		}
	}
	return geometry.DiagonalCovariance(tv, rv)
}

// FixedCovariance reports constant variances.
type FixedCovariance struct {
	Translation float64 `mapstructure:"translation"`
	Rotation    float64 `mapstructure:"rotation"`
}

func (e *FixedCovariance) Name() string { return "fixed" }

func (e *FixedCovariance) Estimate(CovarianceInput) geometry.Covariance {
	return geometry.DiagonalCovariance(e.Translation, e.Rotation)
}

var covarianceTypes = map[string]func() CovarianceEstimator{
	"residual": func() CovarianceEstimator { return &ResidualCovariance{Scale: 1, MinVariance: 1e-6} },
	"fixed":    func() CovarianceEstimator { return &FixedCovariance{Translation: 0.01, Rotation: 0.001} },
}

// NewCovarianceEstimator builds the configured estimator. A nil spec
// yields the residual estimator with default attributes.
func NewCovarianceEstimator(spec *config.StageSpec) (CovarianceEstimator, error) {
	if spec == nil {
		return covarianceTypes["residual"](), nil
	}
	mk, ok := covarianceTypes[spec.Type]
	if !ok {
		return nil, fmt.Errorf("unknown covariance estimator %q", spec.Type)
	}
	e := mk()
	if err := config.DecodeAttributes(*spec, e); err != nil {
		return nil, err
	}
	return e, nil
}
