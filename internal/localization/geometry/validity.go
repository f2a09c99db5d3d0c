package geometry

import (
	"errors"
	"math"

	"github.com/golang/geo/r3"
)

// ErrDegenerateTransform is returned for matrices that are not proper
// rigid transforms or that contain non-finite values.
var ErrDegenerateTransform = errors.New("degenerate transform")

// MatrixValidationTolerance is the tolerance for checking rotation matrix validity.
const MatrixValidationTolerance = 0.01

// IsValidTransformMatrix checks if a 4x4 row-major matrix is a rigid transform:
// finite entries, a rotation block with det ≈ 1, and a last row of [0 0 0 1].
func IsValidTransformMatrix(T [16]float64) bool {
	for _, v := range T {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}

	r00, r01, r02 := T[0], T[1], T[2]
	r10, r11, r12 := T[4], T[5], T[6]
	r20, r21, r22 := T[8], T[9], T[10]

	det := r00*(r11*r22-r12*r21) - r01*(r10*r22-r12*r20) + r02*(r10*r21-r11*r20)
	if math.Abs(det-1.0) > MatrixValidationTolerance {
		return false
	}

	if T[12] != 0 || T[13] != 0 || T[14] != 0 || math.Abs(T[15]-1.0) > 0.001 {
		return false
	}
	return true
}

// IsValid reports whether p is finite and its matrix is a rigid transform.
func (p Pose) IsValid() bool {
	return p.IsFinite() && IsValidTransformMatrix(p.Matrix())
}

// Quality is a coarse grade of a registration derived from inlier RMSE.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityUnknown   Quality = "unknown"
)

// RMSE thresholds (meters) separating the quality grades.
const (
	RMSEThresholdExcellent = 0.05
	RMSEThresholdGood      = 0.15
	RMSEThresholdFair      = 0.30
)

// GradeRMSE maps an inlier RMSE to a Quality. Negative means not computed;
// zero is a perfect fit.
func GradeRMSE(rmse float64) Quality {
	switch {
	case rmse < 0 || math.IsNaN(rmse):
		return QualityUnknown
	case rmse < RMSEThresholdExcellent:
		return QualityExcellent
	case rmse < RMSEThresholdGood:
		return QualityGood
	case rmse < RMSEThresholdFair:
		return QualityFair
	default:
		return QualityPoor
	}
}

func vec(x, y, z float64) r3.Vector { return r3.Vector{X: x, Y: y, Z: z} }
