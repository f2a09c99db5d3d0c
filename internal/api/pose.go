package api

import (
	"fmt"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/banshee-data/dynamic-localization/internal/localization/geometry"
)

// PoseRequest is the wire form of an initial pose. The rotation is given
// either as a quaternion (qw, qx, qy, qz) or as roll/pitch/yaw in radians.
// A missing timestamp means "now".
type PoseRequest struct {
	Frame      string    `json:"frame"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	Z          float64   `json:"z"`
	QW         *float64  `json:"qw,omitempty"`
	QX         float64   `json:"qx"`
	QY         float64   `json:"qy"`
	QZ         float64   `json:"qz"`
	Roll       float64   `json:"roll"`
	Pitch      float64   `json:"pitch"`
	Yaw        float64   `json:"yaw"`
	Timestamp  time.Time `json:"timestamp"`
	Covariance []float64 `json:"covariance,omitempty"`
}

// Pose converts the request; now fills a zero timestamp.
func (p PoseRequest) Pose(now time.Time) (geometry.PoseWithCovariance, error) {
	var q quat.Number
	if p.QW != nil {
		q = quat.Number{Real: *p.QW, Imag: p.QX, Jmag: p.QY, Kmag: p.QZ}
		if quat.Abs(q) == 0 {
			return geometry.PoseWithCovariance{}, fmt.Errorf("zero quaternion")
		}
	} else {
		q = geometry.FromRPY(p.Roll, p.Pitch, p.Yaw)
	}
	out := geometry.PoseWithCovariance{Pose: geometry.NewPose(r3.Vector{X: p.X, Y: p.Y, Z: p.Z}, q)}
	out.Frame = p.Frame
	out.Timestamp = p.Timestamp
	if out.Timestamp.IsZero() {
		out.Timestamp = now
	}
	switch len(p.Covariance) {
	case 0:
	case 36:
		copy(out.Covariance[:], p.Covariance)
	default:
		return geometry.PoseWithCovariance{}, fmt.Errorf("covariance needs 36 values, got %d", len(p.Covariance))
	}
	if !out.IsFinite() {
		return geometry.PoseWithCovariance{}, fmt.Errorf("pose has non-finite values")
	}
	return out, nil
}
