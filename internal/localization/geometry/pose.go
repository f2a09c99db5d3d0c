// Package geometry holds rigid-body poses and the small amount of rotation
// algebra the registration stages need.
package geometry

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform expressed in Frame at Timestamp. Applying a Pose
// to a point maps it from the child frame into Frame.
type Pose struct {
	Translation r3.Vector
	Rotation    quat.Number
	Frame       string
	Timestamp   time.Time
}

// Identity returns the identity transform.
func Identity() Pose {
	return Pose{Rotation: quat.Number{Real: 1}}
}

// NewPose builds a Pose, normalising q. A zero quaternion is read as identity.
func NewPose(t r3.Vector, q quat.Number) Pose {
	return Pose{Translation: t, Rotation: normalize(q)}
}

// Translate returns a pure translation.
func Translate(x, y, z float64) Pose {
	return Pose{Translation: r3.Vector{X: x, Y: y, Z: z}, Rotation: quat.Number{Real: 1}}
}

func normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) {
		return quat.Number{Real: 1}
	}
	q = quat.Scale(1/n, q)
	// Keep the scalar part non-negative so equal rotations compare equal.
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return q
}

func (p Pose) rot() quat.Number {
	if p.Rotation == (quat.Number{}) {
		return quat.Number{Real: 1}
	}
	return p.Rotation
}

// Rotate applies only the rotation part to v.
func (p Pose) Rotate(v r3.Vector) r3.Vector {
	return rotate(p.rot(), v)
}

// Apply maps v through the full transform.
func (p Pose) Apply(v r3.Vector) r3.Vector {
	return rotate(p.rot(), v).Add(p.Translation)
}

func rotate(q quat.Number, v r3.Vector) r3.Vector {
	r := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// Compose returns p ∘ o: the transform that applies o first and then p.
// The result keeps p's frame and the later of the two timestamps.
func (p Pose) Compose(o Pose) Pose {
	out := Pose{
		Translation: rotate(p.rot(), o.Translation).Add(p.Translation),
		Rotation:    normalize(quat.Mul(p.rot(), o.rot())),
		Frame:       p.Frame,
		Timestamp:   p.Timestamp,
	}
	if o.Timestamp.After(out.Timestamp) {
		out.Timestamp = o.Timestamp
	}
	return out
}

// Inverse returns the transform mapping Frame back into the child frame.
func (p Pose) Inverse() Pose {
	inv := quat.Conj(p.rot())
	return Pose{
		Translation: rotate(inv, p.Translation).Mul(-1),
		Rotation:    normalize(inv),
		Frame:       p.Frame,
		Timestamp:   p.Timestamp,
	}
}

// Correction returns the transform that takes guess to corrected, expressed
// in the parent frame: corrected = Correction(guess, corrected) ∘ guess.
func Correction(guess, corrected Pose) Pose {
	c := corrected.Compose(guess.Inverse())
	c.Frame = corrected.Frame
	c.Timestamp = corrected.Timestamp
	return c
}

// TranslationNorm is the length of the translation.
func (p Pose) TranslationNorm() float64 {
	return p.Translation.Norm()
}

// RotationAngle is the magnitude of the rotation in radians, in [0, π].
func (p Pose) RotationAngle() float64 {
	w := math.Abs(p.rot().Real)
	if w > 1 {
		w = 1
	}
	return 2 * math.Acos(w)
}

// TranslationDistance is the Euclidean distance between the origins of a and b.
func TranslationDistance(a, b Pose) float64 {
	return a.Translation.Sub(b.Translation).Norm()
}

// AngularDistance is the rotation angle between a and b in radians.
func AngularDistance(a, b Pose) float64 {
	return a.Inverse().Compose(b).RotationAngle()
}

// IsFinite reports whether every component is a finite number.
func (p Pose) IsFinite() bool {
	q := p.rot()
	for _, v := range []float64{p.Translation.X, p.Translation.Y, p.Translation.Z, q.Real, q.Imag, q.Jmag, q.Kmag} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Interpolate blends a towards b by t in [0, 1]: linear on translation,
// spherical on rotation. The result carries b's frame and timestamp.
func Interpolate(a, b Pose, t float64) Pose {
	if t <= 0 {
		out := a
		out.Frame, out.Timestamp = b.Frame, b.Timestamp
		return out
	}
	if t >= 1 {
		return b
	}
	return Pose{
		Translation: a.Translation.Add(b.Translation.Sub(a.Translation).Mul(t)),
		Rotation:    slerp(a.rot(), b.rot(), t),
		Frame:       b.Frame,
		Timestamp:   b.Timestamp,
	}
}

func slerp(a, b quat.Number, t float64) quat.Number {
	dot := a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
	if dot < 0 {
		b = quat.Scale(-1, b)
		dot = -dot
	}
	if dot > 0.9995 {
		return normalize(quat.Add(a, quat.Scale(t, quat.Sub(b, a))))
	}
	theta := math.Acos(dot)
	s := math.Sin(theta)
	wa := math.Sin((1-t)*theta) / s
	wb := math.Sin(t*theta) / s
	return normalize(quat.Add(quat.Scale(wa, a), quat.Scale(wb, b)))
}
