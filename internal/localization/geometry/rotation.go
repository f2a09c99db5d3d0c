package geometry

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// FromRPY builds a rotation from roll, pitch and yaw in radians (Z-Y-X order).
func FromRPY(roll, pitch, yaw float64) quat.Number {
	cr, sr := math.Cos(roll/2), math.Sin(roll/2)
	cp, sp := math.Cos(pitch/2), math.Sin(pitch/2)
	cy, sy := math.Cos(yaw/2), math.Sin(yaw/2)
	return normalize(quat.Number{
		Real: cr*cp*cy + sr*sp*sy,
		Imag: sr*cp*cy - cr*sp*sy,
		Jmag: cr*sp*cy + sr*cp*sy,
		Kmag: cr*cp*sy - sr*sp*cy,
	})
}

// RPY returns roll, pitch and yaw in radians.
func (p Pose) RPY() (roll, pitch, yaw float64) {
	q := p.rot()
	sinrCosp := 2 * (q.Real*q.Imag + q.Jmag*q.Kmag)
	cosrCosp := 1 - 2*(q.Imag*q.Imag+q.Jmag*q.Jmag)
	roll = math.Atan2(sinrCosp, cosrCosp)

	sinp := 2 * (q.Real*q.Jmag - q.Kmag*q.Imag)
	if math.Abs(sinp) >= 1 {
		pitch = math.Copysign(math.Pi/2, sinp)
	} else {
		pitch = math.Asin(sinp)
	}

	sinyCosp := 2 * (q.Real*q.Kmag + q.Imag*q.Jmag)
	cosyCosp := 1 - 2*(q.Jmag*q.Jmag+q.Kmag*q.Kmag)
	yaw = math.Atan2(sinyCosp, cosyCosp)
	return roll, pitch, yaw
}

// Yaw is the heading component of the rotation.
func (p Pose) Yaw() float64 {
	_, _, y := p.RPY()
	return y
}

// Planar drops roll and pitch, keeping yaw and the translation. When keepZ
// is false the height is replaced by z.
func (p Pose) Planar(keepZ bool, z float64) Pose {
	out := p
	out.Rotation = FromRPY(0, 0, p.Yaw())
	if !keepZ {
		out.Translation.Z = z
	}
	return out
}

// RotationMatrix returns the 3x3 rotation as a gonum matrix.
func (p Pose) RotationMatrix() *mat.Dense {
	m := p.Matrix()
	return mat.NewDense(3, 3, []float64{
		m[0], m[1], m[2],
		m[4], m[5], m[6],
		m[8], m[9], m[10],
	})
}

// Matrix returns the pose as a row-major 4x4 homogeneous matrix.
func (p Pose) Matrix() [16]float64 {
	q := p.rot()
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	t := p.Translation
	return [16]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y), t.X,
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x), t.Y,
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y), t.Z,
		0, 0, 0, 1,
	}
}

// FromMatrix converts a row-major 4x4 rigid transform into a Pose.
func FromMatrix(T [16]float64) (Pose, error) {
	if !IsValidTransformMatrix(T) {
		return Pose{}, ErrDegenerateTransform
	}
	q := QuaternionFromRotation([9]float64{
		T[0], T[1], T[2],
		T[4], T[5], T[6],
		T[8], T[9], T[10],
	})
	p := NewPose(vec(T[3], T[7], T[11]), q)
	return p, nil
}

// QuaternionFromRotation converts a row-major 3x3 rotation matrix.
func QuaternionFromRotation(r [9]float64) quat.Number {
	m00, m01, m02 := r[0], r[1], r[2]
	m10, m11, m12 := r[3], r[4], r[5]
	m20, m21, m22 := r[6], r[7], r[8]

	var q quat.Number
	tr := m00 + m11 + m22
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = quat.Number{Real: 0.25 * s, Imag: (m21 - m12) / s, Jmag: (m02 - m20) / s, Kmag: (m10 - m01) / s}
	case m00 > m11 && m00 > m22:
		s := math.Sqrt(1+m00-m11-m22) * 2
		q = quat.Number{Real: (m21 - m12) / s, Imag: 0.25 * s, Jmag: (m01 + m10) / s, Kmag: (m02 + m20) / s}
	case m11 > m22:
		s := math.Sqrt(1+m11-m00-m22) * 2
		q = quat.Number{Real: (m02 - m20) / s, Imag: (m01 + m10) / s, Jmag: 0.25 * s, Kmag: (m12 + m21) / s}
	default:
		s := math.Sqrt(1+m22-m00-m11) * 2
		q = quat.Number{Real: (m10 - m01) / s, Imag: (m02 + m20) / s, Jmag: (m12 + m21) / s, Kmag: 0.25 * s}
	}
	return normalize(q)
}

// QuaternionFromDense converts a 3x3 gonum rotation matrix.
func QuaternionFromDense(r mat.Matrix) quat.Number {
	var a [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			a[i*3+j] = r.At(i, j)
		}
	}
	return QuaternionFromRotation(a)
}
