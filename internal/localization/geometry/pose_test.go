package geometry

import (
	"math"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
)

const eps = 1e-9

func vecNear(t *testing.T, want, got r3.Vector) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, 1e-9)
	assert.InDelta(t, want.Y, got.Y, 1e-9)
	assert.InDelta(t, want.Z, got.Z, 1e-9)
}

func TestPose_ApplyRotationAndTranslation(t *testing.T) {
	p := NewPose(r3.Vector{X: 1, Y: 2, Z: 3}, FromRPY(0, 0, math.Pi/2))
	got := p.Apply(r3.Vector{X: 1})
	vecNear(t, r3.Vector{X: 1, Y: 3, Z: 3}, got)
}

func TestPose_ComposeInverseIsIdentity(t *testing.T) {
	p := NewPose(r3.Vector{X: -4, Y: 0.5, Z: 2}, FromRPY(0.1, -0.2, 1.3))
	id := p.Compose(p.Inverse())

	assert.InDelta(t, 0, id.TranslationNorm(), eps)
	assert.InDelta(t, 0, id.RotationAngle(), 1e-6)
}

func TestPose_ComposeOrder(t *testing.T) {
	rot := NewPose(r3.Vector{}, FromRPY(0, 0, math.Pi/2))
	move := Translate(1, 0, 0)

	// rot ∘ move: translate first, then rotate.
	vecNear(t, r3.Vector{Y: 1}, rot.Compose(move).Apply(r3.Vector{}))
	// move ∘ rot: rotate the origin (no-op), then translate.
	vecNear(t, r3.Vector{X: 1}, move.Compose(rot).Apply(r3.Vector{}))
}

func TestPose_ComposeKeepsLaterTimestamp(t *testing.T) {
	t0 := time.Unix(10, 0)
	a := Identity()
	a.Timestamp = t0
	b := Identity()
	b.Timestamp = t0.Add(time.Second)
	assert.Equal(t, b.Timestamp, a.Compose(b).Timestamp)
}

func TestCorrection_RecoversDelta(t *testing.T) {
	guess := NewPose(r3.Vector{X: 5, Y: 1}, FromRPY(0, 0, 0.4))
	delta := NewPose(r3.Vector{X: 0.1, Y: -0.05}, FromRPY(0, 0, 0.02))
	corrected := delta.Compose(guess)

	c := Correction(guess, corrected)
	assert.InDelta(t, delta.TranslationNorm(), c.TranslationNorm(), 1e-9)
	assert.InDelta(t, delta.RotationAngle(), c.RotationAngle(), 1e-9)
}

func TestMatrix_RoundTrip(t *testing.T) {
	p := NewPose(r3.Vector{X: 1.5, Y: -2, Z: 0.25}, FromRPY(0.3, 0.1, -2.0))
	back, err := FromMatrix(p.Matrix())
	require.NoError(t, err)

	vecNear(t, p.Translation, back.Translation)
	assert.InDelta(t, 0, AngularDistance(p, back), 1e-6)
}

func TestFromMatrix_RejectsReflection(t *testing.T) {
	T := Identity().Matrix()
	T[0] = -1
	_, err := FromMatrix(T)
	assert.ErrorIs(t, err, ErrDegenerateTransform)
}

func TestIsValidTransformMatrix(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*[16]float64)
		want bool
	}{
		{"identity", func(*[16]float64) {}, true},
		{"scaled", func(m *[16]float64) { m[0], m[5], m[10] = 2, 2, 2 }, false},
		{"bad last row", func(m *[16]float64) { m[12] = 1 }, false},
		{"nan", func(m *[16]float64) { m[3] = math.NaN() }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Identity().Matrix()
			tt.mut(&m)
			assert.Equal(t, tt.want, IsValidTransformMatrix(m))
		})
	}
}

func TestRPY_RoundTrip(t *testing.T) {
	p := NewPose(r3.Vector{}, FromRPY(0.2, -0.3, 2.5))
	r, pi, y := p.RPY()
	assert.InDelta(t, 0.2, r, 1e-9)
	assert.InDelta(t, -0.3, pi, 1e-9)
	assert.InDelta(t, 2.5, y, 1e-9)
}

func TestPlanar_DropsRollPitch(t *testing.T) {
	p := NewPose(r3.Vector{X: 1, Y: 1, Z: 0.7}, FromRPY(0.2, 0.1, 1.0))
	flat := p.Planar(false, 0)
	r, pi, y := flat.RPY()
	assert.InDelta(t, 0, r, 1e-9)
	assert.InDelta(t, 0, pi, 1e-9)
	assert.InDelta(t, 1.0, y, 1e-9)
	assert.Equal(t, 0.0, flat.Translation.Z)
}

func TestInterpolate(t *testing.T) {
	a := Identity()
	b := NewPose(r3.Vector{X: 2}, FromRPY(0, 0, 1.0))

	mid := Interpolate(a, b, 0.5)
	assert.InDelta(t, 1.0, mid.Translation.X, eps)
	assert.InDelta(t, 0.5, mid.Yaw(), 1e-9)

	assert.Equal(t, b, Interpolate(a, b, 1))
}

func TestNewPose_ZeroQuaternionIsIdentity(t *testing.T) {
	p := NewPose(r3.Vector{X: 1}, quat.Number{})
	assert.Equal(t, quat.Number{Real: 1}, p.Rotation)
	assert.True(t, p.IsValid())
}

func TestGradeRMSE(t *testing.T) {
	assert.Equal(t, QualityUnknown, GradeRMSE(-1))
	assert.Equal(t, QualityUnknown, GradeRMSE(math.NaN()))
	assert.Equal(t, QualityExcellent, GradeRMSE(0))
	assert.Equal(t, QualityExcellent, GradeRMSE(0.01))
	assert.Equal(t, QualityGood, GradeRMSE(0.1))
	assert.Equal(t, QualityFair, GradeRMSE(0.2))
	assert.Equal(t, QualityPoor, GradeRMSE(1))
}

func TestDiagonalCovariance(t *testing.T) {
	c := DiagonalCovariance(0.01, 0.002)
	assert.Equal(t, 0.01, c.At(0, 0))
	assert.Equal(t, 0.01, c.At(2, 2))
	assert.Equal(t, 0.002, c.At(5, 5))
	assert.Equal(t, 0.0, c.At(0, 1))
}
