package geometry

// Covariance is a row-major 6x6 covariance over (x, y, z, roll, pitch, yaw).
type Covariance [36]float64

// DiagonalCovariance returns a covariance with translation variance on the
// first three diagonal entries and rotation variance on the last three.
func DiagonalCovariance(translationVar, rotationVar float64) Covariance {
	var c Covariance
	for i := 0; i < 3; i++ {
		c[i*6+i] = translationVar
		c[(i+3)*6+i+3] = rotationVar
	}
	return c
}

// At returns entry (i, j).
func (c Covariance) At(i, j int) float64 { return c[i*6+j] }

// PoseWithCovariance pairs a pose with its uncertainty.
type PoseWithCovariance struct {
	Pose
	Covariance Covariance
}
