package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoseRequest(t *testing.T) {
	now := time.Unix(1700000000, 0)
	one := 1.0
	zero := 0.0

	p, err := PoseRequest{Frame: "map", X: 1, QW: &one}.Pose(now)
	require.NoError(t, err)
	assert.Equal(t, now, p.Timestamp)
	assert.InDelta(t, 0, p.RotationAngle(), 1e-12)

	ts := now.Add(-time.Second)
	cov := make([]float64, 36)
	cov[0] = 0.25
	p, err = PoseRequest{Yaw: 1, Timestamp: ts, Covariance: cov}.Pose(now)
	require.NoError(t, err)
	assert.Equal(t, ts, p.Timestamp)
	assert.InDelta(t, 1, p.Yaw(), 1e-9)
	assert.Equal(t, 0.25, p.Covariance.At(0, 0))

	_, err = PoseRequest{QW: &zero}.Pose(now)
	assert.Error(t, err)
	_, err = PoseRequest{Covariance: []float64{1, 2}}.Pose(now)
	assert.Error(t, err)
}
