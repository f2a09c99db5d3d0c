package l6tracking

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dynamic-localization/internal/config"
	"github.com/banshee-data/dynamic-localization/internal/localization"
	"github.com/banshee-data/dynamic-localization/internal/localization/geometry"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testParams() Params {
	return Params{
		Tracking:    config.Window{MinFailures: 2, MaxFailures: 4, Timeout: time.Second},
		Recovery:    config.Window{MinFailures: 2, MaxFailures: 3},
		HistorySize: 3,
	}
}

func accepted(x float64) geometry.PoseWithCovariance {
	return geometry.PoseWithCovariance{Pose: geometry.Translate(x, 0, 0)}
}

func TestStartsInInitialPoseEstimation(t *testing.T) {
	m := New(testParams())
	assert.Equal(t, localization.ModeInitialPoseEstimation, m.Mode())
	assert.Equal(t, geometry.Identity(), m.Guess())
	_, _, ok := m.LastAccepted()
	assert.False(t, ok)
}

func TestAcceptEntersTracking(t *testing.T) {
	m := New(testParams())
	tr := m.Accept(accepted(1), geometry.Translate(1, 0, 0), t0)
	require.NotNil(t, tr)
	assert.Equal(t, localization.Transition{
		From: localization.ModeInitialPoseEstimation, To: localization.ModeTracking, Reason: ReasonAccepted,
	}, *tr)
	assert.Nil(t, m.Accept(accepted(2), geometry.Translate(1, 0, 0), t0), "no transition when already tracking")
	assert.Equal(t, 2.0, m.Guess().Translation.X)
}

func TestFailuresInInitialAreNotCounted(t *testing.T) {
	m := New(testParams())
	for i := 0; i < 20; i++ {
		assert.Nil(t, m.Fail(t0))
	}
	assert.Equal(t, Counters{}, m.Counters())
	assert.Equal(t, localization.ModeInitialPoseEstimation, m.Mode())
}

func TestTrackingToRecoveryAtMaxFailures(t *testing.T) {
	m := New(testParams())
	m.Accept(accepted(1), geometry.Identity(), t0)

	for i := 0; i < 3; i++ {
		assert.Nil(t, m.Fail(t0.Add(100*time.Millisecond)))
	}
	assert.Equal(t, 3, m.Counters().Tracking)
	tr := m.Fail(t0.Add(100 * time.Millisecond))
	require.NotNil(t, tr)
	assert.Equal(t, localization.ModeTrackingRecovery, tr.To)
	assert.Equal(t, ReasonTrackingFailed, tr.Reason)
}

func TestTrackingToRecoveryAtMinFailuresAfterTimeout(t *testing.T) {
	m := New(testParams())
	m.Accept(accepted(1), geometry.Identity(), t0)

	late := t0.Add(time.Second)
	assert.Nil(t, m.Fail(late), "below min failures")
	tr := m.Fail(late)
	require.NotNil(t, tr)
	assert.Equal(t, localization.ModeTrackingRecovery, tr.To)
}

func TestRecoveryToInitial(t *testing.T) {
	m := New(testParams())
	m.Accept(accepted(1), geometry.Identity(), t0)
	for m.Mode() == localization.ModeTracking {
		m.Fail(t0)
	}
	assert.Equal(t, Counters{Tracking: 4}, m.Counters())

	m.Fail(t0)
	m.Fail(t0)
	tr := m.Fail(t0)
	require.NotNil(t, tr)
	assert.Equal(t, localization.Transition{
		From: localization.ModeTrackingRecovery, To: localization.ModeInitialPoseEstimation, Reason: ReasonRecoveryFailed,
	}, *tr)
	assert.Equal(t, Counters{}, m.Counters())
	assert.Equal(t, 1.0, m.Guess().Translation.X, "last pose still seeds the guess")
}

func TestAcceptInRecoveryResetsCounters(t *testing.T) {
	m := New(testParams())
	m.Accept(accepted(1), geometry.Identity(), t0)
	for m.Mode() == localization.ModeTracking {
		m.Fail(t0)
	}
	m.Fail(t0)
	tr := m.Accept(accepted(2), geometry.Identity(), t0)
	require.NotNil(t, tr)
	assert.Equal(t, localization.ModeTracking, tr.To)
	assert.Equal(t, Counters{}, m.Counters())
}

func TestLostTimeout(t *testing.T) {
	p := testParams()
	p.LostTimeout = 5 * time.Second
	p.ResetInitialPoseWhenLost = true
	m := New(p)

	assert.Nil(t, m.CheckTimeout(t0.Add(time.Hour)), "nothing accepted yet")
	m.Accept(accepted(3), geometry.Identity(), t0)
	assert.Nil(t, m.CheckTimeout(t0.Add(4*time.Second)))

	tr := m.CheckTimeout(t0.Add(5 * time.Second))
	require.NotNil(t, tr)
	assert.Equal(t, ReasonLostTimeout, tr.Reason)
	assert.Equal(t, geometry.Identity(), m.Guess(), "last pose dropped from the guess")

	_, at, ok := m.LastAccepted()
	assert.True(t, ok)
	assert.Equal(t, t0, at)
}

func TestSetInitialPose(t *testing.T) {
	m := New(testParams())
	m.Accept(accepted(1), geometry.Identity(), t0)

	seed := geometry.Translate(10, 5, 0)
	tr := m.SetInitialPose(seed)
	require.NotNil(t, tr)
	assert.Equal(t, ReasonInitialPose, tr.Reason)
	assert.Equal(t, seed, m.Guess())

	p, ok := m.InitialPose()
	assert.True(t, ok)
	assert.Equal(t, seed, p)

	m.Accept(accepted(11), geometry.Identity(), t0)
	_, ok = m.InitialPose()
	assert.False(t, ok, "consumed by the accepted pose")
	assert.Equal(t, 11.0, m.Guess().Translation.X)
}

func TestReset(t *testing.T) {
	m := New(testParams())
	assert.Nil(t, m.Reset(), "already initial")

	m.Accept(accepted(1), geometry.Identity(), t0)
	m.Fail(t0)
	tr := m.Reset()
	require.NotNil(t, tr)
	assert.Equal(t, ReasonReset, tr.Reason)
	assert.Equal(t, Counters{}, m.Counters())
	assert.Equal(t, geometry.Identity(), m.Guess())
}

func TestCorrectionsHistory(t *testing.T) {
	m := New(testParams())
	assert.Empty(t, m.Corrections())
	for i := 1; i <= 5; i++ {
		m.Accept(accepted(float64(i)), geometry.Translate(float64(i), 0, 0), t0)
	}
	got := m.Corrections()
	require.Len(t, got, 3)
	assert.Equal(t, 3, m.HistoryLen())
	assert.Equal(t, []float64{3, 4, 5}, []float64{got[0].Translation.X, got[1].Translation.X, got[2].Translation.X})

	p := testParams()
	p.HistorySize = 2
	m.SetParams(p)
	got = m.Corrections()
	require.Len(t, got, 2)
	assert.Equal(t, 4.0, got[0].Translation.X)
	assert.Equal(t, 5.0, got[1].Translation.X)
}

func TestZeroHistory(t *testing.T) {
	p := testParams()
	p.HistorySize = 0
	m := New(p)
	m.Accept(accepted(1), geometry.Translate(1, 0, 0), t0)
	assert.Empty(t, m.Corrections())
}

func TestParamsFromConfig(t *testing.T) {
	p := ParamsFromConfig(config.Empty())
	assert.Equal(t, config.Window{MinFailures: 3, MaxFailures: 10}, p.Tracking)
	assert.Equal(t, config.Window{MinFailures: 3, MaxFailures: 10}, p.Recovery)
	assert.Equal(t, 100, p.HistorySize)
	assert.Zero(t, p.LostTimeout)
}

// Random operation sequences never produce a transition outside the state
// graph, and counters stay within the configured windows.
func TestRandomSequencesRespectStateGraph(t *testing.T) {
	allowed := map[[2]localization.TrackingMode]bool{
		{localization.ModeInitialPoseEstimation, localization.ModeTracking}:         true,
		{localization.ModeTracking, localization.ModeTrackingRecovery}:              true,
		{localization.ModeTrackingRecovery, localization.ModeTracking}:              true,
		{localization.ModeTrackingRecovery, localization.ModeInitialPoseEstimation}: true,
		{localization.ModeTracking, localization.ModeInitialPoseEstimation}:         true,
	}

	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 200; run++ {
		p := testParams()
		p.LostTimeout = 3 * time.Second
		m := New(p)
		now := t0
		for step := 0; step < 100; step++ {
			now = now.Add(time.Duration(rng.Intn(1500)) * time.Millisecond)
			before := m.Mode()

			var tr *localization.Transition
			switch rng.Intn(10) {
			case 0:
				tr = m.CheckTimeout(now)
			case 1, 2, 3:
				tr = m.Accept(accepted(rng.Float64()), geometry.Identity(), now)
			case 4:
				if rng.Intn(10) == 0 {
					tr = m.Reset()
				}
			default:
				tr = m.Fail(now)
			}

			if tr == nil {
				require.Equal(t, before, m.Mode())
			} else {
				require.Equal(t, before, tr.From)
				require.Equal(t, m.Mode(), tr.To)
				require.True(t, allowed[[2]localization.TrackingMode{tr.From, tr.To}], "%s -> %s", tr.From, tr.To)
			}

			c := m.Counters()
			require.Less(t, c.Tracking, p.Tracking.MaxFailures+1)
			require.Less(t, c.Recovery, p.Recovery.MaxFailures)
			if m.Mode() == localization.ModeInitialPoseEstimation {
				require.Equal(t, Counters{}, c)
			}
		}
	}
}
