package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dynamic-localization/internal/localization"
)

func TestObserveCountsStatuses(t *testing.T) {
	c := New()
	c.Observe(localization.Diagnostics{Status: localization.StatusSuccessfulPoseEstimation, Mode: localization.ModeTracking})
	c.Observe(localization.Diagnostics{Status: localization.StatusSuccessfulPoseEstimation, Mode: localization.ModeTracking})
	c.Observe(localization.Diagnostics{Status: localization.StatusFailedPoseEstimation, Mode: localization.ModeTracking})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.cycles.WithLabelValues(string(localization.StatusSuccessfulPoseEstimation))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cycles.WithLabelValues(string(localization.StatusFailedPoseEstimation))))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.cycles.WithLabelValues(string(localization.StatusMissingReferencePointCloud))))
}

func TestModeGaugeIsOneHot(t *testing.T) {
	c := New()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.mode.WithLabelValues(string(localization.ModeInitialPoseEstimation))))

	c.Observe(localization.Diagnostics{
		Status:     localization.StatusSuccessfulPoseEstimation,
		Mode:       localization.ModeTracking,
		Transition: &localization.Transition{From: localization.ModeInitialPoseEstimation, To: localization.ModeTracking, Reason: "pose accepted"},
	})
	for _, m := range localization.Modes() {
		want := 0.0
		if m == localization.ModeTracking {
			want = 1
		}
		assert.Equal(t, want, testutil.ToFloat64(c.mode.WithLabelValues(string(m))), m)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues(string(localization.ModeTracking), "pose accepted")))
}

func TestDiscardsOnlyCountDrops(t *testing.T) {
	c := New()
	c.Observe(localization.Diagnostics{Status: localization.StatusPointCloudDiscarded, Durations: localization.StageDurations{Total: time.Second}})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.dropped))
	assert.Equal(t, 0, testutil.CollectAndCount(c.stageDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.mode.WithLabelValues(string(localization.ModeInitialPoseEstimation))))
}

func TestQualityGaugesFollowAcceptedPoses(t *testing.T) {
	c := New()
	c.Observe(localization.Diagnostics{
		Status:              localization.StatusSuccessfulPoseEstimation,
		Mode:                localization.ModeTracking,
		InlierRMSE:          0.04,
		OutlierPercentage:   0.1,
		ReferencePoints:     5000,
		AcceptedCorrections: 3,
		Durations:           localization.StageDurations{Matching: 20 * time.Millisecond, Total: 30 * time.Millisecond},
	})
	// A rejected cycle leaves the last accepted quality in place.
	c.Observe(localization.Diagnostics{
		Status:              localization.StatusPoseEstimationRejectedByTransformationValidators,
		Mode:                localization.ModeTracking,
		InlierRMSE:          0.9,
		OutlierPercentage:   0.8,
		AcceptedCorrections: 3,
	})

	assert.InDelta(t, 0.04, testutil.ToFloat64(c.inlierRMSE), 1e-12)
	assert.InDelta(t, 0.1, testutil.ToFloat64(c.outlierRatio), 1e-12)
	assert.Equal(t, 5000.0, testutil.ToFloat64(c.referencePoints))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.corrections))
	assert.Equal(t, 1, testutil.CollectAndCount(c.stageDuration))
}

func TestHandlerExposition(t *testing.T) {
	c := New()
	c.Observe(localization.Diagnostics{Status: localization.StatusSuccessfulPoseEstimation, Mode: localization.ModeTracking})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `localization_cycles_total{status="SuccessfulPoseEstimation"} 1`)
	assert.Contains(t, text, `localization_tracking_mode{mode="Tracking"} 1`)
	assert.Contains(t, text, "go_goroutines")

	err = testutil.GatherAndCompare(c.Registry(), strings.NewReader(`
# HELP localization_backlog_dropped_total Clouds discarded by the backlog before processing.
# TYPE localization_backlog_dropped_total counter
localization_backlog_dropped_total 0
`), "localization_backlog_dropped_total")
	assert.NoError(t, err)
}
