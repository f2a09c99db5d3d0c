package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dynamic-localization/internal/localization"
	"github.com/banshee-data/dynamic-localization/internal/localization/metrics"
	"github.com/banshee-data/dynamic-localization/internal/localization/pipeline"
)

func record(i int, status localization.Status, mode localization.TrackingMode) localization.Diagnostics {
	return localization.Diagnostics{
		CycleID:           "c" + string(rune('a'+i)),
		Status:            status,
		Mode:              mode,
		CycleTime:         time.Unix(1700000000, 0).Add(time.Duration(i) * 100 * time.Millisecond),
		Inliers:           90,
		Outliers:          10,
		InlierRMSE:        0.02,
		OutlierPercentage: 0.1,
	}
}

func TestRecorderRing(t *testing.T) {
	r := NewRecorder(3)
	assert.Empty(t, r.Records())

	for i := 0; i < 5; i++ {
		r.Observe(record(i, localization.StatusSuccessfulPoseEstimation, localization.ModeTracking))
	}
	got := r.Records()
	require.Len(t, got, 3)
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{"cc", "cd", "ce"}, []string{got[0].CycleID, got[1].CycleID, got[2].CycleID})

	assert.Equal(t, DefaultRecorderSize, cap(NewRecorder(0).records))
}

func TestRecorderFollow(t *testing.T) {
	p := pipeline.NewPublisher()
	r := NewRecorder(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.Follow(ctx, p) }()
	require.Eventually(t, func() bool { return p.Subscribers() == 1 }, time.Second, time.Millisecond)

	p.Publish(record(0, localization.StatusMissingReferencePointCloud, localization.ModeInitialPoseEstimation))
	require.Eventually(t, func() bool { return r.Len() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Follow did not return after publisher close")
	}
}

type fixedStatus pipeline.Status

func (f fixedStatus) Status() pipeline.Status { return pipeline.Status(f) }

func localRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "127.0.0.1:40000"
	return req
}

func newServer(t *testing.T, rec *Recorder) *WebServer {
	t.Helper()
	m := metrics.New()
	m.Observe(record(0, localization.StatusSuccessfulPoseEstimation, localization.ModeTracking))
	ws, err := NewWebServer(WebServerConfig{
		Address:  "127.0.0.1:0",
		Status:   fixedStatus{Mode: localization.ModeTracking, Cycles: 7},
		Recorder: rec,
		Metrics:  m.Handler(),
	})
	require.NoError(t, err)
	return ws
}

func TestHealth(t *testing.T) {
	ws := newServer(t, NewRecorder(4))
	w := httptest.NewRecorder()
	ws.Handler().ServeHTTP(w, localRequest(http.MethodGet, "/health"))

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "Tracking", resp["mode"])
}

func TestMetricsRoute(t *testing.T) {
	ws := newServer(t, NewRecorder(4))
	w := httptest.NewRecorder()
	ws.Handler().ServeHTTP(w, localRequest(http.MethodGet, "/metrics"))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `localization_cycles_total{status="SuccessfulPoseEstimation"} 1`)
}

func TestStatusRoute(t *testing.T) {
	ws := newServer(t, NewRecorder(4))

	w := httptest.NewRecorder()
	ws.Handler().ServeHTTP(w, localRequest(http.MethodGet, "/debug/localization/status"))
	require.Equal(t, http.StatusOK, w.Code)
	var s pipeline.Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&s))
	assert.Equal(t, localization.ModeTracking, s.Mode)
	assert.EqualValues(t, 7, s.Cycles)

	w = httptest.NewRecorder()
	ws.Handler().ServeHTTP(w, localRequest(http.MethodPost, "/debug/localization/status"))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRecordsRoute(t *testing.T) {
	rec := NewRecorder(10)
	for i := 0; i < 4; i++ {
		rec.Observe(record(i, localization.StatusSuccessfulPoseEstimation, localization.ModeTracking))
	}
	ws := newServer(t, rec)

	w := httptest.NewRecorder()
	ws.Handler().ServeHTTP(w, localRequest(http.MethodGet, "/debug/localization/records?limit=2"))
	require.Equal(t, http.StatusOK, w.Code)
	var got []localization.Diagnostics
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	require.Len(t, got, 2)
	assert.Equal(t, "cd", got[1].CycleID)

	w = httptest.NewRecorder()
	ws.Handler().ServeHTTP(w, localRequest(http.MethodGet, "/debug/localization/records?limit=zero"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChartsRoute(t *testing.T) {
	rec := NewRecorder(10)
	ws := newServer(t, rec)

	w := httptest.NewRecorder()
	ws.Handler().ServeHTTP(w, localRequest(http.MethodGet, "/debug/localization/charts"))
	assert.Equal(t, http.StatusNotFound, w.Code)

	rec.Observe(record(0, localization.StatusFailedPoseEstimation, localization.ModeInitialPoseEstimation))
	rec.Observe(record(1, localization.StatusSuccessfulPoseEstimation, localization.ModeTracking))
	rec.Observe(localization.Diagnostics{Status: localization.StatusPointCloudDiscarded, InlierRMSE: -1, OutlierPercentage: -1})

	w = httptest.NewRecorder()
	ws.Handler().ServeHTTP(w, localRequest(http.MethodGet, "/debug/localization/charts"))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/html"))
	assert.Contains(t, body, "Registration quality")
	assert.Contains(t, body, "Tracking mode")
	assert.Contains(t, body, "PointCloudDiscarded")
}

type failingAdmin struct{}

func (failingAdmin) AttachAdminRoutes(*http.ServeMux) error { return assert.AnError }

func TestAdminRouteErrors(t *testing.T) {
	_, err := NewWebServer(WebServerConfig{Admin: []AdminRoutes{failingAdmin{}}})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestStartStopsOnCancel(t *testing.T) {
	ws := newServer(t, NewRecorder(4))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ws.Start(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
	}
}

func TestMounts(t *testing.T) {
	ws, err := NewWebServer(WebServerConfig{Mounts: map[string]http.Handler{
		"/api/": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) }),
	}})
	require.NoError(t, err)
	w := httptest.NewRecorder()
	ws.Handler().ServeHTTP(w, localRequest(http.MethodGet, "/api/anything"))
	assert.Equal(t, http.StatusTeapot, w.Code)
}
