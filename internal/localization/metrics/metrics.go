// Package metrics exposes localization cycles as Prometheus metrics on a
// private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/dynamic-localization/internal/localization"
)

const namespace = "localization"

// Collector turns diagnostics records into metrics. It implements
// pipeline.Observer.
type Collector struct {
	registry *prometheus.Registry

	cycles          *prometheus.CounterVec
	duration        prometheus.Histogram
	stageDuration   *prometheus.HistogramVec
	mode            *prometheus.GaugeVec
	referencePoints prometheus.Gauge
	inlierRMSE      prometheus.Gauge
	outlierRatio    prometheus.Gauge
	dropped         prometheus.Counter
	transitions     *prometheus.CounterVec
	corrections     prometheus.Gauge
}

// New registers every localization metric, plus the Go and process
// collectors, on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Processed clouds by resulting status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a localization cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of each cycle stage.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"stage"}),
		mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracking_mode",
			Help:      "1 for the current tracking mode, 0 otherwise.",
		}, []string{"mode"}),
		referencePoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reference_points",
			Help:      "Points in the reference map used by the last cycle.",
		}),
		inlierRMSE: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inlier_rmse_meters",
			Help:      "Inlier RMSE of the last accepted pose.",
		}),
		outlierRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outlier_ratio",
			Help:      "Outlier fraction of the last accepted pose.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backlog_dropped_total",
			Help:      "Clouds discarded by the backlog before processing.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_transitions_total",
			Help:      "Tracking mode changes by target mode and reason.",
		}, []string{"to", "reason"}),
		corrections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "accepted_corrections",
			Help:      "Length of the accepted corrections history.",
		}),
	}
	c.registry.MustRegister(
		c.cycles, c.duration, c.stageDuration, c.mode, c.referencePoints,
		c.inlierRMSE, c.outlierRatio, c.dropped, c.transitions, c.corrections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, s := range localization.AllStatuses() {
		c.cycles.WithLabelValues(string(s))
	}
	c.setMode(localization.ModeInitialPoseEstimation)
	return c
}

// Registry is the private registry the metrics live on.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Observe records one diagnostics record.
func (c *Collector) Observe(d localization.Diagnostics) {
	c.cycles.WithLabelValues(string(d.Status)).Inc()
	if d.Status == localization.StatusPointCloudDiscarded {
		c.dropped.Inc()
		return
	}
	c.duration.Observe(d.Durations.Total.Seconds())
	for stage, v := range map[string]float64{
		"admission":   d.Durations.Admission.Seconds(),
		"transform":   d.Durations.Transform.Seconds(),
		"preprocess":  d.Durations.Preprocess.Seconds(),
		"matching":    d.Durations.Matching.Seconds(),
		"outliers":    d.Durations.Outliers.Seconds(),
		"validation":  d.Durations.Validation.Seconds(),
		"integration": d.Durations.Integration.Seconds(),
	} {
		if v > 0 {
			c.stageDuration.WithLabelValues(stage).Observe(v)
		}
	}
	if d.Mode != "" {
		c.setMode(d.Mode)
	}
	if d.Transition != nil {
		c.transitions.WithLabelValues(string(d.Transition.To), d.Transition.Reason).Inc()
	}
	if d.ReferencePoints > 0 {
		c.referencePoints.Set(float64(d.ReferencePoints))
	}
	if d.Status.Accepted() {
		if d.InlierRMSE >= 0 {
			c.inlierRMSE.Set(d.InlierRMSE)
		}
		if d.OutlierPercentage >= 0 {
			c.outlierRatio.Set(d.OutlierPercentage)
		}
	}
	c.corrections.Set(float64(d.AcceptedCorrections))
}

func (c *Collector) setMode(mode localization.TrackingMode) {
	for _, m := range localization.Modes() {
		v := 0.0
		if m == mode {
			v = 1
		}
		c.mode.WithLabelValues(string(m)).Set(v)
	}
}
