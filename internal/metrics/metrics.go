// Package metrics exposes Prometheus collectors for the render pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "imagebatch"

type Metrics struct {
	assetFetches    *prometheus.CounterVec
	assetDuration   prometheus.Histogram
	rowsRendered    *prometheus.CounterVec
	renderDuration  prometheus.Histogram
	uploadDuration  prometheus.Histogram
	surfacesInUse   prometheus.Gauge
	batchesFinished *prometheus.CounterVec
	batchDuration   prometheus.Histogram
}

// New creates the collectors and registers them with reg when it is non-nil
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		assetFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asset_fetches_total",
			Help:      "Asset prefetch attempts by result.",
		}, []string{"result"}),
		assetDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "asset_fetch_duration_seconds",
			Help:      "Time to fetch and decode one asset.",
			Buckets:   prometheus.DefBuckets,
		}),
		rowsRendered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Rows processed by outcome.",
		}, []string{"outcome"}),
		renderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "render_duration_seconds",
			Help:      "Time to rasterize and encode one row.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		uploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Time to upload one rendered image.",
			Buckets:   prometheus.DefBuckets,
		}),
		surfacesInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "surfaces_in_use",
			Help:      "Surfaces currently acquired across all running batches.",
		}),
		batchesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches finished by terminal status.",
		}, []string{"status"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time of one batch run.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.assetFetches,
			m.assetDuration,
			m.rowsRendered,
			m.renderDuration,
			m.uploadDuration,
			m.surfacesInUse,
			m.batchesFinished,
			m.batchDuration,
		)
	}
	return m
}

func (m *Metrics) AssetFetched(took time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.assetFetches.WithLabelValues(result).Inc()
	m.assetDuration.Observe(took.Seconds())
}

func (m *Metrics) RowFinished(outcome string) {
	if m == nil {
		return
	}
	m.rowsRendered.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Rendered(took time.Duration) {
	if m == nil {
		return
	}
	m.renderDuration.Observe(took.Seconds())
}

func (m *Metrics) Uploaded(took time.Duration) {
	if m == nil {
		return
	}
	m.uploadDuration.Observe(took.Seconds())
}

func (m *Metrics) SurfaceAcquired() {
	if m == nil {
		return
	}
	m.surfacesInUse.Inc()
}

func (m *Metrics) SurfaceReleased() {
	if m == nil {
		return
	}
	m.surfacesInUse.Dec()
}

func (m *Metrics) BatchFinished(status string, took time.Duration) {
	if m == nil {
		return
	}
	m.batchesFinished.WithLabelValues(status).Inc()
	m.batchDuration.Observe(took.Seconds())
}
