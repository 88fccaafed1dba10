// Package metrics exposes engine counters in prometheus format. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry     *prometheus.Registry
	passes       *prometheus.CounterVec
	passDuration *prometheus.HistogramVec
	callsPushed  *prometheus.CounterVec
	recordings   *prometheus.CounterVec
	chunks       prometheus.Counter
	rematched    prometheus.Counter
	queueLength  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callsync", Name: "passes_total", Help: "Job passes by job and outcome.",
		}, []string{"job", "outcome"}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "callsync", Name: "pass_duration_seconds", Help: "Job pass wall time.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		}, []string{"job"}),
		callsPushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callsync", Name: "calls_pushed_total", Help: "Call metadata push results.",
		}, []string{"result"}),
		recordings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callsync", Name: "recordings_total", Help: "Recording status transitions made by upload passes.",
		}, []string{"status"}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callsync", Name: "chunks_uploaded_total", Help: "Recording chunks accepted by the server.",
		}),
		rematched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callsync", Name: "recordings_rematched_total", Help: "Recording paths changed by the matcher.",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "callsync", Name: "queue_length", Help: "Jobs waiting in the worker queue.",
		}),
	}
	m.registry.MustRegister(m.passes, m.passDuration, m.callsPushed, m.recordings, m.chunks, m.rematched, m.queueLength,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObservePass(job, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(job, outcome).Inc()
	m.passDuration.WithLabelValues(job).Observe(took.Seconds())
}

func (m *Metrics) CallsPushed(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.callsPushed.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) Recording(status string) {
	if m == nil {
		return
	}
	m.recordings.WithLabelValues(status).Inc()
}

func (m *Metrics) ChunkUploaded() {
	if m == nil {
		return
	}
	m.chunks.Inc()
}

func (m *Metrics) Rematched(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rematched.Add(float64(n))
}

func (m *Metrics) QueueLength(n int) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(n))
}
