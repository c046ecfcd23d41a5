// Package metrics exposes gateway counters in Prometheus exposition format.
// Each Collector owns its registry, so tests and multiple app instances do
// not share state. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wagate/internal/domain"
)

const namespace = "wagate"

// Collector aggregates the gateway's counters, gauges and histograms.
type Collector struct {
	registry  *prometheus.Registry
	startTime time.Time

	sends        *prometheus.CounterVec
	sendLatency  *prometheus.HistogramVec
	stagedFiles  prometheus.Counter
	rejections   *prometheus.CounterVec
	sessionReady prometheus.Gauge
}

// NewCollector creates a collector with Go runtime and process metrics
// registered alongside the gateway's own.
func NewCollector() *Collector {
	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Messages handed to the messaging session, by kind and result.",
		}, []string{"kind", "result"}),
		sendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Time spent delivering one message.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"kind"}),
		stagedFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "staged_files_total",
			Help:      "Uploaded files written to the staging directory.",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_rejections_total",
			Help:      "Rejected upload requests, by reason.",
		}, []string{"reason"}),
		sessionReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_ready",
			Help:      "1 while the messaging session can send, 0 otherwise.",
		}),
	}

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Time since start in seconds.",
	}, func() float64 { return c.Uptime().Seconds() })

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		uptime,
		c.sends,
		c.sendLatency,
		c.stagedFiles,
		c.rejections,
		c.sessionReady,
	)
	return c
}

// Uptime returns how long the collector has been running.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// ObserveSend records the outcome and latency of one delivery.
func (c *Collector) ObserveSend(kind domain.DeliveryKind, status domain.DeliveryStatus, d time.Duration) {
	if c == nil {
		return
	}
	c.sends.WithLabelValues(string(kind), string(status)).Inc()
	c.sendLatency.WithLabelValues(string(kind)).Observe(d.Seconds())
}

// FilesStaged adds n to the staged file counter.
func (c *Collector) FilesStaged(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.stagedFiles.Add(float64(n))
}

// UploadRejected counts a rejected upload request.
func (c *Collector) UploadRejected(reason string) {
	if c == nil {
		return
	}
	c.rejections.WithLabelValues(reason).Inc()
}

// SetSessionReady flips the session gauge.
func (c *Collector) SetSessionReady(ready bool) {
	if c == nil {
		return
	}
	if ready {
		c.sessionReady.Set(1)
	} else {
		c.sessionReady.Set(0)
	}
}

// Handler serves the registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
