// Package metrics exposes Prometheus metrics for generation sessions, the
// backend health probe and the HTTP surface.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"fooocusbot/internal/generation"
)

// Collector records metrics. It implements generation.Observer.
type Collector struct {
	sessionsTotal  *prometheus.CounterVec
	sessionsActive prometheus.Gauge
	imagesTotal    *prometheus.CounterVec
	imageDuration  *prometheus.HistogramVec
	pollFailures   prometheus.Counter
	backendUp      prometheus.Gauge

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

var _ generation.Observer = (*Collector)(nil)

// NewCollector registers every metric on reg under namespace.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		sessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Generation sessions started, by safety mode and delivery.",
		}, []string{"safety", "delivery"}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Generation sessions currently running.",
		}),
		imagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_total",
			Help:      "Image slots finished, by outcome.",
		}, []string{"outcome"}),
		imageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "image_duration_seconds",
			Help:      "Wall-clock time of one image slot.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
		pollFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_failures_total",
			Help:      "Job polls that returned no snapshot.",
		}),
		backendUp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_up",
			Help:      "1 if the last backend ping succeeded.",
		}),
		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served.",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (c *Collector) SessionStarted(_ context.Context, info generation.SessionInfo) {
	delivery := "stream"
	if info.Sync {
		delivery = "sync"
	}
	c.sessionsTotal.WithLabelValues(string(info.Request.Safety), delivery).Inc()
	c.sessionsActive.Inc()
}

func (c *Collector) ImageFinished(_ context.Context, rec generation.ImageRecord) {
	outcome := string(rec.Outcome)
	c.imagesTotal.WithLabelValues(outcome).Inc()
	c.imageDuration.WithLabelValues(outcome).Observe(rec.Elapsed.Seconds())
}

func (c *Collector) PollFailed(context.Context, generation.SessionInfo, error) {
	c.pollFailures.Inc()
}

func (c *Collector) SessionFinished(context.Context, generation.SessionInfo, generation.Summary) {
	c.sessionsActive.Dec()
}

// SetBackendUp records the result of a liveness probe.
func (c *Collector) SetBackendUp(up bool) {
	if up {
		c.backendUp.Set(1)
		return
	}
	c.backendUp.Set(0)
}

// RecordHTTPRequest records one served request. route is the matched
// pattern, not the raw path.
func (c *Collector) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
