// Package metrics records studio operations as Prometheus series.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Operation outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Collector holds the service's metric vectors on its own registry.
type Collector struct {
	registry *prometheus.Registry

	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	videoPollAttempts *prometheus.CounterVec
	httpRequestsTotal *prometheus.CounterVec

	logger *zap.Logger
}

func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Generation operations by kind and outcome",
		},
		[]string{"operation", "outcome", "code"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Generation operation latency including upstream calls",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
		},
		[]string{"operation"},
	)

	c.videoPollAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "video_poll_attempts_total",
			Help:      "Video operation polls by completion state",
		},
		[]string{"done"},
	)

	c.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Handled requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	c.registry.MustRegister(
		c.operationsTotal,
		c.operationDuration,
		c.videoPollAttempts,
		c.httpRequestsTotal,
	)
	return c
}

// Registry exposes the collector's registry for the /metrics endpoint.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordOperation counts one generate, edit or animate call. code is empty on
// success.
func (c *Collector) RecordOperation(operation, code string, d time.Duration) {
	outcome := OutcomeSuccess
	if code != "" {
		outcome = OutcomeFailure
	}
	c.operationsTotal.WithLabelValues(operation, outcome, code).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
	c.logger.Debug("operation recorded",
		zap.String("operation", operation),
		zap.String("outcome", outcome),
		zap.Duration("duration", d),
	)
}

// ObserveVideoPoll matches the gemini poll observer signature.
func (c *Collector) ObserveVideoPoll(_ int, done bool) {
	label := "false"
	if done {
		label = "true"
	}
	c.videoPollAttempts.WithLabelValues(label).Inc()
}

func (c *Collector) RecordHTTPRequest(method, route string, status int) {
	c.httpRequestsTotal.WithLabelValues(method, route, statusLabel(status)).Inc()
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
