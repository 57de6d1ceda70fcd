// Package metrics provides a Prometheus-backed implementation of the
// server's MetricsCollector interface.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements server.MetricsCollector on a Prometheus
// registry. Every method only updates counters or a histogram, so calls from the
// reactor thread never block.
type Collector struct {
	registry *prometheus.Registry

	commands *prometheus.CounterVec

	transferBytes    *prometheus.CounterVec
	transferSeconds  *prometheus.HistogramVec
	transfersTotal   *prometheus.CounterVec
	connectionsTotal *prometheus.CounterVec
	authTotal        *prometheus.CounterVec
}

// NewCollector builds a collector with its own registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpd",
			Name:      "commands_total",
			Help:      "FTP commands processed, by verb and outcome.",
		}, []string{"verb", "outcome"}),
		transferBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpd",
			Name:      "transfer_bytes_total",
			Help:      "Bytes moved over data channels, by operation.",
		}, []string{"operation"}),
		transferSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ftpd",
			Name:      "transfer_duration_seconds",
			Help:      "Data transfer durations, by operation.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"operation"}),
		transfersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpd",
			Name:      "transfers_total",
			Help:      "Completed data transfers, by operation.",
		}, []string{"operation"}),
		connectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpd",
			Name:      "connections_total",
			Help:      "Connection attempts, by result reason.",
		}, []string{"reason"}),
		authTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpd",
			Name:      "authentications_total",
			Help:      "Authentication attempts, by result.",
		}, []string{"result"}),
	}
}

// Handler returns an HTTP handler exposing the registry, for mounting
// on an optional metrics listener.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordCommand(cmd string, success bool) {
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	c.commands.WithLabelValues(cmd, outcome).Inc()
}

func (c *Collector) RecordTransfer(operation string, bytes int64, duration time.Duration) {
	c.transfersTotal.WithLabelValues(operation).Inc()
	c.transferBytes.WithLabelValues(operation).Add(float64(bytes))
	c.transferSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

func (c *Collector) RecordConnection(accepted bool, reason string) {
	c.connectionsTotal.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordAuthentication(success bool, user string) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.authTotal.WithLabelValues(result).Inc()
}
