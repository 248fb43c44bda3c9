// Package metrics provides Prometheus metrics for dssync.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transfer metrics
	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dssync_transfers_total",
			Help: "Total file operations sent to the device",
		},
		[]string{"op", "result"},
	)

	bytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dssync_bytes_total",
			Help: "Total file bytes moved between workspace and device",
		},
		[]string{"direction"},
	)

	// Reconciliation metrics
	reconcileDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dssync_reconcile_duration_seconds",
			Help:    "Full reconciliation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// Backlog metrics
	backlogSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dssync_backlog_events",
			Help: "Number of file events queued while offline",
		},
	)

	// Connection metrics
	connected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dssync_connected",
			Help: "1 while the control socket to the device is open",
		},
	)

	reconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dssync_reconnects_total",
			Help: "Total reconnect attempts after the session closed",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTransfer records one file operation (get, put, delete, rename).
func RecordTransfer(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	transfersTotal.WithLabelValues(op, result).Inc()
}

// RecordBytes records file content moved in a direction ("up" or "down").
func RecordBytes(direction string, n int) {
	bytesTransferred.WithLabelValues(direction).Add(float64(n))
}

// RecordReconcile records the duration of a full reconciliation.
func RecordReconcile(mode string, d time.Duration) {
	reconcileDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// SetBacklog sets the number of queued offline events.
func SetBacklog(n int) {
	backlogSize.Set(float64(n))
}

// SetConnected records the session state.
func SetConnected(up bool) {
	if up {
		connected.Set(1)
	} else {
		connected.Set(0)
	}
}

// RecordReconnect counts a reconnect attempt.
func RecordReconnect() {
	reconnectsTotal.Inc()
}
