package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// VFSMetrics observes filesystem-server activity: per-operation counts
// and latencies, live connections, and installed mounts. Pass nil (or
// the value returned when metrics are disabled) for no-op behavior.
type VFSMetrics interface {
	// RecordOperation records one completed operation with its outcome.
	RecordOperation(op string, duration time.Duration, err error)

	// SetConnections updates the live connection gauge.
	SetConnections(count int)

	// SetMounts updates the installed-remote gauge.
	SetMounts(count int)
}

type vfsMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	connections       prometheus.Gauge
	mounts            prometheus.Gauge
}

// NewVFSMetrics returns a Prometheus-backed VFSMetrics, or a no-op one
// when metrics are disabled.
func NewVFSMetrics() VFSMetrics {
	if !IsEnabled() {
		return &noopVFSMetrics{}
	}
	factory := promauto.With(GetRegistry())
	return &vfsMetrics{
		operationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stratofs",
			Subsystem: "vfs",
			Name:      "operations_total",
			Help:      "Completed filesystem operations by name and outcome.",
		}, []string{"operation", "status"}),
		operationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stratofs",
			Subsystem: "vfs",
			Name:      "operation_duration_seconds",
			Help:      "Filesystem operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stratofs",
			Subsystem: "vfs",
			Name:      "connections",
			Help:      "Live filesystem connections.",
		}),
		mounts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stratofs",
			Subsystem: "vfs",
			Name:      "mounts",
			Help:      "Installed remote mounts.",
		}),
	}
}

func (m *vfsMetrics) RecordOperation(op string, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operationsTotal.WithLabelValues(op, outcome).Inc()
	m.operationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *vfsMetrics) SetConnections(count int) {
	m.connections.Set(float64(count))
}

func (m *vfsMetrics) SetMounts(count int) {
	m.mounts.Set(float64(count))
}

type noopVFSMetrics struct{}

func (*noopVFSMetrics) RecordOperation(string, time.Duration, error) {}
func (*noopVFSMetrics) SetConnections(int)                           {}
func (*noopVFSMetrics) SetMounts(int)                                {}
