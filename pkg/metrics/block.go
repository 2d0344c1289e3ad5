package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BlockMetrics observes block-device traffic.
type BlockMetrics interface {
	// RecordTransaction records a completed request group.
	RecordTransaction(opcode string, duration time.Duration, err error)

	// RecordBlocksTransferred counts blocks moved in a direction
	// ("read" or "write").
	RecordBlocksTransferred(direction string, blocks uint64)

	// SetGroupsInFlight updates the outstanding-group gauge.
	SetGroupsInFlight(count int)
}

type blockMetrics struct {
	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	blocksTransferred   *prometheus.CounterVec
	groupsInFlight      prometheus.Gauge
}

// NewBlockMetrics returns a Prometheus-backed BlockMetrics, or a no-op
// one when metrics are disabled.
func NewBlockMetrics() BlockMetrics {
	if !IsEnabled() {
		return &noopBlockMetrics{}
	}
	factory := promauto.With(GetRegistry())
	return &blockMetrics{
		transactionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stratofs",
			Subsystem: "block",
			Name:      "transactions_total",
			Help:      "Completed request groups by leading opcode and outcome.",
		}, []string{"opcode", "status"}),
		transactionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stratofs",
			Subsystem: "block",
			Name:      "transaction_duration_seconds",
			Help:      "Request group latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"opcode"}),
		blocksTransferred: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stratofs",
			Subsystem: "block",
			Name:      "blocks_transferred_total",
			Help:      "Blocks moved through the FIFO by direction.",
		}, []string{"direction"}),
		groupsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stratofs",
			Subsystem: "block",
			Name:      "groups_in_flight",
			Help:      "Request groups awaiting completion.",
		}),
	}
}

func (m *blockMetrics) RecordTransaction(opcode string, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.transactionsTotal.WithLabelValues(opcode, outcome).Inc()
	m.transactionDuration.WithLabelValues(opcode).Observe(duration.Seconds())
}

func (m *blockMetrics) RecordBlocksTransferred(direction string, blocks uint64) {
	m.blocksTransferred.WithLabelValues(direction).Add(float64(blocks))
}

func (m *blockMetrics) SetGroupsInFlight(count int) {
	m.groupsInFlight.Set(float64(count))
}

type noopBlockMetrics struct{}

func (*noopBlockMetrics) RecordTransaction(string, time.Duration, error) {}
func (*noopBlockMetrics) RecordBlocksTransferred(string, uint64)         {}
func (*noopBlockMetrics) SetGroupsInFlight(int)                          {}
