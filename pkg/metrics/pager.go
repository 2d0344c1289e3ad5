package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PagerMetrics observes demand-paging activity.
type PagerMetrics interface {
	RecordFault(pages uint64)
	RecordSupply(pages uint64)
	RecordPagerError()
	SetRegisteredNodes(count int)
}

type pagerMetrics struct {
	faultsTotal   prometheus.Counter
	pagesSupplied prometheus.Counter
	errorsTotal   prometheus.Counter
	registered    prometheus.Gauge
}

// NewPagerMetrics returns a Prometheus-backed PagerMetrics, or a no-op
// one when metrics are disabled.
func NewPagerMetrics() PagerMetrics {
	if !IsEnabled() {
		return &noopPagerMetrics{}
	}
	factory := promauto.With(GetRegistry())
	return &pagerMetrics{
		faultsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stratofs",
			Subsystem: "pager",
			Name:      "faults_total",
			Help:      "Page faults dispatched to filesystem nodes, in pages.",
		}),
		pagesSupplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stratofs",
			Subsystem: "pager",
			Name:      "pages_supplied_total",
			Help:      "Pages supplied in response to faults.",
		}),
		errorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stratofs",
			Subsystem: "pager",
			Name:      "errors_total",
			Help:      "Fault ranges failed with a pager error.",
		}),
		registered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stratofs",
			Subsystem: "pager",
			Name:      "registered_nodes",
			Help:      "Nodes with live pager-backed memory objects.",
		}),
	}
}

func (m *pagerMetrics) RecordFault(pages uint64)  { m.faultsTotal.Add(float64(pages)) }
func (m *pagerMetrics) RecordSupply(pages uint64) { m.pagesSupplied.Add(float64(pages)) }
func (m *pagerMetrics) RecordPagerError()         { m.errorsTotal.Inc() }
func (m *pagerMetrics) SetRegisteredNodes(count int) {
	m.registered.Set(float64(count))
}

type noopPagerMetrics struct{}

func (*noopPagerMetrics) RecordFault(uint64)     {}
func (*noopPagerMetrics) RecordSupply(uint64)    {}
func (*noopPagerMetrics) RecordPagerError()      {}
func (*noopPagerMetrics) SetRegisteredNodes(int) {}
