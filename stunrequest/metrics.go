package stunrequest

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// managerMetrics implements prometheus.Collector for the Manager.
// Counters use go.uber.org/atomic so Collect (which may run
// concurrently with dispatch on a metrics-scrape goroutine) never
// races with the increments.
type managerMetrics struct {
	unknown *prometheus.Desc
	invalid *prometheus.Desc

	unknownCount atomic.Uint64
	invalidCount atomic.Uint64
}

func newManagerMetrics(labels prometheus.Labels) *managerMetrics {
	if labels == nil {
		labels = prometheus.Labels{}
	}
	return &managerMetrics{
		unknown: prometheus.NewDesc("natcore_stunrequest_unknown_transaction_total",
			"Total STUN responses whose transaction id matched no outstanding requester.", nil, labels),
		invalid: prometheus.NewDesc("natcore_stunrequest_invalid_packet_total",
			"Total packets that failed to decode as STUN under any allowed RFC.", nil, labels),
	}
}

func (m *managerMetrics) incUnknown() { m.unknownCount.Inc() }
func (m *managerMetrics) incInvalid() { m.invalidCount.Inc() }

// Describe implements prometheus.Collector.
func (m *managerMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.unknown
	ch <- m.invalid
}

// Collect implements prometheus.Collector.
func (m *managerMetrics) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(m.unknown, prometheus.CounterValue, float64(m.unknownCount.Load()))
	ch <- prometheus.MustNewConstMetric(m.invalid, prometheus.CounterValue, float64(m.invalidCount.Load()))
}
