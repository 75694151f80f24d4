package turn

import "github.com/prometheus/client_golang/prometheus"

// clientMetrics is a prometheus.Collector exposing allocation health,
// adapted from internal/server/server_metrics.go's promMetrics.
type clientMetrics struct {
	allocations    prometheus.Gauge
	permissions    prometheus.Gauge
	channels       prometheus.Gauge
	refreshFailure prometheus.Counter
}

func newClientMetrics(labels prometheus.Labels) *clientMetrics {
	return &clientMetrics{
		allocations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "natcore_turn_allocations_ready",
			Help:        "1 if the TURN client currently holds a ready allocation, else 0",
			ConstLabels: labels,
		}),
		permissions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "natcore_turn_permissions_installed",
			Help:        "Number of peer permissions currently installed",
			ConstLabels: labels,
		}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "natcore_turn_channels_bound",
			Help:        "Number of channel bindings currently bound",
			ConstLabels: labels,
		}),
		refreshFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "natcore_turn_refresh_failures_total",
			Help:        "Count of allocation refresh attempts that did not succeed",
			ConstLabels: labels,
		}),
	}
}

func (m *clientMetrics) Describe(d chan<- *prometheus.Desc) {
	d <- m.allocations.Desc()
	d <- m.permissions.Desc()
	d <- m.channels.Desc()
	d <- m.refreshFailure.Desc()
}

func (m *clientMetrics) Collect(c chan<- prometheus.Metric) {
	m.allocations.Collect(c)
	m.permissions.Collect(c)
	m.channels.Collect(c)
	m.refreshFailure.Collect(c)
}
