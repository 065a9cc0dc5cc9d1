// Package metrics exposes the governor's Prometheus gauges and counters,
// mounted behind promhttp the same way the rest of this tree wires
// client_golang into an HTTP mux.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every metric the governor publishes.
type Collector struct {
	Registry *prometheus.Registry

	DevicesActive      prometheus.Gauge
	AggregateRxBps     prometheus.Gauge
	AggregateTxBps     prometheus.Gauge
	QuotaThrottled     prometheus.Gauge
	AdaptiveLimited    prometheus.Gauge
	CongestionRatio    prometheus.Gauge
	PolicyMutations    *prometheus.CounterVec
	SchedulerEvaluated prometheus.Counter
}

// New builds a Collector and registers every metric with a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		DevicesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hotspotd",
			Name:      "devices_active",
			Help:      "Number of devices currently reachable on the hotspot network.",
		}),
		AggregateRxBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hotspotd",
			Name:      "aggregate_rx_bytes_per_second",
			Help:      "Aggregate download throughput across all devices.",
		}),
		AggregateTxBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hotspotd",
			Name:      "aggregate_tx_bytes_per_second",
			Help:      "Aggregate upload throughput across all devices.",
		}),
		QuotaThrottled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hotspotd",
			Name:      "quota_throttled_devices",
			Help:      "Number of devices currently throttled by quota exhaustion.",
		}),
		AdaptiveLimited: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hotspotd",
			Name:      "adaptive_limited_devices",
			Help:      "Number of devices currently under the adaptive fair-use limit.",
		}),
		CongestionRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hotspotd",
			Name:      "adaptive_congestion_ratio",
			Help:      "Forecast peak Kbps divided by available download Kbps.",
		}),
		PolicyMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hotspotd",
			Name:      "policy_mutations_total",
			Help:      "Count of policy-store mutations, by kind.",
		}, []string{"kind"}),
		SchedulerEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hotspotd",
			Name:      "scheduler_evaluations_total",
			Help:      "Count of scheduler ticks evaluated.",
		}),
	}

	reg.MustRegister(
		c.DevicesActive,
		c.AggregateRxBps,
		c.AggregateTxBps,
		c.QuotaThrottled,
		c.AdaptiveLimited,
		c.CongestionRatio,
		c.PolicyMutations,
		c.SchedulerEvaluated,
	)

	return c
}
