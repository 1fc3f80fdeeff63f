// Package metrics registers the harness's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every instrument the harness emits. A single instance is
// built at boot and handed down; tests build their own against a private
// registry so parallel packages never collide.
type Metrics struct {
	Registry *prometheus.Registry

	TestsAdmitted   prometheus.Counter
	TestsReaped     prometheus.Counter
	TestsByState    *prometheus.GaugeVec
	RecordsIndexed  prometheus.Counter
	RecordsSkipped  prometheus.Counter
	ProduceAcks     prometheus.Counter
	ProduceNacks    prometheus.Counter
	CommittedBatches prometheus.Counter
}

// New builds and registers the instrument set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		TestsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harness_tests_admitted_total",
			Help: "Tests admitted by the queue coordinator.",
		}),
		TestsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harness_tests_reaped_total",
			Help: "Terminated test executors removed from the coordinator.",
		}),
		TestsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harness_tests_by_state",
			Help: "Live test executors per FSM state.",
		}, []string{"state"}),
		RecordsIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harness_consumer_records_indexed_total",
			Help: "Consumed records that matched a filter and were indexed.",
		}),
		RecordsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harness_consumer_records_skipped_total",
			Help: "Consumed records skipped (no filter match or malformed).",
		}),
		ProduceAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harness_producer_acks_total",
			Help: "Broker-acknowledged produce requests.",
		}),
		ProduceNacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harness_producer_nacks_total",
			Help: "Failed or shed produce requests.",
		}),
		CommittedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harness_consumer_commit_batches_total",
			Help: "Offset commit batches issued by the consumer.",
		}),
	}
	reg.MustRegister(
		m.TestsAdmitted, m.TestsReaped, m.TestsByState,
		m.RecordsIndexed, m.RecordsSkipped,
		m.ProduceAcks, m.ProduceNacks, m.CommittedBatches,
	)
	return m
}
