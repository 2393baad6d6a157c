// Package metrics exposes Prometheus counters for the pipeline. A single
// Registry is created in main and shared by every component; the echo
// server mounts it at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every pipeline counter.
type Metrics struct {
	Registry *prometheus.Registry

	MessagesReceived  *prometheus.CounterVec // source: mllp | rest
	MessagesProcessed *prometheus.CounterVec // status: processed | warning | mapping_error | error
	AcksSent          *prometheus.CounterVec // code: AA | AE
	TasksCreated      prometheus.Counter
	TasksResolved     prometheus.Counter
	MessagesRequeued  prometheus.Counter
	BarBuilt          prometheus.Counter
	BarBuildFailed    prometheus.Counter
	BarSent           prometheus.Counter
}

// New creates a Registry pre-populated with the Go runtime collectors and
// every pipeline counter.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		Registry: reg,
		MessagesReceived: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "hl7bridge_messages_received_total",
			Help: "Inbound HL7v2 messages accepted into the queue, by ingest source",
		}, []string{"source"}),
		MessagesProcessed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "hl7bridge_messages_processed_total",
			Help: "Inbound messages that completed a processing attempt, by resulting status",
		}, []string{"status"}),
		AcksSent: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "hl7bridge_acks_sent_total",
			Help: "MLLP acknowledgments written, by MSA-1 code",
		}, []string{"code"}),
		TasksCreated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "hl7bridge_mapping_tasks_created_total",
			Help: "Mapping Tasks written for unmapped codes",
		}),
		TasksResolved: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "hl7bridge_mapping_tasks_resolved_total",
			Help: "Mapping Tasks completed through the resolution coordinator",
		}),
		MessagesRequeued: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "hl7bridge_messages_requeued_total",
			Help: "Messages flipped back to received after a Task resolution",
		}),
		BarBuilt: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "hl7bridge_bar_messages_built_total",
			Help: "Outgoing BAR messages assembled from Invoices",
		}),
		BarBuildFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "hl7bridge_bar_build_failures_total",
			Help: "Invoice builds that ended in the error processing status",
		}),
		BarSent: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "hl7bridge_bar_messages_sent_total",
			Help: "Outgoing BAR messages delivered to the sink",
		}),
	}
}
