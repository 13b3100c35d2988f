package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WorkerProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_tasks_processed_total",
			Help: "Total number of outbox tasks processed by workers",
		},
		[]string{"pool"},
	)

	WorkerActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_active_goroutines",
			Help: "Number of active worker goroutines per pool",
		},
		[]string{"pool"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current RabbitMQ queue depth per tenant",
		},
		[]string{"tenant"},
	)

	ProvisioningRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioning_runs_total",
			Help: "Tenant provisioning runs by result (active, partial, compensated, compensation_failed, rejected)",
		},
		[]string{"result"},
	)

	ProvisioningStepFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisioning_step_failures_total",
			Help: "Failed provisioning steps by the state being entered",
		},
		[]string{"state"},
	)

	ResolverRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_requests_total",
			Help: "Namespace resolve-and-bind outcomes",
		},
		[]string{"outcome"},
	)

	OutboxDispatch = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_dispatch_total",
			Help: "Outbox task dispatch attempts by kind and result",
		},
		[]string{"kind", "result"},
	)

	OutboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_pending_tasks",
			Help: "Outbox tasks neither delivered nor dead",
		},
	)

	TablesSynthesized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tables_synthesized_total",
			Help: "Tables created by the dynamic table synthesizer",
		},
		[]string{"table"},
	)
)

// Init registers metrics with Prometheus
func Init() {
	prometheus.MustRegister(
		WorkerProcessed,
		WorkerActive,
		QueueDepth,
		ProvisioningRuns,
		ProvisioningStepFailures,
		ResolverRequests,
		OutboxDispatch,
		OutboxPending,
		TablesSynthesized,
	)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
