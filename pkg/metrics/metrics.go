package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Poll loop metrics
	PollCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_poll_cycles_total",
			Help: "Total number of poll cycles by result",
		},
		[]string{"result"},
	)

	PollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "steward_poll_duration_seconds",
			Help:    "Time spent in the remote poll call in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "steward_cycle_duration_seconds",
			Help:    "Time spent processing one poll response in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// Processor metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_operations_total",
			Help: "Total number of operation statuses produced by resource type and status",
		},
		[]string{"resource_type", "status"},
	)

	OperationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_operation_errors_total",
			Help: "Total number of failed control API actions by resource type and error kind",
		},
		[]string{"resource_type", "kind"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "steward_operation_duration_seconds",
			Help:    "Time to produce one operation status in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource_type"},
	)

	LedgerSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "steward_ledger_entries",
			Help: "Number of in-flight operations tracked by the ledger",
		},
	)

	ClusterSubOperationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_cluster_suboperation_errors_total",
			Help: "Total number of failed cluster sub-operations by operation",
		},
		[]string{"operation"},
	)

	// Health policy metrics
	ContinuousFailures = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "steward_policy_continuous_failures",
			Help: "Consecutive failures counted by a retry policy",
		},
		[]string{"policy"},
	)

	PolicyHealthState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "steward_policy_health_state",
			Help: "Last reported health state of a policy (0 = ok, 1 = warning, 2 = error)",
		},
		[]string{"policy"},
	)

	FaultsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steward_faults_total",
			Help: "Total number of fault escalations",
		},
	)

	// Node status metrics
	PendingNodeStates = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "steward_node_states_pending",
			Help: "Number of node states not yet acknowledged by the provider",
		},
	)

	// Store metrics
	StoreCommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_store_commits_total",
			Help: "Total number of KV store commits by result",
		},
		[]string{"result"},
	)

	StoreCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "steward_store_commit_duration_seconds",
			Help:    "Time to commit a KV store transaction in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(PollCyclesTotal)
	prometheus.MustRegister(PollDuration)
	prometheus.MustRegister(CycleDuration)
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(OperationErrorsTotal)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(LedgerSize)
	prometheus.MustRegister(ClusterSubOperationErrors)
	prometheus.MustRegister(ContinuousFailures)
	prometheus.MustRegister(PolicyHealthState)
	prometheus.MustRegister(FaultsTotal)
	prometheus.MustRegister(PendingNodeStates)
	prometheus.MustRegister(StoreCommitsTotal)
	prometheus.MustRegister(StoreCommitDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewServeMux wires the metrics and health endpoints onto one mux
func NewServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", HealthHandler())
	mux.HandleFunc("/ready", ReadyHandler())
	mux.HandleFunc("/live", LivenessHandler())
	return mux
}
