package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Execution metrics
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camber_executions_total",
			Help: "Total number of executions by trigger type and final status",
		},
		[]string{"trigger_type", "status"},
	)

	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "camber_execution_duration_seconds",
			Help:    "End-to-end execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"trigger_type"},
	)

	NodeExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camber_node_executions_total",
			Help: "Total number of node attempts by status",
		},
		[]string{"status"},
	)

	NodeResultCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "camber_node_result_cache_hits_total",
			Help: "Node invocations served from the idempotency cache",
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "camber_queue_depth",
			Help: "Number of jobs waiting by queue segment",
		},
		[]string{"segment"},
	)

	QueueJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camber_queue_jobs_total",
			Help: "Queue operations by kind (enqueued, acked, nacked, reaped)",
		},
		[]string{"kind"},
	)

	// Admission metrics
	AdmissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camber_admission_decisions_total",
			Help: "Admission decisions by outcome",
		},
		[]string{"outcome"},
	)

	// Trigger metrics
	WebhooksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camber_webhooks_received_total",
			Help: "Webhook requests by result (enqueued, duplicate, rejected)",
		},
		[]string{"result"},
	)

	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camber_polls_total",
			Help: "Polling trigger runs by result",
		},
		[]string{"result"},
	)

	// Resume and timer metrics
	TimersDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "camber_timers_dispatched_total",
			Help: "Workflow timers dispatched back into the queue",
		},
	)

	ResumeTokensConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camber_resume_tokens_consumed_total",
			Help: "Resume token consumptions by result",
		},
		[]string{"result"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "camber_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "camber_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Crypto metrics
	KeyFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "camber_key_legacy_fallbacks_total",
			Help: "Decrypt operations that fell back to the legacy key",
		},
	)
)

func init() {
	prometheus.MustRegister(ExecutionsTotal)
	prometheus.MustRegister(ExecutionDuration)
	prometheus.MustRegister(NodeExecutionsTotal)
	prometheus.MustRegister(NodeResultCacheHits)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueJobsTotal)
	prometheus.MustRegister(AdmissionDecisions)
	prometheus.MustRegister(WebhooksReceived)
	prometheus.MustRegister(PollsTotal)
	prometheus.MustRegister(TimersDispatched)
	prometheus.MustRegister(ResumeTokensConsumed)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(KeyFallbacks)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
