package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the full Prometheus surface of the pipeline.
//
// One instance is created per process and shared by the queue client, the
// REST data plane client, the agent runtime and the background jobs. Tests
// pass a private registry.
type Metrics struct {
	// CacheRequests counts lookups against every named cache.
	// Labels: cache, result (hit|miss)
	CacheRequests *prometheus.CounterVec

	// RESTRequestDuration measures outbound data plane latency in seconds.
	// Labels: service, endpoint (template form), method
	RESTRequestDuration *prometheus.HistogramVec

	// RESTRequests counts outbound REST calls.
	// Labels: service, endpoint, method, status (numeric code or error class)
	RESTRequests *prometheus.CounterVec

	// CircuitTransitions counts breaker state changes.
	// Labels: name, from, to
	CircuitTransitions *prometheus.CounterVec

	// QueueDepth tracks stream length, including :dlq streams.
	// Labels: stream
	QueueDepth *prometheus.GaugeVec

	// MessageRetries observes the retry count of each terminal delivery.
	// Labels: stream
	MessageRetries *prometheus.HistogramVec

	// MessagesProcessed counts deliveries by terminal outcome.
	// Labels: stream, outcome (acked|retried|dead_lettered|error_acked)
	MessagesProcessed *prometheus.CounterVec

	// JobDuration measures background job runs in seconds.
	// Labels: job
	JobDuration *prometheus.HistogramVec

	// JobRuns counts job completions. Labels: job, status (succeeded|failed)
	JobRuns *prometheus.CounterVec

	// LLMRequestDuration measures model call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequests counts model calls. Labels: provider, model, status
	LLMRequests *prometheus.CounterVec

	// LLMTokens counts tokens. Labels: provider, model, type (prompt|completion)
	LLMTokens *prometheus.CounterVec

	// ToolExecutions counts tool invocations. Labels: tool_name, status
	ToolExecutions *prometheus.CounterVec

	// ToolExecutionDuration measures tool latency in seconds. Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// Errors counts errors by component and class.
	// Labels: component, error_type
	Errors *prometheus.CounterVec
}

// NewMetrics registers all metrics with the given registerer. Pass
// prometheus.DefaultRegisterer in main and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CacheRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "secretariat_cache_requests_total",
				Help: "Cache lookups by cache name and result",
			},
			[]string{"cache", "result"},
		),

		RESTRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "secretariat_rest_request_duration_seconds",
				Help:    "Outbound REST request duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"service", "endpoint", "method"},
		),

		RESTRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "secretariat_rest_requests_total",
				Help: "Outbound REST requests by endpoint template and status",
			},
			[]string{"service", "endpoint", "method", "status"},
		),

		CircuitTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "secretariat_circuit_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"name", "from", "to"},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "secretariat_queue_depth",
				Help: "Length of redis streams, including dead letter queues",
			},
			[]string{"stream"},
		),

		MessageRetries: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "secretariat_message_retries",
				Help:    "Retry count at terminal delivery outcome",
				Buckets: []float64{0, 1, 2, 3, 5, 8},
			},
			[]string{"stream"},
		),

		MessagesProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "secretariat_messages_processed_total",
				Help: "Queue deliveries by terminal outcome",
			},
			[]string{"stream", "outcome"},
		),

		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "secretariat_job_duration_seconds",
				Help:    "Background job run duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800, 7200},
			},
			[]string{"job"},
		),

		JobRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "secretariat_job_runs_total",
				Help: "Background job completions by status",
			},
			[]string{"job", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "secretariat_llm_request_duration_seconds",
				Help:    "Model call duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "secretariat_llm_requests_total",
				Help: "Model calls by provider, model and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "secretariat_llm_tokens_total",
				Help: "Token usage by provider, model and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "secretariat_tool_executions_total",
				Help: "Tool invocations by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "secretariat_tool_execution_duration_seconds",
				Help:    "Tool invocation duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "secretariat_errors_total",
				Help: "Errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RecordCache records one cache lookup.
func (m *Metrics) RecordCache(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheRequests.WithLabelValues(cache, result).Inc()
}

// RecordRESTRequest records one outbound REST call against its endpoint
// template.
func (m *Metrics) RecordRESTRequest(service, endpoint, method, status string, seconds float64) {
	m.RESTRequests.WithLabelValues(service, endpoint, method, status).Inc()
	m.RESTRequestDuration.WithLabelValues(service, endpoint, method).Observe(seconds)
}

// RecordCircuitTransition records a breaker state change.
func (m *Metrics) RecordCircuitTransition(name, from, to string) {
	m.CircuitTransitions.WithLabelValues(name, from, to).Inc()
}

// SetQueueDepth updates the depth gauge for one stream.
func (m *Metrics) SetQueueDepth(stream string, depth int64) {
	m.QueueDepth.WithLabelValues(stream).Set(float64(depth))
}

// RecordDelivery records the terminal outcome of one queue delivery together
// with how many retries it took.
func (m *Metrics) RecordDelivery(stream, outcome string, retries int) {
	m.MessagesProcessed.WithLabelValues(stream, outcome).Inc()
	m.MessageRetries.WithLabelValues(stream).Observe(float64(retries))
}

// RecordJob records one background job run.
func (m *Metrics) RecordJob(job, status string, seconds float64) {
	m.JobRuns.WithLabelValues(job, status).Inc()
	m.JobDuration.WithLabelValues(job).Observe(seconds)
}

// RecordLLMRequest records one model call with token usage.
func (m *Metrics) RecordLLMRequest(provider, model, status string, seconds float64, promptTokens, completionTokens int) {
	m.LLMRequests.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(seconds)
	if promptTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(toolName, status string, seconds float64) {
	m.ToolExecutions.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(seconds)
}

// RecordError counts an error by component and class.
func (m *Metrics) RecordError(component, errorType string) {
	m.Errors.WithLabelValues(component, errorType).Inc()
}
