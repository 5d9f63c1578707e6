package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordCache(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordCache("assistant", true)
	m.RecordCache("assistant", true)
	m.RecordCache("assistant", false)

	expected := `
		# HELP secretariat_cache_requests_total Cache lookups by cache name and result
		# TYPE secretariat_cache_requests_total counter
		secretariat_cache_requests_total{cache="assistant",result="hit"} 2
		secretariat_cache_requests_total{cache="assistant",result="miss"} 1
	`
	if err := testutil.CollectAndCompare(m.CacheRequests, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordDelivery(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordDelivery("queue:to_secretary", "acked", 0)
	m.RecordDelivery("queue:to_secretary", "dead_lettered", 3)

	expected := `
		# HELP secretariat_messages_processed_total Queue deliveries by terminal outcome
		# TYPE secretariat_messages_processed_total counter
		secretariat_messages_processed_total{outcome="acked",stream="queue:to_secretary"} 1
		secretariat_messages_processed_total{outcome="dead_lettered",stream="queue:to_secretary"} 1
	`
	if err := testutil.CollectAndCompare(m.MessagesProcessed, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}

	if got := testutil.CollectAndCount(m.MessageRetries); got != 1 {
		t.Errorf("retry histogram series = %d, want 1", got)
	}
}

func TestRecordCircuitTransition(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordCircuitTransition("rest:GET /api/users/{id}", "closed", "open")

	expected := `
		# HELP secretariat_circuit_transitions_total Circuit breaker state transitions
		# TYPE secretariat_circuit_transitions_total counter
		secretariat_circuit_transitions_total{from="closed",name="rest:GET /api/users/{id}",to="open"} 1
	`
	if err := testutil.CollectAndCompare(m.CircuitTransitions, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestSetQueueDepth(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SetQueueDepth("queue:to_secretary", 12)
	m.SetQueueDepth("queue:to_secretary:dlq", 2)

	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues("queue:to_secretary")); got != 12 {
		t.Errorf("queue depth = %v, want 12", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues("queue:to_secretary:dlq")); got != 2 {
		t.Errorf("dlq depth = %v, want 2", got)
	}
}

func TestRecordLLMRequest(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordLLMRequest("openai", "gpt-4o", "success", 1.25, 100, 40)

	if got := testutil.ToFloat64(m.LLMRequests.WithLabelValues("openai", "gpt-4o", "success")); got != 1 {
		t.Errorf("llm requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LLMTokens.WithLabelValues("openai", "gpt-4o", "prompt")); got != 100 {
		t.Errorf("prompt tokens = %v, want 100", got)
	}
	if got := testutil.ToFloat64(m.LLMTokens.WithLabelValues("openai", "gpt-4o", "completion")); got != 40 {
		t.Errorf("completion tokens = %v, want 40", got)
	}
}

func TestRecordJob(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordJob("memory_extraction", "succeeded", 42.0)
	m.RecordJob("memory_extraction", "failed", 1.0)

	if got := testutil.ToFloat64(m.JobRuns.WithLabelValues("memory_extraction", "succeeded")); got != 1 {
		t.Errorf("succeeded runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.JobRuns.WithLabelValues("memory_extraction", "failed")); got != 1 {
		t.Errorf("failed runs = %v, want 1", got)
	}
}
