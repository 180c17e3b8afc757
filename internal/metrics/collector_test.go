package metrics_test

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nim-llm-router/router-controller/internal/metrics"
)

func TestCollector_IncRequests(t *testing.T) {
	c := metrics.NewCollector("", nil)
	c.IncRequests()
	c.IncRequests()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "num_requests 2")
}

func TestCollector_RecordPolicyUsageAndModel(t *testing.T) {
	c := metrics.NewCollector("", nil)
	c.RecordPolicyUsage("task_router", "triton")
	c.RecordModelSelected("mistralai/mixtral-8x22b-instruct-v0.1")

	// repeated distinct label values must not panic or collide.
	c.RecordPolicyUsage("task_router", "manual")
	c.RecordModelSelected("code-model-v1")
}

func TestCollector_RecordTokenUsage_SkipsZeroCategories(t *testing.T) {
	c := metrics.NewCollector("", nil)
	require.NotPanics(t, func() {
		c.RecordTokenUsage("Text Generation", 10, 0, 10)
	})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `llm_token_usage{category="prompt",llm="Text Generation"} 10`)
	assert.NotContains(t, body, `category="completion"`)
}

func TestCollector_ObserveProxyOverhead_FloorsAtZero(t *testing.T) {
	c := metrics.NewCollector("", nil)
	require.NotPanics(t, func() {
		// llmResponse alone exceeds total: overhead must floor at 0, not go negative.
		c.ObserveProxyOverhead(0, 0, 1)
	})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "proxy_overhead_latency_seconds_sum 0\n")
}

func TestCollector_RecordFailure_IncrementsLabeledCounter(t *testing.T) {
	c := metrics.NewCollector("", nil)
	c.RecordFailure("4xx")
	c.RecordFailure("4xx")
	c.RecordFailure("5xx")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, `request_failure_total{error_type="4xx"} 2`)
	assert.Contains(t, body, `request_failure_total{error_type="5xx"} 1`)
}

func TestCollector_NamespacePrefixesSeriesNames(t *testing.T) {
	c := metrics.NewCollector("routerctl", nil)
	c.IncRequests()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	assert.Contains(t, rec.Body.String(), "routerctl_num_requests 1")
}

func TestCollector_ObserveLLMResponseTime_UsesGatherer(t *testing.T) {
	c := metrics.NewCollector("", nil)
	c.ObserveLLMResponseTime("Text Generation", 0)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)
	assert.Contains(t, rec.Body.String(), `llm_response_time_seconds_count{llm="Text Generation"} 1`)
}
