package pipeline_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nim-llm-router/router-controller/classifier"
	"github.com/nim-llm-router/router-controller/config"
	"github.com/nim-llm-router/router-controller/internal/metrics"
	"github.com/nim-llm-router/router-controller/pipeline"
	"github.com/nim-llm-router/router-controller/router"
	"github.com/nim-llm-router/router-controller/stream"
	"github.com/nim-llm-router/router-controller/upstream"
)

func taskRouterLLMs() []config.LLM {
	return []config.LLM{
		{Name: "Brainstorming", Model: "m0"},
		{Name: "Chatbot", Model: "m1"},
		{Name: "Classification", Model: "m2"},
		{Name: "Closed QA", Model: "m3"},
		{Name: "Extraction", Model: "m4"},
		{Name: "Generation", Model: "m5"},
		{Name: "Information Extraction", Model: "m6"},
		{Name: "Open QA", Model: "m7"},
		{Name: "Rewrite", Model: "m8"},
		{Name: "Closed Generation", Model: "m9"},
		{Name: "Text Generation", Model: "mistralai/mixtral-8x22b-instruct-v0.1"},
		{Name: "Summarization", Model: "m11"},
	}
}

type testHarness struct {
	pipeline   *pipeline.Pipeline
	metrics    *metrics.Collector
	classifier *httptest.Server
	llm        *httptest.Server
	cfg        *config.Config
}

func newHarness(t *testing.T, classifierHandler http.HandlerFunc, llmHandler http.HandlerFunc) *testHarness {
	t.Helper()

	classifierSrv := httptest.NewServer(classifierHandler)
	t.Cleanup(classifierSrv.Close)

	var llmSrv *httptest.Server
	if llmHandler != nil {
		llmSrv = httptest.NewServer(llmHandler)
		t.Cleanup(llmSrv.Close)
	}

	llms := taskRouterLLMs()
	apiBase := ""
	if llmSrv != nil {
		apiBase = llmSrv.URL
	}
	for i := range llms {
		llms[i].APIBase = apiBase
	}

	cfg := &config.Config{
		Server: config.DefaultServerConfig(),
		Policies: []config.Policy{
			{Name: "task_router", URL: classifierSrv.URL, LLMs: llms},
		},
	}

	collector := metrics.NewCollector("", nil)
	classifierClient := classifier.New(5*time.Second, nil)
	resolver := router.New(classifierClient, collector, nil)
	upstreamClient := upstream.New(0, 0, nil)
	rewriter := stream.New(collector, nil)

	p := pipeline.New(cfg, resolver, upstreamClient, rewriter, collector, nil)

	return &testHarness{pipeline: p, metrics: collector, classifier: classifierSrv, llm: llmSrv, cfg: cfg}
}

func (h *testHarness) metricsText(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func scoresResponse(scores []float64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{
			"outputs": []map[string]any{
				{"name": "OUTPUT", "datatype": "FP32", "shape": []int{len(scores)}, "data": scores},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(payload)
	}
}

// Scenario 1: task routing to Text Generation (spec.md §8 scenario 1).
func TestPipeline_Scenario1_TaskRoutingToTextGeneration(t *testing.T) {
	scores := []float64{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0}
	h := newHarness(t, scoresResponse(scores), func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.JSONEq(t, `"mistralai/mixtral-8x22b-instruct-v0.1"`, string(body["model"]))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1","choices":[{"index":0,"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":5,"total_tokens":10}}`))
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{
		"model":"nim-llm-router",
		"messages":[{"role":"user","content":"write me a song"}],
		"nim-llm-router":{"policy":"task_router","routing_strategy":"triton"}
	}`))
	rec := httptest.NewRecorder()

	h.pipeline.Handle(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Text Generation", rec.Header().Get(stream.ChosenClassifierHeader))
	assert.Contains(t, h.metricsText(t), `request_success_total 1`)
}

// Scenario 2: manual override (spec.md §8 scenario 2).
func TestPipeline_Scenario2_ManualOverride(t *testing.T) {
	classifierCalled := false
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		classifierCalled = true
	}, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"1","choices":[{"index":0,"finish_reason":"stop"}]}`))
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{
		"model":"nim-llm-router",
		"messages":[{"role":"user","content":"hi"}],
		"nim-llm-router":{"policy":"task_router","routing_strategy":"manual","model":"Chatbot"}
	}`))
	rec := httptest.NewRecorder()

	h.pipeline.Handle(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, classifierCalled, "manual routing must not call the classifier")
	assert.Equal(t, "Chatbot", rec.Header().Get(stream.ChosenClassifierHeader))
	assert.Contains(t, h.metricsText(t), `routing_policy_usage{routing_policy="manual"} 1`)
}

// Scenario 3: unknown manual model (spec.md §8 scenario 3).
func TestPipeline_Scenario3_UnknownManualModel(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{
		"model":"nim-llm-router",
		"messages":[{"role":"user","content":"hi"}],
		"nim-llm-router":{"policy":"task_router","routing_strategy":"manual","model":"Nope"}
	}`))
	rec := httptest.NewRecorder()

	h.pipeline.Handle(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "model_not_found", errObj["type"])
	assert.Equal(t, float64(404), errObj["status"])
}

// Scenario 4: classifier unavailable (spec.md §8 scenario 4).
func TestPipeline_Scenario4_ClassifierUnavailable(t *testing.T) {
	classifierSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	classifierURL := classifierSrv.URL
	classifierSrv.Close() // refuses connections from here on

	llmCalled := false
	llmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		llmCalled = true
	}))
	defer llmSrv.Close()

	llms := taskRouterLLMs()
	for i := range llms {
		llms[i].APIBase = llmSrv.URL
	}
	cfg := &config.Config{
		Server:   config.DefaultServerConfig(),
		Policies: []config.Policy{{Name: "task_router", URL: classifierURL, LLMs: llms}},
	}

	collector := metrics.NewCollector("", nil)
	resolver := router.New(classifier.New(1*time.Second, nil), collector, nil)
	p := pipeline.New(cfg, resolver, upstream.New(0, 0, nil), stream.New(collector, nil), collector, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{
		"model":"nim-llm-router",
		"messages":[{"role":"user","content":"hi"}],
		"nim-llm-router":{"policy":"task_router","routing_strategy":"triton"}
	}`))
	rec := httptest.NewRecorder()

	p.Handle(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, llmCalled, "no upstream call should be made when the classifier is unavailable")

	rec2 := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec2, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec2.Body.String(), `request_failure_total{error_type="5xx"} 1`)
}

// Scenario 5: streaming pass-through with usage (spec.md §8 scenario 5).
func TestPipeline_Scenario5_StreamingPassThroughWithUsage(t *testing.T) {
	scores := []float64{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0}
	sseBody := "data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n\n" +
		"data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\" there\"}}]}\n\n" +
		"data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":4,\"completion_tokens\":2,\"total_tokens\":6}}\n\n" +
		"data: [DONE]\n\n"

	h := newHarness(t, scoresResponse(scores), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, sseBody)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{
		"model":"nim-llm-router",
		"messages":[{"role":"user","content":"hi"}],
		"stream":true,
		"stream_options":{"include_usage":true},
		"nim-llm-router":{"policy":"task_router","routing_strategy":"triton"}
	}`))
	rec := httptest.NewRecorder()

	h.pipeline.Handle(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sseBody, rec.Body.String(), "streamed bytes must be byte-identical to upstream")
	assert.Contains(t, h.metricsText(t), `llm_token_usage{category="total",llm="Text Generation"} 6`)
}

// Scenario 6: LLM 429 pass-through (spec.md §8 scenario 6).
func TestPipeline_Scenario6_LLM429PassThrough(t *testing.T) {
	errBody := `{"error":{"message":"rate limit exceeded","type":"rate_limit_error"}}`
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		classifierCalled(w, r)
	}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, errBody)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{
		"model":"nim-llm-router",
		"messages":[{"role":"user","content":"hi"}],
		"nim-llm-router":{"policy":"task_router","routing_strategy":"manual","model":"Chatbot"}
	}`))
	rec := httptest.NewRecorder()

	h.pipeline.Handle(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, errBody, rec.Body.String())
	assert.Contains(t, h.metricsText(t), `request_failure_total{error_type="4xx"} 1`)
}

func classifierCalled(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(`{"outputs":[{"name":"OUTPUT","datatype":"FP32","shape":[12],"data":[0,0,0,0,0,0,0,0,0,0,0,0]}]}`))
}
