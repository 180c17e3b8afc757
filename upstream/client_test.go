package upstream_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nim-llm-router/router-controller/apierrors"
	"github.com/nim-llm-router/router-controller/config"
	"github.com/nim-llm-router/router-controller/upstream"
)

func TestRewriteBody_SetsModelAndStripsRouterMetadata(t *testing.T) {
	raw := map[string]json.RawMessage{
		"model":          json.RawMessage(`"nim-llm-router"`),
		"messages":       json.RawMessage(`[{"role":"user","content":"hi"}]`),
		"temperature":    json.RawMessage(`0.7`),
		"nim-llm-router": json.RawMessage(`{"policy":"task_router","routing_strategy":"triton"}`),
	}

	llm := config.LLM{Name: "Text Generation", APIBase: "http://x", Model: "mistralai/mixtral-8x22b-instruct-v0.1"}

	out, err := upstream.RewriteBody(raw, llm)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &decoded))

	assert.JSONEq(t, `"mistralai/mixtral-8x22b-instruct-v0.1"`, string(decoded["model"]))
	assert.JSONEq(t, `[{"role":"user","content":"hi"}]`, string(decoded["messages"]))
	assert.JSONEq(t, `0.7`, string(decoded["temperature"]))
	_, hasRouterMeta := decoded["nim-llm-router"]
	assert.False(t, hasRouterMeta)
}

func TestForward_SetsHeadersAndForwardsBody(t *testing.T) {
	var gotAuth, gotAccept, gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := upstream.New(0, 0, nil)
	llm := config.LLM{Name: "Text Generation", APIBase: srv.URL, APIKey: "sk-abc", Model: "m"}

	resp, err := c.Forward(context.Background(), []byte(`{"model":"m"}`), llm, false)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "Bearer sk-abc", gotAuth)
	assert.Equal(t, "application/json", gotAccept)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, `{"model":"m"}`, string(gotBody))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestForward_StreamingSetsEventStreamAccept(t *testing.T) {
	var gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := upstream.New(0, 0, nil)
	llm := config.LLM{Name: "x", APIBase: srv.URL, Model: "m"}

	resp, err := c.Forward(context.Background(), []byte(`{}`), llm, true)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", gotAccept)
}

func TestForward_NoAPIKey_OmitsAuthorizationHeader(t *testing.T) {
	var gotAuth string
	var sawHeader bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth, sawHeader = r.Header.Get("Authorization"), r.Header.Get("Authorization") != ""
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := upstream.New(0, 0, nil)
	llm := config.LLM{Name: "x", APIBase: srv.URL, Model: "m"}

	resp, err := c.Forward(context.Background(), []byte(`{}`), llm, false)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.False(t, sawHeader)
	assert.Empty(t, gotAuth)
}

func TestForward_NonSuccessStatus_PassesThroughVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited upstream"}}`))
	}))
	defer srv.Close()

	c := upstream.New(0, 0, nil)
	llm := config.LLM{Name: "x", APIBase: srv.URL, Model: "m"}

	resp, err := c.Forward(context.Background(), []byte(`{}`), llm, false)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "30", resp.Header.Get("Retry-After"))
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"error":{"message":"rate limited upstream"}}`, string(body))
}

func TestForward_Unreachable_ReturnsUpstreamUnavailable(t *testing.T) {
	c := upstream.New(0, 0, nil)
	llm := config.LLM{Name: "x", APIBase: "http://127.0.0.1:1", Model: "m"}

	_, err := c.Forward(context.Background(), []byte(`{}`), llm, false)
	require.Error(t, err)

	var apiErr *apierrors.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierrors.CodeUpstreamUnavailable, apiErr.Code)
	assert.True(t, apiErr.Retryable)
}

func TestForward_WithRateLimiterEnabled_ForwardsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := upstream.New(1000, 1, nil) // generous but non-zero, exercises the limiter path
	llm := config.LLM{Name: "x", APIBase: srv.URL, Model: "m"}

	resp, err := c.Forward(context.Background(), []byte(`{}`), llm, false)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
