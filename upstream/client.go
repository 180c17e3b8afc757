// Package upstream forwards a parsed chat-completions request to a selected
// LLM's api_base, applying the rewrite rules from spec.md §4.5.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nim-llm-router/router-controller/apierrors"
	"github.com/nim-llm-router/router-controller/config"
)

const chatCompletionsPath = "/v1/chat/completions"

// Client forwards rewritten request bodies to LLM backends over plain HTTP,
// optionally rate-limited per api_base.
type Client struct {
	httpClient *http.Client
	logger     *zap.Logger

	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	ratePerSec   float64
	burst        int
}

// New builds a Client. A ratePerSec of 0 disables outbound rate limiting
// entirely (the spec's default — the router applies no flow control beyond
// what net/http and the LLM backend itself provide).
func New(ratePerSec float64, burst int, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: &http.Client{},
		logger:     logger.With(zap.String("component", "upstream")),
		limiters:   make(map[string]*rate.Limiter),
		ratePerSec: ratePerSec,
		burst:      burst,
	}
}

// limiterFor returns the shared rate.Limiter for a given api_base, creating
// it on first use. Returns nil when rate limiting is disabled.
func (c *Client) limiterFor(apiBase string) *rate.Limiter {
	if c.ratePerSec <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[apiBase]
	if !ok {
		burst := c.burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(c.ratePerSec), burst)
		c.limiters[apiBase] = l
	}
	return l
}

// RewriteBody applies spec.md §4.5's rewrite rules to the raw decoded
// request fields: set "model" to llm.Model (overriding any client-supplied
// value) and strip "nim-llm-router". Every other field passes through
// untouched.
func RewriteBody(raw map[string]json.RawMessage, llm config.LLM) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	delete(out, "nim-llm-router")

	modelJSON, err := json.Marshal(llm.Model)
	if err != nil {
		return nil, fmt.Errorf("marshal model override: %w", err)
	}
	out["model"] = modelJSON

	return json.Marshal(out)
}

// Forward sends the rewritten body to llm.APIBase + "/v1/chat/completions".
// It does not read or interpret the response body: non-2xx upstream
// responses are returned as-is (status, headers, body) for verbatim
// pass-through by the caller, per spec.md §4.5's error policy. Only a
// transport-level failure (DNS, dial, TLS, timeout) is translated into an
// UpstreamUnavailable *apierrors.Error.
func (c *Client) Forward(ctx context.Context, body []byte, llm config.LLM, stream bool) (*http.Response, error) {
	if limiter := c.limiterFor(llm.APIBase); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, apierrors.New(apierrors.CodeCanceled, "request canceled while rate limited").WithCause(err)
		}
	}

	url := strings.TrimRight(llm.APIBase, "/") + chatCompletionsPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apierrors.New(apierrors.CodeInternal, "failed to build upstream request").WithCause(err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if llm.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+llm.APIKey)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn("upstream unreachable", zap.String("api_base", llm.APIBase), zap.Error(err))
		return nil, apierrors.New(apierrors.CodeUpstreamUnavailable, "upstream LLM endpoint unreachable").
			WithCause(err).WithRetryable(true)
	}
	return resp, nil
}
