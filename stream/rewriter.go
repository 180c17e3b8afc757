// Package stream relays an upstream chat-completions response to the
// client: verbatim for a buffered JSON body, byte-for-byte for an SSE
// stream, while parsing a copy of each payload purely for metrics
// side-effects (token usage, finish_reason). It never rewrites a forwarded
// byte, in deliberate contrast to the teacher's StreamSSE, which
// re-serializes each chunk into its own structs before re-emitting it —
// here the client must see exactly what the LLM backend sent.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"unsafe"

	"go.uber.org/zap"

	"github.com/nim-llm-router/router-controller/apitypes"
	"github.com/nim-llm-router/router-controller/internal/metrics"
)

// ChosenClassifierHeader is set on the outgoing client response before the
// first byte of the body, naming the LLM entry the Policy Resolver chose.
const ChosenClassifierHeader = "x-chosen-classifier"

// bytesToString converts bytes to a string without copying. Safe here
// because the byte slices we convert (each completed line returned by
// bufio.Reader.ReadBytes) are never mutated after conversion.
func bytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

// Rewriter relays upstream responses to the client.
type Rewriter struct {
	metrics *metrics.Collector
	logger  *zap.Logger
}

// New builds a Rewriter.
func New(collector *metrics.Collector, logger *zap.Logger) *Rewriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rewriter{metrics: collector, logger: logger.With(zap.String("component", "stream"))}
}

func (r *Rewriter) writeResponseHead(w http.ResponseWriter, status int, headers http.Header, llmName string) {
	dst := w.Header()
	for k, vs := range headers {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	dst.Set(ChosenClassifierHeader, llmName)
	w.WriteHeader(status)
}

// BufferedResult reports the usage object observed in a buffered response,
// if any. A nil Usage lets the caller fall back to best-effort estimation.
type BufferedResult struct {
	Usage *apitypes.Usage
}

// Buffered passes a non-streaming upstream response body through verbatim,
// recording llm_token_usage from its "usage" object if present and valid.
func (r *Rewriter) Buffered(w http.ResponseWriter, status int, headers http.Header, body []byte, llmName string) *BufferedResult {
	r.writeResponseHead(w, status, headers, llmName)
	w.Write(body)

	var parsed apitypes.ChatCompletionBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return &BufferedResult{}
	}
	if parsed.Usage != nil && r.metrics != nil {
		r.metrics.RecordTokenUsage(llmName, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens, parsed.Usage.TotalTokens)
	}
	return &BufferedResult{Usage: parsed.Usage}
}

// SSEResult captures the side-effects observed while relaying an SSE stream.
type SSEResult struct {
	FinishReasons []string
	Usage         *apitypes.Usage
}

// SSE relays an SSE body line-by-line, forwarding every byte to w in order
// exactly as read, and flushing after each forwarded line so the client
// sees events as they arrive. Parsing is a side channel: a malformed "data:"
// payload increments request_failure_total{other} but the raw chunk is
// still forwarded untouched. "data: [DONE]" is forwarded like any other line
// and reading continues after it; SSE returns once the body is exhausted, a
// read or write fails, or ctx is found canceled between lines (the client
// disconnected).
func (r *Rewriter) SSE(ctx context.Context, w http.ResponseWriter, status int, headers http.Header, body io.ReadCloser, llmName string) (*SSEResult, error) {
	defer body.Close()
	r.writeResponseHead(w, status, headers, llmName)

	flusher, _ := w.(http.Flusher)
	result := &SSEResult{}
	reader := bufio.NewReader(body)

	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if _, writeErr := w.Write(line); writeErr != nil {
				return result, writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
			r.observeLine(line, result, llmName)
		}
		if err != nil {
			if err == io.EOF {
				return result, nil
			}
			return result, err
		}
	}
}

func (r *Rewriter) observeLine(line []byte, result *SSEResult, llmName string) {
	trimmed := strings.TrimSpace(bytesToString(line))
	if trimmed == "" || !strings.HasPrefix(trimmed, "data:") {
		return
	}
	data := strings.TrimSpace(strings.TrimPrefix(trimmed, "data:"))
	if data == "[DONE]" || data == "" {
		return
	}

	var parsed apitypes.ChatCompletionBody
	if err := json.Unmarshal([]byte(data), &parsed); err != nil {
		if r.metrics != nil {
			r.metrics.RecordFailure("other")
		}
		r.logger.Debug("failed to parse SSE chunk for metrics", zap.Error(err))
		return
	}

	for _, choice := range parsed.Choices {
		if choice.FinishReason != "" {
			result.FinishReasons = append(result.FinishReasons, choice.FinishReason)
		}
	}
	if parsed.Usage != nil {
		result.Usage = parsed.Usage
		if r.metrics != nil {
			r.metrics.RecordTokenUsage(llmName, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens, parsed.Usage.TotalTokens)
		}
	}
}
