// Package pipeline composes the Request Pipeline described in spec.md §4.7:
// parse, resolve, forward, rewrite-and-stream, with metrics and the
// canonical error envelope as cross-cutting concerns.
package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nim-llm-router/router-controller/apierrors"
	"github.com/nim-llm-router/router-controller/apitypes"
	"github.com/nim-llm-router/router-controller/config"
	"github.com/nim-llm-router/router-controller/internal/metrics"
	"github.com/nim-llm-router/router-controller/router"
	"github.com/nim-llm-router/router-controller/stream"
	"github.com/nim-llm-router/router-controller/upstream"
)

// tokenEncoding is shared across requests; cl100k_base is a reasonable
// stand-in encoding for an arbitrary downstream model when the upstream
// didn't report real usage. Estimation is best-effort enrichment only —
// failures here never block a response.
var tokenEncoding, _ = tiktoken.GetEncoding("cl100k_base")

// Pipeline wires together the Policy Resolver, Upstream Client, and Stream
// Rewriter behind the chat-completions HTTP surface.
type Pipeline struct {
	cfg      *config.Config
	resolver *router.Resolver
	upstream *upstream.Client
	rewriter *stream.Rewriter
	metrics  *metrics.Collector
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New builds a Pipeline bound to an immutable loaded Config (hot-reload is
// explicitly out of scope, per spec.md §9).
func New(cfg *config.Config, resolver *router.Resolver, upstreamClient *upstream.Client, rewriter *stream.Rewriter, collector *metrics.Collector, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:      cfg,
		resolver: resolver,
		upstream: upstreamClient,
		rewriter: rewriter,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "pipeline")),
		tracer:   otel.Tracer("router-controller/pipeline"),
	}
}

// Handle implements the full request lifecycle for POST /v1/chat/completions
// and POST /completions.
func (p *Pipeline) Handle(w http.ResponseWriter, r *http.Request) {
	ctx, span := p.tracer.Start(r.Context(), "pipeline.handle",
		trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	start := time.Now()
	if p.metrics != nil {
		p.metrics.IncRequests()
	}

	rawBody, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		p.fail(w, apierrors.New(apierrors.CodeInvalidRequest, "failed to read request body").WithCause(err), start, 0)
		return
	}

	parsed, rawFields, err := apitypes.ParseChatRequest(rawBody)
	if err != nil {
		p.fail(w, apierrors.New(apierrors.CodeInvalidRequest, "malformed request body").WithCause(err), start, 0)
		return
	}

	resolveStart := time.Now()
	resolveCtx, resolveSpan := p.tracer.Start(ctx, "pipeline.resolve", trace.WithSpanKind(trace.SpanKindClient))
	decision, err := p.resolver.Resolve(resolveCtx, p.cfg, parsed)
	resolveSpan.End()
	modelSelection := time.Since(resolveStart)
	if err != nil {
		p.fail(w, err, start, modelSelection)
		return
	}
	span.SetAttributes(
		attribute.String("router.policy", decision.Policy.Name),
		attribute.String("router.llm", decision.LLM.Name),
		attribute.String("router.strategy", string(decision.RoutingStrategy)),
	)
	if p.metrics != nil {
		p.metrics.RecordModelSelected(decision.LLM.Model)
	}

	outboundBody, err := upstream.RewriteBody(rawFields, decision.LLM)
	if err != nil {
		p.fail(w, apierrors.New(apierrors.CodeInternal, "failed to build upstream request body").WithCause(err), start, modelSelection)
		return
	}

	upstreamStart := time.Now()
	upstreamCtx, upstreamSpan := p.tracer.Start(ctx, "pipeline.upstream_forward", trace.WithSpanKind(trace.SpanKindClient))
	resp, err := p.upstream.Forward(upstreamCtx, outboundBody, decision.LLM, parsed.Stream)
	upstreamSpan.End()
	if err != nil {
		p.fail(w, err, start, modelSelection)
		return
	}
	defer resp.Body.Close()

	success := resp.StatusCode >= 200 && resp.StatusCode < 300

	if parsed.Stream && success {
		_, streamErr := p.rewriter.SSE(ctx, w, resp.StatusCode, resp.Header, resp.Body, decision.LLM.Name)
		if p.metrics != nil {
			p.metrics.ObserveLLMResponseTime(decision.LLM.Name, time.Since(upstreamStart))
		}
		if streamErr != nil {
			p.logger.Info("stream aborted", zap.Error(streamErr), zap.String("llm", decision.LLM.Name))
			p.recordOutcome(false, "other", start, upstreamStart, modelSelection)
			return
		}
		p.recordOutcome(true, "", start, upstreamStart, modelSelection)
		return
	}

	body, readErr := io.ReadAll(resp.Body)
	if p.metrics != nil {
		p.metrics.ObserveLLMResponseTime(decision.LLM.Name, time.Since(upstreamStart))
	}
	if readErr != nil {
		p.fail(w, apierrors.New(apierrors.CodeUpstreamUnavailable, "failed to read upstream response body").WithCause(readErr), start, modelSelection)
		return
	}

	result := p.rewriter.Buffered(w, resp.StatusCode, resp.Header, body, decision.LLM.Name)
	if success && result.Usage == nil {
		p.estimateUsage(decision.LLM.Name, parsed)
	}

	if success {
		p.recordOutcome(true, "", start, upstreamStart, modelSelection)
	} else {
		p.recordOutcome(false, apierrors.FailureBucketForStatus(resp.StatusCode), start, upstreamStart, modelSelection)
	}
}

// estimateUsage records a best-effort prompt-token count via tiktoken when
// the upstream response carried no usage object. It never fails the
// request: an encoding error just skips the estimate.
func (p *Pipeline) estimateUsage(llmName string, req *apitypes.ChatRequest) {
	if p.metrics == nil || tokenEncoding == nil {
		return
	}
	prompt, ok := req.LastUserMessage()
	if !ok {
		return
	}
	tokens := tokenEncoding.Encode(prompt, nil, nil)
	if len(tokens) == 0 {
		return
	}
	p.metrics.RecordTokenUsage(llmName, len(tokens), 0, 0)
}

// fail renders the canonical error envelope (spec.md §7) and records the
// failure outcome. modelSelection is the time spent in the Policy Resolver
// before the failure, zero if the failure happened before resolution began.
func (p *Pipeline) fail(w http.ResponseWriter, err error, start time.Time, modelSelection time.Duration) {
	status := apierrors.HTTPStatusOf(err)
	bucket := apierrors.FailureBucket(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope(err))

	p.recordOutcome(false, bucket, start, time.Time{}, modelSelection)
}

// recordOutcome finalizes the per-request metrics: total latency, success
// or labeled failure, and (when an upstream call happened) proxy overhead.
func (p *Pipeline) recordOutcome(success bool, failureBucket string, start, upstreamStart time.Time, modelSelection time.Duration) {
	if p.metrics == nil {
		return
	}
	total := time.Since(start)
	p.metrics.ObserveRequestLatency(total)
	if success {
		p.metrics.RecordSuccess()
	} else {
		p.metrics.RecordFailure(failureBucket)
	}
	if !upstreamStart.IsZero() {
		p.metrics.ObserveProxyOverhead(total, modelSelection, time.Since(upstreamStart))
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Status  int    `json:"status"`
}

func envelope(err error) errorBody {
	status := apierrors.HTTPStatusOf(err)
	var apiErr *apierrors.Error
	if e, ok := err.(*apierrors.Error); ok {
		apiErr = e
	}
	if apiErr == nil {
		return errorBody{Error: errorDetail{Message: err.Error(), Type: "Internal", Status: status}}
	}
	return errorBody{Error: errorDetail{Message: apiErr.Message, Type: string(apiErr.Code), Status: status}}
}
