// Package metrics is the process-wide Prometheus registry for the router
// controller, implementing the series named in spec.md §4.2.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector holds every metric series the pipeline records to. All
// operations are lock-free: each underlying CounterVec/HistogramVec already
// does its own atomic bookkeeping per label combination.
//
// Each Collector owns a private prometheus.Registry rather than registering
// against the global DefaultRegisterer, so multiple Collectors (one per test
// case, for instance) can coexist in the same process without a duplicate
// registration panic.
type Collector struct {
	registry *prometheus.Registry

	numRequests          prometheus.Counter
	requestsPerPolicy    *prometheus.CounterVec
	requestsPerModel     *prometheus.CounterVec
	requestLatency       prometheus.Histogram
	requestSuccess       prometheus.Counter
	requestFailure       *prometheus.CounterVec
	routingPolicyUsage   *prometheus.CounterVec
	modelSelectionTime   prometheus.Histogram
	llmResponseTime      *prometheus.HistogramVec
	llmTokenUsage        *prometheus.CounterVec
	proxyOverheadLatency prometheus.Histogram

	logger *zap.Logger
}

// NewCollector registers every series under the given namespace (empty
// string reproduces the literal metric names from spec.md §4.2) and returns
// a ready-to-use Collector.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c := &Collector{
		registry: registry,
		logger:   logger.With(zap.String("component", "metrics")),
	}
	factory := promauto.With(registry)

	c.numRequests = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "num_requests",
		Help:      "Total number of completions requests received.",
	})

	c.requestsPerPolicy = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_per_policy",
		Help:      "Requests resolved to a policy, labeled by policy name.",
	}, []string{"policy"})

	c.requestsPerModel = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_per_model",
		Help:      "Requests forwarded to an upstream model, labeled by model.",
	}, []string{"model"})

	c.requestLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_latency_seconds",
		Help:      "End-to-end request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	c.requestSuccess = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "request_success_total",
		Help:      "Requests completed with a 2xx response.",
	})

	c.requestFailure = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "request_failure_total",
		Help:      "Requests that terminated in failure, labeled by error_type (4xx|5xx|system|other).",
	}, []string{"error_type"})

	c.routingPolicyUsage = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "routing_policy_usage",
		Help:      "Requests resolved, labeled by routing strategy (triton|manual).",
	}, []string{"routing_policy"})

	c.modelSelectionTime = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "model_selection_time_seconds",
		Help:      "Time spent in the Policy Resolver through LLM-entry selection, in seconds; reading and parsing the request body beforehand is not included.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	c.llmResponseTime = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "llm_response_time_seconds",
		Help:      "Time-to-first-byte through final byte of the upstream response, labeled by llm.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"llm"})

	c.llmTokenUsage = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_token_usage",
		Help:      "Token usage reported by upstream LLMs, labeled by llm and category (prompt|completion|total).",
	}, []string{"llm", "category"})

	c.proxyOverheadLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "proxy_overhead_latency_seconds",
		Help:      "request_latency_seconds minus model_selection_time_seconds minus llm_response_time_seconds.",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5},
	})

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// IncRequests increments num_requests. Called once per inbound completions request.
func (c *Collector) IncRequests() { c.numRequests.Inc() }

// RecordPolicyUsage increments requests_per_policy and routing_policy_usage.
func (c *Collector) RecordPolicyUsage(policy string, strategy string) {
	c.requestsPerPolicy.WithLabelValues(policy).Inc()
	c.routingPolicyUsage.WithLabelValues(strategy).Inc()
}

// RecordModelSelected increments requests_per_model.
func (c *Collector) RecordModelSelected(model string) {
	c.requestsPerModel.WithLabelValues(model).Inc()
}

// ObserveModelSelectionTime records model_selection_time_seconds.
func (c *Collector) ObserveModelSelectionTime(d time.Duration) {
	c.modelSelectionTime.Observe(d.Seconds())
}

// ObserveLLMResponseTime records llm_response_time_seconds{llm}.
func (c *Collector) ObserveLLMResponseTime(llm string, d time.Duration) {
	c.llmResponseTime.WithLabelValues(llm).Observe(d.Seconds())
}

// RecordTokenUsage records llm_token_usage{llm,category} for category in
// {prompt, completion, total}.
func (c *Collector) RecordTokenUsage(llm string, prompt, completion, total int) {
	if prompt > 0 {
		c.llmTokenUsage.WithLabelValues(llm, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		c.llmTokenUsage.WithLabelValues(llm, "completion").Add(float64(completion))
	}
	if total > 0 {
		c.llmTokenUsage.WithLabelValues(llm, "total").Add(float64(total))
	}
}

// ObserveRequestLatency records request_latency_seconds.
func (c *Collector) ObserveRequestLatency(d time.Duration) {
	c.requestLatency.Observe(d.Seconds())
}

// ObserveProxyOverhead records proxy_overhead_latency_seconds, flooring at 0
// to absorb clock skew between the three timers it's derived from.
func (c *Collector) ObserveProxyOverhead(total, modelSelection, llmResponse time.Duration) {
	overhead := total - modelSelection - llmResponse
	if overhead < 0 {
		overhead = 0
	}
	c.proxyOverheadLatency.Observe(overhead.Seconds())
}

// RecordSuccess increments request_success_total.
func (c *Collector) RecordSuccess() { c.requestSuccess.Inc() }

// RecordFailure increments request_failure_total{error_type}.
func (c *Collector) RecordFailure(errorType string) {
	c.requestFailure.WithLabelValues(errorType).Inc()
}

// Handler returns the /metrics HTTP handler serving this Collector's private
// registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
