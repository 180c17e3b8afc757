// Package router implements the Policy Resolver: it turns a parsed chat
// request plus the loaded configuration into a concrete (policy, LLM) pair,
// invoking the classifier for the triton strategy or honoring an explicit
// model override for the manual strategy.
package router

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nim-llm-router/router-controller/apierrors"
	"github.com/nim-llm-router/router-controller/apitypes"
	"github.com/nim-llm-router/router-controller/classifier"
	"github.com/nim-llm-router/router-controller/config"
	"github.com/nim-llm-router/router-controller/internal/metrics"
)

// Decision is the outcome of resolving a request: the policy and LLM it was
// routed to, plus the classification scores when the triton strategy ran
// (nil for manual).
type Decision struct {
	Policy          config.Policy
	LLM             config.LLM
	Classification  []float64
	RoutingStrategy apitypes.RoutingStrategy
}

// Resolver dispatches on routing strategy as a closed sum of {triton, manual}.
type Resolver struct {
	classifierClient *classifier.Client
	metrics          *metrics.Collector
	logger           *zap.Logger
}

// New builds a Resolver.
func New(classifierClient *classifier.Client, collector *metrics.Collector, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		classifierClient: classifierClient,
		metrics:          collector,
		logger:           logger.With(zap.String("component", "router")),
	}
}

// Resolve implements spec.md §4.4's algorithm. cfg supplies the policy
// table; req is the already-parsed chat request.
func (r *Resolver) Resolve(ctx context.Context, cfg *config.Config, req *apitypes.ChatRequest) (*Decision, error) {
	start := time.Now()

	if req.Router == nil || req.Router.Policy == "" {
		return nil, apierrors.New(apierrors.CodeInvalidRequest, "nim-llm-router.policy is required")
	}

	policy, ok := cfg.PolicyByName(req.Router.Policy)
	if !ok {
		return nil, apierrors.New(apierrors.CodePolicyNotFound, "policy not found: "+req.Router.Policy)
	}

	strategy := req.Router.RoutingStrategy
	if strategy == "" {
		strategy = apitypes.StrategyTriton
	}

	var (
		llm   config.LLM
		scores []float64
		err   error
	)
	switch strategy {
	case apitypes.StrategyTriton:
		llm, scores, err = r.resolveTriton(ctx, policy, req)
	case apitypes.StrategyManual:
		llm, err = r.resolveManual(policy, req)
	default:
		err = apierrors.New(apierrors.CodeInvalidRequest, "unknown routing strategy: "+string(strategy))
	}
	if err != nil {
		return nil, err
	}

	if r.metrics != nil {
		r.metrics.RecordPolicyUsage(policy.Name, string(strategy))
		r.metrics.ObserveModelSelectionTime(time.Since(start))
	}

	return &Decision{
		Policy:          policy,
		LLM:             llm,
		Classification:  scores,
		RoutingStrategy: strategy,
	}, nil
}

func (r *Resolver) resolveTriton(ctx context.Context, policy config.Policy, req *apitypes.ChatRequest) (config.LLM, []float64, error) {
	prompt, ok := req.LastUserMessage()
	if !ok {
		return config.LLM{}, nil, apierrors.New(apierrors.CodeMissingPrompt, "no user message found to classify")
	}

	result, err := r.classifierClient.Classify(ctx, policy.URL, prompt)
	if err != nil {
		return config.LLM{}, nil, err
	}

	if len(result.Scores) != len(policy.LLMs) {
		return config.LLM{}, nil, apierrors.New(apierrors.CodeClassifierShapeMismatch,
			"classifier output length does not match policy llm count")
	}

	idx := Argmax(result.Scores)
	return policy.LLMs[idx], result.Scores, nil
}

func (r *Resolver) resolveManual(policy config.Policy, req *apitypes.ChatRequest) (config.LLM, error) {
	if req.Router == nil || req.Router.Model == "" {
		return config.LLM{}, apierrors.New(apierrors.CodeMissingModel, "nim-llm-router.model is required for manual routing")
	}

	llm, ok := policy.LLMByName(req.Router.Model)
	if !ok {
		return config.LLM{}, apierrors.New(apierrors.CodeModelNotFound, "model not found in policy: "+req.Router.Model)
	}
	return llm, nil
}

// Argmax returns the index of the largest value in scores, breaking ties in
// favor of the lowest index. An empty scores slice also yields 0, which is
// not a valid index into it — callers must check the length-mismatch
// invariant first.
func Argmax(scores []float64) int {
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best
}
