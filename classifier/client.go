// Package classifier talks to the Triton-style inference endpoint named by a
// policy, turning a prompt into a classification score vector.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nim-llm-router/router-controller/apierrors"
)

// inferRequest is the Triton v2 inference-protocol request body: a single
// BYTES input tensor of shape [1,1] holding the prompt string.
type inferRequest struct {
	Inputs []inferInput `json:"inputs"`
}

type inferInput struct {
	Name     string     `json:"name"`
	Datatype string     `json:"datatype"`
	Shape    [2]int     `json:"shape"`
	Data     [][]string `json:"data"`
}

// inferResponse is the Triton v2 inference-protocol response body: an
// "OUTPUT" FP32 tensor of shape [N] holding per-class scores, possibly
// alongside other output tensors.
type inferResponse struct {
	Outputs []inferOutput `json:"outputs"`
}

// inferOutput keeps Data raw so that outputs of other datatypes (e.g. BYTES
// label tensors) decode without error; only OUTPUT's data is parsed as floats.
type inferOutput struct {
	Name     string          `json:"name"`
	Datatype string          `json:"datatype"`
	Shape    []int           `json:"shape"`
	Data     json.RawMessage `json:"data"`
}

// Result is the parsed classification: one score per candidate LLM, in the
// same order as the policy's LLM list.
type Result struct {
	Scores []float64
}

// Client calls a policy's classifier URL.
type Client struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// New builds a Client. timeout bounds every Classify call; a zero timeout
// means no deadline is applied beyond the caller's context.
func New(timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(zap.String("component", "classifier")),
	}
}

// Classify posts prompt to url in the Triton v2 wire shape and returns the
// decoded score vector.
//
// Errors are mapped to the apierrors taxonomy from spec.md §4.3:
// a transport failure (dial/timeout/connection refused) becomes
// ClassifierUnavailable; a non-2xx HTTP response becomes ClassifierError;
// a response that doesn't parse as the expected Triton envelope, or whose
// outputs are missing/empty, becomes ClassifierMalformed.
func (c *Client) Classify(ctx context.Context, url, prompt string) (*Result, error) {
	reqBody := inferRequest{
		Inputs: []inferInput{
			{
				Name:     "INPUT",
				Datatype: "BYTES",
				Shape:    [2]int{1, 1},
				Data:     [][]string{{prompt}},
			},
		},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, apierrors.New(apierrors.CodeInternal, "failed to marshal classifier request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, apierrors.New(apierrors.CodeInternal, "failed to build classifier request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn("classifier unreachable", zap.String("url", url), zap.Error(err))
		return nil, apierrors.New(apierrors.CodeClassifierUnavailable, "classifier endpoint unreachable").
			WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, apierrors.New(apierrors.CodeClassifierError, "failed to read classifier response").WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("classifier returned error status",
			zap.String("url", url), zap.Int("status", resp.StatusCode))
		status := http.StatusBadGateway
		if resp.StatusCode >= 500 {
			status = resp.StatusCode
		}
		return nil, apierrors.New(apierrors.CodeClassifierError,
			fmt.Sprintf("classifier returned status %d", resp.StatusCode)).
			WithHTTPStatus(status)
	}

	var parsed inferResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apierrors.New(apierrors.CodeClassifierMalformed, "classifier response is not valid JSON").WithCause(err)
	}

	var output *inferOutput
	for i := range parsed.Outputs {
		if parsed.Outputs[i].Name == "OUTPUT" {
			output = &parsed.Outputs[i]
			break
		}
	}
	if output == nil {
		return nil, apierrors.New(apierrors.CodeClassifierMalformed, "classifier response has no OUTPUT tensor")
	}
	var scores []float64
	if err := json.Unmarshal(output.Data, &scores); err != nil || len(scores) == 0 {
		return nil, apierrors.New(apierrors.CodeClassifierMalformed, "classifier OUTPUT tensor has no numeric data")
	}
	if len(output.Shape) > 0 && output.Shape[0] != len(scores) {
		return nil, apierrors.New(apierrors.CodeClassifierMalformed, "classifier OUTPUT tensor shape disagrees with data length")
	}

	return &Result{Scores: scores}, nil
}
