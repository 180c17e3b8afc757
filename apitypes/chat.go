// Package apitypes defines the wire shapes the router controller parses and
// forwards: an OpenAI-compatible chat-completions request augmented with a
// nim-llm-router routing metadata object.
package apitypes

import "encoding/json"

// RoutingStrategy selects how the Policy Resolver picks an LLM.
type RoutingStrategy string

const (
	StrategyTriton RoutingStrategy = "triton"
	StrategyManual RoutingStrategy = "manual"
)

// RouterMetadata is the nim-llm-router object carried alongside a standard
// chat-completions payload. It is required on completions endpoints and is
// always stripped before the request is forwarded upstream.
type RouterMetadata struct {
	Policy          string          `json:"policy"`
	RoutingStrategy RoutingStrategy `json:"routing_strategy"`
	Model           string          `json:"model,omitempty"`
}

// Message is a single chat message. Content is kept as json.RawMessage so
// that multi-part (array-of-parts) content some clients send round-trips
// untouched even though only plain-string content is inspected for the
// classifier prompt.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// TextContent returns the message content as plain text when it was sent as
// a JSON string. Non-string content (e.g. multi-part arrays) returns "", ok=false.
func (m Message) TextContent() (string, bool) {
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return "", false
	}
	return s, true
}

// StreamOptions mirrors OpenAI's stream_options object.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// ChatRequest is the inbound payload to POST /v1/chat/completions (and
// /completions). Unknown fields beyond what's modeled here are not held on
// ChatRequest; they survive in the raw field map ParseChatRequest returns
// and are re-emitted verbatim when the request is rewritten, except for the
// nim-llm-router object, which is always stripped.
type ChatRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *StreamOptions  `json:"stream_options,omitempty"`
	Router        *RouterMetadata `json:"nim-llm-router,omitempty"`
}

// LastUserMessage returns the content of the last message with role "user".
func (r *ChatRequest) LastUserMessage() (string, bool) {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].TextContent()
		}
	}
	return "", false
}

// ParseChatRequest decodes raw JSON into a ChatRequest and also returns the
// raw top-level field map (every field, nim-llm-router included) so the
// rewritten outbound body can re-emit the unmodeled fields untouched, per
// spec.md §4.5 ("leave all other fields untouched").
func ParseChatRequest(body []byte) (*ChatRequest, map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nil, err
	}

	req := &ChatRequest{}
	if v, ok := raw["model"]; ok {
		_ = json.Unmarshal(v, &req.Model)
	}
	if v, ok := raw["messages"]; ok {
		if err := json.Unmarshal(v, &req.Messages); err != nil {
			return nil, nil, err
		}
	}
	if v, ok := raw["stream"]; ok {
		_ = json.Unmarshal(v, &req.Stream)
	}
	if v, ok := raw["stream_options"]; ok {
		var so StreamOptions
		if err := json.Unmarshal(v, &so); err == nil {
			req.StreamOptions = &so
		}
	}
	if v, ok := raw["nim-llm-router"]; ok {
		var rm RouterMetadata
		if err := json.Unmarshal(v, &rm); err != nil {
			return nil, nil, err
		}
		req.Router = &rm
	}

	return req, raw, nil
}

// Usage mirrors OpenAI's token usage object.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is the subset of a chat-completion choice the rewriter inspects.
type Choice struct {
	Index        int    `json:"index"`
	FinishReason string `json:"finish_reason"`
}

// ChatCompletionBody is the subset of a (non-streaming or per-chunk)
// response body the Stream Rewriter parses for metrics side-effects.
type ChatCompletionBody struct {
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage"`
}
