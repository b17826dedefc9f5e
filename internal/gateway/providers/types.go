package providers

import (
	"context"
	"encoding/json"

	"github.com/sashabaranov/go-openai"
	"github.com/shopspring/decimal"
)

// extensionProviders are the request keys forwarded opaquely to the
// matching provider.
var extensionProviders = []string{"anthropic", "openai", "google"}

// ChatRequest is the provider-agnostic request shape. Model carries a
// "<provider>/<name>" identifier; the provider segment selects request
// shaping.
type ChatRequest struct {
	Model          string                         `json:"model"`
	Messages       []openai.ChatCompletionMessage `json:"messages"`
	MaxTokens      *int                           `json:"max_tokens,omitempty"`
	Temperature    *float32                       `json:"temperature,omitempty"`
	TopP           *float32                       `json:"top_p,omitempty"`
	Stream         bool                           `json:"stream,omitempty"`
	Tools          []openai.Tool                  `json:"tools,omitempty"`
	ToolChoice     json.RawMessage                `json:"tool_choice,omitempty"`
	ResponseFormat json.RawMessage                `json:"response_format,omitempty"`

	// ProviderOptions holds per-provider extension objects from the
	// request body ("anthropic", "openai", "google"), forwarded opaquely.
	ProviderOptions map[string]json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the common shape and captures provider
// extension objects without typing them.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	type alias ChatRequest
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for _, p := range extensionProviders {
		raw, ok := fields[p]
		if !ok {
			continue
		}
		if a.ProviderOptions == nil {
			a.ProviderOptions = make(map[string]json.RawMessage, 1)
		}
		a.ProviderOptions[p] = raw
	}

	*r = ChatRequest(a)
	return nil
}

// Usage is token usage in OpenAI shape.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ResponseMessage is an assistant message in the normalized response.
// Content is a pointer: a tool-call response may legitimately carry
// null content, which is distinct from an empty string.
type ResponseMessage struct {
	Role      string            `json:"role"`
	Content   *string           `json:"content"`
	ToolCalls []openai.ToolCall `json:"tool_calls,omitempty"`
}

// Choice is one completion choice.
type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// BillingMeta is the gateway's billing metadata attached to successful
// responses.
type BillingMeta struct {
	CreditsUsed decimal.Decimal `json:"credits_used"`
	LatencyMs   int             `json:"latency_ms"`
}

// ChatResponse is the normalized, OpenAI-compatible response.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []Choice     `json:"choices"`
	Usage   Usage        `json:"usage"`
	Layers  *BillingMeta `json:"layers,omitempty"`
}

// StreamDelta is an incremental message fragment.
type StreamDelta struct {
	Role      string            `json:"role,omitempty"`
	Content   string            `json:"content,omitempty"`
	ToolCalls []openai.ToolCall `json:"tool_calls,omitempty"`
}

// StreamChoice is one choice within a stream chunk.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// StreamChunk is one normalized streaming event.
type StreamChunk struct {
	ID      string         `json:"id,omitempty"`
	Object  string         `json:"object,omitempty"`
	Created int64          `json:"created,omitempty"`
	Model   string         `json:"model,omitempty"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// StreamReader is a lazy, single-pass, forward-only sequence of stream
// chunks. Recv returns io.EOF when the stream is complete; Close stops
// upstream consumption and releases the connection.
type StreamReader interface {
	Recv() (StreamChunk, error)
	Close() error
}

// Provider is the interface every upstream provider implements.
type Provider interface {
	Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Stream(ctx context.Context, req ChatRequest) (StreamReader, error)
	Name() string
}
