package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

const (
	anthropicEndpoint = "https://api.anthropic.com/v1/messages"
	anthropicVersion  = "2023-06-01"
)

// AnthropicProvider handles Anthropic Messages API requests
type AnthropicProvider struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(apiKey string, timeout time.Duration) *AnthropicProvider {
	return &AnthropicProvider{
		apiKey:   apiKey,
		endpoint: anthropicEndpoint,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
	TopP        *float32           `json:"top_p,omitempty"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

// convertRequest converts to Anthropic format, extracting the system
// prompt into its dedicated field.
func (p *AnthropicProvider) convertRequest(req ChatRequest) anthropicRequest {
	_, model := SplitModel(req.Model)

	anthropicReq := anthropicRequest{
		Model:       model,
		Messages:    []anthropicMessage{},
		MaxTokens:   4096,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}

	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		anthropicReq.MaxTokens = *req.MaxTokens
	}

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			anthropicReq.System = msg.Content
		} else {
			anthropicReq.Messages = append(anthropicReq.Messages, anthropicMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}
	}

	for _, tool := range req.Tools {
		if tool.Function == nil {
			continue
		}
		anthropicReq.Tools = append(anthropicReq.Tools, anthropicTool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: tool.Function.Parameters,
		})
	}

	return anthropicReq
}

func (p *AnthropicProvider) newRequest(ctx context.Context, req ChatRequest, stream bool) (*http.Request, error) {
	anthropicReq := p.convertRequest(req)
	anthropicReq.Stream = stream

	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, err
	}
	body, err = mergeExtensions(body, req.ProviderOptions["anthropic"])
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	return httpReq, nil
}

// convertResponse normalizes an Anthropic response. Tool-use blocks
// pass through as tool calls; content stays null when the response
// carried no text.
func (p *AnthropicProvider) convertResponse(model string, resp anthropicResponse) *ChatResponse {
	var text string
	var hasText bool
	var toolCalls []openai.ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text += block.Text
			hasText = true
		case "tool_use":
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:   block.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}

	msg := ResponseMessage{Role: "assistant", ToolCalls: toolCalls}
	if hasText || len(toolCalls) == 0 {
		msg.Content = &text
	}

	finishReason := "stop"
	switch resp.StopReason {
	case "max_tokens":
		finishReason = "length"
	case "tool_use":
		finishReason = "tool_calls"
	}

	return &ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{
			{
				Index:        0,
				Message:      msg,
				FinishReason: finishReason,
			},
		},
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

// Complete makes a blocking request to Anthropic
func (p *AnthropicProvider) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	httpReq, err := p.newRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, unreachable(err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, unreachable(err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, &RelayError{
			Status:  httpResp.StatusCode,
			Message: "anthropic API error",
			Details: boundDetails(string(respBody)),
		}
	}

	var anthropicResp anthropicResponse
	if err := json.Unmarshal(respBody, &anthropicResp); err != nil {
		return nil, fmt.Errorf("failed to parse anthropic response: %w", err)
	}

	return p.convertResponse(req.Model, anthropicResp), nil
}

// Stream makes a streaming request to Anthropic
func (p *AnthropicProvider) Stream(ctx context.Context, req ChatRequest) (StreamReader, error) {
	httpReq, err := p.newRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, unreachable(err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, &RelayError{
			Status:  httpResp.StatusCode,
			Message: "anthropic API error",
			Details: boundDetails(string(respBody)),
		}
	}

	return &anthropicStreamReader{
		scanner: NewSSEScanner(httpResp.Body),
		resp:    httpResp,
		model:   req.Model,
	}, nil
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Role  string         `json:"role"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
}

// anthropicStreamReader adapts Anthropic's SSE event stream to
// normalized chunks. Input tokens arrive on message_start and output
// tokens on message_delta; the usage-bearing chunk is emitted at the
// end so streamed requests settle on exact counts.
type anthropicStreamReader struct {
	scanner     *SSEScanner
	resp        *http.Response
	model       string
	inputTokens int
}

func (r *anthropicStreamReader) Recv() (StreamChunk, error) {
	for {
		payload, err := r.scanner.Next()
		if err != nil {
			return StreamChunk{}, err
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			// Malformed payloads are skipped without aborting the stream.
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				r.inputTokens = event.Message.Usage.InputTokens
			}
			return StreamChunk{
				Object:  "chat.completion.chunk",
				Model:   r.model,
				Choices: []StreamChoice{{Index: 0, Delta: StreamDelta{Role: "assistant"}}},
			}, nil

		case "content_block_delta":
			if event.Delta == nil || event.Delta.Text == "" {
				continue
			}
			return StreamChunk{
				Object:  "chat.completion.chunk",
				Model:   r.model,
				Choices: []StreamChoice{{Index: 0, Delta: StreamDelta{Content: event.Delta.Text}}},
			}, nil

		case "message_delta":
			chunk := StreamChunk{
				Object:  "chat.completion.chunk",
				Model:   r.model,
				Choices: []StreamChoice{{Index: 0, FinishReason: "stop"}},
			}
			if event.Delta != nil {
				switch event.Delta.StopReason {
				case "max_tokens":
					chunk.Choices[0].FinishReason = "length"
				case "tool_use":
					chunk.Choices[0].FinishReason = "tool_calls"
				}
			}
			if event.Usage != nil {
				chunk.Usage = &Usage{
					PromptTokens:     r.inputTokens,
					CompletionTokens: event.Usage.OutputTokens,
					TotalTokens:      r.inputTokens + event.Usage.OutputTokens,
				}
			}
			return chunk, nil
		}
	}
}

func (r *anthropicStreamReader) Close() error {
	if r.resp != nil && r.resp.Body != nil {
		return r.resp.Body.Close()
	}
	return nil
}
