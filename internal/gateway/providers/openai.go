package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIProvider handles OpenAI API requests through the official
// client types.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider creates a new OpenAI provider with a bounded
// upstream timeout.
func NewOpenAIProvider(apiKey string, timeout time.Duration) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg)}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) buildRequest(req ChatRequest) (openai.ChatCompletionRequest, error) {
	_, model := SplitModel(req.Model)

	openaiReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: req.Messages,
		Tools:    req.Tools,
	}

	if req.Temperature != nil {
		openaiReq.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		openaiReq.MaxTokens = *req.MaxTokens
	}
	if req.TopP != nil {
		openaiReq.TopP = *req.TopP
	}
	if len(req.ToolChoice) > 0 {
		var choice any
		if err := json.Unmarshal(req.ToolChoice, &choice); err != nil {
			return openaiReq, err
		}
		openaiReq.ToolChoice = choice
	}
	if len(req.ResponseFormat) > 0 {
		var format openai.ChatCompletionResponseFormat
		if err := json.Unmarshal(req.ResponseFormat, &format); err != nil {
			return openaiReq, err
		}
		openaiReq.ResponseFormat = &format
	}

	// The typed client cannot carry truly opaque fields; the openai
	// extension object is overlaid onto the typed request instead.
	if ext, ok := req.ProviderOptions["openai"]; ok {
		if err := json.Unmarshal(ext, &openaiReq); err != nil {
			return openaiReq, err
		}
		openaiReq.Model = model
	}

	return openaiReq, nil
}

func mapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &RelayError{
			Status:  apiErr.HTTPStatusCode,
			Message: "openai API error",
			Details: boundDetails(apiErr.Message),
		}
	}
	return unreachable(err)
}

// Complete makes a blocking chat completion request to OpenAI.
func (p *OpenAIProvider) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	openaiReq, err := p.buildRequest(req)
	if err != nil {
		return nil, &RelayError{Status: 400, Message: "invalid request", Details: boundDetails(err.Error())}
	}

	resp, err := p.client.CreateChatCompletion(ctx, openaiReq)
	if err != nil {
		return nil, mapOpenAIError(err)
	}

	choices := make([]Choice, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		msg := ResponseMessage{
			Role:      c.Message.Role,
			ToolCalls: c.Message.ToolCalls,
		}
		// Preserve null content on tool-call responses.
		if c.Message.Content != "" || len(c.Message.ToolCalls) == 0 {
			content := c.Message.Content
			msg.Content = &content
		}
		choices = append(choices, Choice{
			Index:        c.Index,
			Message:      msg,
			FinishReason: string(c.FinishReason),
		})
	}

	return &ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   req.Model,
		Choices: choices,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// Stream creates a streaming chat completion request. Usage reporting
// is requested so streamed requests settle on exact counts.
func (p *OpenAIProvider) Stream(ctx context.Context, req ChatRequest) (StreamReader, error) {
	openaiReq, err := p.buildRequest(req)
	if err != nil {
		return nil, &RelayError{Status: 400, Message: "invalid request", Details: boundDetails(err.Error())}
	}
	openaiReq.Stream = true
	openaiReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, openaiReq)
	if err != nil {
		return nil, mapOpenAIError(err)
	}

	return &openAIStreamReader{stream: stream, model: req.Model}, nil
}

type openAIStreamReader struct {
	stream *openai.ChatCompletionStream
	model  string
}

func (r *openAIStreamReader) Recv() (StreamChunk, error) {
	resp, err := r.stream.Recv()
	if err == io.EOF {
		return StreamChunk{}, io.EOF
	}
	if err != nil {
		return StreamChunk{}, mapOpenAIError(err)
	}

	// Choices stays an empty array on usage-only chunks; consumers of
	// the OpenAI shape expect [] rather than null.
	chunk := StreamChunk{
		ID:      resp.ID,
		Object:  "chat.completion.chunk",
		Created: resp.Created,
		Model:   r.model,
		Choices: make([]StreamChoice, 0, len(resp.Choices)),
	}
	for _, c := range resp.Choices {
		chunk.Choices = append(chunk.Choices, StreamChoice{
			Index: c.Index,
			Delta: StreamDelta{
				Role:      c.Delta.Role,
				Content:   c.Delta.Content,
				ToolCalls: c.Delta.ToolCalls,
			},
			FinishReason: string(c.FinishReason),
		})
	}
	if resp.Usage != nil {
		chunk.Usage = &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return chunk, nil
}

func (r *openAIStreamReader) Close() error {
	r.stream.Close()
	return nil
}
