package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/models"

// GeminiProvider handles Google Gemini API requests
type GeminiProvider struct {
	apiKey     string
	httpClient *http.Client
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(apiKey string, timeout time.Duration) *GeminiProvider {
	return &GeminiProvider{
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name returns the provider name
func (p *GeminiProvider) Name() string {
	return "google"
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	TopP            *float32 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
	Index        int           `json:"index"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata geminiUsage       `json:"usageMetadata"`
}

// convertRequest converts to Gemini format: system messages become the
// system instruction, assistant turns map to the "model" role.
func (p *GeminiProvider) convertRequest(req ChatRequest) geminiRequest {
	geminiReq := geminiRequest{
		GenerationConfig: &geminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
		},
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			geminiReq.SystemInstruction = &geminiContent{
				Parts: []geminiPart{{Text: msg.Content}},
			}
		case "assistant":
			geminiReq.Contents = append(geminiReq.Contents, geminiContent{
				Role:  "model",
				Parts: []geminiPart{{Text: msg.Content}},
			})
		default:
			geminiReq.Contents = append(geminiReq.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: msg.Content}},
			})
		}
	}

	return geminiReq
}

func (p *GeminiProvider) newRequest(ctx context.Context, req ChatRequest, stream bool) (*http.Request, error) {
	_, model := SplitModel(req.Model)

	method := "generateContent"
	query := ""
	if stream {
		method = "streamGenerateContent"
		query = "&alt=sse"
	}
	url := fmt.Sprintf("%s/%s:%s?key=%s%s", geminiBaseURL, model, method, p.apiKey, query)

	body, err := json.Marshal(p.convertRequest(req))
	if err != nil {
		return nil, err
	}
	body, err = mergeExtensions(body, req.ProviderOptions["google"])
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func geminiFinishReason(reason string) string {
	switch reason {
	case "", "FINISH_REASON_UNSPECIFIED":
		return ""
	case "MAX_TOKENS":
		return "length"
	default:
		return "stop"
	}
}

// convertResponse converts a Gemini response to the normalized shape
func (p *GeminiProvider) convertResponse(model string, resp geminiResponse) *ChatResponse {
	var content string
	finishReason := "stop"
	if len(resp.Candidates) > 0 {
		candidate := resp.Candidates[0]
		for _, part := range candidate.Content.Parts {
			content += part.Text
		}
		if fr := geminiFinishReason(candidate.FinishReason); fr != "" {
			finishReason = fr
		}
	}

	return &ChatResponse{
		ID:      fmt.Sprintf("gemini-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{
			{
				Index:        0,
				Message:      ResponseMessage{Role: "assistant", Content: &content},
				FinishReason: finishReason,
			},
		},
		Usage: Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		},
	}
}

// Complete makes a blocking request to Gemini
func (p *GeminiProvider) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	httpReq, err := p.newRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, unreachable(err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, unreachable(err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, &RelayError{
			Status:  httpResp.StatusCode,
			Message: "gemini API error",
			Details: boundDetails(string(body)),
		}
	}

	var geminiResp geminiResponse
	if err := json.Unmarshal(body, &geminiResp); err != nil {
		return nil, fmt.Errorf("failed to parse gemini response: %w", err)
	}

	return p.convertResponse(req.Model, geminiResp), nil
}

// Stream makes a streaming request to Gemini
func (p *GeminiProvider) Stream(ctx context.Context, req ChatRequest) (StreamReader, error) {
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
		body, _ := io.ReadAll(httpResp.Body)
		return nil, &RelayError{
			Status:  httpResp.StatusCode,
			Message: "gemini API error",
			Details: boundDetails(string(body)),
		}
	}

	return &geminiStreamReader{
		scanner: NewSSEScanner(httpResp.Body),
		resp:    httpResp,
		model:   req.Model,
	}, nil
}

type geminiStreamReader struct {
	scanner  *SSEScanner
	resp     *http.Response
	model    string
	sentRole bool
}

func (r *geminiStreamReader) Recv() (StreamChunk, error) {
	for {
		payload, err := r.scanner.Next()
		if err != nil {
			return StreamChunk{}, err
		}

		var resp geminiResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			continue
		}

		chunk := StreamChunk{
			Object:  "chat.completion.chunk",
			Model:   r.model,
			Choices: []StreamChoice{},
		}

		if len(resp.Candidates) > 0 {
			candidate := resp.Candidates[0]
			var content string
			for _, part := range candidate.Content.Parts {
				content += part.Text
			}

			choice := StreamChoice{Index: candidate.Index}
			if !r.sentRole {
				choice.Delta.Role = "assistant"
				r.sentRole = true
			}
			choice.Delta.Content = content
			choice.FinishReason = geminiFinishReason(candidate.FinishReason)
			chunk.Choices = []StreamChoice{choice}
		}

		if resp.UsageMetadata.TotalTokenCount > 0 {
			chunk.Usage = &Usage{
				PromptTokens:     resp.UsageMetadata.PromptTokenCount,
				CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      resp.UsageMetadata.TotalTokenCount,
			}
		}

		return chunk, nil
	}
}

func (r *geminiStreamReader) Close() error {
	if r.resp != nil && r.resp.Body != nil {
		return r.resp.Body.Close()
	}
	return nil
}
