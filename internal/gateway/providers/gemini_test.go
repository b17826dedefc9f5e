package providers

import (
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeminiConvertRequestRoles(t *testing.T) {
	p := NewGeminiProvider("key", time.Minute)

	out := p.convertRequest(ChatRequest{
		Model: "google/gemini-2.0-flash",
		Messages: []openai.ChatCompletionMessage{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
	})

	require.NotNil(t, out.SystemInstruction)
	assert.Equal(t, "be terse", out.SystemInstruction.Parts[0].Text)
	require.Len(t, out.Contents, 2)
	assert.Equal(t, "user", out.Contents[0].Role)
	assert.Equal(t, "model", out.Contents[1].Role)
}

func TestGeminiStreamUsageOnlyChunkChoicesShape(t *testing.T) {
	// A final frame carrying only usageMetadata must still serialize
	// choices as an empty array, matching the OpenAI chunk shape.
	fixture := `data: {"candidates":[{"content":{"parts":[{"text":"hi"}],"role":"model"},"index":0}]}

data: {"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":2,"totalTokenCount":7}}

`
	r := &geminiStreamReader{
		scanner: NewSSEScanner(strings.NewReader(fixture)),
		model:   "google/gemini-2.0-flash",
	}

	first, err := r.Recv()
	require.NoError(t, err)
	require.Len(t, first.Choices, 1)
	assert.Equal(t, "assistant", first.Choices[0].Delta.Role)
	assert.Equal(t, "hi", first.Choices[0].Delta.Content)

	usageChunk, err := r.Recv()
	require.NoError(t, err)
	require.NotNil(t, usageChunk.Usage)
	assert.Equal(t, 5, usageChunk.Usage.PromptTokens)
	assert.Equal(t, 2, usageChunk.Usage.CompletionTokens)

	require.NotNil(t, usageChunk.Choices)
	assert.Empty(t, usageChunk.Choices)
	data, err := json.Marshal(usageChunk)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"choices":[]`)

	_, err = r.Recv()
	assert.Equal(t, io.EOF, err)
}
