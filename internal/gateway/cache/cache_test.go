package cache

import (
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layers-run/layers-gateway/internal/gateway/providers"
)

func testRequest() providers.ChatRequest {
	return providers.ChatRequest{
		Model: "anthropic/claude-sonnet-4",
		Messages: []openai.ChatCompletionMessage{
			{Role: "user", Content: "hi"},
		},
	}
}

func TestCacheKeyIgnoresStreamFlag(t *testing.T) {
	c := &Cache{}

	plain := testRequest()
	streamed := testRequest()
	streamed.Stream = true

	k1, err := c.cacheKey(plain)
	require.NoError(t, err)
	k2, err := c.cacheKey(streamed)
	require.NoError(t, err)

	// A streamed and a non-streamed call for the same content share
	// one entry.
	assert.Equal(t, k1, k2)
}

func TestCacheKeyDeterministic(t *testing.T) {
	c := &Cache{}

	k1, err := c.cacheKey(testRequest())
	require.NoError(t, err)
	k2, err := c.cacheKey(testRequest())
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
}

func TestCacheKeyVariesWithContent(t *testing.T) {
	c := &Cache{}

	base, err := c.cacheKey(testRequest())
	require.NoError(t, err)

	otherModel := testRequest()
	otherModel.Model = "openai/gpt-4o"
	k, err := c.cacheKey(otherModel)
	require.NoError(t, err)
	assert.NotEqual(t, base, k)

	otherMessage := testRequest()
	otherMessage.Messages[0].Content = "hello"
	k, err = c.cacheKey(otherMessage)
	require.NoError(t, err)
	assert.NotEqual(t, base, k)

	maxTokens := 64
	otherParams := testRequest()
	otherParams.MaxTokens = &maxTokens
	k, err = c.cacheKey(otherParams)
	require.NoError(t, err)
	assert.NotEqual(t, base, k)
}
