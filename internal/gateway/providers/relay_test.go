package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitModel(t *testing.T) {
	cases := []struct {
		in       string
		provider string
		name     string
	}{
		{"openai/gpt-4o", "openai", "gpt-4o"},
		{"anthropic/claude-sonnet-4", "anthropic", "claude-sonnet-4"},
		{"google/gemini-2.0-flash", "google", "gemini-2.0-flash"},
		{"openai/ft:gpt-4o/suffix", "openai", "ft:gpt-4o/suffix"},
		{"gpt-4o", "", "gpt-4o"},
		{"/gpt-4o", "", "/gpt-4o"},
	}
	for _, tc := range cases {
		provider, name := SplitModel(tc.in)
		assert.Equal(t, tc.provider, provider, "provider of %q", tc.in)
		assert.Equal(t, tc.name, name, "name of %q", tc.in)
	}
}

func TestMergeExtensions(t *testing.T) {
	body := []byte(`{"model":"claude-sonnet-4","max_tokens":100}`)

	merged, err := mergeExtensions(body, json.RawMessage(`{"top_k":5,"max_tokens":200}`))
	require.NoError(t, err)

	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(merged, &out))
	assert.JSONEq(t, `5`, string(out["top_k"]))
	// Extension keys win over shaped ones.
	assert.JSONEq(t, `200`, string(out["max_tokens"]))
	assert.JSONEq(t, `"claude-sonnet-4"`, string(out["model"]))
}

func TestMergeExtensionsEmpty(t *testing.T) {
	body := []byte(`{"model":"m"}`)
	merged, err := mergeExtensions(body, nil)
	require.NoError(t, err)
	assert.Equal(t, body, merged)
}

func TestMergeExtensionsInvalid(t *testing.T) {
	_, err := mergeExtensions([]byte(`{"model":"m"}`), json.RawMessage(`[1,2,3]`))
	assert.Error(t, err)
}

func TestChatRequestCapturesExtensions(t *testing.T) {
	body := `{
		"model": "anthropic/claude-sonnet-4",
		"messages": [{"role": "user", "content": "hi"}],
		"anthropic": {"top_k": 3},
		"google": {"safetySettings": []}
	}`

	var req ChatRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	assert.Equal(t, "anthropic/claude-sonnet-4", req.Model)
	require.Len(t, req.Messages, 1)
	assert.JSONEq(t, `{"top_k": 3}`, string(req.ProviderOptions["anthropic"]))
	assert.JSONEq(t, `{"safetySettings": []}`, string(req.ProviderOptions["google"]))
	_, ok := req.ProviderOptions["openai"]
	assert.False(t, ok)
}

func TestChatRequestNoExtensions(t *testing.T) {
	var req ChatRequest
	require.NoError(t, json.Unmarshal([]byte(`{"model":"openai/gpt-4o","messages":[]}`), &req))
	assert.Nil(t, req.ProviderOptions)
}

type stubProvider struct {
	name string
	resp *ChatResponse
	err  error
}

func (p *stubProvider) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.resp, p.err
}

func (p *stubProvider) Stream(ctx context.Context, req ChatRequest) (StreamReader, error) {
	return nil, p.err
}

func (p *stubProvider) Name() string { return p.name }

func TestRelayRoutesByProviderSegment(t *testing.T) {
	r := &Relay{providers: make(map[string]Provider)}
	want := &ChatResponse{ID: "resp-1"}
	r.Register(&stubProvider{name: "openai", resp: want})

	got, err := r.Call(context.Background(), ChatRequest{Model: "openai/gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "resp-1", got.ID)
}

func TestRelayUnconfiguredProvider(t *testing.T) {
	r := &Relay{providers: make(map[string]Provider)}

	_, err := r.Call(context.Background(), ChatRequest{Model: "anthropic/claude-sonnet-4"})
	var relayErr *RelayError
	require.ErrorAs(t, err, &relayErr)
	assert.Equal(t, http.StatusBadGateway, relayErr.Status)
}

func TestRelayMissingProviderSegment(t *testing.T) {
	r := &Relay{providers: make(map[string]Provider)}

	_, err := r.Call(context.Background(), ChatRequest{Model: "gpt-4o"})
	var relayErr *RelayError
	require.ErrorAs(t, err, &relayErr)
	assert.Equal(t, http.StatusBadRequest, relayErr.Status)
}

func TestUnreachableClassification(t *testing.T) {
	err := unreachable(errors.New("dial tcp: connection refused"))
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestBoundDetails(t *testing.T) {
	long := strings.Repeat("x", 2*maxErrorDetails)
	assert.Len(t, boundDetails(long), maxErrorDetails)
	assert.Equal(t, "short", boundDetails("  short  "))
}
