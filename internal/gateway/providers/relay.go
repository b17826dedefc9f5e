package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/layers-run/layers-gateway/internal/shared/config"
)

// ErrUnreachable classifies transport failures (DNS, timeout,
// connection reset) distinctly from upstream HTTP errors.
var ErrUnreachable = errors.New("upstream unreachable")

// RelayError is a non-2xx upstream response, preserving the upstream
// status code and a bounded detail string.
type RelayError struct {
	Status  int
	Message string
	Details string
}

func (e *RelayError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s (status %d): %s", e.Message, e.Status, e.Details)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

// unreachable wraps a transport failure.
func unreachable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

const maxErrorDetails = 512

// boundDetails truncates upstream error text so internals never leak
// unbounded into responses or logs.
func boundDetails(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxErrorDetails {
		return s[:maxErrorDetails]
	}
	return s
}

// SplitModel splits a "<provider>/<name>" model identifier. The
// provider segment is empty when the id carries no "/".
func SplitModel(model string) (provider, name string) {
	idx := strings.Index(model, "/")
	if idx <= 0 {
		return "", model
	}
	return model[:idx], model[idx+1:]
}

// mergeExtensions merges a provider's opaque extension object into an
// already-shaped request body. Extension keys win over shaped ones, so
// callers can reach provider features the common shape does not model.
func mergeExtensions(body []byte, ext json.RawMessage) ([]byte, error) {
	if len(ext) == 0 {
		return body, nil
	}

	var base map[string]json.RawMessage
	if err := json.Unmarshal(body, &base); err != nil {
		return nil, err
	}
	var extra map[string]json.RawMessage
	if err := json.Unmarshal(ext, &extra); err != nil {
		return nil, fmt.Errorf("invalid provider extension object: %w", err)
	}
	for k, v := range extra {
		base[k] = v
	}
	return json.Marshal(base)
}

// Relay routes provider-agnostic requests to the configured upstream
// providers and normalizes their responses and errors.
type Relay struct {
	providers map[string]Provider
}

// NewRelay registers a provider for each configured API key.
func NewRelay(cfg *config.Config) *Relay {
	r := &Relay{providers: make(map[string]Provider)}

	if cfg.OpenAIAPIKey != "" {
		r.Register(NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.UpstreamTimeout))
	}
	if cfg.AnthropicAPIKey != "" {
		r.Register(NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.UpstreamTimeout))
	}
	if cfg.GeminiAPIKey != "" {
		r.Register(NewGeminiProvider(cfg.GeminiAPIKey, cfg.UpstreamTimeout))
	}

	return r
}

// Register adds a provider under its own name.
func (r *Relay) Register(p Provider) {
	r.providers[p.Name()] = p
}

func (r *Relay) provider(model string) (Provider, error) {
	name, _ := SplitModel(model)
	if name == "" {
		return nil, &RelayError{Status: http.StatusBadRequest, Message: fmt.Sprintf("model %q lacks a provider segment", model)}
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, &RelayError{Status: http.StatusBadGateway, Message: fmt.Sprintf("provider %q not configured", name)}
	}
	return p, nil
}

// Call issues one blocking upstream call.
func (r *Relay) Call(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	p, err := r.provider(req.Model)
	if err != nil {
		return nil, err
	}
	return p.Complete(ctx, req)
}

// CallStreaming issues the call with the streaming flag and returns
// the incremental chunk source.
func (r *Relay) CallStreaming(ctx context.Context, req ChatRequest) (StreamReader, error) {
	p, err := r.provider(req.Model)
	if err != nil {
		return nil, err
	}
	return p.Stream(ctx, req)
}
