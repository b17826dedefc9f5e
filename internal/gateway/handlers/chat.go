package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/layers-run/layers-gateway/internal/gateway/auth"
	"github.com/layers-run/layers-gateway/internal/gateway/catalog"
	"github.com/layers-run/layers-gateway/internal/gateway/credits"
	"github.com/layers-run/layers-gateway/internal/gateway/providers"
	"github.com/layers-run/layers-gateway/internal/gateway/ratelimit"
	"github.com/layers-run/layers-gateway/internal/shared/database"
	"github.com/layers-run/layers-gateway/internal/shared/models"
)

const (
	requestType   = "chat"
	settleTimeout = 10 * time.Second
)

// ResponseCache serves previously settled responses for identical
// requests. Hits bill zero credits and never reach upstream.
type ResponseCache interface {
	Get(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error)
	Set(ctx context.Context, req providers.ChatRequest, resp *providers.ChatResponse) error
}

// ChatHandler runs the admission-and-fulfillment pipeline for POST
// /chat: authenticate, validate, rate limit, credit gate, relay,
// settle.
type ChatHandler struct {
	auth    *auth.Authenticator
	limiter *ratelimit.Limiter
	meter   *credits.Meter
	catalog *catalog.Catalog
	relay   *providers.Relay
	cache   ResponseCache // nil disables response caching
	store   database.Store
}

// NewChatHandler wires the pipeline stages.
func NewChatHandler(authn *auth.Authenticator, limiter *ratelimit.Limiter, meter *credits.Meter, cat *catalog.Catalog, relay *providers.Relay, respCache ResponseCache, store database.Store) *ChatHandler {
	return &ChatHandler{
		auth:    authn,
		limiter: limiter,
		meter:   meter,
		catalog: cat,
		relay:   relay,
		cache:   respCache,
		store:   store,
	}
}

type rateLimitedBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	ResetAt int64  `json:"reset_at"`
}

type insufficientCreditsBody struct {
	Error             string          `json:"error"`
	Message           string          `json:"message"`
	Balance           decimal.Decimal `json:"balance"`
	EstimatedRequired decimal.Decimal `json:"estimated_required"`
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

func setRateHeaders(w http.ResponseWriter, rl ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetAt.Unix(), 10))
}

func msSince(t time.Time) int {
	return int(time.Since(t).Milliseconds())
}

// HandleChat handles POST /chat
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	logger := log.With().Str("request_id", uuid.NewString()).Logger()

	var ident *auth.Identity
	var modelID string
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Msg("panic in chat pipeline")
			if ident != nil {
				h.settleAsync(logger, settlement{
					identity:  ident,
					modelID:   modelID,
					provider:  catalog.Provider(modelID),
					latencyMs: msSince(start),
					errMsg:    "internal error",
				})
			}
			writeError(w, http.StatusInternalServerError, codeInternal, "internal error", "")
		}
	}()

	// 1. Authenticate. Failures respond 401 with no usage log: there
	// is no identified user to log against.
	credential, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, codeMalformedCredential, "missing or malformed authorization header", "")
		return
	}
	var err error
	ident, err = h.auth.Authenticate(ctx, credential)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	logger = logger.With().Str("user_id", ident.UserID).Logger()

	// 2. Validate.
	var req providers.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body", "")
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, codeValidation, "model is required", "")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, codeValidation, "messages must not be empty", "")
		return
	}
	model, known := h.catalog.Get(req.Model)
	if !known {
		writeError(w, http.StatusBadRequest, codeValidation, fmt.Sprintf("unknown model %q", req.Model), "")
		return
	}
	modelID = model.ID

	// 3. Rate limit.
	rl, err := h.limiter.Check(ctx, ident.UserID, ident.Tier)
	if err != nil {
		logger.Warn().Err(err).Msg("rate limit check failed, failing open")
	}
	setRateHeaders(w, rl)
	if !rl.Allowed {
		writeJSON(w, http.StatusTooManyRequests, rateLimitedBody{
			Error:   codeRateLimited,
			Message: "rate limit exceeded",
			ResetAt: rl.ResetAt.Unix(),
		})
		return
	}

	// Response cache sits before the credit gate: hits cost nothing
	// and must not be blocked by an empty balance.
	if h.cache != nil && !req.Stream {
		if cached, err := h.cache.Get(ctx, req); err == nil {
			latency := msSince(start)
			cached.Layers = &providers.BillingMeta{CreditsUsed: decimal.Zero, LatencyMs: latency}
			w.Header().Set("X-Cache-Hit", "true")
			writeJSON(w, http.StatusOK, cached)
			h.settleAsync(logger, settlement{
				identity:  ident,
				modelID:   model.ID,
				provider:  model.Provider,
				usage:     cached.Usage,
				latencyMs: latency,
			})
			return
		}
	}

	// 4. Pre-flight estimate and balance gate. Rejection happens
	// before any upstream cost is incurred, with no mutation.
	maxTokens := 0
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	estimate := h.meter.Estimate(model.Pricing, maxTokens)
	if err := h.meter.CheckBalance(ident.Balance, estimate); err != nil {
		writeJSON(w, http.StatusPaymentRequired, insufficientCreditsBody{
			Error:             codeInsufficientCredits,
			Message:           "insufficient credits",
			Balance:           ident.Balance,
			EstimatedRequired: estimate,
		})
		return
	}

	// 5/6. Relay and settle.
	if req.Stream {
		h.streamChat(w, r, logger, ident, req, model, estimate, start)
		return
	}

	resp, err := h.relay.Call(ctx, req)
	if err != nil {
		h.settleAsync(logger, settlement{
			identity:  ident,
			modelID:   model.ID,
			provider:  model.Provider,
			latencyMs: msSince(start),
			errMsg:    err.Error(),
		})
		writeRelayError(w, err)
		return
	}

	costUSD, creditsUsed := h.meter.Calculate(model.Pricing, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	latency := msSince(start)
	resp.Layers = &providers.BillingMeta{CreditsUsed: creditsUsed, LatencyMs: latency}

	if h.cache != nil {
		if err := h.cache.Set(ctx, req, resp); err != nil {
			logger.Warn().Err(err).Msg("failed to cache response")
		}
	}

	writeJSON(w, http.StatusOK, resp)

	h.settleAsync(logger, settlement{
		identity:  ident,
		modelID:   model.ID,
		provider:  model.Provider,
		usage:     resp.Usage,
		costUSD:   costUSD,
		credits:   creditsUsed,
		latencyMs: latency,
	})
}

// streamChat relays a streaming call: the response starts immediately
// with rate-limit headers and the provisional estimate header, and
// settlement happens after the stream is drained, off the response
// path.
func (h *ChatHandler) streamChat(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, ident *auth.Identity, req providers.ChatRequest, model catalog.ModelDefinition, estimate decimal.Decimal, start time.Time) {
	ctx := r.Context()

	stream, err := h.relay.CallStreaming(ctx, req)
	if err != nil {
		h.settleAsync(logger, settlement{
			identity:  ident,
			modelID:   model.ID,
			provider:  model.Provider,
			latencyMs: msSince(start),
			errMsg:    err.Error(),
		})
		writeRelayError(w, err)
		return
	}
	defer stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		// Upstream was already reached, so the attempt still gets its
		// usage log entry.
		h.settleAsync(logger, settlement{
			identity:  ident,
			modelID:   model.ID,
			provider:  model.Provider,
			latencyMs: msSince(start),
			errMsg:    "streaming unsupported by client connection",
		})
		writeError(w, http.StatusInternalServerError, codeInternal, "streaming not supported", "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Layers-Credits-Estimated", estimate.String())

	var (
		usage        *providers.Usage
		contentChars int
		streamErr    error
	)
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Client disconnects surface here as context errors; in
			// either case stop consuming upstream bytes.
			streamErr = err
			break
		}

		if chunk.Usage != nil {
			u := *chunk.Usage
			usage = &u
		}
		for _, c := range chunk.Choices {
			contentChars += len(c.Delta.Content)
		}

		data, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			streamErr = err
			break
		}
		flusher.Flush()
	}

	if streamErr == nil {
		fmt.Fprintf(w, "data: [DONE]\n\n")
		flusher.Flush()
	}

	// Settle what was observed. The client may already be gone, but
	// upstream has likely billed the partial work, so reported usage
	// settles even on an interrupted stream.
	s := settlement{
		identity:  ident,
		modelID:   model.ID,
		provider:  model.Provider,
		latencyMs: msSince(start),
	}
	switch {
	case usage != nil:
		s.usage = *usage
		s.costUSD, s.credits = h.meter.Calculate(model.Pricing, usage.PromptTokens, usage.CompletionTokens)
		if streamErr != nil {
			logger.Warn().Err(streamErr).Msg("stream interrupted, settling reported partial usage")
		}
	case streamErr != nil:
		s.errMsg = streamErr.Error()
	default:
		// Clean drain without reported usage: approximate so the work
		// is billed rather than silently dropped.
		s.usage = approximateUsage(req, contentChars)
		s.costUSD, s.credits = h.meter.Calculate(model.Pricing, s.usage.PromptTokens, s.usage.CompletionTokens)
	}
	h.settleAsync(logger, s)
}

// approximateUsage estimates token counts at ~4 chars per token from
// the request text and the streamed content. Used only when a cleanly
// drained stream reported no usage.
func approximateUsage(req providers.ChatRequest, contentChars int) providers.Usage {
	promptChars := 0
	for _, m := range req.Messages {
		promptChars += len(m.Content)
	}
	u := providers.Usage{
		PromptTokens:     promptChars / 4,
		CompletionTokens: contentChars / 4,
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

type settlement struct {
	identity  *auth.Identity
	modelID   string
	provider  string
	usage     providers.Usage
	costUSD   decimal.Decimal
	credits   decimal.Decimal
	latencyMs int
	errMsg    string // non-empty settles as status=error with zero credits
}

func (h *ChatHandler) settleAsync(logger zerolog.Logger, s settlement) {
	go h.settle(logger, s)
}

// settle deducts the balance and appends the usage log entry as one
// billing unit, off the response path. Failures feed operational logs
// only; they never overturn a response already on the wire.
func (h *ChatHandler) settle(logger zerolog.Logger, s settlement) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	entry := &models.UsageLogEntry{
		UserID:       s.identity.UserID,
		APIKeyID:     s.identity.APIKeyID,
		ModelID:      s.modelID,
		Provider:     s.provider,
		RequestType:  requestType,
		InputTokens:  s.usage.PromptTokens,
		OutputTokens: s.usage.CompletionTokens,
		CostUSD:      s.costUSD,
		CreditsUsed:  s.credits,
		LatencyMs:    s.latencyMs,
		Status:       models.UsageStatusSuccess,
	}

	if s.errMsg != "" {
		entry.Status = models.UsageStatusError
		msg := s.errMsg
		entry.ErrorMessage = &msg
		entry.CostUSD = decimal.Zero
		entry.CreditsUsed = decimal.Zero
	} else if s.credits.IsPositive() {
		if err := h.store.DeductBalance(ctx, s.identity.UserID, s.credits); err != nil {
			logger.Error().Err(err).Str("credits", s.credits.String()).Msg("balance deduction failed after response")
		}
	}

	if err := h.store.AppendUsageLog(ctx, entry); err != nil {
		logger.Error().Err(err).Msg("usage log write failed")
	}
}
