package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/layers-run/layers-gateway/internal/gateway/auth"
	"github.com/layers-run/layers-gateway/internal/gateway/providers"
)

// Stable machine-readable error codes.
const (
	codeMalformedCredential = "malformed_credential"
	codeInvalidCredential   = "invalid_credential"
	codeKeyDeactivated      = "key_deactivated"
	codeKeyExpired          = "key_expired"
	codeAccountNotFound     = "account_not_found"
	codeValidation          = "validation_error"
	codeRateLimited         = "rate_limited"
	codeInsufficientCredits = "insufficient_credits"
	codeUpstreamError       = "upstream_error"
	codeGatewayUnreachable  = "gateway_unreachable"
	codeInternal            = "internal_error"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write response body")
	}
}

func writeError(w http.ResponseWriter, status int, code, message, details string) {
	writeJSON(w, status, errorBody{Error: code, Message: message, Details: details})
}

// writeAuthError maps authentication failures to 401 with a stable
// code; anything outside the auth taxonomy is an internal error.
func writeAuthError(w http.ResponseWriter, err error) {
	code := ""
	switch {
	case errors.Is(err, auth.ErrMalformedCredential):
		code = codeMalformedCredential
	case errors.Is(err, auth.ErrInvalidCredential):
		code = codeInvalidCredential
	case errors.Is(err, auth.ErrDeactivated):
		code = codeKeyDeactivated
	case errors.Is(err, auth.ErrExpired):
		code = codeKeyExpired
	case errors.Is(err, auth.ErrAccountNotFound):
		code = codeAccountNotFound
	}

	if code == "" {
		log.Error().Err(err).Msg("authentication failed with internal error")
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error", "")
		return
	}
	writeError(w, http.StatusUnauthorized, code, err.Error(), "")
}

// writeRelayError maps relay failures: upstream HTTP errors pass their
// status through, transport failures map to 502.
func writeRelayError(w http.ResponseWriter, err error) {
	var relayErr *providers.RelayError
	if errors.As(err, &relayErr) {
		writeError(w, relayErr.Status, codeUpstreamError, relayErr.Message, relayErr.Details)
		return
	}
	if errors.Is(err, providers.ErrUnreachable) {
		writeError(w, http.StatusBadGateway, codeGatewayUnreachable, "upstream provider unreachable", "")
		return
	}
	log.Error().Err(err).Msg("relay failed with internal error")
	writeError(w, http.StatusInternalServerError, codeInternal, "internal error", "")
}
