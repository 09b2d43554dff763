package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/iqbridge/iqbridge/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps a service-layer error onto an HTTP status. Domain
// errors carry their upstream reason to the client verbatim; anything
// unclassified is a 500 with a generic body.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, action string, err error) {
	var (
		authErr      *domain.AuthError
		placementErr *domain.PlacementError
		connectErr   *domain.ConnectError
	)
	switch {
	case errors.As(err, &authErr):
		writeError(w, http.StatusUnauthorized, authErr.Reason)
	case errors.As(err, &placementErr):
		writeError(w, http.StatusBadRequest, placementErr.Reason)
	case errors.As(err, &connectErr):
		writeError(w, http.StatusBadGateway, connectErr.Reason)
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "account not connected")
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limited")
	case errors.Is(err, domain.ErrNotSupported):
		writeError(w, http.StatusNotImplemented, "not supported by this connection")
	default:
		logger.ErrorContext(r.Context(), "handler: "+action+" failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to "+action)
	}
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// decodeBody decodes the JSON request body into v, rejecting unknown fields.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// parseMode interprets an optional balance-mode string, defaulting to the
// practice balance. The empty string is valid; anything else must match a
// known mode.
func parseMode(s string) (domain.BalanceMode, bool) {
	switch s {
	case "", string(domain.ModePractice):
		return domain.ModePractice, true
	case string(domain.ModeReal):
		return domain.ModeReal, true
	default:
		return "", false
	}
}
