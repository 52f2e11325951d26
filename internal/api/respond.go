package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/scrapelane/internal/errs"
	"github.com/shehryarbajwa/scrapelane/internal/session"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("invalid request body: %v: %w", err, errs.ErrInvalidArgument)
}

// writeError maps the error taxonomy onto HTTP. viewer is used to phrase
// busy-lane messages from the caller's point of view.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	viewer := userID(r.Context())

	var (
		busy   *errs.ResourceBusyError
		conf   *errs.ConfigurationError
		limit  *errs.RateLimitExceededError
		credit *errs.InsufficientCreditsError
	)
	switch {
	case errors.As(err, &busy):
		writeJSON(w, http.StatusConflict, errorBody{Error: session.Describe(err, viewer), Code: "resource_busy"})
	case errors.As(err, &conf):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: conf.Error(), Code: "configuration"})
	case errors.As(err, &limit):
		w.Header().Set("Retry-After", strconv.Itoa(int((limit.RetryAfter+time.Second-1)/time.Second)))
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: limit.Error(), Code: "rate_limited"})
	case errors.As(err, &credit):
		writeJSON(w, http.StatusPaymentRequired, errorBody{Error: credit.Error(), Code: "insufficient_credits"})
	case errors.Is(err, errs.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found", Code: "not_found"})
	case errors.Is(err, errs.ErrInvalidArgument):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "invalid_argument"})
	case errors.Is(err, errs.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "invalid_transition"})
	case errors.Is(err, errs.ErrStaleSession):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "stale_session"})
	case errors.Is(err, errs.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Code: "forbidden"})
	default:
		h.log.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal"})
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer: %w", key, errs.ErrInvalidArgument)
	}
	return n, nil
}
