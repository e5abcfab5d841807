package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/strmgate/strmgate/internal/authflow"
	"github.com/strmgate/strmgate/internal/pool"
	"github.com/strmgate/strmgate/internal/scheduler"
	"github.com/strmgate/strmgate/internal/store"
	"github.com/strmgate/strmgate/internal/upstream"
)

// errorBody is the JSON error shape of every non-2xx response.
type errorBody struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	writeJSON(w, status, errorBody{Error: err.Error(), Status: status})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Status: http.StatusBadRequest})
}

// statusFor maps component errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, upstream.ErrNotFound),
		errors.Is(err, authflow.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, upstream.ErrUnauthorized),
		errors.Is(err, pool.ErrNoCredential):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, scheduler.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, upstream.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, authflow.ErrSessionExpired):
		return http.StatusGone
	case errors.Is(err, authflow.ErrNotConfirmed),
		errors.Is(err, authflow.ErrNoDrive):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
