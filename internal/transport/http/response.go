package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cwrk-planet/presence-service/internal/domain"
	httpmw "github.com/cwrk-planet/presence-service/internal/transport/http/middleware"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an error kind to a status; unknown errors are logged and
// hidden behind a 500.
func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		httpmw.L(r.Context()).Error(op, "err", err)
		msg = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRoom):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrCapacity), errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrStoreFatal), errors.Is(err, domain.ErrStoreTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
