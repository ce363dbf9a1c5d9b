// SPDX-License-Identifier: MIT

package panel

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sylvester1001/zat/internal/backend"
	xglog "github.com/sylvester1001/zat/internal/log"
)

// Error codes in errorBody.Error.
const (
	codeBadRequest         = "bad_request"
	codeBackendUnavailable = "backend_unavailable"
	codeBackendTimeout     = "backend_timeout"
	codeBackendRejected    = "backend_rejected"
	codeBadBackendResponse = "bad_backend_response"
	codeInternal           = "internal_error"
)

type errorBody struct {
	Error     string `json:"error"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeJSON(w, http.StatusBadRequest, errorBody{
		Error:     codeBadRequest,
		Detail:    detail,
		RequestID: xglog.RequestIDFromContext(r.Context()),
	})
}

// writeBackendError maps a backend client error onto a panel response.
// Anything that went wrong on the far side of the panel is a 502.
func writeBackendError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := http.StatusBadGateway
	body := errorBody{Detail: err.Error(), RequestID: xglog.RequestIDFromContext(r.Context())}

	switch {
	case errors.Is(err, backend.ErrTimeout):
		body.Error = codeBackendTimeout
	case errors.Is(err, backend.ErrUnavailable):
		body.Error = codeBackendUnavailable
	case errors.Is(err, backend.ErrBadResponse):
		body.Error = codeBadBackendResponse
	case errors.Is(err, backend.ErrBackendStatus):
		body.Error = codeBackendRejected
		var be *backend.Error
		if errors.As(err, &be) && be.Body != "" {
			body.Detail = be.Body
		}
	default:
		status = http.StatusInternalServerError
		body.Error = codeInternal
	}

	xglog.WithComponentFromContext(r.Context(), "panel").Warn().
		Err(err).
		Str(xglog.FieldEvent, "panel.backend_error").
		Str(xglog.FieldOperation, op).
		Int("status", status).
		Msg("backend call failed")
	writeJSON(w, status, body)
}
