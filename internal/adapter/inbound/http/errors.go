package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/actiongate/actiongate/internal/domain/action"
	"github.com/actiongate/actiongate/internal/service"
)

// errorBody is the stable error envelope every failure response shares.
type errorBody struct {
	Error     errorDetail `json:"error"`
	RequestID string      `json:"request_id"`
}

type errorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	writeJSON(w, status, errorBody{
		Error:     errorDetail{Code: code, Message: message, Details: details},
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// statusFor maps domain failures to their HTTP status and error code.
func statusFor(err error) (int, string) {
	var (
		invalid   *service.InvalidError
		forbidden *service.ForbiddenError
		conflict  *service.ConflictError
		policyVal *service.PolicyValidationError
	)
	switch {
	case errors.Is(err, action.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &invalid):
		return http.StatusUnprocessableEntity, "validation_error"
	case errors.As(err, &forbidden):
		return http.StatusForbidden, "forbidden"
	case errors.As(err, &conflict):
		return http.StatusConflict, "conflict"
	case errors.As(err, &policyVal):
		return http.StatusUnprocessableEntity, "policy_validation_failed"
	}
	return http.StatusInternalServerError, "internal_error"
}

// fail writes the envelope for a domain or internal error. Internal errors
// are logged with the request id and surface a generic message.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status == http.StatusForbidden && h.metrics != nil {
		h.metrics.PolicyDenials.Inc()
	}
	if status == http.StatusInternalServerError {
		LoggerFromContext(r.Context()).Error("request failed", "error", err)
		writeError(w, r, status, code, "internal server error", nil)
		return
	}

	var details map[string]any
	var policyVal *service.PolicyValidationError
	if errors.As(err, &policyVal) {
		details = map[string]any{"errors": policyVal.Errors}
	}
	writeError(w, r, status, code, err.Error(), details)
}
