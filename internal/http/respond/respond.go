// Package respond writes JSON responses and the structured error body.
package respond

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrJamesThe3rd/gigflow/internal/engagement"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// StatusFor maps an error kind onto an HTTP status.
func StatusFor(kind engagement.Kind) int {
	switch kind {
	case engagement.KindValidation, engagement.KindInvalidTransition,
		engagement.KindPaymentPrecondition, engagement.KindSignature:
		return http.StatusBadRequest
	case engagement.KindForbidden:
		return http.StatusForbidden
	case engagement.KindNotFound:
		return http.StatusNotFound
	case engagement.KindConflict, engagement.KindSlotUnavailable:
		return http.StatusConflict
	case engagement.KindExternalService:
		return http.StatusBadGateway
	}

	return http.StatusInternalServerError
}

// Error renders err as the structured error body. Errors outside the
// domain taxonomy are logged and reported without detail.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	detail := errorDetail{Kind: "internal_error", Code: "INTERNAL", Message: "internal error"}
	status := http.StatusInternalServerError

	var e *engagement.Error
	if errors.As(err, &e) {
		detail = errorDetail{Kind: string(e.Kind), Code: e.Code, Message: e.Message}
		status = StatusFor(e.Kind)
	}

	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}

	JSON(w, status, errorBody{Error: detail})
}

func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
