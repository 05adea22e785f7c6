package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"inventory-ledger/internal/core"

	"go.uber.org/zap"
)

type errorResponse struct {
	Error     string          `json:"error"`
	Code      string          `json:"code"`
	RequestID string          `json:"request_id,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
	Shortages []core.Shortage `json:"shortages,omitempty"`
}

// writeError writes a structured JSON error response.
func writeError(w http.ResponseWriter, r *http.Request, message, code string, status int) {
	writeErrorResponse(w, r, status, errorResponse{Error: message, Code: code})
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, resp errorResponse) {
	resp.RequestID = requestIDFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// writeServiceError maps inventory errors onto HTTP statuses. Contention
// failures are 409 with retryable set so clients know to try again.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ise *core.InsufficientStockError
	switch {
	case errors.As(err, &ise):
		writeErrorResponse(w, r, http.StatusConflict, errorResponse{
			Error:     err.Error(),
			Code:      "INSUFFICIENT_STOCK",
			Shortages: ise.Shortages,
		})
	case core.IsRetryable(err):
		writeErrorResponse(w, r, http.StatusConflict, errorResponse{
			Error:     err.Error(),
			Code:      "CONFLICT",
			Retryable: true,
		})
	case errors.Is(err, core.ErrValidation):
		writeError(w, r, err.Error(), "VALIDATION_ERROR", http.StatusBadRequest)
	case errors.Is(err, core.ErrNotFound):
		writeError(w, r, err.Error(), "NOT_FOUND", http.StatusNotFound)
	default:
		h.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestIDFromContext(r.Context())),
			zap.Error(err))
		writeError(w, r, "internal server error", "INTERNAL_ERROR", http.StatusInternalServerError)
	}
}

// writeJSON writes a JSON response with status 200.
func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
