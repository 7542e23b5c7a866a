package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dmehra2102/unit-order-engine/internal/order/domain"
)

type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps order errors to an HTTP status and a stable error code.
// ErrPaymentInitFailed is checked before ErrGatewayUnavailable since the
// first usually wraps the second.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrNotOwner):
		return http.StatusForbidden, "not_owner"
	case errors.Is(err, domain.ErrOutOfStock):
		return http.StatusConflict, "out_of_stock"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, domain.ErrTooManyLiveOrders):
		return http.StatusTooManyRequests, "too_many_live_orders"
	case errors.Is(err, domain.ErrPaymentInitFailed):
		return http.StatusServiceUnavailable, "payment_init_failed"
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, "gateway_unavailable"
	case errors.Is(err, domain.ErrNotReady):
		return http.StatusConflict, "not_ready"
	case errors.Is(err, domain.ErrAlreadyDelivered):
		return http.StatusConflict, "already_delivered"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	body := errorBody{Error: code}
	if status < http.StatusInternalServerError {
		body.Description = err.Error()
	}
	writeJSON(w, status, body)
}
