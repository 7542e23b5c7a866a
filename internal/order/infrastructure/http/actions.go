package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dmehra2102/unit-order-engine/internal/order/domain"
)

// Action is one front-end callback, e.g. {"action":"cancel","order_id":"…"}.
type Action interface {
	apply(ctx context.Context, h *Handler) (any, error)
}

type CancelAction struct {
	OrderID string `json:"order_id"`
	BuyerID string `json:"buyer_id"`
}

type StatusAction struct {
	OrderID string `json:"order_id"`
}

type LiveOrdersAction struct {
	BuyerID string `json:"buyer_id"`
}

type actionDecoder func(raw json.RawMessage) (Action, error)

func decodeAs[T Action](raw json.RawMessage) (Action, error) {
	var a T
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return a, nil
}

var actionDecoders = map[string]actionDecoder{
	"cancel":      decodeAs[CancelAction],
	"status":      decodeAs[StatusAction],
	"live_orders": decodeAs[LiveOrdersAction],
}

func (a CancelAction) apply(ctx context.Context, h *Handler) (any, error) {
	if a.OrderID == "" || a.BuyerID == "" {
		return nil, fmt.Errorf("%w: order_id and buyer_id required", domain.ErrInvalidRequest)
	}
	o, err := h.service.Cancel(ctx, a.OrderID, a.BuyerID)
	if err != nil {
		return nil, err
	}
	return map[string]string{"order_id": o.ID, "status": string(o.Status)}, nil
}

func (a StatusAction) apply(ctx context.Context, h *Handler) (any, error) {
	o, err := h.service.Get(ctx, a.OrderID)
	if err != nil {
		return nil, err
	}
	return h.view(o), nil
}

func (a LiveOrdersAction) apply(ctx context.Context, h *Handler) (any, error) {
	if a.BuyerID == "" {
		return nil, fmt.Errorf("%w: buyer_id required", domain.ErrInvalidRequest)
	}
	n, err := h.service.CountLiveOrders(ctx, a.BuyerID)
	if err != nil {
		return nil, err
	}
	return map[string]int{"count": n}, nil
}

// decodeAction resolves the action kind through the decoder table.
func (h *Handler) decodeAction(raw json.RawMessage) (Action, error) {
	var head struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	dec, ok := h.actions[head.Action]
	if !ok {
		return nil, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidRequest, head.Action)
	}
	a, err := dec(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	return a, nil
}

func (h *Handler) action(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Description: "invalid body"})
		return
	}
	a, err := h.decodeAction(raw)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := a.apply(r.Context(), h)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

