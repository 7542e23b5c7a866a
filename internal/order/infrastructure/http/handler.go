package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	inventory "github.com/dmehra2102/unit-order-engine/internal/inventory/domain"
	"github.com/dmehra2102/unit-order-engine/internal/order/application"
	"github.com/dmehra2102/unit-order-engine/internal/order/domain"
	"github.com/dmehra2102/unit-order-engine/pkg/metrics"
	"github.com/dmehra2102/unit-order-engine/pkg/middleware"
)

type Handler struct {
	log     *slog.Logger
	service *application.Service
	authz   *middleware.Authz
	tracer  trace.Tracer
	actions map[string]actionDecoder
}

func NewHandler(log *slog.Logger, service *application.Service, authz *middleware.Authz) *Handler {
	return &Handler{
		log:     log,
		service: service,
		authz:   authz,
		tracer:  otel.Tracer("order-http"),
		actions: actionDecoders,
	}
}

type createOrderReq struct {
	BuyerID        string `json:"buyer_id"`
	CatalogName    string `json:"catalog_name"`
	PickupLocation string `json:"pickup_location"`
}

type createOrderResp struct {
	OrderID   string    `json:"order_id"`
	PayURL    string    `json:"pay_url"`
	Price     string    `json:"price"`
	ExpiresAt time.Time `json:"expires_at"`
}

type orderView struct {
	OrderID        string     `json:"order_id"`
	BuyerID        string     `json:"buyer_id"`
	UnitID         *int64     `json:"unit_id,omitempty"`
	CatalogName    string     `json:"catalog_name"`
	PickupLocation string     `json:"pickup_location"`
	Price          string     `json:"price"`
	Status         string     `json:"status"`
	DeliveryStatus string     `json:"delivery_status"`
	PayURL         string     `json:"pay_url,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	PaidAt         *time.Time `json:"paid_at,omitempty"`
}

func (h *Handler) view(o domain.Order) orderView {
	v := orderView{
		OrderID:        o.ID,
		BuyerID:        o.BuyerID,
		UnitID:         o.UnitID,
		CatalogName:    o.Group.CatalogName,
		PickupLocation: o.Group.PickupLocation,
		Price:          o.PriceSnapshot.StringFixed(2),
		Status:         string(o.Status),
		DeliveryStatus: string(o.DeliveryStatus),
		CreatedAt:      o.CreatedAt,
		PaidAt:         o.PaidAt,
	}
	if o.Status.Live() {
		exp := o.ExpiresAt(h.service.TTL())
		v.ExpiresAt = &exp
		v.PayURL = o.PaymentURL
	}
	return v
}

// Routes returns the buyer API. Every /v1 route needs a bearer token. mounts
// register further /v1 routes on the same router.
func (h *Handler) Routes(mounts ...func(r chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Use(middleware.AccessLog(h.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(h.authz.Require(middleware.PermOrdersWrite)).Post("/orders", h.createOrder)
		r.With(h.authz.Require(middleware.PermOrdersWrite)).Post("/orders/{id}/cancel", h.cancelOrder)
		r.With(h.authz.Require(middleware.PermOrdersRead)).Get("/orders/{id}", h.getOrder)
		r.With(h.authz.Require(middleware.PermOrdersFulfil)).Post("/orders/{id}/deliver", h.deliverOrder)
		r.With(h.authz.Require(middleware.PermOrdersRead)).Get("/buyers/{id}/live-orders", h.liveOrders)
		r.With(h.authz.Require(middleware.PermOrdersRead)).Get("/availability", h.availability)
		r.With(h.authz.Require(middleware.PermOrdersWrite)).Post("/actions", h.action)
		for _, m := range mounts {
			m(r)
		}
	})
	return r
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "HTTP CreateOrder")
	defer span.End()

	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Description: "invalid body"})
		return
	}

	p, err := h.service.CreateOrder(ctx, req.BuyerID, inventory.Group{
		CatalogName:    strings.TrimSpace(req.CatalogName),
		PickupLocation: strings.TrimSpace(req.PickupLocation),
	})
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createOrderResp{
		OrderID:   p.Order.ID,
		PayURL:    p.PayURL,
		Price:     p.Order.PriceSnapshot.StringFixed(2),
		ExpiresAt: p.ExpiresAt,
	})
}

type cancelReq struct {
	BuyerID string `json:"buyer_id"`
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BuyerID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Description: "buyer_id required"})
		return
	}

	o, err := h.service.Cancel(r.Context(), chi.URLParam(r, "id"), req.BuyerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"order_id": o.ID, "status": string(o.Status)})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(o))
}

func (h *Handler) deliverOrder(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.Deliver(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"order_id": d.Order.ID, "payload": d.Payload})
}

func (h *Handler) liveOrders(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.CountLiveOrders(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (h *Handler) availability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n, err := h.service.Availability(r.Context(), inventory.Group{
		CatalogName:    strings.TrimSpace(q.Get("catalog_name")),
		PickupLocation: strings.TrimSpace(q.Get("pickup_location")),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"free": n})
}
