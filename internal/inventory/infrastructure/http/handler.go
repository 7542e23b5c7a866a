package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/dmehra2102/unit-order-engine/internal/inventory/application"
	"github.com/dmehra2102/unit-order-engine/internal/inventory/domain"
	"github.com/dmehra2102/unit-order-engine/pkg/middleware"
)

// Handler exposes single-unit catalog maintenance for the operator tooling.
type Handler struct {
	log     *slog.Logger
	service *application.Service
	authz   *middleware.Authz
}

func NewHandler(log *slog.Logger, service *application.Service, authz *middleware.Authz) *Handler {
	return &Handler{log: log, service: service, authz: authz}
}

type addUnitReq struct {
	CatalogName        string          `json:"catalog_name"`
	PickupLocation     string          `json:"pickup_location"`
	Price              decimal.Decimal `json:"price"`
	FulfillmentPayload string          `json:"fulfillment_payload"`
}

type unitView struct {
	UnitID         int64     `json:"unit_id"`
	CatalogName    string    `json:"catalog_name"`
	PickupLocation string    `json:"pickup_location"`
	Price          string    `json:"price"`
	Sold           bool      `json:"sold"`
	CreatedAt      time.Time `json:"created_at"`
}

func view(u domain.Unit) unitView {
	return unitView{
		UnitID:         u.ID,
		CatalogName:    u.Group.CatalogName,
		PickupLocation: u.Group.PickupLocation,
		Price:          u.Price.StringFixed(2),
		Sold:           u.Sold,
		CreatedAt:      u.CreatedAt,
	}
}

// Register mounts the unit routes on r.
func (h *Handler) Register(r chi.Router) {
	r.With(h.authz.Require(middleware.PermInventoryWrite)).Post("/units", h.addUnit)
	r.With(h.authz.Require(middleware.PermInventoryWrite)).Delete("/units/{id}", h.removeUnit)
	r.With(h.authz.Require(middleware.PermInventoryRead)).Get("/catalog/{name}/units", h.listGroup)
}

func (h *Handler) addUnit(w http.ResponseWriter, r *http.Request) {
	var req addUnitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	u, err := h.service.AddUnit(r.Context(), domain.Unit{
		Group:              domain.Group{CatalogName: req.CatalogName, PickupLocation: req.PickupLocation},
		Price:              req.Price,
		FulfillmentPayload: req.FulfillmentPayload,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view(u))
}

func (h *Handler) removeUnit(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if err := h.service.Remove(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listGroup(w http.ResponseWriter, r *http.Request) {
	units, err := h.service.ListGroup(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]unitView, 0, len(units))
	for _, u := range units {
		out = append(out, view(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"units": out})
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, application.ErrInvalidUnit):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_unit", "error_description": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
	default:
		h.log.Error("inventory request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
