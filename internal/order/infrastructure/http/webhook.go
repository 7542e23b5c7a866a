package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/unit-order-engine/internal/order/application"
	"github.com/dmehra2102/unit-order-engine/internal/order/domain"
	"github.com/dmehra2102/unit-order-engine/pkg/metrics"
	"github.com/dmehra2102/unit-order-engine/pkg/middleware"
)

const maxWebhookBody = 64 << 10

type Reconciler interface {
	Handle(ctx context.Context, n application.Notification) (application.Outcome, error)
}

// SignatureVerifier checks a callback body against its HMAC header.
type SignatureVerifier func(body []byte, signature string) bool

type WebhookHandler struct {
	log        *slog.Logger
	reconciler Reconciler
	verify     SignatureVerifier
	header     string
	tracer     trace.Tracer
}

// NewWebhookHandler builds the gateway callback endpoint. A nil verify skips
// the signature check; the reconciler re-queries the gateway either way.
func NewWebhookHandler(log *slog.Logger, reconciler Reconciler, verify SignatureVerifier, signatureHeader string) *WebhookHandler {
	return &WebhookHandler{
		log:        log,
		reconciler: reconciler,
		verify:     verify,
		header:     signatureHeader,
		tracer:     otel.Tracer("payment-webhook"),
	}
}

func (h *WebhookHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Use(middleware.AccessLog(h.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	r.Handle("/metrics", metrics.Handler())
	r.Post("/v1/webhooks/oxapay", h.oxapay)
	return r
}

func (h *WebhookHandler) oxapay(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "HTTP OxaPayCallback")
	defer span.End()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if h.verify != nil && !h.verify(body, r.Header.Get(h.header)) {
		h.log.Warn("webhook signature mismatch", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	n, err := ParseNotification(body)
	if err != nil {
		h.log.Warn("undecodable webhook", "err", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	outcome, err := h.reconciler.Handle(ctx, n)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, domain.ErrGatewayUnavailable) {
			h.log.Warn("webhook deferred, gateway unavailable", "order_id", n.OrderID, "err", err)
			http.Error(w, "gateway unavailable", http.StatusServiceUnavailable)
			return
		}
		h.log.Error("webhook reconcile failed", "order_id", n.OrderID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.log.Info("webhook acknowledged", "order_id", n.OrderID, "outcome", outcome)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ParseNotification reads a gateway callback whatever the key casing
// (order_id, orderId, OrderID) and whether ids are strings or numbers.
func ParseNotification(body []byte) (application.Notification, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return application.Notification{}, err
	}
	if m == nil {
		return application.Notification{}, errors.New("empty notification")
	}

	fields := make(map[string]string, len(m))
	for k, v := range m {
		key := strings.ToLower(strings.ReplaceAll(k, "_", ""))
		if s, ok := scalar(v); ok {
			fields[key] = s
		}
	}
	return application.Notification{
		OrderID:       fields["orderid"],
		TrackID:       fields["trackid"],
		ClaimedStatus: strings.ToLower(fields["status"]),
	}, nil
}

func scalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true
	case json.Number:
		return t.String(), true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	}
	return "", false
}
