// Package oxapay is the PaymentGateway backed by the OxaPay merchant API.
package oxapay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/unit-order-engine/internal/order/application"
	"github.com/dmehra2102/unit-order-engine/internal/order/domain"
)

const (
	invoicePath = "/v1/payment/invoice"
	statusPath  = "/v1/payment/status"

	resultOK = 100
)

// HeaderHMAC carries the hex HMAC-SHA512 of a callback body.
const HeaderHMAC = "HMAC"

type Config struct {
	BaseURL           string
	MerchantKey       string
	CallbackURL       string
	Currency          string
	ToCurrency        string
	Lifetime          time.Duration
	UnderPaidCoverage float64
	FeePaidByPayer    bool
	Timeout           time.Duration
}

type Client struct {
	log    *slog.Logger
	cfg    Config
	http   *http.Client
	tracer trace.Tracer
}

func NewClient(log *slog.Logger, cfg Config) *Client {
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		log:    log,
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		tracer: otel.Tracer("oxapay"),
	}
}

var _ application.PaymentGateway = (*Client)(nil)

type invoiceRequest struct {
	Amount            float64 `json:"amount"`
	Currency          string  `json:"currency"`
	Lifetime          int     `json:"lifetime"`
	FeePaidByPayer    int     `json:"fee_paid_by_payer"`
	UnderPaidCoverage float64 `json:"under_paid_coverage"`
	ToCurrency        string  `json:"to_currency,omitempty"`
	CallbackURL       string  `json:"callback_url,omitempty"`
	Description       string  `json:"description"`
	OrderID           string  `json:"order_id"`
}

type statusRequest struct {
	MerchantKey string `json:"merchant_api_key"`
	TrackID     string `json:"track_id"`
}

// envelope covers both the legacy {"result":100} and the v1 {"status":200}
// response shapes.
type envelope struct {
	Result  int             `json:"result"`
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e envelope) ok() bool {
	return e.Result == resultOK || e.Status == http.StatusOK
}

type invoiceData struct {
	PaymentURL string      `json:"payment_url"`
	TrackID    flexString `json:"track_id"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

type statusData struct {
	Status string `json:"status"`
}

func (c *Client) CreateInvoice(ctx context.Context, inv application.Invoice) (application.InvoiceRef, error) {
	ctx, span := c.tracer.Start(ctx, "oxapay.CreateInvoice", trace.WithAttributes(
		attribute.String("order_id", inv.OrderID),
		attribute.String("amount", inv.Amount.String()),
	))
	defer span.End()

	fee := 0
	if c.cfg.FeePaidByPayer {
		fee = 1
	}
	desc := inv.Description
	if desc == "" {
		desc = "Order " + inv.OrderID
	}
	req := invoiceRequest{
		Amount:            inv.Amount.InexactFloat64(),
		Currency:          c.cfg.Currency,
		Lifetime:          int(c.cfg.Lifetime / time.Minute),
		FeePaidByPayer:    fee,
		UnderPaidCoverage: c.cfg.UnderPaidCoverage,
		ToCurrency:        c.cfg.ToCurrency,
		CallbackURL:       c.cfg.CallbackURL,
		Description:       desc,
		OrderID:           inv.OrderID,
	}

	env, code, err := c.post(ctx, invoicePath, req, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invoice request failed")
		return application.InvoiceRef{}, err
	}
	if code >= http.StatusBadRequest || !env.ok() {
		err := fmt.Errorf("%w: invoice rejected: http=%d result=%d status=%d message=%q",
			domain.ErrGatewayUnavailable, code, env.Result, env.Status, env.Message)
		span.SetStatus(codes.Error, "invoice rejected")
		return application.InvoiceRef{}, err
	}

	var data invoiceData
	if err := decodeData(env.Data, &data); err != nil {
		return application.InvoiceRef{}, fmt.Errorf("%w: decode invoice: %v", domain.ErrGatewayUnavailable, err)
	}
	ref := application.InvoiceRef{PayURL: data.PaymentURL, TrackID: string(data.TrackID)}
	if ref.PayURL == "" || ref.TrackID == "" {
		return application.InvoiceRef{}, fmt.Errorf("%w: invoice missing payment_url or track_id", domain.ErrGatewayUnavailable)
	}
	span.SetAttributes(attribute.String("track_id", ref.TrackID))
	c.log.Info("invoice created", "order_id", inv.OrderID, "track_id", ref.TrackID)
	return ref, nil
}

func (c *Client) QueryStatus(ctx context.Context, trackID string) (application.Settlement, error) {
	ctx, span := c.tracer.Start(ctx, "oxapay.QueryStatus", trace.WithAttributes(
		attribute.String("track_id", trackID),
	))
	defer span.End()

	if trackID == "" {
		return application.Unsettled, nil
	}

	env, code, err := c.post(ctx, statusPath, statusRequest{MerchantKey: c.cfg.MerchantKey, TrackID: trackID}, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "status request failed")
		return application.Unsettled, err
	}
	// 404 is the gateway's answer for a track id it has never issued. Any
	// other rejection (rate limit, auth, result != 100) says nothing about
	// the payment and must be retried.
	if code == http.StatusNotFound {
		c.log.Warn("gateway does not know track id", "track_id", trackID, "message", env.Message)
		return application.Unsettled, nil
	}
	if code >= http.StatusBadRequest || !env.ok() {
		err := fmt.Errorf("%w: status rejected: http=%d result=%d status=%d message=%q",
			domain.ErrGatewayUnavailable, code, env.Result, env.Status, env.Message)
		span.RecordError(err)
		span.SetStatus(codes.Error, "status rejected")
		return application.Unsettled, err
	}

	var data statusData
	if err := decodeData(env.Data, &data); err != nil {
		return application.Unsettled, fmt.Errorf("%w: decode status: %v", domain.ErrGatewayUnavailable, err)
	}
	status := strings.ToLower(strings.TrimSpace(data.Status))
	span.SetAttributes(attribute.String("gateway_status", status))
	if domain.IsSettledStatus(status) {
		return application.Settled, nil
	}
	return application.Unsettled, nil
}

// VerifySignature checks the HMAC header of a callback body against the
// merchant key.
func (c *Client) VerifySignature(body []byte, signature string) bool {
	return VerifySignature(c.cfg.MerchantKey, body, signature)
}

func VerifySignature(key string, body []byte, signature string) bool {
	if key == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(key))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}

// Sign returns the hex HMAC-SHA512 of body, as the gateway sends it.
func Sign(key string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// post returns the decoded envelope and the HTTP status. Transport
// failures, 5xx and undecodable 2xx bodies are ErrGatewayUnavailable; a 4xx
// body that is not an envelope decodes to the zero envelope.
func (c *Client) post(ctx context.Context, path string, body any, keyHeader bool) (envelope, int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return envelope{}, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return envelope{}, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if keyHeader {
		req.Header.Set("merchant_api_key", c.cfg.MerchantKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return envelope{}, 0, fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return envelope{}, resp.StatusCode, fmt.Errorf("%w: read body: %v", domain.ErrGatewayUnavailable, err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return envelope{}, resp.StatusCode, fmt.Errorf("%w: http %d", domain.ErrGatewayUnavailable, resp.StatusCode)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return envelope{}, resp.StatusCode, nil
		}
		return envelope{}, resp.StatusCode, fmt.Errorf("%w: decode envelope (http %d): %v", domain.ErrGatewayUnavailable, resp.StatusCode, err)
	}
	return env, resp.StatusCode, nil
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("empty data")
	}
	return json.Unmarshal(raw, v)
}
