// Package notify delivers buyer notifications to the front-end.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

type message struct {
	Event   string `json:"event"`
	BuyerID string `json:"buyer_id"`
	OrderID string `json:"order_id"`
	Payload string `json:"payload,omitempty"`
	Status  string `json:"status,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// HTTP posts notifications as JSON to the front-end callback URL.
type HTTP struct {
	log    *slog.Logger
	url    string
	client *http.Client
}

func NewHTTP(log *slog.Logger, url string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTP{log: log, url: url, client: &http.Client{Timeout: timeout}}
}

func (n *HTTP) Delivered(ctx context.Context, buyerID, orderID, payload string) error {
	return n.post(ctx, message{Event: "delivered", BuyerID: buyerID, OrderID: orderID, Payload: payload})
}

func (n *HTTP) Released(ctx context.Context, buyerID, orderID, status, reason string) error {
	return n.post(ctx, message{Event: "released", BuyerID: buyerID, OrderID: orderID, Status: status, Reason: reason})
}

func (n *HTTP) post(ctx context.Context, m message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("notify %s: http %d", m.Event, resp.StatusCode)
	}
	n.log.Info("buyer notified", "event", m.Event, "buyer_id", m.BuyerID, "order_id", m.OrderID)
	return nil
}

// Log writes notifications to the log; used when no callback URL is set.
type Log struct {
	log *slog.Logger
}

func NewLog(log *slog.Logger) *Log {
	return &Log{log: log}
}

func (n *Log) Delivered(_ context.Context, buyerID, orderID, _ string) error {
	n.log.Info("delivery ready", "buyer_id", buyerID, "order_id", orderID)
	return nil
}

func (n *Log) Released(_ context.Context, buyerID, orderID, status, reason string) error {
	n.log.Info("reservation released", "buyer_id", buyerID, "order_id", orderID, "status", status, "reason", reason)
	return nil
}
