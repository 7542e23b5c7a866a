package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/unit-order-engine/internal/order/application"
	"github.com/dmehra2102/unit-order-engine/internal/order/domain"
	"github.com/dmehra2102/unit-order-engine/internal/order/infrastructure/oxapay"
	"github.com/dmehra2102/unit-order-engine/pkg/logging"
)

type recordingReconciler struct {
	got     []application.Notification
	outcome application.Outcome
	err     error
}

func (r *recordingReconciler) Handle(_ context.Context, n application.Notification) (application.Outcome, error) {
	r.got = append(r.got, n)
	return r.outcome, r.err
}

func postWebhook(t *testing.T, h http.Handler, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/oxapay", strings.NewReader(body))
	if signature != "" {
		req.Header.Set(oxapay.HeaderHMAC, signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookAcknowledges(t *testing.T) {
	rec := &recordingReconciler{outcome: application.OutcomePaid}
	h := NewWebhookHandler(logging.Discard(), rec, nil, oxapay.HeaderHMAC).Routes()

	resp := postWebhook(t, h, `{"orderId":"o1","trackId":123,"status":"Paid"}`, "")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "ok", resp.Body.String())
	require.Len(t, rec.got, 1)
	assert.Equal(t, application.Notification{OrderID: "o1", TrackID: "123", ClaimedStatus: "paid"}, rec.got[0])

	// Outcomes that change nothing are still acknowledged so the gateway stops retrying.
	rec.outcome = application.OutcomeForged
	resp = postWebhook(t, h, `{"order_id":"o1","status":"paid"}`, "")
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestWebhookErrors(t *testing.T) {
	rec := &recordingReconciler{}
	h := NewWebhookHandler(logging.Discard(), rec, nil, oxapay.HeaderHMAC).Routes()

	resp := postWebhook(t, h, `not json`, "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	rec.err = fmt.Errorf("query gateway: %w", domain.ErrGatewayUnavailable)
	resp = postWebhook(t, h, `{"order_id":"o1","status":"paid"}`, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)

	rec.err = errors.New("db down")
	resp = postWebhook(t, h, `{"order_id":"o1","status":"paid"}`, "")
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
}

func TestWebhookSignature(t *testing.T) {
	rec := &recordingReconciler{outcome: application.OutcomeIgnored}
	verify := func(body []byte, sig string) bool { return oxapay.VerifySignature("merchant", body, sig) }
	h := NewWebhookHandler(logging.Discard(), rec, verify, oxapay.HeaderHMAC).Routes()
	body := `{"order_id":"o1","status":"Waiting"}`

	resp := postWebhook(t, h, body, "deadbeef")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Empty(t, rec.got)

	resp = postWebhook(t, h, body, oxapay.Sign("merchant", []byte(body)))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, rec.got, 1)
}

func TestParseNotification(t *testing.T) {
	tests := []struct {
		name string
		body string
		want application.Notification
	}{
		{"snake case", `{"order_id":"o1","track_id":"t1","status":"Paid"}`, application.Notification{OrderID: "o1", TrackID: "t1", ClaimedStatus: "paid"}},
		{"camel case", `{"orderId":"o1","trackId":"t1","status":"Confirming"}`, application.Notification{OrderID: "o1", TrackID: "t1", ClaimedStatus: "confirming"}},
		{"pascal case numeric track", `{"OrderID":" o1 ","TrackId":184467,"Status":"paid"}`, application.Notification{OrderID: "o1", TrackID: "184467", ClaimedStatus: "paid"}},
		{"extra nested fields", `{"order_id":"o1","status":"paid","txs":[{"hash":"x"}]}`, application.Notification{OrderID: "o1", ClaimedStatus: "paid"}},
		{"missing fields", `{}`, application.Notification{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNotification([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseNotification([]byte(`null`))
	assert.Error(t, err)
	_, err = ParseNotification([]byte(`[1,2]`))
	assert.Error(t, err)
}
