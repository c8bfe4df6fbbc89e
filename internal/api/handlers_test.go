package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"mintbridge/internal/config"
	"mintbridge/internal/database"
	"mintbridge/internal/models"
	"mintbridge/internal/service"
	"mintbridge/internal/webhook"
)

const testSecret = "whsec_test"

type fakeStore struct {
	requests map[string]*models.MintRequest
}

func newFakeStore() *fakeStore {
	return &fakeStore{requests: make(map[string]*models.MintRequest)}
}

func (f *fakeStore) Admit(ctx context.Context, event models.PaymentEvent) (*models.MintRequest, bool, error) {
	id := models.DeriveRequestID(event.PaymentReference)
	if existing, ok := f.requests[id]; ok {
		copied := *existing
		return &copied, false, nil
	}
	req := &models.MintRequest{
		ID:               id,
		PaymentReference: event.PaymentReference,
		BuyerAddress:     event.BuyerAddress,
		Quantity:         event.Quantity,
		AmountCents:      event.AmountCents,
		State:            models.RequestStateReceived,
	}
	f.requests[id] = req
	copied := *req
	return &copied, true, nil
}

func (f *fakeStore) SeenEvent(ctx context.Context, eventID string) (*models.IdempotencyRecord, error) {
	return nil, nil
}

func (f *fakeStore) GetRequest(ctx context.Context, id string) (*models.MintRequest, error) {
	req, ok := f.requests[id]
	if !ok {
		return nil, nil
	}
	copied := *req
	return &copied, nil
}

func (f *fakeStore) Transition(ctx context.Context, id string, expected, next models.RequestState, patch database.Patch) error {
	req, ok := f.requests[id]
	if !ok || req.State != expected {
		return database.ErrConflict
	}
	req.State = next
	return nil
}

type fakeQueue struct{ enqueued []string }

func (f *fakeQueue) Enqueue(requestID string) { f.enqueued = append(f.enqueued, requestID) }

func newTestHandler() *Handler {
	logger := zap.NewNop()
	ingress := webhook.NewIngress(
		&config.WebhookConfig{SigningSecret: testSecret, Tolerance: 5 * time.Minute},
		newFakeStore(),
		&fakeQueue{},
		service.NewPricingService(&config.PricingConfig{
			UnitPriceCents: 6999,
			ToleranceBps:   100,
			MaxQuantity:    10,
		}, logger),
		logger,
	)
	return NewHandler(nil, ingress, logger)
}

func signedRequest(t *testing.T, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.SignatureHeaderName, webhook.SignatureHeader(testSecret, time.Now().Unix(), body))
	return req
}

func paymentEvent(eventID string) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"id":      eventID,
		"type":    "payment.succeeded",
		"created": time.Now().Unix(),
		"data": map[string]interface{}{
			"payment_reference": "pi_3OaBcD",
			"buyer_address":     "0xAb5801a7D398351b8bE11C439e05C5b3259aeC9B",
			"quantity":          1,
			"amount_cents":      6999,
		},
	})
	return body
}

func TestHandleHealth(t *testing.T) {
	logger := zap.NewNop()
	handler := NewHandler(nil, nil, logger)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	handler.HandleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var response HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response.Status != "ok" {
		t.Errorf("expected status 'ok', got '%s'", response.Status)
	}
}

func TestHandleWebhookAdmitted(t *testing.T) {
	handler := newTestHandler()

	w := httptest.NewRecorder()
	handler.HandleWebhook(w, signedRequest(t, paymentEvent("evt_1")))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var ack WebhookAckResponse
	if err := json.NewDecoder(w.Body).Decode(&ack); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !ack.Received {
		t.Error("expected received=true")
	}
	if ack.RequestID == nil || *ack.RequestID != models.DeriveRequestID("pi_3OaBcD") {
		t.Errorf("unexpected request id %v", ack.RequestID)
	}
	if ack.Duplicate {
		t.Error("expected duplicate=false on first delivery")
	}
}

func TestHandleWebhookDuplicate(t *testing.T) {
	handler := newTestHandler()

	w := httptest.NewRecorder()
	handler.HandleWebhook(w, signedRequest(t, paymentEvent("evt_1")))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	w = httptest.NewRecorder()
	handler.HandleWebhook(w, signedRequest(t, paymentEvent("evt_2")))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d on redelivery, got %d", http.StatusOK, w.Code)
	}

	var ack WebhookAckResponse
	if err := json.NewDecoder(w.Body).Decode(&ack); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !ack.Duplicate {
		t.Error("expected duplicate=true on redelivery")
	}
}

func TestHandleWebhookBadSignature(t *testing.T) {
	handler := newTestHandler()

	body := paymentEvent("evt_1")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
	req.Header.Set(webhook.SignatureHeaderName, webhook.SignatureHeader("whsec_wrong", time.Now().Unix(), body))
	w := httptest.NewRecorder()

	handler.HandleWebhook(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}
}

func TestHandleWebhookInvalidEvent(t *testing.T) {
	handler := newTestHandler()

	body, _ := json.Marshal(map[string]interface{}{
		"id":      "evt_1",
		"type":    "payment.succeeded",
		"created": time.Now().Unix(),
		"data": map[string]interface{}{
			"payment_reference": "pi_3OaBcD",
			"buyer_address":     "not-an-address",
			"quantity":          1,
			"amount_cents":      6999,
		},
	})
	w := httptest.NewRecorder()
	handler.HandleWebhook(w, signedRequest(t, body))

	// Invalid events are acknowledged, never surfaced as an error: a non-2xx
	// would trigger redelivery of an event that can never become valid.
	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var ack WebhookAckResponse
	if err := json.NewDecoder(w.Body).Decode(&ack); err != nil {
		t.Fatalf("failed to decode ack: %v", err)
	}
	if !ack.Received {
		t.Error("expected the event to be acknowledged as received")
	}
	if !ack.Invalid {
		t.Error("expected the ack to be marked invalid")
	}
	if ack.RequestID != nil {
		t.Errorf("expected no request id for an invalid event, got %s", *ack.RequestID)
	}
}

func TestHandleWebhookIgnoredType(t *testing.T) {
	handler := newTestHandler()

	body, _ := json.Marshal(map[string]interface{}{
		"id":      "evt_1",
		"type":    "customer.updated",
		"created": time.Now().Unix(),
		"data": map[string]interface{}{
			"payment_reference": "pi_3OaBcD",
		},
	})
	w := httptest.NewRecorder()
	handler.HandleWebhook(w, signedRequest(t, body))

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d for an ignored type, got %d", http.StatusOK, w.Code)
	}
}

func TestRespondJSON(t *testing.T) {
	w := httptest.NewRecorder()

	data := map[string]string{"key": "value"}
	respondJSON(w, http.StatusOK, data)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected content-type 'application/json', got '%s'", ct)
	}

	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if result["key"] != "value" {
		t.Errorf("expected key 'value', got '%s'", result["key"])
	}
}

func TestRespondError(t *testing.T) {
	w := httptest.NewRecorder()
	respondError(w, http.StatusBadRequest, "Bad request", nil)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}

	var errResp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if errResp.Error != "Bad request" {
		t.Errorf("expected error 'Bad request', got '%s'", errResp.Error)
	}
}
