package webhook

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"mintbridge/internal/config"
	"mintbridge/internal/database"
	"mintbridge/internal/models"
	"mintbridge/internal/service"
)

const (
	testSecret = "whsec_test"
	testBuyer  = "0xAb5801a7D398351b8bE11C439e05C5b3259aeC9B"
)

// fakeAdmissionStore mimics the database admission semantics: one request per
// payment reference, transitions guarded by the expected state.
type fakeAdmissionStore struct {
	requests map[string]*models.MintRequest
	events   map[string]*models.IdempotencyRecord
	admits   int
	admitErr error
}

func newFakeAdmissionStore() *fakeAdmissionStore {
	return &fakeAdmissionStore{
		requests: make(map[string]*models.MintRequest),
		events:   make(map[string]*models.IdempotencyRecord),
	}
}

func (f *fakeAdmissionStore) Admit(ctx context.Context, event models.PaymentEvent) (*models.MintRequest, bool, error) {
	if f.admitErr != nil {
		return nil, false, f.admitErr
	}
	f.admits++
	id := models.DeriveRequestID(event.PaymentReference)
	if _, ok := f.events[event.EventID]; !ok {
		f.events[event.EventID] = &models.IdempotencyRecord{
			EventID:    event.EventID,
			RequestID:  id,
			ReceivedAt: event.ReceivedAt,
		}
	}
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
		CreatedAt:        event.ReceivedAt,
	}
	f.requests[id] = req
	copied := *req
	return &copied, true, nil
}

func (f *fakeAdmissionStore) SeenEvent(ctx context.Context, eventID string) (*models.IdempotencyRecord, error) {
	rec, ok := f.events[eventID]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

func (f *fakeAdmissionStore) GetRequest(ctx context.Context, id string) (*models.MintRequest, error) {
	req, ok := f.requests[id]
	if !ok {
		return nil, nil
	}
	copied := *req
	return &copied, nil
}

func (f *fakeAdmissionStore) Transition(ctx context.Context, id string, expected, next models.RequestState, patch database.Patch) error {
	req, ok := f.requests[id]
	if !ok || req.State != expected {
		return database.ErrConflict
	}
	req.State = next
	if patch.LastError != nil {
		req.LastError = patch.LastError
	}
	return nil
}

type fakeQueue struct {
	enqueued []string
}

func (f *fakeQueue) Enqueue(requestID string) {
	f.enqueued = append(f.enqueued, requestID)
}

func newTestIngress(store Store, queue Queue) *Ingress {
	cfg := &config.WebhookConfig{
		SigningSecret: testSecret,
		Tolerance:     5 * time.Minute,
	}
	pricing := service.NewPricingService(&config.PricingConfig{
		UnitPriceCents: 6999,
		ToleranceBps:   100,
		MaxQuantity:    10,
	}, zap.NewNop())
	return NewIngress(cfg, store, queue, pricing, zap.NewNop())
}

type eventData struct {
	PaymentReference string `json:"payment_reference"`
	BuyerAddress     string `json:"buyer_address"`
	Quantity         int64  `json:"quantity"`
	AmountCents      int64  `json:"amount_cents"`
}

func signedEvent(t *testing.T, now time.Time, eventID, eventType string, data eventData) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":      eventID,
		"type":    eventType,
		"created": now.Unix(),
		"data":    data,
	})
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	return body, SignatureHeader(testSecret, now.Unix(), body)
}

func validData() eventData {
	return eventData{
		PaymentReference: "pi_3OaBcD",
		BuyerAddress:     testBuyer,
		Quantity:         2,
		AmountCents:      13998,
	}
}

func TestHandleAdmitsPayment(t *testing.T) {
	store := newFakeAdmissionStore()
	queue := &fakeQueue{}
	ingress := newTestIngress(store, queue)
	now := time.Now()

	body, sig := signedEvent(t, now, "evt_1", EventPaymentSucceeded, validData())
	outcome, req, err := ingress.Handle(context.Background(), body, sig, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeAdmitted {
		t.Fatalf("expected OutcomeAdmitted, got %v", outcome)
	}
	if req == nil {
		t.Fatal("expected a request")
	}
	if req.ID != models.DeriveRequestID("pi_3OaBcD") {
		t.Errorf("unexpected request id %s", req.ID)
	}
	if got := store.requests[req.ID].State; got != models.RequestStateQueued {
		t.Errorf("expected state %s, got %s", models.RequestStateQueued, got)
	}
	if len(queue.enqueued) != 1 || queue.enqueued[0] != req.ID {
		t.Errorf("expected request enqueued once, got %v", queue.enqueued)
	}
}

func TestHandleDuplicateDelivery(t *testing.T) {
	store := newFakeAdmissionStore()
	queue := &fakeQueue{}
	ingress := newTestIngress(store, queue)
	now := time.Now()

	body, sig := signedEvent(t, now, "evt_1", EventPaymentSucceeded, validData())
	if _, _, err := ingress.Handle(context.Background(), body, sig, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Same event redelivered, and the same payment under a fresh event id.
	// Neither may produce a second request or a second queue entry.
	redeliveries := [][2]string{{"evt_1", "redelivery"}, {"evt_2", "fresh event id"}}
	for _, rd := range redeliveries {
		body, sig := signedEvent(t, now, rd[0], EventPaymentSucceeded, validData())
		outcome, req, err := ingress.Handle(context.Background(), body, sig, now)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", rd[1], err)
		}
		if outcome != OutcomeDuplicate {
			t.Errorf("%s: expected OutcomeDuplicate, got %v", rd[1], outcome)
		}
		if req == nil {
			t.Errorf("%s: expected the existing request", rd[1])
		}
	}

	if len(store.requests) != 1 {
		t.Errorf("expected exactly one request, got %d", len(store.requests))
	}
	if len(queue.enqueued) != 1 {
		t.Errorf("expected exactly one queue entry, got %v", queue.enqueued)
	}

	// The redelivered event id was short-circuited by the idempotency
	// lookup: only the first delivery and the fresh event id reached the
	// admission transaction.
	if store.admits != 2 {
		t.Errorf("expected 2 admissions, got %d", store.admits)
	}
}

func TestHandleRejectsBadSignature(t *testing.T) {
	store := newFakeAdmissionStore()
	ingress := newTestIngress(store, &fakeQueue{})
	now := time.Now()

	body, _ := signedEvent(t, now, "evt_1", EventPaymentSucceeded, validData())
	outcome, _, err := ingress.Handle(context.Background(), body, SignatureHeader("whsec_wrong", now.Unix(), body), now)
	if outcome != OutcomeRejected {
		t.Fatalf("expected OutcomeRejected, got %v", outcome)
	}
	if err == nil {
		t.Fatal("expected an error")
	}
	if len(store.requests) != 0 {
		t.Errorf("expected no admitted requests, got %d", len(store.requests))
	}
}

func TestHandleInvalidEvents(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name string
		data eventData
	}{
		{
			name: "bad buyer address",
			data: eventData{PaymentReference: "pi_1", BuyerAddress: "not-an-address", Quantity: 1, AmountCents: 6999},
		},
		{
			name: "zero quantity",
			data: eventData{PaymentReference: "pi_1", BuyerAddress: testBuyer, Quantity: 0, AmountCents: 6999},
		},
		{
			name: "quantity above cap",
			data: eventData{PaymentReference: "pi_1", BuyerAddress: testBuyer, Quantity: 11, AmountCents: 76989},
		},
		{
			name: "amount mismatch",
			data: eventData{PaymentReference: "pi_1", BuyerAddress: testBuyer, Quantity: 2, AmountCents: 100},
		},
		{
			name: "missing payment reference",
			data: eventData{PaymentReference: "", BuyerAddress: testBuyer, Quantity: 1, AmountCents: 6999},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeAdmissionStore()
			ingress := newTestIngress(store, &fakeQueue{})

			body, sig := signedEvent(t, now, "evt_1", EventPaymentSucceeded, tt.data)
			outcome, _, err := ingress.Handle(context.Background(), body, sig, now)
			if outcome != OutcomeInvalid {
				t.Fatalf("expected OutcomeInvalid, got %v", outcome)
			}
			if err == nil {
				t.Fatal("expected an error")
			}
			if len(store.requests) != 0 {
				t.Errorf("expected no admitted requests, got %d", len(store.requests))
			}
		})
	}
}

func TestHandleIgnoresUnknownType(t *testing.T) {
	store := newFakeAdmissionStore()
	ingress := newTestIngress(store, &fakeQueue{})
	now := time.Now()

	body, sig := signedEvent(t, now, "evt_1", "customer.updated", validData())
	outcome, _, err := ingress.Handle(context.Background(), body, sig, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeIgnored {
		t.Fatalf("expected OutcomeIgnored, got %v", outcome)
	}
}

func TestHandleReversal(t *testing.T) {
	store := newFakeAdmissionStore()
	ingress := newTestIngress(store, &fakeQueue{})
	now := time.Now()

	// Admit a payment, then reverse it before submission.
	body, sig := signedEvent(t, now, "evt_1", EventPaymentSucceeded, validData())
	if _, _, err := ingress.Handle(context.Background(), body, sig, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body, sig = signedEvent(t, now, "evt_2", EventChargeback, validData())
	outcome, _, err := ingress.Handle(context.Background(), body, sig, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeAdmitted {
		t.Fatalf("expected OutcomeAdmitted, got %v", outcome)
	}

	req := store.requests[models.DeriveRequestID("pi_3OaBcD")]
	if req.State != models.RequestStateFailed {
		t.Errorf("expected state %s, got %s", models.RequestStateFailed, req.State)
	}
	if req.LastError == nil || *req.LastError != "payment reversed" {
		t.Errorf("expected last error 'payment reversed', got %v", req.LastError)
	}
}

func TestHandleReversalUnknownReference(t *testing.T) {
	store := newFakeAdmissionStore()
	ingress := newTestIngress(store, &fakeQueue{})
	now := time.Now()

	body, sig := signedEvent(t, now, "evt_1", EventPaymentFailed, validData())
	outcome, _, err := ingress.Handle(context.Background(), body, sig, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeIgnored {
		t.Fatalf("expected OutcomeIgnored, got %v", outcome)
	}
}

func TestHandleRetryableOnStoreFailure(t *testing.T) {
	store := newFakeAdmissionStore()
	store.admitErr = context.DeadlineExceeded
	ingress := newTestIngress(store, &fakeQueue{})
	now := time.Now()

	body, sig := signedEvent(t, now, "evt_1", EventPaymentSucceeded, validData())
	outcome, _, err := ingress.Handle(context.Background(), body, sig, now)
	if outcome != OutcomeRetryable {
		t.Fatalf("expected OutcomeRetryable, got %v", outcome)
	}
	if err == nil {
		t.Fatal("expected an error")
	}
}
