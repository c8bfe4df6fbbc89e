package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"mintbridge/internal/config"
	"mintbridge/internal/database"
	"mintbridge/internal/metrics"
	"mintbridge/internal/models"
	"mintbridge/internal/service"
)

// Event types the processor delivers
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
	EventChargeback       = "payment.chargeback"
)

// Outcome classifies how an event was handled, for the HTTP layer to map to
// a response. Every outcome except OutcomeRetryable is acknowledged with 2xx
// so the processor stops redelivering.
type Outcome int

const (
	OutcomeAdmitted Outcome = iota
	OutcomeDuplicate
	OutcomeInvalid
	OutcomeIgnored
	OutcomeRejected  // authenticity failure
	OutcomeRetryable // transient ingestion failure, ask for redelivery
)

// Store is the admission surface of the fulfillment state store
type Store interface {
	Admit(ctx context.Context, event models.PaymentEvent) (*models.MintRequest, bool, error)
	SeenEvent(ctx context.Context, eventID string) (*models.IdempotencyRecord, error)
	GetRequest(ctx context.Context, id string) (*models.MintRequest, error)
	Transition(ctx context.Context, id string, expected, next models.RequestState, patch database.Patch) error
}

// Queue accepts admitted request ids for submission
type Queue interface {
	Enqueue(requestID string)
}

type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		PaymentReference string `json:"payment_reference"`
		BuyerAddress     string `json:"buyer_address"`
		Quantity         int64  `json:"quantity"`
		AmountCents      int64  `json:"amount_cents"`
	} `json:"data"`
}

// Ingress verifies, parses and admits inbound payment events
type Ingress struct {
	cfg     *config.WebhookConfig
	store   Store
	queue   Queue
	pricing *service.PricingService
	logger  *zap.Logger
}

// NewIngress creates a webhook ingress
func NewIngress(cfg *config.WebhookConfig, store Store, queue Queue, pricing *service.PricingService, logger *zap.Logger) *Ingress {
	return &Ingress{
		cfg:     cfg,
		store:   store,
		queue:   queue,
		pricing: pricing,
		logger:  logger.Named("ingress"),
	}
}

// Handle processes one raw delivery. The returned request is non-nil for
// admitted and duplicate outcomes.
func (i *Ingress) Handle(ctx context.Context, body []byte, signatureHeader string, now time.Time) (Outcome, *models.MintRequest, error) {
	metrics.WebhookEventsTotal.Inc()

	if err := VerifySignature(i.cfg.SigningSecret, signatureHeader, body, i.cfg.Tolerance, now); err != nil {
		i.logger.Warn("Rejected unauthenticated event", zap.Error(err))
		return OutcomeRejected, nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		metrics.WebhookEventsInvalidTotal.Inc()
		return OutcomeInvalid, nil, fmt.Errorf("malformed event payload: %w", err)
	}

	if env.ID == "" || env.Data.PaymentReference == "" {
		metrics.WebhookEventsInvalidTotal.Inc()
		return OutcomeInvalid, nil, fmt.Errorf("event missing id or payment reference")
	}

	switch env.Type {
	case EventPaymentSucceeded:
		return i.admitMint(ctx, env, now)
	case EventPaymentFailed, EventChargeback:
		return i.handleReversal(ctx, env)
	default:
		i.logger.Debug("Ignoring unhandled event type",
			zap.String("event_id", env.ID),
			zap.String("type", env.Type))
		return OutcomeIgnored, nil, nil
	}
}

func (i *Ingress) admitMint(ctx context.Context, env envelope, now time.Time) (Outcome, *models.MintRequest, error) {
	// Fast path for redelivered event ids: skip validation and the admission
	// transaction entirely. A lookup failure just falls through to the
	// authoritative transactional path.
	if rec, err := i.store.SeenEvent(ctx, env.ID); err == nil && rec != nil {
		req, err := i.store.GetRequest(ctx, rec.RequestID)
		if err == nil && req != nil && req.State != models.RequestStateReceived {
			metrics.WebhookEventsDuplicateTotal.Inc()
			i.logger.Info("Duplicate delivery deduplicated",
				zap.String("event_id", env.ID),
				zap.String("request_id", req.ID),
				zap.String("state", string(req.State)))
			return OutcomeDuplicate, req, nil
		}
	}

	if !common.IsHexAddress(env.Data.BuyerAddress) {
		metrics.WebhookEventsInvalidTotal.Inc()
		i.logger.Warn("Invalid buyer address",
			zap.String("event_id", env.ID),
			zap.String("buyer_address", env.Data.BuyerAddress))
		return OutcomeInvalid, nil, fmt.Errorf("invalid buyer address %q", env.Data.BuyerAddress)
	}

	if err := i.pricing.ValidateAmount(env.Data.Quantity, env.Data.AmountCents); err != nil {
		metrics.WebhookEventsInvalidTotal.Inc()
		i.logger.Warn("Inconsistent payment data",
			zap.String("event_id", env.ID),
			zap.String("payment_reference", env.Data.PaymentReference),
			zap.Error(err))
		return OutcomeInvalid, nil, err
	}

	event := models.PaymentEvent{
		EventID:          env.ID,
		Type:             env.Type,
		PaymentReference: env.Data.PaymentReference,
		BuyerAddress:     common.HexToAddress(env.Data.BuyerAddress).Hex(),
		Quantity:         env.Data.Quantity,
		AmountCents:      env.Data.AmountCents,
		ReceivedAt:       now,
	}

	req, created, err := i.store.Admit(ctx, event)
	if err != nil {
		return OutcomeRetryable, nil, fmt.Errorf("admission failed: %w", err)
	}

	if !created && req.State != models.RequestStateReceived {
		metrics.WebhookEventsDuplicateTotal.Inc()
		i.logger.Info("Duplicate delivery deduplicated",
			zap.String("event_id", env.ID),
			zap.String("request_id", req.ID),
			zap.String("state", string(req.State)))
		return OutcomeDuplicate, req, nil
	}

	// Move to the queue. A RECEIVED request from an earlier crashed delivery
	// is re-driven here; a conflict means someone else already advanced it.
	if err := i.store.Transition(ctx, req.ID, models.RequestStateReceived, models.RequestStateQueued, database.Patch{}); err != nil {
		if err == database.ErrConflict {
			metrics.WebhookEventsDuplicateTotal.Inc()
			return OutcomeDuplicate, req, nil
		}
		return OutcomeRetryable, nil, fmt.Errorf("failed to queue request: %w", err)
	}

	i.queue.Enqueue(req.ID)

	i.logger.Info("Mint request admitted",
		zap.String("event_id", env.ID),
		zap.String("request_id", req.ID),
		zap.String("buyer_address", req.BuyerAddress),
		zap.Int64("quantity", req.Quantity))

	return OutcomeAdmitted, req, nil
}

// handleReversal marks a not-yet-submitted request as failed when the
// processor reports the payment reversed. Requests already on chain are left
// to the operator; an unknown reference is acknowledged without effect.
func (i *Ingress) handleReversal(ctx context.Context, env envelope) (Outcome, *models.MintRequest, error) {
	requestID := models.DeriveRequestID(env.Data.PaymentReference)
	reason := "payment reversed"

	for _, state := range []models.RequestState{models.RequestStateReceived, models.RequestStateQueued} {
		err := i.store.Transition(ctx, requestID, state, models.RequestStateFailed, database.Patch{
			LastError: &reason,
		})
		if err == nil {
			metrics.MintsFailedTotal.Inc()
			i.logger.Warn("Payment reversed before submission",
				zap.String("event_id", env.ID),
				zap.String("request_id", requestID),
				zap.String("type", env.Type))
			return OutcomeAdmitted, nil, nil
		}
		if err != database.ErrConflict {
			return OutcomeRetryable, nil, fmt.Errorf("failed to mark reversal: %w", err)
		}
	}

	i.logger.Info("Reversal event had no admissible request",
		zap.String("event_id", env.ID),
		zap.String("request_id", requestID))
	return OutcomeIgnored, nil, nil
}
