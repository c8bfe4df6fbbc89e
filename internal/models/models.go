package models

import (
	"encoding/hex"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// RequestState represents the lifecycle state of a mint request
type RequestState string

const (
	RequestStateReceived  RequestState = "RECEIVED"
	RequestStateQueued    RequestState = "QUEUED"
	RequestStateSubmitted RequestState = "SUBMITTED"
	RequestStateConfirmed RequestState = "CONFIRMED"
	RequestStateFailed    RequestState = "FAILED"
	RequestStateAbandoned RequestState = "ABANDONED"
)

// IsTerminal reports whether no further forward transitions exist from s.
// ABANDONED still allows the tracker to reconcile a late confirmation of the
// in-flight transaction, since a broadcast transaction cannot be unsent.
func (s RequestState) IsTerminal() bool {
	return s == RequestStateConfirmed || s == RequestStateAbandoned
}

// PaymentEvent is the verified, parsed form of an inbound payment processor
// event. It is never stored beyond the idempotency mapping of its EventID.
type PaymentEvent struct {
	EventID          string
	Type             string
	PaymentReference string
	BuyerAddress     string
	Quantity         int64
	AmountCents      int64
	ReceivedAt       time.Time
}

// MintRequest is the unit of work tracked by the bridge. One payment
// reference maps to at most one MintRequest for its lifetime.
type MintRequest struct {
	ID               string       `db:"id"`
	PaymentReference string       `db:"payment_reference"`
	BuyerAddress     string       `db:"buyer_address"`
	Quantity         int64        `db:"quantity"`
	AmountCents      int64        `db:"amount_cents"`
	State            RequestState `db:"state"`
	SigningKey       *string      `db:"signing_key"`
	Nonce            *int64       `db:"nonce"`
	TxHash           *string      `db:"tx_hash"`
	ReplacementCount int          `db:"replacement_count"`
	GasPriceWei      *string      `db:"gas_price_wei"`
	IncludedBlock    *int64       `db:"included_block"`
	Attempts         int          `db:"attempts"`
	LastError        *string      `db:"last_error"`
	NextAttemptAt    *time.Time   `db:"next_attempt_at"`
	SubmittedAt      *time.Time   `db:"submitted_at"`
	Alerted          bool         `db:"alerted"`
	CreatedAt        time.Time    `db:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"`
}

// IdempotencyRecord maps a processor event id to the mint request it admitted
type IdempotencyRecord struct {
	EventID    string    `db:"event_id"`
	RequestID  string    `db:"request_id"`
	ReceivedAt time.Time `db:"received_at"`
}

// DeriveRequestID derives the mint request id from the payment reference.
// Redeliveries of the same logical payment, under any event id, always map to
// the same request id.
func DeriveRequestID(paymentReference string) string {
	sum := crypto.Keccak256([]byte(paymentReference))
	return "mr_" + hex.EncodeToString(sum[:16])
}
