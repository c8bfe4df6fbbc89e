package api

import (
	"time"

	"mintbridge/internal/models"
)

// ==================== Webhook Ingestion ====================

// WebhookAckResponse acknowledges a delivered payment event
type WebhookAckResponse struct {
	Received  bool    `json:"received"`
	RequestID *string `json:"request_id,omitempty"`
	Duplicate bool    `json:"duplicate,omitempty"`
	Invalid   bool    `json:"invalid,omitempty"`
}

// ==================== Mint Status ====================

// MintStatusResponse represents the current state of a mint request
type MintStatusResponse struct {
	RequestID        string              `json:"request_id"`
	PaymentReference string              `json:"payment_reference"`
	BuyerAddress     string              `json:"buyer_address"`
	Quantity         int64               `json:"quantity"`
	AmountCents      int64               `json:"amount_cents"`
	State            models.RequestState `json:"state"`
	TxHash           *string             `json:"tx_hash"`
	IncludedBlock    *int64              `json:"included_block,omitempty"`
	Attempts         int                 `json:"attempts"`
	Replacements     int                 `json:"replacements"`
	Error            *string             `json:"error,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// ==================== Error Response ====================

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==================== Health Check ====================

// HealthResponse represents health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
