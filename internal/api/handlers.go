package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"mintbridge/internal/database"
	"mintbridge/internal/models"
	"mintbridge/internal/webhook"
)

// maxWebhookBody bounds the payload a payment provider may deliver
const maxWebhookBody = 1 << 16

// Handler holds dependencies for HTTP handlers
type Handler struct {
	store   *database.DB
	ingress *webhook.Ingress
	logger  *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(store *database.DB, ingress *webhook.Ingress, logger *zap.Logger) *Handler {
	return &Handler{
		store:   store,
		ingress: ingress,
		logger:  logger,
	}
}

// ==================== Health Check ====================

// HandleHealth returns service health status
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:  "ok",
		Version: "1.0.0",
	}
	respondJSON(w, http.StatusOK, response)
}

// ==================== Webhook Ingestion ====================

// HandleWebhook handles POST /webhooks/payment
// Verifies and admits a payment provider event. The response code drives the
// provider's redelivery behavior: 2xx acknowledges the event, 5xx asks for it
// again, and 4xx tells the provider the event itself is bad.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("Failed to read webhook body", zap.Error(err))
		respondError(w, http.StatusBadRequest, "Unreadable request body", err)
		return
	}

	outcome, req, err := h.ingress.Handle(r.Context(), body, r.Header.Get(webhook.SignatureHeaderName), time.Now())

	switch outcome {
	case webhook.OutcomeAdmitted:
		ack := WebhookAckResponse{Received: true}
		if req != nil {
			ack.RequestID = &req.ID
		}
		respondJSON(w, http.StatusOK, ack)

	case webhook.OutcomeDuplicate:
		ack := WebhookAckResponse{Received: true, Duplicate: true}
		if req != nil {
			ack.RequestID = &req.ID
		}
		respondJSON(w, http.StatusOK, ack)

	case webhook.OutcomeIgnored:
		respondJSON(w, http.StatusOK, WebhookAckResponse{Received: true})

	case webhook.OutcomeRejected:
		h.logger.Warn("Rejected webhook delivery", zap.Error(err))
		respondError(w, http.StatusUnauthorized, "Invalid signature", nil)

	case webhook.OutcomeInvalid:
		// An event that fails validation can never become valid on redelivery,
		// so it is acknowledged to stop the processor from retrying it.
		h.logger.Warn("Invalid webhook event", zap.Error(err))
		respondJSON(w, http.StatusOK, WebhookAckResponse{Received: true, Invalid: true})

	default: // OutcomeRetryable
		h.logger.Error("Webhook ingestion failed, requesting redelivery", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Ingestion failed", nil)
	}
}

// ==================== Mint Status ====================

// HandleGetMintStatus handles GET /api/v1/mints/status/:requestId
func (h *Handler) HandleGetMintStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	requestID := vars["requestId"]

	if requestID == "" {
		respondError(w, http.StatusBadRequest, "request_id is required", nil)
		return
	}

	h.logger.Debug("Getting mint status", zap.String("request_id", requestID))

	req, err := h.store.GetRequest(r.Context(), requestID)
	if err != nil {
		h.logger.Error("Failed to get mint request",
			zap.String("request_id", requestID),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to get mint request", err)
		return
	}
	if req == nil {
		respondError(w, http.StatusNotFound, "Mint request not found", nil)
		return
	}

	respondJSON(w, http.StatusOK, toStatusResponse(req))
}

// HandleGetMintByReference handles GET /api/v1/mints/by-reference/:paymentReference
// Lets a storefront poll by the payment identifier it already holds, without
// knowing the derived request id.
func (h *Handler) HandleGetMintByReference(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	reference := vars["paymentReference"]

	if reference == "" {
		respondError(w, http.StatusBadRequest, "payment_reference is required", nil)
		return
	}

	req, err := h.store.GetRequestByPaymentReference(r.Context(), reference)
	if err != nil {
		h.logger.Error("Failed to get mint request",
			zap.String("payment_reference", reference),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to get mint request", err)
		return
	}
	if req == nil {
		respondError(w, http.StatusNotFound, "Mint request not found", nil)
		return
	}

	respondJSON(w, http.StatusOK, toStatusResponse(req))
}

func toStatusResponse(req *models.MintRequest) MintStatusResponse {
	return MintStatusResponse{
		RequestID:        req.ID,
		PaymentReference: req.PaymentReference,
		BuyerAddress:     req.BuyerAddress,
		Quantity:         req.Quantity,
		AmountCents:      req.AmountCents,
		State:            req.State,
		TxHash:           req.TxHash,
		IncludedBlock:    req.IncludedBlock,
		Attempts:         req.Attempts,
		Replacements:     req.ReplacementCount,
		Error:            req.LastError,
		CreatedAt:        req.CreatedAt,
		UpdatedAt:        req.UpdatedAt,
	}
}

// ==================== Helper Functions ====================

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Log error but can't send response since headers already written
		fmt.Printf("Failed to encode JSON response: %v\n", err)
	}
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errorMsg := message
	if err != nil {
		errorMsg = fmt.Sprintf("%s: %v", message, err)
	}

	response := ErrorResponse{
		Error:   message,
		Message: errorMsg,
	}

	respondJSON(w, statusCode, response)
}
