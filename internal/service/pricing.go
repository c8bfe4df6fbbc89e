package service

import (
	"fmt"

	"go.uber.org/zap"

	"mintbridge/internal/config"
)

// PricingService validates payment amounts against the configured unit price.
// An event whose amount does not match quantity x unit price within tolerance
// is inconsistent payment data and must not reach the submission path.
type PricingService struct {
	cfg    *config.PricingConfig
	logger *zap.Logger
}

// NewPricingService creates a new pricing service
func NewPricingService(cfg *config.PricingConfig, logger *zap.Logger) *PricingService {
	return &PricingService{
		cfg:    cfg,
		logger: logger,
	}
}

// ExpectedTotalCents returns the expected charge for a quantity
func (s *PricingService) ExpectedTotalCents(quantity int64) int64 {
	return s.cfg.UnitPriceCents * quantity
}

// ValidateQuantity checks the per-purchase quantity bounds
func (s *PricingService) ValidateQuantity(quantity int64) error {
	if quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %d", quantity)
	}
	if quantity > s.cfg.MaxQuantity {
		return fmt.Errorf("quantity %d exceeds maximum %d", quantity, s.cfg.MaxQuantity)
	}
	return nil
}

// ValidateAmount checks that the charged amount matches the expected total
// within the configured tolerance (in basis points of the expected total)
func (s *PricingService) ValidateAmount(quantity, amountCents int64) error {
	if err := s.ValidateQuantity(quantity); err != nil {
		return err
	}

	expected := s.ExpectedTotalCents(quantity)
	tolerance := (expected * s.cfg.ToleranceBps) / 10000

	diff := amountCents - expected
	if diff < 0 {
		diff = -diff
	}

	if diff > tolerance {
		s.logger.Warn("Amount outside tolerance",
			zap.Int64("quantity", quantity),
			zap.Int64("amount_cents", amountCents),
			zap.Int64("expected_cents", expected),
			zap.Int64("tolerance_cents", tolerance))
		return fmt.Errorf("amount %d does not match expected %d for quantity %d (tolerance %d)",
			amountCents, expected, quantity, tolerance)
	}

	return nil
}
