package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mintbridge/internal/database"
	"mintbridge/internal/metrics"
	"mintbridge/internal/models"
)

// Sweeper is the time-based safety net. Every pass it re-drives work that was
// dropped by a crash or a full queue, escalates stuck broadcasts, retires
// failed requests, and prunes old event records. Each pass starts from the
// database, so no in-memory loss is unrecoverable.
type Sweeper struct {
	manager *Manager
	logger  *zap.Logger
}

func NewSweeper(manager *Manager) *Sweeper {
	return &Sweeper{
		manager: manager,
		logger:  manager.logger.Named("sweeper"),
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("Reconciliation sweeper started",
		zap.Duration("interval", s.manager.cfg.SweepInterval))

	ticker := time.NewTicker(s.manager.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Reconciliation sweeper stopping")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := time.Now()
	s.redriveReceived(ctx, now)
	s.redriveQueued(ctx, now)
	s.redriveStuck(ctx, now)
	s.retireFailed(ctx, now)
	s.pruneEvents(ctx, now)
	s.observeNonces()
}

// redriveReceived rescues requests admitted right before a crash, which never
// made it past RECEIVED
func (s *Sweeper) redriveReceived(ctx context.Context, now time.Time) {
	rctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	reqs, err := s.manager.store.RequestsByState(rctx, models.RequestStateReceived)
	if err != nil {
		s.logger.Error("Failed to load received requests", zap.Error(err))
		return
	}
	for _, req := range reqs {
		// Fresh rows are still moving through ingress; leave them alone for
		// one sweep interval.
		if now.Sub(req.CreatedAt) < s.manager.cfg.SweepInterval {
			continue
		}
		err := s.manager.store.Transition(ctx, req.ID,
			models.RequestStateReceived, models.RequestStateQueued, database.Patch{})
		if err != nil {
			if err != database.ErrConflict {
				s.logger.Error("Failed to re-drive received request",
					zap.String("request_id", req.ID), zap.Error(err))
			}
			continue
		}
		s.logger.Warn("Re-drove orphaned request",
			zap.String("request_id", req.ID),
			zap.Time("created_at", req.CreatedAt))
		s.manager.Enqueue(req.ID)
	}
}

// redriveQueued feeds queued requests whose retry deadline has passed back to
// the submitters
func (s *Sweeper) redriveQueued(ctx context.Context, now time.Time) {
	rctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	reqs, err := s.manager.store.QueuedDue(rctx, now)
	if err != nil {
		s.logger.Error("Failed to load due queued requests", zap.Error(err))
		return
	}
	for _, req := range reqs {
		s.manager.Enqueue(req.ID)
	}
}

// redriveStuck hands broadcasts that sat unincluded past the stuck deadline
// back to their submitter for fee-bump replacement
func (s *Sweeper) redriveStuck(ctx context.Context, now time.Time) {
	rctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	cutoff := now.Add(-s.manager.cfg.StuckDeadline)
	reqs, err := s.manager.store.SubmittedBefore(rctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to load stuck submissions", zap.Error(err))
		return
	}
	for _, req := range reqs {
		s.logger.Warn("Submission stuck past deadline",
			zap.String("request_id", req.ID),
			zap.Int("replacement_count", req.ReplacementCount))
		s.manager.Enqueue(req.ID)
	}
}

// retireFailed moves failed requests past the operator grace window to
// ABANDONED, alerting exactly once per request
func (s *Sweeper) retireFailed(ctx context.Context, now time.Time) {
	rctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	cutoff := now.Add(-s.manager.cfg.FailedGrace)
	reqs, err := s.manager.store.FailedBefore(rctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to load retirable requests", zap.Error(err))
		return
	}
	for _, req := range reqs {
		alerted := true
		err := s.manager.store.Transition(ctx, req.ID,
			models.RequestStateFailed, models.RequestStateAbandoned,
			database.Patch{Alerted: &alerted})
		if err != nil {
			if err != database.ErrConflict {
				s.logger.Error("Failed to abandon request",
					zap.String("request_id", req.ID), zap.Error(err))
			}
			continue
		}
		if req.SigningKey != nil && req.Nonce != nil {
			s.manager.ledger.Release(*req.SigningKey, *req.Nonce, req.ID)
		}
		metrics.MintsAbandonedTotal.Inc()
		if !req.Alerted {
			metrics.OperatorAlertsTotal.Inc()
			s.logger.Error("OPERATOR ACTION REQUIRED: request abandoned, manual remediation needed",
				zap.String("request_id", req.ID),
				zap.String("payment_reference", req.PaymentReference),
				zap.String("buyer_address", req.BuyerAddress),
				zap.Stringp("last_error", req.LastError))
		}
	}
}

func (s *Sweeper) pruneEvents(ctx context.Context, now time.Time) {
	if s.manager.cfg.EventRetention <= 0 {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	pruned, err := s.manager.store.PruneEvents(rctx, now.Add(-s.manager.cfg.EventRetention))
	if err != nil {
		s.logger.Error("Failed to prune processed events", zap.Error(err))
		return
	}
	if pruned > 0 {
		s.logger.Info("Pruned processed events", zap.Int64("count", pruned))
	}
}

func (s *Sweeper) observeNonces() {
	for _, key := range s.manager.keyOrder {
		metrics.InFlightNonces.WithLabelValues(key).Set(float64(s.manager.ledger.InFlightCount(key)))
		for _, n := range s.manager.ledger.PeekStuck(key, s.manager.cfg.StuckDeadline*2) {
			holder, _ := s.manager.ledger.Holder(key, n)
			s.logger.Warn("Nonce held in flight past twice the stuck deadline",
				zap.String("signing_key", key),
				zap.Int64("nonce", n),
				zap.String("request_id", holder))
		}
	}
}
