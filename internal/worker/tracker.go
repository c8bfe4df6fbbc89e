package worker

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"mintbridge/internal/database"
	"mintbridge/internal/metrics"
	"mintbridge/internal/models"
)

// Tracker watches broadcast transactions until they are buried deep enough to
// be treated as final. It is the only component that moves requests into
// CONFIRMED, and it detects reorgs and logical reverts along the way.
type Tracker struct {
	manager *Manager
	logger  *zap.Logger
}

func NewTracker(manager *Manager) *Tracker {
	return &Tracker{
		manager: manager,
		logger:  manager.logger.Named("tracker"),
	}
}

// Run polls the chain for inclusion and confirmation depth
func (t *Tracker) Run(ctx context.Context) {
	t.logger.Info("Confirmation tracker started",
		zap.Int64("confirmation_threshold", t.manager.cfg.ConfirmationThreshold))

	ticker := time.NewTicker(TrackPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("Confirmation tracker stopping")
			return
		case <-ticker.C:
			t.poll(ctx)
		}
	}
}

func (t *Tracker) poll(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	head, err := t.manager.chain.BlockNumber(rctx)
	if err != nil {
		t.logger.Warn("Failed to read chain head", zap.Error(err))
		return
	}

	submitted, err := t.manager.store.RequestsByState(rctx, models.RequestStateSubmitted)
	if err != nil {
		t.logger.Error("Failed to load submitted requests", zap.Error(err))
		return
	}
	for i := range submitted {
		t.track(ctx, &submitted[i], head)
	}

	// A request can be failed (replacement cap, operator action) while its
	// last broadcast is still in the mempool. If that transaction lands and
	// confirms anyway, the chain is the source of truth.
	for _, state := range []models.RequestState{models.RequestStateFailed, models.RequestStateAbandoned} {
		reqs, err := t.manager.store.RequestsByState(rctx, state)
		if err != nil {
			t.logger.Error("Failed to load requests for reconciliation",
				zap.String("state", string(state)), zap.Error(err))
			continue
		}
		for i := range reqs {
			t.reconcileTerminated(ctx, &reqs[i], head)
		}
	}
}

// track advances one SUBMITTED request against the current head
func (t *Tracker) track(ctx context.Context, req *models.MintRequest, head uint64) {
	if req.TxHash == nil {
		return
	}

	receipt, err := t.receipt(ctx, *req.TxHash)
	if err != nil {
		t.logger.Warn("Failed to fetch receipt",
			zap.String("request_id", req.ID),
			zap.String("tx_hash", *req.TxHash),
			zap.Error(err))
		return
	}

	if receipt == nil {
		if req.IncludedBlock != nil {
			// Previously included, now gone: the including block was
			// reorged out. Reset depth accounting and keep waiting; the
			// transaction is still valid and should be re-mined.
			metrics.ReorgsDetectedTotal.Inc()
			t.logger.Warn("Reorg detected, inclusion reset",
				zap.String("request_id", req.ID),
				zap.String("tx_hash", *req.TxHash),
				zap.Int64("former_block", *req.IncludedBlock))
			if err := t.manager.store.Transition(ctx, req.ID,
				models.RequestStateSubmitted, models.RequestStateSubmitted,
				database.Patch{ClearInclusion: true}); err != nil && !errors.Is(err, database.ErrConflict) {
				t.logger.Error("Failed to reset inclusion",
					zap.String("request_id", req.ID), zap.Error(err))
			}
		}
		return
	}

	included := receipt.BlockNumber.Int64()
	if req.IncludedBlock == nil || *req.IncludedBlock != included {
		if err := t.manager.store.Transition(ctx, req.ID,
			models.RequestStateSubmitted, models.RequestStateSubmitted,
			database.Patch{IncludedBlock: &included}); err != nil && !errors.Is(err, database.ErrConflict) {
			t.logger.Error("Failed to record inclusion",
				zap.String("request_id", req.ID), zap.Error(err))
			return
		}
		t.logger.Info("Transaction included",
			zap.String("request_id", req.ID),
			zap.String("tx_hash", *req.TxHash),
			zap.Int64("block", included))
	}

	// Depth counts the blocks mined after the including one: the inclusion
	// block itself provides no reorg protection.
	depth := int64(head) - included
	if depth < t.manager.cfg.ConfirmationThreshold {
		return
	}

	if receipt.Status == types.ReceiptStatusFailed {
		// Included and buried, but the contract rejected the call. Retrying
		// the same call would revert again.
		reason := "transaction reverted on chain"
		if err := t.manager.store.Transition(ctx, req.ID,
			models.RequestStateSubmitted, models.RequestStateFailed,
			database.Patch{LastError: &reason}); err != nil {
			if !errors.Is(err, database.ErrConflict) {
				t.logger.Error("Failed to mark revert",
					zap.String("request_id", req.ID), zap.Error(err))
			}
			return
		}
		t.releaseNonce(req)
		metrics.MintsFailedTotal.Inc()
		t.logger.Error("Issuance reverted on chain",
			zap.String("request_id", req.ID),
			zap.String("tx_hash", *req.TxHash),
			zap.Int64("block", included))
		return
	}

	if err := t.manager.store.Transition(ctx, req.ID,
		models.RequestStateSubmitted, models.RequestStateConfirmed,
		database.Patch{IncludedBlock: &included}); err != nil {
		if !errors.Is(err, database.ErrConflict) {
			t.logger.Error("Failed to confirm request",
				zap.String("request_id", req.ID), zap.Error(err))
		}
		return
	}
	t.releaseNonce(req)
	metrics.MintsConfirmedTotal.Inc()
	t.logger.Info("Issuance confirmed",
		zap.String("request_id", req.ID),
		zap.String("tx_hash", *req.TxHash),
		zap.Int64("block", included),
		zap.Int64("depth", depth))
}

// reconcileTerminated rescues a FAILED or ABANDONED request whose last
// broadcast confirmed on chain after the request was written off
func (t *Tracker) reconcileTerminated(ctx context.Context, req *models.MintRequest, head uint64) {
	if req.TxHash == nil {
		return
	}

	receipt, err := t.receipt(ctx, *req.TxHash)
	if err != nil || receipt == nil || receipt.Status != types.ReceiptStatusSuccessful {
		return
	}

	included := receipt.BlockNumber.Int64()
	if int64(head)-included < t.manager.cfg.ConfirmationThreshold {
		return
	}

	if err := t.manager.store.Transition(ctx, req.ID,
		req.State, models.RequestStateConfirmed,
		database.Patch{IncludedBlock: &included}); err != nil {
		if !errors.Is(err, database.ErrConflict) {
			t.logger.Error("Failed to reconcile confirmed request",
				zap.String("request_id", req.ID), zap.Error(err))
		}
		return
	}
	metrics.MintsConfirmedTotal.Inc()
	t.logger.Warn("Written-off request confirmed on chain, reconciled",
		zap.String("request_id", req.ID),
		zap.String("former_state", string(req.State)),
		zap.String("tx_hash", *req.TxHash),
		zap.Int64("block", included))
}

// receipt fetches a receipt, mapping the not-found condition to (nil, nil)
func (t *Tracker) receipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	rctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	receipt, err := t.manager.chain.TransactionReceipt(rctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	return receipt, nil
}

func (t *Tracker) releaseNonce(req *models.MintRequest) {
	if req.SigningKey != nil && req.Nonce != nil {
		t.manager.ledger.Release(*req.SigningKey, *req.Nonce, req.ID)
	}
}
