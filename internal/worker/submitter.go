package worker

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"mintbridge/internal/blockchain/evm"
	"mintbridge/internal/database"
	"mintbridge/internal/metrics"
	"mintbridge/internal/models"
	"mintbridge/internal/nonce"
)

// Submitter is the single submission worker for one signing key. All nonce
// allocation and broadcast for the key happens on this goroutine; that
// serialization is what keeps the nonce sequence correct.
type Submitter struct {
	manager *Manager
	signer  evm.Signer
	keyAddr string
	work    chan string
	logger  *zap.Logger
}

// NewSubmitter creates the submission worker for a signing key
func NewSubmitter(manager *Manager, signer evm.Signer) *Submitter {
	keyAddr := signer.Address().Hex()
	return &Submitter{
		manager: manager,
		signer:  signer,
		keyAddr: keyAddr,
		work:    make(chan string, QueueCapacity),
		logger:  manager.logger.Named("submitter").With(zap.String("signing_key", keyAddr)),
	}
}

// Run starts the submitter loop. It exits on context cancellation or on a
// nonce conflict, which means the single-writer invariant was broken and
// continuing could double-spend a sequence number.
func (s *Submitter) Run(ctx context.Context) {
	s.logger.Info("Submitter started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Submitter stopping")
			return
		case requestID := <-s.work:
			if err := s.handle(ctx, requestID); err != nil {
				if errors.Is(err, nonce.ErrNonceConflict) {
					metrics.OperatorAlertsTotal.Inc()
					s.logger.Error("NONCE CONFLICT: single-writer invariant broken, submitter halting",
						zap.String("request_id", requestID),
						zap.Error(err))
					return
				}
				s.logger.Error("Submission handling failed",
					zap.String("request_id", requestID),
					zap.Error(err))
			}
		}
	}
}

func (s *Submitter) handle(ctx context.Context, requestID string) error {
	rctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	req, err := s.manager.store.GetRequest(rctx, requestID)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to load request: %w", err)
	}
	if req == nil {
		return nil
	}

	switch req.State {
	case models.RequestStateQueued:
		return s.submit(ctx, req)
	case models.RequestStateSubmitted:
		return s.replaceIfStuck(ctx, req)
	default:
		// The sweeper or tracker advanced it first.
		s.logger.Debug("Skipping request in non-submittable state",
			zap.String("request_id", req.ID),
			zap.String("state", string(req.State)))
		return nil
	}
}

// submit drives QUEUED -> SUBMITTED: price the fee, allocate (or reuse) the
// nonce, sign, broadcast, record
func (s *Submitter) submit(ctx context.Context, req *models.MintRequest) error {
	sctx, cancel := context.WithTimeout(ctx, SubmitTimeout)
	defer cancel()

	gasPrice, err := s.manager.chain.SuggestGasPrice(sctx)
	if err != nil {
		return s.scheduleRetry(ctx, req, fmt.Errorf("fee suggestion failed: %w", err))
	}

	// Fee spike: hold in QUEUED and re-evaluate later. Not an error and not
	// an attempt.
	if gasPrice.Cmp(s.manager.cfg.MaxFeeWei) > 0 {
		s.logger.Warn("Suggested fee exceeds ceiling, holding",
			zap.String("request_id", req.ID),
			zap.String("suggested_wei", gasPrice.String()),
			zap.String("ceiling_wei", s.manager.cfg.MaxFeeWei.String()))
		next := time.Now().Add(s.manager.cfg.SweepInterval)
		return s.manager.store.Transition(ctx, req.ID,
			models.RequestStateQueued, models.RequestStateQueued,
			database.Patch{NextAttemptAt: &next})
	}

	buyer := common.HexToAddress(req.BuyerAddress)
	data, err := s.manager.encoder.PackMint(buyer, req.Quantity)
	if err != nil {
		return s.fail(ctx, req, models.RequestStateQueued, fmt.Errorf("malformed issuance call: %w", err))
	}

	contract := s.manager.encoder.ContractAddress()
	gasLimit, err := s.manager.chain.EstimateGas(sctx, ethereum.CallMsg{
		From: s.signer.Address(),
		To:   &contract,
		Data: data,
	})
	if err != nil {
		if Classify(err) == ClassPermanent {
			return s.fail(ctx, req, models.RequestStateQueued, fmt.Errorf("issuance rejected: %w", err))
		}
		return s.scheduleRetry(ctx, req, fmt.Errorf("gas estimation failed: %w", err))
	}
	gasLimit = gasLimit * 120 / 100

	// Reuse the nonce from a prior broadcast attempt so a transient failure
	// never leaves a gap in the sequence.
	var txNonce int64
	if req.Nonce != nil {
		txNonce = *req.Nonce
	} else {
		txNonce, err = s.manager.ledger.Allocate(ctx, s.keyAddr, req.ID)
		if err != nil {
			if errors.Is(err, nonce.ErrNonceConflict) {
				return err
			}
			return s.scheduleRetry(ctx, req, fmt.Errorf("nonce allocation failed: %w", err))
		}
		// From here on the request owns this nonce: failure paths must either
		// persist it for the retry or release it, never strand it.
		req.Nonce = &txNonce
		req.SigningKey = &s.keyAddr
	}

	tx := types.NewTransaction(uint64(txNonce), contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := s.signer.SignTx(tx, s.manager.chain.ChainID())
	if err != nil {
		return s.fail(ctx, req, models.RequestStateQueued, fmt.Errorf("signer unavailable: %w", err))
	}

	txHash := signedTx.Hash().Hex()
	if err := s.manager.chain.SendTransaction(sctx, signedTx); err != nil {
		if alreadyBroadcast(err) {
			// Crash between an earlier send and its record; fall through and
			// record what the network already has.
			s.logger.Warn("Transaction already known to network",
				zap.String("request_id", req.ID),
				zap.String("tx_hash", txHash))
		} else if Classify(err) == ClassPermanent {
			return s.fail(ctx, req, models.RequestStateQueued, fmt.Errorf("broadcast rejected: %w", err))
		} else {
			return s.scheduleRetry(ctx, req, fmt.Errorf("broadcast failed: %w", err))
		}
	}

	now := time.Now()
	gasPriceStr := gasPrice.String()
	err = s.manager.store.Transition(ctx, req.ID,
		models.RequestStateQueued, models.RequestStateSubmitted,
		database.Patch{
			SigningKey:        &s.keyAddr,
			Nonce:             &txNonce,
			TxHash:            &txHash,
			GasPriceWei:       &gasPriceStr,
			SubmittedAt:       &now,
			IncrementAttempts: true,
		})
	if err != nil {
		return fmt.Errorf("failed to record submission of %s: %w", req.ID, err)
	}

	metrics.MintsSubmittedTotal.Inc()
	s.logger.Info("Issuance transaction broadcast",
		zap.String("request_id", req.ID),
		zap.String("tx_hash", txHash),
		zap.Int64("nonce", txNonce),
		zap.String("gas_price_wei", gasPriceStr))

	return nil
}

// replaceIfStuck drives the SUBMITTED --stuck--> replacement path: rebroadcast
// with the same nonce and a strictly higher fee
func (s *Submitter) replaceIfStuck(ctx context.Context, req *models.MintRequest) error {
	if req.Nonce == nil || req.TxHash == nil || req.SubmittedAt == nil {
		return nil
	}
	if req.IncludedBlock != nil {
		return nil // already included, tracker owns it now
	}
	if time.Since(*req.SubmittedAt) < s.manager.cfg.StuckDeadline {
		return nil
	}

	if req.ReplacementCount >= s.manager.cfg.ReplacementCap {
		reason := fmt.Sprintf("still unconfirmed after %d replacements", req.ReplacementCount)
		s.logger.Error("Replacement cap exceeded",
			zap.String("request_id", req.ID),
			zap.String("tx_hash", *req.TxHash))
		// The original may still confirm later; the tracker reconciles FAILED
		// requests with an in-flight hash before they are abandoned.
		return s.fail(ctx, req, models.RequestStateSubmitted, errors.New(reason))
	}

	sctx, cancel := context.WithTimeout(ctx, SubmitTimeout)
	defer cancel()

	// Skip if it got included while sitting in our queue.
	if receipt, err := s.manager.chain.TransactionReceipt(sctx, common.HexToHash(*req.TxHash)); err == nil && receipt != nil {
		return nil
	}

	suggested, err := s.manager.chain.SuggestGasPrice(sctx)
	if err != nil {
		return fmt.Errorf("fee suggestion failed: %w", err)
	}

	newPrice := bumpedFee(req.GasPriceWei, suggested)
	if newPrice.Cmp(s.manager.cfg.MaxFeeWei) > 0 {
		s.logger.Warn("Replacement fee exceeds ceiling, holding",
			zap.String("request_id", req.ID),
			zap.String("bumped_wei", newPrice.String()),
			zap.String("ceiling_wei", s.manager.cfg.MaxFeeWei.String()))
		return nil // re-evaluated on the next sweep
	}

	buyer := common.HexToAddress(req.BuyerAddress)
	data, err := s.manager.encoder.PackMint(buyer, req.Quantity)
	if err != nil {
		return s.fail(ctx, req, models.RequestStateSubmitted, fmt.Errorf("malformed issuance call: %w", err))
	}

	contract := s.manager.encoder.ContractAddress()
	gasLimit, err := s.manager.chain.EstimateGas(sctx, ethereum.CallMsg{
		From: s.signer.Address(),
		To:   &contract,
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("gas estimation failed: %w", err)
	}
	gasLimit = gasLimit * 120 / 100

	tx := types.NewTransaction(uint64(*req.Nonce), contract, big.NewInt(0), gasLimit, newPrice, data)
	signedTx, err := s.signer.SignTx(tx, s.manager.chain.ChainID())
	if err != nil {
		return fmt.Errorf("signer unavailable: %w", err)
	}

	if err := s.manager.chain.SendTransaction(sctx, signedTx); err != nil {
		if alreadyBroadcast(err) {
			// The original (or a prior replacement) won the race.
			s.logger.Info("Replacement rejected, original transaction progressing",
				zap.String("request_id", req.ID))
			return nil
		}
		return fmt.Errorf("replacement broadcast failed: %w", err)
	}

	now := time.Now()
	newHash := signedTx.Hash().Hex()
	newPriceStr := newPrice.String()
	err = s.manager.store.Transition(ctx, req.ID,
		models.RequestStateSubmitted, models.RequestStateSubmitted,
		database.Patch{
			TxHash:                &newHash,
			GasPriceWei:           &newPriceStr,
			SubmittedAt:           &now,
			IncrementReplacements: true,
		})
	if err != nil {
		return fmt.Errorf("failed to record replacement of %s: %w", req.ID, err)
	}

	metrics.ReplacementsTotal.Inc()
	s.logger.Info("Replacement transaction broadcast",
		zap.String("request_id", req.ID),
		zap.String("tx_hash", newHash),
		zap.Int64("nonce", *req.Nonce),
		zap.String("gas_price_wei", newPriceStr))

	return nil
}

// scheduleRetry keeps a QUEUED request queued with an exponential backoff
// deadline, or fails it once attempts are exhausted
func (s *Submitter) scheduleRetry(ctx context.Context, req *models.MintRequest, cause error) error {
	attempts := req.Attempts + 1
	errMsg := cause.Error()

	if attempts >= s.manager.cfg.MaxAttempts {
		s.logger.Error("Max attempts exhausted",
			zap.String("request_id", req.ID),
			zap.Int("attempts", attempts),
			zap.Error(cause))
		return s.fail(ctx, req, models.RequestStateQueued, fmt.Errorf("max attempts exhausted: %w", cause))
	}

	next := time.Now().Add(backoffDelay(attempts))
	patch := database.Patch{
		LastError:         &errMsg,
		NextAttemptAt:     &next,
		IncrementAttempts: true,
	}
	// Keep an already-allocated nonce with the request so the retry reuses it
	// instead of opening a gap in the key's sequence.
	if req.Nonce != nil {
		patch.Nonce = req.Nonce
		patch.SigningKey = req.SigningKey
	}
	err := s.manager.store.Transition(ctx, req.ID,
		models.RequestStateQueued, models.RequestStateQueued, patch)
	if err != nil {
		return fmt.Errorf("failed to schedule retry for %s: %w", req.ID, err)
	}

	s.logger.Info("Scheduled for retry",
		zap.String("request_id", req.ID),
		zap.Int("attempt", attempts),
		zap.Time("next_attempt_at", next),
		zap.Error(cause))
	return nil
}

// fail transitions a request to FAILED and releases its nonce
func (s *Submitter) fail(ctx context.Context, req *models.MintRequest, from models.RequestState, cause error) error {
	errMsg := cause.Error()
	err := s.manager.store.Transition(ctx, req.ID, from, models.RequestStateFailed,
		database.Patch{
			LastError:         &errMsg,
			IncrementAttempts: true,
		})
	if err != nil {
		return fmt.Errorf("failed to mark %s failed: %w", req.ID, err)
	}

	if req.Nonce != nil {
		if req.TxHash == nil {
			// The transaction never reached the mempool, so the account
			// sequence cannot cross this nonce: return it to the slot or
			// every later submission for the key is unmineable.
			if rerr := s.manager.ledger.ReleaseUnused(ctx, s.keyAddr, *req.Nonce, req.ID); rerr != nil {
				s.logger.Error("Failed to return unbroadcast nonce",
					zap.String("request_id", req.ID),
					zap.Int64("nonce", *req.Nonce),
					zap.Error(rerr))
			}
		} else {
			s.manager.ledger.Release(s.keyAddr, *req.Nonce, req.ID)
		}
	}

	metrics.MintsFailedTotal.Inc()
	s.logger.Error("Request failed",
		zap.String("request_id", req.ID),
		zap.Error(cause))
	return nil
}

// backoffDelay computes base 2s exponential backoff with a 2min cap and
// +-20% jitter
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := BaseRetryDelay << uint(attempt-1)
	if delay > MaxRetryDelay || delay <= 0 {
		delay = MaxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2)) - time.Duration(int64(delay)/5)
	delay += jitter
	if delay < BaseRetryDelay {
		delay = BaseRetryDelay
	}
	if delay > MaxRetryDelay {
		delay = MaxRetryDelay
	}
	return delay
}

// bumpedFee returns a strictly higher fee than the previous broadcast, at
// least the current suggestion
func bumpedFee(previousWei *string, suggested *big.Int) *big.Int {
	bumped := new(big.Int).Set(suggested)
	if previousWei == nil {
		return bumped
	}
	prev, ok := new(big.Int).SetString(*previousWei, 10)
	if !ok {
		return bumped
	}
	minBump := new(big.Int).Mul(prev, big.NewInt(125))
	minBump.Div(minBump, big.NewInt(100))
	minBump.Add(minBump, big.NewInt(1))
	if bumped.Cmp(minBump) < 0 {
		bumped.Set(minBump)
	}
	return bumped
}
