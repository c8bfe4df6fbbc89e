package worker

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"mintbridge/internal/blockchain/evm"
	"mintbridge/internal/config"
	"mintbridge/internal/nonce"
)

// Constants for worker configuration
const (
	RPCTimeout        = 15 * time.Second
	SubmitTimeout     = 30 * time.Second
	TrackPollInterval = 5 * time.Second
	BaseRetryDelay    = 2 * time.Second
	MaxRetryDelay     = 2 * time.Minute
	QueueCapacity     = 256
)

// Manager orchestrates the submission workers, the confirmation tracker and
// the reconciliation sweeper. Exactly one submitter exists per signing key;
// the dispatcher routes each request to its key's worker so nonce allocation
// and broadcast for a key are fully serialized.
type Manager struct {
	store   Store
	ledger  *nonce.Ledger
	chain   Chain
	encoder CallEncoder
	cfg     *config.FulfillConfig
	logger  *zap.Logger

	queue      chan string
	submitters map[string]*Submitter // key address hex -> submitter
	keyOrder   []string
	tracker    *Tracker
	sweeper    *Sweeper

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a worker manager for the given signing keys
func NewManager(
	store Store,
	ledger *nonce.Ledger,
	chain Chain,
	encoder CallEncoder,
	signers []evm.Signer,
	cfg *config.FulfillConfig,
	logger *zap.Logger,
) (*Manager, error) {
	if len(signers) == 0 {
		return nil, fmt.Errorf("at least one signing key is required")
	}

	logger = logger.Named("worker")
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		store:      store,
		ledger:     ledger,
		chain:      chain,
		encoder:    encoder,
		cfg:        cfg,
		logger:     logger,
		queue:      make(chan string, QueueCapacity),
		submitters: make(map[string]*Submitter),
		ctx:        ctx,
		cancel:     cancel,
	}

	for _, signer := range signers {
		keyAddr := signer.Address().Hex()
		if _, dup := m.submitters[keyAddr]; dup {
			cancel()
			return nil, fmt.Errorf("duplicate signing key %s", keyAddr)
		}
		m.submitters[keyAddr] = NewSubmitter(m, signer)
		m.keyOrder = append(m.keyOrder, keyAddr)
	}

	m.tracker = NewTracker(m)
	m.sweeper = NewSweeper(m)

	return m, nil
}

// Restore aligns the nonce ledger with durable and on-chain state. Must run
// before Start so no allocation races the rebuild.
func (m *Manager) Restore(ctx context.Context) error {
	for keyAddr, sub := range m.submitters {
		if err := m.ledger.Restore(ctx, keyAddr); err != nil {
			return err
		}

		// Never allocate below what the ledger network has already seen.
		accountNonce, err := m.chain.AccountNonce(ctx, sub.signer.Address())
		if err != nil {
			return fmt.Errorf("failed to read account nonce for %s: %w", keyAddr, err)
		}
		if err := m.syncNonceFloor(ctx, keyAddr, int64(accountNonce)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) syncNonceFloor(ctx context.Context, keyAddr string, accountNonce int64) error {
	type nonceSyncer interface {
		SyncNonce(ctx context.Context, signingKey string, nextNonce int64) error
	}
	if s, ok := m.store.(nonceSyncer); ok {
		return s.SyncNonce(ctx, keyAddr, accountNonce)
	}
	return nil
}

// Start starts the dispatcher, one submitter per signing key, the tracker
// and the sweeper
func (m *Manager) Start() {
	m.logger.Info("Starting worker manager",
		zap.Int("signing_keys", len(m.submitters)),
		zap.Duration("sweep_interval", m.cfg.SweepInterval))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.dispatch(m.ctx)
	}()

	for _, sub := range m.submitters {
		sub := sub
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			sub.Run(m.ctx)
		}()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.tracker.Run(m.ctx)
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.sweeper.Run(m.ctx)
	}()

	m.logger.Info("Worker manager started")
}

// Shutdown gracefully stops all workers
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.logger.Info("Shutting down worker manager")
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Workers stopped gracefully")
	case <-time.After(timeout):
		m.logger.Warn("Worker shutdown timed out")
	}
	return nil
}

// Enqueue places a request id on the admission queue. A full queue drops the
// id; the sweeper re-drives anything left behind on its next pass.
func (m *Manager) Enqueue(requestID string) {
	select {
	case m.queue <- requestID:
	default:
		m.logger.Warn("Admission queue full, leaving request to sweeper",
			zap.String("request_id", requestID))
	}
}

// dispatch routes admitted request ids to their signing key's submitter
func (m *Manager) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case requestID := <-m.queue:
			m.route(ctx, requestID)
		}
	}
}

func (m *Manager) route(ctx context.Context, requestID string) {
	rctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	req, err := m.store.GetRequest(rctx, requestID)
	cancel()
	if err != nil {
		m.logger.Error("Failed to load request for routing",
			zap.String("request_id", requestID),
			zap.Error(err))
		return
	}
	if req == nil {
		m.logger.Warn("Queued request no longer exists", zap.String("request_id", requestID))
		return
	}

	// A request that already holds a signing key must stay on that key's
	// worker; fresh requests are spread by stable hash.
	keyAddr := ""
	if req.SigningKey != nil {
		keyAddr = *req.SigningKey
	} else {
		keyAddr = m.keyOrder[keyHash(requestID)%uint32(len(m.keyOrder))]
	}

	sub, ok := m.submitters[keyAddr]
	if !ok {
		m.logger.Error("No submitter for signing key",
			zap.String("request_id", requestID),
			zap.String("signing_key", keyAddr))
		return
	}

	select {
	case sub.work <- requestID:
	case <-ctx.Done():
	default:
		m.logger.Warn("Submitter queue full, leaving request to sweeper",
			zap.String("request_id", requestID),
			zap.String("signing_key", keyAddr))
	}
}

func keyHash(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
