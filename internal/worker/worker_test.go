package worker

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"mintbridge/internal/blockchain/evm"
	"mintbridge/internal/config"
	"mintbridge/internal/database"
	"mintbridge/internal/models"
	"mintbridge/internal/nonce"
)

// hardhat test account #0, never used outside local development
const testMinterKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var testContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

// ==================== Fakes ====================

// fakeStore implements both the worker Store and the nonce SlotStore with the
// same guard semantics as the database.
type fakeStore struct {
	mu       sync.Mutex
	requests map[string]*models.MintRequest
	slots    map[string]int64
	pruned   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		requests: make(map[string]*models.MintRequest),
		slots:    make(map[string]int64),
	}
}

func (f *fakeStore) put(req *models.MintRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *req
	f.requests[req.ID] = &copied
}

func (f *fakeStore) get(id string) *models.MintRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return nil
	}
	copied := *req
	return &copied
}

func (f *fakeStore) GetRequest(ctx context.Context, id string) (*models.MintRequest, error) {
	return f.get(id), nil
}

func (f *fakeStore) Transition(ctx context.Context, id string, expected, next models.RequestState, patch database.Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	req, ok := f.requests[id]
	if !ok || req.State != expected {
		return database.ErrConflict
	}

	req.State = next
	req.UpdatedAt = time.Now()
	if patch.SigningKey != nil {
		req.SigningKey = patch.SigningKey
	}
	if patch.Nonce != nil {
		req.Nonce = patch.Nonce
	}
	if patch.TxHash != nil {
		req.TxHash = patch.TxHash
	}
	if patch.GasPriceWei != nil {
		req.GasPriceWei = patch.GasPriceWei
	}
	if patch.IncludedBlock != nil {
		req.IncludedBlock = patch.IncludedBlock
	}
	if patch.ClearInclusion {
		req.IncludedBlock = nil
	}
	if patch.LastError != nil {
		req.LastError = patch.LastError
	}
	if patch.NextAttemptAt != nil {
		req.NextAttemptAt = patch.NextAttemptAt
	}
	if patch.SubmittedAt != nil {
		req.SubmittedAt = patch.SubmittedAt
	}
	if patch.Alerted != nil {
		req.Alerted = *patch.Alerted
	}
	if patch.IncrementAttempts {
		req.Attempts++
	}
	if patch.IncrementReplacements {
		req.ReplacementCount++
	}
	return nil
}

func (f *fakeStore) byState(state models.RequestState) []models.MintRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.MintRequest
	for _, req := range f.requests {
		if req.State == state {
			out = append(out, *req)
		}
	}
	return out
}

func (f *fakeStore) RequestsByState(ctx context.Context, state models.RequestState) ([]models.MintRequest, error) {
	return f.byState(state), nil
}

func (f *fakeStore) QueuedDue(ctx context.Context, now time.Time) ([]models.MintRequest, error) {
	var out []models.MintRequest
	for _, req := range f.byState(models.RequestStateQueued) {
		if req.NextAttemptAt == nil || !req.NextAttemptAt.After(now) {
			out = append(out, req)
		}
	}
	return out, nil
}

func (f *fakeStore) SubmittedBefore(ctx context.Context, cutoff time.Time) ([]models.MintRequest, error) {
	var out []models.MintRequest
	for _, req := range f.byState(models.RequestStateSubmitted) {
		if req.SubmittedAt != nil && !req.SubmittedAt.After(cutoff) && req.IncludedBlock == nil {
			out = append(out, req)
		}
	}
	return out, nil
}

func (f *fakeStore) FailedBefore(ctx context.Context, cutoff time.Time) ([]models.MintRequest, error) {
	var out []models.MintRequest
	for _, req := range f.byState(models.RequestStateFailed) {
		if !req.UpdatedAt.After(cutoff) {
			out = append(out, req)
		}
	}
	return out, nil
}

func (f *fakeStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.pruned
	f.pruned = 0
	return n, nil
}

func (f *fakeStore) AllocateNonce(ctx context.Context, signingKey string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.slots[signingKey]
	f.slots[signingKey] = n + 1
	return n, nil
}

func (f *fakeStore) RewindNonce(ctx context.Context, signingKey string, nonce int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if nonce < f.slots[signingKey] {
		f.slots[signingKey] = nonce
	}
	return nil
}

func (f *fakeStore) SyncNonce(ctx context.Context, signingKey string, nextNonce int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if nextNonce > f.slots[signingKey] {
		f.slots[signingKey] = nextNonce
	}
	return nil
}

func (f *fakeStore) InFlightNonces(ctx context.Context, signingKey string) (map[int64]string, error) {
	out := make(map[int64]string)
	for _, req := range f.byState(models.RequestStateSubmitted) {
		if req.SigningKey != nil && *req.SigningKey == signingKey && req.Nonce != nil {
			out[*req.Nonce] = req.ID
		}
	}
	return out, nil
}

// fakeChain scripts ledger responses for the workers.
type fakeChain struct {
	mu           sync.Mutex
	chainID      *big.Int
	gasPrice     *big.Int
	gasPriceErr  error
	accountNonce uint64
	estimateErr  error
	sendErr      error
	sent         []*types.Transaction
	receipts     map[common.Hash]*types.Receipt
	head         uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		chainID:  big.NewInt(31337),
		gasPrice: big.NewInt(10_000_000_000), // 10 gwei
		receipts: make(map[common.Hash]*types.Receipt),
		head:     100,
	}
}

func (f *fakeChain) ChainID() *big.Int { return f.chainID }

func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gasPriceErr != nil {
		return nil, f.gasPriceErr
	}
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeChain) AccountNonce(ctx context.Context, address common.Address) (uint64, error) {
	return f.accountNonce, nil
}

func (f *fakeChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 100_000, nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) includeAt(txHash common.Hash, block uint64, status uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[txHash] = &types.Receipt{
		Status:      status,
		TxHash:      txHash,
		BlockNumber: new(big.Int).SetUint64(block),
	}
}

func (f *fakeChain) drop(txHash common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.receipts, txHash)
}

func (f *fakeChain) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeChain) lastSent() *types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

type fakeEncoder struct{}

func (fakeEncoder) ContractAddress() common.Address { return testContract }

func (fakeEncoder) PackMint(buyer common.Address, quantity int64) ([]byte, error) {
	return append([]byte{0xde, 0xad}, buyer.Bytes()...), nil
}

// ==================== Harness ====================

type harness struct {
	store  *fakeStore
	chain  *fakeChain
	ledger *nonce.Ledger
	mgr    *Manager
	sub    *Submitter
	key    string
}

func testFulfillConfig() *config.FulfillConfig {
	return &config.FulfillConfig{
		ConfirmationThreshold: 3,
		MaxFeeWei:             big.NewInt(150_000_000_000), // 150 gwei
		StuckDeadline:         10 * time.Minute,
		ReplacementCap:        3,
		MaxAttempts:           5,
		FailedGrace:           time.Hour,
		SweepInterval:         10 * time.Second,
		EventRetention:        30 * 24 * time.Hour,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := newFakeStore()
	chain := newFakeChain()
	ledger := nonce.NewLedger(store, zap.NewNop())

	signer, err := evm.NewLocalSigner(testMinterKey)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	mgr, err := NewManager(store, ledger, chain, fakeEncoder{}, []evm.Signer{signer}, testFulfillConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	key := signer.Address().Hex()
	return &harness{
		store:  store,
		chain:  chain,
		ledger: ledger,
		mgr:    mgr,
		sub:    mgr.submitters[key],
		key:    key,
	}
}

func (h *harness) queuedRequest(id string) *models.MintRequest {
	req := &models.MintRequest{
		ID:               id,
		PaymentReference: "pi_" + id,
		BuyerAddress:     "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		Quantity:         1,
		AmountCents:      6999,
		State:            models.RequestStateQueued,
		CreatedAt:        time.Now().Add(-time.Minute),
		UpdatedAt:        time.Now().Add(-time.Minute),
	}
	h.store.put(req)
	return req
}
