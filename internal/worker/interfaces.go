package worker

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"mintbridge/internal/database"
	"mintbridge/internal/models"
)

// Store is the slice of the fulfillment state store the workers consume.
// *database.DB implements it.
type Store interface {
	GetRequest(ctx context.Context, id string) (*models.MintRequest, error)
	Transition(ctx context.Context, id string, expected, next models.RequestState, patch database.Patch) error
	RequestsByState(ctx context.Context, state models.RequestState) ([]models.MintRequest, error)
	QueuedDue(ctx context.Context, now time.Time) ([]models.MintRequest, error)
	SubmittedBefore(ctx context.Context, cutoff time.Time) ([]models.MintRequest, error)
	FailedBefore(ctx context.Context, cutoff time.Time) ([]models.MintRequest, error)
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
}

// Chain is the ledger access surface the workers consume. *evm.Client
// implements it.
type Chain interface {
	ChainID() *big.Int
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	AccountNonce(ctx context.Context, address common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// CallEncoder builds issuance calldata. *evm.Minter implements it.
type CallEncoder interface {
	ContractAddress() common.Address
	PackMint(buyer common.Address, quantity int64) ([]byte, error)
}
