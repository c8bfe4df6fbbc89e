package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// Client provides read and broadcast access to the ledger node. It holds no
// key material; signing is delegated to the key-holder collaborator.
type Client struct {
	ethClient *ethclient.Client
	chainID   *big.Int
	logger    *zap.Logger
}

// NewClient connects to the ledger RPC endpoint
func NewClient(ctx context.Context, rpcEndpoint string, logger *zap.Logger) (*Client, error) {
	ethClient, err := ethclient.DialContext(ctx, rpcEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint %s: %w", rpcEndpoint, err)
	}

	chainID, err := ethClient.ChainID(ctx)
	if err != nil {
		ethClient.Close()
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}

	logger.Info("Ledger client initialized",
		zap.String("rpc_endpoint", rpcEndpoint),
		zap.String("chain_id", chainID.String()))

	return &Client{
		ethClient: ethClient,
		chainID:   chainID,
		logger:    logger,
	}, nil
}

// Close closes the underlying RPC connection
func (c *Client) Close() {
	c.ethClient.Close()
}

// ChainID returns the network chain id
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// SuggestGasPrice returns the network's suggested gas price
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.ethClient.SuggestGasPrice(ctx)
}

// AccountNonce returns the next nonce the ledger expects for an address,
// including pending transactions
func (c *Client) AccountNonce(ctx context.Context, address common.Address) (uint64, error) {
	return c.ethClient.PendingNonceAt(ctx, address)
}

// EstimateGas estimates gas for a call
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return c.ethClient.EstimateGas(ctx, msg)
}

// SendTransaction broadcasts a signed transaction
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.ethClient.SendTransaction(ctx, tx)
}

// TransactionReceipt returns the receipt for a transaction hash, or
// ethereum.NotFound if the transaction is not included
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return c.ethClient.TransactionReceipt(ctx, txHash)
}

// BlockNumber returns the current confirmed height
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.ethClient.BlockNumber(ctx)
}

// CallContract executes a read-only contract call
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return c.ethClient.CallContract(ctx, msg, nil)
}

// IsContractDeployed checks if code exists at the given address
func (c *Client) IsContractDeployed(ctx context.Context, address common.Address) (bool, error) {
	code, err := c.ethClient.CodeAt(ctx, address, nil)
	if err != nil {
		return false, fmt.Errorf("failed to get code at address: %w", err)
	}
	return len(code) > 0, nil
}
