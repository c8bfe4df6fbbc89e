package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// MintGatewayABI is the ABI of the issuance contract surface the bridge uses
const MintGatewayABI = `[
	{
		"inputs": [
			{"internalType": "address", "name": "to", "type": "address"},
			{"internalType": "uint256", "name": "quantity", "type": "uint256"}
		],
		"name": "mintTo",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "mintingEnabled",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "totalSupply",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "maxSupply",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// Minter encodes calls against the issuance contract
type Minter struct {
	client  *Client
	address common.Address
	abi     abi.ABI
	logger  *zap.Logger
}

// NewMinter creates a minter bound to the configured gateway contract
func NewMinter(client *Client, contractAddress string, logger *zap.Logger) (*Minter, error) {
	parsed, err := abi.JSON(strings.NewReader(MintGatewayABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse mint gateway ABI: %w", err)
	}

	if !common.IsHexAddress(contractAddress) {
		return nil, fmt.Errorf("invalid mint contract address: %s", contractAddress)
	}

	return &Minter{
		client:  client,
		address: common.HexToAddress(contractAddress),
		abi:     parsed,
		logger:  logger,
	}, nil
}

// ContractAddress returns the issuance contract address
func (m *Minter) ContractAddress() common.Address {
	return m.address
}

// PackMint encodes the calldata for an issuance of quantity tokens to buyer
func (m *Minter) PackMint(buyer common.Address, quantity int64) ([]byte, error) {
	data, err := m.abi.Pack("mintTo", buyer, big.NewInt(quantity))
	if err != nil {
		return nil, fmt.Errorf("failed to pack mintTo call: %w", err)
	}
	return data, nil
}

// MintingEnabled reads the contract's minting switch
func (m *Minter) MintingEnabled(ctx context.Context) (bool, error) {
	out, err := m.view(ctx, "mintingEnabled")
	if err != nil {
		return false, err
	}
	enabled, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected mintingEnabled return type")
	}
	return enabled, nil
}

// TotalSupply reads the number of tokens issued so far
func (m *Minter) TotalSupply(ctx context.Context) (*big.Int, error) {
	out, err := m.view(ctx, "totalSupply")
	if err != nil {
		return nil, err
	}
	supply, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected totalSupply return type")
	}
	return supply, nil
}

// MaxSupply reads the contract's supply cap
func (m *Minter) MaxSupply(ctx context.Context) (*big.Int, error) {
	out, err := m.view(ctx, "maxSupply")
	if err != nil {
		return nil, err
	}
	supply, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected maxSupply return type")
	}
	return supply, nil
}

func (m *Minter) view(ctx context.Context, method string) ([]interface{}, error) {
	data, err := m.abi.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	result, err := m.client.CallContract(ctx, ethereum.CallMsg{
		To:   &m.address,
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}

	out, err := m.abi.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty %s result", method)
	}
	return out, nil
}
