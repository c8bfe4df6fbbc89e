package evm

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer signs issuance transactions on behalf of a signing key. Raw key
// material never crosses this interface.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// LocalSigner holds an in-process private key. A remote key-holder can
// replace it without touching the submission path.
type LocalSigner struct {
	privateKey  *ecdsa.PrivateKey
	fromAddress common.Address
}

// NewLocalSigner parses a hex private key (with or without 0x prefix)
func NewLocalSigner(privateKeyHex string) (*LocalSigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("failed to cast public key to ECDSA")
	}

	return &LocalSigner{
		privateKey:  privateKey,
		fromAddress: crypto.PubkeyToAddress(*publicKey),
	}, nil
}

// Address returns the signing key's address
func (s *LocalSigner) Address() common.Address {
	return s.fromAddress
}

// SignTx signs a transaction for the given chain
func (s *LocalSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}
