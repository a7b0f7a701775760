package util

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type Wallet struct {
	Address *common.Address
	Key     *ecdsa.PrivateKey
}

// NormalizeAddress validates a hex address and returns its canonical form.
// Comparison and storage always go through this so that mixed-case inputs
// map to the same issuer or holder.
func NormalizeAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// IsZeroAddress reports whether the address is the zero/null address, which
// the registry uses to mark never-issued token slots.
func IsZeroAddress(a common.Address) bool {
	return a == (common.Address{})
}

// Generates a new wallet with a random private key.
func NewWallet() (*Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	address := crypto.PubkeyToAddress(key.PublicKey)
	return &Wallet{
		Address: &address,
		Key:     key,
	}, nil
}
