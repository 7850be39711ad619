package svm

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gagliardetto/solana-go"
)

// Signer is the buyer's signing capability.
type Signer interface {
	PublicKey() solana.PublicKey
	SignMessage(message []byte) (solana.Signature, error)
}

// PrivateKeySigner signs with an in-memory ed25519 key.
type PrivateKeySigner struct {
	key solana.PrivateKey
}

func NewPrivateKeySigner(key solana.PrivateKey) *PrivateKeySigner {
	return &PrivateKeySigner{key: key}
}

// NewPrivateKeySignerFromBase58 parses a base58 encoded 64-byte secret key.
func NewPrivateKeySignerFromBase58(s string) (*PrivateKeySigner, error) {
	key, err := solana.PrivateKeyFromBase58(s)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewPrivateKeySigner(key), nil
}

// NewPrivateKeySignerFromKeygenFile reads a solana-keygen JSON key file.
func NewPrivateKeySignerFromKeygenFile(path string) (*PrivateKeySigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	var keyBytes []byte
	if err := json.Unmarshal(data, &keyBytes); err != nil {
		return nil, fmt.Errorf("invalid key file: %w", err)
	}
	if len(keyBytes) != 64 {
		return nil, fmt.Errorf("invalid key length %d, expected 64", len(keyBytes))
	}
	return NewPrivateKeySigner(solana.PrivateKey(keyBytes)), nil
}

func (s *PrivateKeySigner) PublicKey() solana.PublicKey { return s.key.PublicKey() }

func (s *PrivateKeySigner) SignMessage(message []byte) (solana.Signature, error) {
	return s.key.Sign(message)
}
