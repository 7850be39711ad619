// Package evm implements the "exact" payment scheme on EIP-155 chains using
// EIP-3009 transferWithAuthorization.
package evm

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/vitwit/awesome402/types"
)

// ExactPayload is the scheme-specific body of a PaymentPayload.
type ExactPayload struct {
	Signature     string        `json:"signature"` // The 65-byte ECDSA signature (r,s,v)
	Authorization Authorization `json:"authorization"`
}

// Authorization is the EIP-3009 TransferWithAuthorization message as sent on
// the wire. Integers are decimal strings, the nonce is 0x-prefixed bytes32.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`       // uint256
	ValidAfter  string `json:"validAfter"`  // uint256 timestamp
	ValidBefore string `json:"validBefore"` // uint256 timestamp
	Nonce       string `json:"nonce"`       // bytes32
}

// Transfer is a parsed Authorization plus its split signature.
type Transfer struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
	Signature   []byte
}

// V returns the recovery id in the 27/28 form the token contract expects.
func (t *Transfer) V() uint8 {
	v := t.Signature[64]
	if v < 27 {
		v += 27
	}
	return v
}

func (t *Transfer) R() (r [32]byte) {
	copy(r[:], t.Signature[0:32])
	return
}

func (t *Transfer) S() (s [32]byte) {
	copy(s[:], t.Signature[32:64])
	return
}

func decodeExactPayload(raw json.RawMessage) (*ExactPayload, *Transfer, error) {
	var p ExactPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, nil, fmt.Errorf("invalid exact payload: %w", err)
	}

	t, err := parseTransfer(p.Authorization, p.Signature)
	if err != nil {
		return nil, nil, err
	}
	return &p, t, nil
}

func parseTransfer(auth Authorization, sigHex string) (*Transfer, error) {
	if !common.IsHexAddress(auth.From) || !common.IsHexAddress(auth.To) {
		return nil, fmt.Errorf("bad from/to address")
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("bad value")
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("bad validAfter")
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("bad validBefore")
	}

	nonce, err := hexToBytes32(auth.Nonce)
	if err != nil {
		return nil, err
	}

	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return nil, fmt.Errorf("bad sig hex: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("sig length=%d", len(sig))
	}

	return &Transfer{
		From:        common.HexToAddress(auth.From),
		To:          common.HexToAddress(auth.To),
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
		Signature:   sig,
	}, nil
}

func hexToBytes32(hexStr string) ([32]byte, error) {
	var out [32]byte

	b, err := hexutil.Decode(hexStr)
	if err != nil {
		return out, fmt.Errorf("bad nonce hex: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("invalid nonce length: %d", len(b))
	}

	copy(out[:], b)
	return out, nil
}

func newNonce() ([32]byte, error) {
	var nonce [32]byte
	_, err := rand.Read(nonce[:])
	return nonce, err
}

// TypedData builds the EIP-712 TransferWithAuthorization message for a token.
func TypedData(auth Authorization, chainID *big.Int, token common.Address, domain types.EIP712Domain) (apitypes.TypedData, error) {
	t, err := parseTransfer(auth, "0x"+strings.Repeat("00", 65))
	if err != nil {
		return apitypes.TypedData{}, err
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(chainID)),
			VerifyingContract: token.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        t.From.Hex(),
			"to":          t.To.Hex(),
			"value":       (*math.HexOrDecimal256)(t.Value),
			"validAfter":  (*math.HexOrDecimal256)(t.ValidAfter),
			"validBefore": (*math.HexOrDecimal256)(t.ValidBefore),
			"nonce":       common.BytesToHash(t.Nonce[:]).Hex(),
		},
	}, nil
}

// Digest returns keccak256("\x19\x01" || domainSeparator || hashStruct(message)).
func Digest(td apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	messageHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	return crypto.Keccak256([]byte{0x19, 0x01}, domainSeparator, messageHash), nil
}

// RecoverSigner returns the address that produced sig over the typed data.
// Both 0/1 and 27/28 recovery ids are accepted.
func RecoverSigner(td apitypes.TypedData, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("sig length=%d", len(sig))
	}

	digest, err := Digest(td)
	if err != nil {
		return common.Address{}, err
	}

	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recovery failed: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// eip712Domain reads the token domain from requirement extras.
func eip712Domain(req types.PaymentRequirements) (types.EIP712Domain, bool) {
	name, ok := req.ExtraString("name")
	if !ok {
		return types.EIP712Domain{}, false
	}
	version, ok := req.ExtraString("version")
	if !ok {
		return types.EIP712Domain{}, false
	}
	return types.EIP712Domain{Name: name, Version: version}, true
}
