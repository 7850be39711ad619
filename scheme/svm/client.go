package svm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/vitwit/awesome402/scheme"
	"github.com/vitwit/awesome402/types"
)

// BlockhashSource is the RPC capability the buyer needs.
type BlockhashSource interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
}

var _ scheme.Client = (*ExactClient)(nil)

// ExactClient builds partially signed TransferChecked payloads.
type ExactClient struct {
	key    types.SchemeKey
	signer Signer
	rpc    BlockhashSource
}

// NewExactClient returns the buyer half of the exact scheme. A nil signer is
// accepted; Construct then fails with ErrSigningUnavailable.
func NewExactClient(network types.Network, version int, signer Signer, source BlockhashSource) *ExactClient {
	return &ExactClient{
		key:    types.NewSchemeKey(network, types.SchemeExact, version),
		signer: signer,
		rpc:    source,
	}
}

// ExactClients returns v1 and v2 clients for every network.
func ExactClients(signer Signer, source BlockhashSource, networks ...types.Network) []scheme.Client {
	out := make([]scheme.Client, 0, 2*len(networks))
	for _, n := range networks {
		out = append(out,
			NewExactClient(n, types.X402Version1, signer, source),
			NewExactClient(n, types.X402Version2, signer, source),
		)
	}
	return out
}

func (c *ExactClient) Key() types.SchemeKey { return c.key }

func (c *ExactClient) Construct(ctx context.Context, req types.PaymentRequirements) (*types.PaymentPayload, error) {
	if c.signer == nil {
		return nil, types.ErrSigningUnavailable
	}
	if req.Key() != c.key {
		return nil, types.ErrSchemeMismatch.WithMessage("requirement %s does not match handler %s", req.Key(), c.key)
	}

	feePayerStr, ok := req.ExtraString("feePayer")
	if !ok {
		return nil, types.ErrSchemeMismatch.WithMessage("requirement is missing the feePayer extra")
	}
	feePayer, err := solana.PublicKeyFromBase58(feePayerStr)
	if err != nil {
		return nil, types.ErrInvalidRequirements.WithMessage("invalid feePayer: %v", err)
	}

	decimalsStr, ok := req.ExtraString("decimals")
	if !ok {
		return nil, types.ErrSchemeMismatch.WithMessage("requirement is missing the decimals extra")
	}
	decimals, err := strconv.ParseUint(decimalsStr, 10, 8)
	if err != nil {
		return nil, types.ErrInvalidRequirements.WithMessage("invalid decimals: %v", err)
	}

	mint, err := solana.PublicKeyFromBase58(req.Asset)
	if err != nil {
		return nil, types.ErrInvalidRequirements.WithMessage("invalid mint address: %v", err)
	}
	recipient, err := solana.PublicKeyFromBase58(req.PayTo)
	if err != nil {
		return nil, types.ErrInvalidRequirements.WithMessage("invalid recipient address: %v", err)
	}

	amount, err := req.Amount()
	if err != nil {
		return nil, err
	}
	if amount.Cmp(new(big.Int).SetUint64(^uint64(0))) > 0 {
		return nil, types.ErrInvalidAmount.WithMessage("amount %s exceeds u64", amount)
	}

	recent, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to get blockhash: %w", err)
	}

	tx, err := c.buildTransfer(mint, recipient, feePayer, amount.Uint64(), uint8(decimals), recent.Value.Blockhash)
	if err != nil {
		return nil, err
	}

	encoded, err := encodeTransaction(tx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(ExactPayload{Transaction: encoded})
	if err != nil {
		return nil, err
	}

	return &types.PaymentPayload{
		X402Version: req.X402Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload:     raw,
	}, nil
}

func (c *ExactClient) buildTransfer(mint, recipient, feePayer solana.PublicKey, amount uint64, decimals uint8, blockhash solana.Hash) (*solana.Transaction, error) {
	owner := c.signer.PublicKey()

	sourceATA, err := associatedTokenAddress(owner, mint)
	if err != nil {
		return nil, err
	}
	destATA, err := associatedTokenAddress(recipient, mint)
	if err != nil {
		return nil, err
	}
	createATA, err := createIdempotentATAInstruction(feePayer, recipient, mint)
	if err != nil {
		return nil, err
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			computeUnitLimitInstruction(DefaultComputeUnits),
			computeUnitPriceInstruction(DefaultComputeUnitPrice),
			createATA,
			transferCheckedInstruction(sourceATA, mint, destATA, owner, amount, decimals),
		},
		blockhash,
		solana.TransactionPayer(feePayer),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	sig, err := c.signer.SignMessage(message)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	// The fee payer slot stays empty until the facilitator co-signs.
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	placed := false
	for i := range tx.Signatures {
		if tx.Message.AccountKeys[i].Equals(owner) {
			tx.Signatures[i] = sig
			placed = true
		}
	}
	if !placed {
		return nil, fmt.Errorf("signer %s is not a required signer", owner)
	}
	return tx, nil
}
