package svm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/vitwit/awesome402/ledger"
	"github.com/vitwit/awesome402/logger"
	"github.com/vitwit/awesome402/scheme"
	"github.com/vitwit/awesome402/types"
)

// RPC is the subset of *rpc.Client used by the facilitator.
type RPC interface {
	BlockhashSource
	SimulateTransaction(ctx context.Context, tx *solana.Transaction) (*rpc.SimulateTransactionResponse, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, signatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

var (
	_ scheme.Facilitator   = (*ExactFacilitator)(nil)
	_ scheme.ExtraProvider = (*ExactFacilitator)(nil)
	_ scheme.Recorder      = (*ExactFacilitator)(nil)
)

// ExactFacilitator verifies buyer-signed transfers and settles them by
// co-signing as fee payer.
type ExactFacilitator struct {
	key          types.SchemeKey
	network      types.Network
	rpc          RPC
	feePayer     solana.PrivateKey
	guard        *ledger.Guard
	log          logger.Logger
	pollInterval time.Duration
}

type Option func(*ExactFacilitator)

// WithGuard shares a settlement guard, and so its ledger, between handlers.
func WithGuard(g *ledger.Guard) Option {
	return func(f *ExactFacilitator) { f.guard = g }
}

func WithLogger(l logger.Logger) Option {
	return func(f *ExactFacilitator) { f.log = logger.OrNop(l) }
}

// WithPollInterval sets how often signature statuses are polled.
func WithPollInterval(d time.Duration) Option {
	return func(f *ExactFacilitator) { f.pollInterval = d }
}

func NewExactFacilitator(network types.Network, version int, client RPC, feePayer solana.PrivateKey, opts ...Option) *ExactFacilitator {
	f := &ExactFacilitator{
		key:          types.NewSchemeKey(network, types.SchemeExact, version),
		network:      network,
		rpc:          client,
		feePayer:     feePayer,
		log:          logger.NoopLogger{},
		pollInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.guard == nil {
		f.guard = ledger.NewGuard(nil)
	}
	return f
}

func (f *ExactFacilitator) Key() types.SchemeKey { return f.key }

// FeePayer returns the address buyers must name as fee payer.
func (f *ExactFacilitator) FeePayer() solana.PublicKey { return f.feePayer.PublicKey() }

// Extra advertises the fee payer in /supported.
func (f *ExactFacilitator) Extra() map[string]interface{} {
	return map[string]interface{}{"feePayer": f.FeePayer().String()}
}

// settlementKey identifies a payment by the buyer's signature, which is
// unique per message.
func (f *ExactFacilitator) settlementKey(sig solana.Signature) string {
	return fmt.Sprintf("svm:%s:%s", f.network, sig)
}

type checked struct {
	tx       *solana.Transaction
	transfer *transferInfo
	buyerSig solana.Signature
}

func (c *checked) payer() string {
	if c == nil || c.transfer == nil {
		return ""
	}
	return c.transfer.Owner.String()
}

// check runs every verification that needs no RPC access.
func (f *ExactFacilitator) check(req types.PaymentRequirements, payload types.PaymentPayload) (*checked, string) {
	if payload.Key() != req.Key() || req.Key() != f.key {
		return nil, types.ReasonSchemeMismatch
	}

	tx, err := decodeTransaction(payload.Payload)
	if err != nil {
		return nil, types.ReasonInvalidPayload
	}

	info, price, err := inspect(tx)
	if err != nil {
		return nil, types.ReasonInvalidTransaction
	}
	c := &checked{tx: tx, transfer: info}

	feePayer := f.FeePayer()
	if len(tx.Message.AccountKeys) == 0 || !tx.Message.AccountKeys[0].Equals(feePayer) {
		return c, types.ReasonFeePayerMisuse
	}
	if info.Owner.Equals(feePayer) || info.Source.Equals(feePayer) {
		return c, types.ReasonFeePayerMisuse
	}
	if price > MaxComputeUnitPrice {
		return c, types.ReasonInvalidTransaction
	}

	mint, err := solana.PublicKeyFromBase58(req.Asset)
	if err != nil || !info.Mint.Equals(mint) {
		return c, types.ReasonInvalidAsset
	}
	if d, ok := req.ExtraString("decimals"); ok {
		if n, err := strconv.ParseUint(d, 10, 8); err != nil || uint8(n) != info.Decimals {
			return c, types.ReasonInvalidAsset
		}
	}

	payTo, err := solana.PublicKeyFromBase58(req.PayTo)
	if err != nil {
		return c, types.ReasonInvalidRecipient
	}
	destATA, err := associatedTokenAddress(payTo, mint)
	if err != nil || !info.Destination.Equals(destATA) {
		return c, types.ReasonInvalidRecipient
	}

	required, err := req.Amount()
	if err != nil {
		return c, types.ReasonInvalidPayload
	}
	if new(big.Int).SetUint64(info.Amount).Cmp(required) < 0 {
		return c, types.ReasonInsufficientAmount
	}

	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return c, types.ReasonInvalidTransaction
	}
	sig, ok := signatureOf(tx, info.Owner)
	if !ok || !sig.Verify(info.Owner, message) {
		return c, types.ReasonInvalidSignature
	}
	c.buyerSig = sig

	return c, ""
}

// Recorded reports whether the buyer's signature already has a settlement
// in the ledger.
func (f *ExactFacilitator) Recorded(ctx context.Context, req types.PaymentRequirements, payload types.PaymentPayload) (bool, error) {
	c, reason := f.check(req, payload)
	if reason != "" {
		return false, nil
	}
	seen, err := f.guard.Seen(ctx, f.settlementKey(c.buyerSig))
	if err != nil {
		return false, types.ErrFacilitatorUnavailable.Wrap(err)
	}
	return seen, nil
}

func (f *ExactFacilitator) Verify(ctx context.Context, req types.PaymentRequirements, payload types.PaymentPayload) (*types.VerifyResponse, error) {
	c, reason := f.check(req, payload)
	if reason != "" {
		return types.Invalid(reason, c.payer()), nil
	}

	seen, err := f.guard.Seen(ctx, f.settlementKey(c.buyerSig))
	if err != nil {
		return nil, types.ErrFacilitatorUnavailable.Wrap(err)
	}
	if seen {
		return types.Invalid(types.ReasonNonceAlreadyUsed, c.payer()), nil
	}

	sim, err := f.rpc.SimulateTransaction(ctx, c.tx)
	if err != nil {
		return nil, types.ErrFacilitatorUnavailable.Wrap(err)
	}
	if sim == nil || sim.Value == nil || sim.Value.Err != nil {
		if sim != nil && sim.Value != nil {
			f.log.Debug("simulation failed", map[string]any{"error": fmt.Sprint(sim.Value.Err), "logs": sim.Value.Logs})
		}
		return types.Invalid(types.ReasonSimulationFailed, c.payer()), nil
	}

	return types.Valid(c.payer()), nil
}

func (f *ExactFacilitator) Settle(ctx context.Context, req types.PaymentRequirements, payload types.PaymentPayload) (*types.SettleResponse, error) {
	c, reason := f.check(req, payload)
	if reason != "" {
		return types.SettleFailure(reason, req.Network, c.payer()), nil
	}

	key := f.settlementKey(c.buyerSig)
	payer := c.payer()

	return f.guard.Do(ctx, key, func(ctx context.Context, prior *ledger.Record) (*types.SettleResponse, error) {
		var sig solana.Signature
		if prior != nil {
			parsed, err := solana.SignatureFromBase58(prior.Transaction)
			if err != nil {
				return nil, fmt.Errorf("pending record %s: %w", key, err)
			}
			sig = parsed
			f.log.Info("resuming pending settlement", map[string]any{"key": key, "tx": prior.Transaction})
		} else {
			if _, err := c.tx.PartialSign(func(k solana.PublicKey) *solana.PrivateKey {
				if k.Equals(f.FeePayer()) {
					return &f.feePayer
				}
				return nil
			}); err != nil {
				return types.SettleFailure(types.ReasonInvalidTransaction, req.Network, payer), nil
			}

			sent, err := f.rpc.SendTransaction(ctx, c.tx)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					return nil, types.ErrFacilitatorUnavailable.Wrap(err)
				}
				f.log.Warn("settlement submission failed", map[string]any{"key": key, "error": err})
				return types.SettleFailure(types.ReasonSettlementFailed, req.Network, payer), nil
			}
			sig = sent
			if err := f.guard.MarkPending(ctx, key, req.Network, sig.String(), payer); err != nil {
				f.log.Error("failed to record pending settlement", map[string]any{"key": key, "tx": sig.String(), "error": err})
			}
		}

		resp := &types.SettleResponse{Transaction: sig.String(), Network: req.Network, Payer: payer}
		confirmed, err := f.waitConfirmed(ctx, sig)
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			resp.ErrorReason = types.ReasonConfirmationTimeout
		case err != nil:
			return nil, types.ErrFacilitatorUnavailable.Wrap(err)
		case !confirmed:
			resp.ErrorReason = types.ReasonSettlementFailed
		default:
			resp.Success = true
		}
		return resp, nil
	})
}

// waitConfirmed polls the signature until it is confirmed or finalized. It
// returns false when the transaction landed with an error.
func (f *ExactFacilitator) waitConfirmed(ctx context.Context, sig solana.Signature) (bool, error) {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		out, err := f.rpc.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, err
		}

		if out != nil && len(out.Value) > 0 && out.Value[0] != nil {
			status := out.Value[0]
			if status.Err != nil {
				return false, nil
			}
			switch status.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				return true, nil
			}
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}
