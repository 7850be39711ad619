package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/vitwit/awesome402/ledger"
	"github.com/vitwit/awesome402/logger"
	"github.com/vitwit/awesome402/scheme"
	"github.com/vitwit/awesome402/types"
)

// settlementBuffer is how long before validBefore an authorization stops
// being accepted, leaving time for the transfer to be mined.
const settlementBuffer = 6 * time.Second

var (
	_ scheme.Facilitator = (*ExactFacilitator)(nil)
	_ scheme.Recorder    = (*ExactFacilitator)(nil)
)

// ExactFacilitator verifies and settles EIP-3009 payments on one network.
type ExactFacilitator struct {
	key     types.SchemeKey
	network types.Network
	chain   Chain
	guard   *ledger.Guard
	log     logger.Logger
	now     func() time.Time
}

type Option func(*ExactFacilitator)

// WithGuard shares a settlement guard, and so its ledger, between handlers.
func WithGuard(g *ledger.Guard) Option {
	return func(f *ExactFacilitator) { f.guard = g }
}

func WithLogger(l logger.Logger) Option {
	return func(f *ExactFacilitator) { f.log = logger.OrNop(l) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(f *ExactFacilitator) { f.now = now }
}

func NewExactFacilitator(network types.Network, version int, chain Chain, opts ...Option) *ExactFacilitator {
	f := &ExactFacilitator{
		key:     types.NewSchemeKey(network, types.SchemeExact, version),
		network: network,
		chain:   chain,
		log:     logger.NoopLogger{},
		now:     time.Now,
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

// settlementKey identifies an authorization independent of protocol version.
func (f *ExactFacilitator) settlementKey(t *Transfer) string {
	return fmt.Sprintf("evm:%s:%s:%s", f.network, strings.ToLower(t.From.Hex()), hexutil.Encode(t.Nonce[:]))
}

// check runs every verification that needs neither chain access nor the
// clock.
func (f *ExactFacilitator) check(req types.PaymentRequirements, payload types.PaymentPayload) (*Transfer, string) {
	if payload.Key() != req.Key() || req.Key() != f.key {
		return nil, types.ReasonSchemeMismatch
	}

	_, t, err := decodeExactPayload(payload.Payload)
	if err != nil {
		return nil, types.ReasonInvalidPayload
	}

	required, err := req.Amount()
	if err != nil {
		return t, types.ReasonInvalidPayload
	}
	domain, ok := eip712Domain(req)
	if !ok || !common.IsHexAddress(req.Asset) {
		return t, types.ReasonInvalidAsset
	}
	if !common.IsHexAddress(req.PayTo) || t.To != common.HexToAddress(req.PayTo) {
		return t, types.ReasonInvalidRecipient
	}
	if t.Value.Cmp(required) < 0 {
		return t, types.ReasonInsufficientAmount
	}

	auth := Authorization{
		From:        t.From.Hex(),
		To:          t.To.Hex(),
		Value:       t.Value.String(),
		ValidAfter:  t.ValidAfter.String(),
		ValidBefore: t.ValidBefore.String(),
		Nonce:       hexutil.Encode(t.Nonce[:]),
	}
	td, err := TypedData(auth, f.network.ChainID(), common.HexToAddress(req.Asset), domain)
	if err != nil {
		return t, types.ReasonInvalidPayload
	}
	signer, err := RecoverSigner(td, t.Signature)
	if err != nil || signer != t.From {
		return t, types.ReasonInvalidSignature
	}

	return t, ""
}

// window checks the authorization's validity period against the clock.
func (f *ExactFacilitator) window(t *Transfer) string {
	now := f.now()
	if t.ValidAfter.Cmp(big.NewInt(now.Unix())) > 0 {
		return types.ReasonAuthorizationNotYetValid
	}
	if t.ValidBefore.Cmp(big.NewInt(now.Add(settlementBuffer).Unix())) < 0 {
		return types.ReasonAuthorizationExpired
	}
	return ""
}

// Recorded reports whether the authorization already has a settlement in
// the ledger. Malformed payloads are never recorded.
func (f *ExactFacilitator) Recorded(ctx context.Context, req types.PaymentRequirements, payload types.PaymentPayload) (bool, error) {
	t, reason := f.check(req, payload)
	if reason != "" {
		return false, nil
	}
	seen, err := f.guard.Seen(ctx, f.settlementKey(t))
	if err != nil {
		return false, types.ErrFacilitatorUnavailable.Wrap(err)
	}
	return seen, nil
}

func (f *ExactFacilitator) Verify(ctx context.Context, req types.PaymentRequirements, payload types.PaymentPayload) (*types.VerifyResponse, error) {
	t, reason := f.check(req, payload)
	payer := ""
	if t != nil {
		payer = t.From.Hex()
	}
	if reason == "" {
		reason = f.window(t)
	}
	if reason != "" {
		return types.Invalid(reason, payer), nil
	}

	seen, err := f.guard.Seen(ctx, f.settlementKey(t))
	if err != nil {
		return nil, types.ErrFacilitatorUnavailable.Wrap(err)
	}
	if seen {
		return types.Invalid(types.ReasonNonceAlreadyUsed, payer), nil
	}

	token := common.HexToAddress(req.Asset)

	used, err := f.chain.AuthorizationState(ctx, token, t.From, t.Nonce)
	if err != nil {
		return nil, types.ErrFacilitatorUnavailable.Wrap(err)
	}
	if used {
		return types.Invalid(types.ReasonNonceAlreadyUsed, payer), nil
	}

	balance, err := f.chain.BalanceOf(ctx, token, t.From)
	if err != nil {
		return nil, types.ErrFacilitatorUnavailable.Wrap(err)
	}
	if balance.Cmp(t.Value) < 0 {
		return types.Invalid(types.ReasonInsufficientFunds, payer), nil
	}

	ok, err := f.chain.SimulateTransfer(ctx, token, t)
	if err != nil {
		return nil, types.ErrFacilitatorUnavailable.Wrap(err)
	}
	if !ok {
		return types.Invalid(types.ReasonSimulationFailed, payer), nil
	}

	return types.Valid(payer), nil
}

func (f *ExactFacilitator) Settle(ctx context.Context, req types.PaymentRequirements, payload types.PaymentPayload) (*types.SettleResponse, error) {
	t, reason := f.check(req, payload)
	if reason != "" {
		payer := ""
		if t != nil {
			payer = t.From.Hex()
		}
		return types.SettleFailure(reason, req.Network, payer), nil
	}

	token := common.HexToAddress(req.Asset)
	key := f.settlementKey(t)
	payer := t.From.Hex()

	// A recorded authorization is replayed or resumed by the guard even
	// after its window closed.
	recorded, err := f.guard.Seen(ctx, key)
	if err != nil {
		return nil, types.ErrFacilitatorUnavailable.Wrap(err)
	}
	if !recorded {
		if reason := f.window(t); reason != "" {
			return types.SettleFailure(reason, req.Network, payer), nil
		}
	}

	return f.guard.Do(ctx, key, func(ctx context.Context, prior *ledger.Record) (*types.SettleResponse, error) {
		var hash common.Hash
		if prior != nil {
			hash = common.HexToHash(prior.Transaction)
			f.log.Info("resuming pending settlement", map[string]any{"key": key, "tx": prior.Transaction})
		} else {
			submitted, err := f.chain.SubmitTransfer(ctx, token, t)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					return nil, types.ErrFacilitatorUnavailable.Wrap(err)
				}
				f.log.Warn("settlement submission failed", map[string]any{"key": key, "error": err})
				return types.SettleFailure(types.ReasonSettlementFailed, req.Network, payer), nil
			}
			hash = submitted
			if err := f.guard.MarkPending(ctx, key, req.Network, hash.Hex(), payer); err != nil {
				f.log.Error("failed to record pending settlement", map[string]any{"key": key, "tx": hash.Hex(), "error": err})
			}
		}

		receipt, err := f.chain.WaitMined(ctx, hash)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return &types.SettleResponse{
					ErrorReason: types.ReasonConfirmationTimeout,
					Transaction: hash.Hex(),
					Network:     req.Network,
					Payer:       payer,
				}, nil
			}
			return nil, types.ErrFacilitatorUnavailable.Wrap(err)
		}

		if receipt.Status != ethtypes.ReceiptStatusSuccessful {
			return &types.SettleResponse{
				ErrorReason: types.ReasonSettlementFailed,
				Transaction: hash.Hex(),
				Network:     req.Network,
				Payer:       payer,
			}, nil
		}

		return &types.SettleResponse{
			Success:     true,
			Transaction: hash.Hex(),
			Network:     req.Network,
			Payer:       payer,
		}, nil
	})
}
