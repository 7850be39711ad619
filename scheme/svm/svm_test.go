package svm

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/awesome402/types"
)

type fakeRPC struct {
	simErr    interface{}
	rpcErr    error
	sendErr   error
	statusErr interface{}
	pending   int32

	sends  atomic.Int32
	polls  atomic.Int32
	sentTx *solana.Transaction
}

func (r *fakeRPC) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{
			Blockhash:            solana.MustHashFromBase58("4sGjMW1sUnHzSxGspuhpqLDx6wiyjNtZAMdL4VZHirAn"),
			LastValidBlockHeight: 100000,
		},
	}, nil
}

func (r *fakeRPC) SimulateTransaction(context.Context, *solana.Transaction) (*rpc.SimulateTransactionResponse, error) {
	if r.rpcErr != nil {
		return nil, r.rpcErr
	}
	return &rpc.SimulateTransactionResponse{Value: &rpc.SimulateTransactionResult{Err: r.simErr}}, nil
}

func (r *fakeRPC) SendTransaction(_ context.Context, tx *solana.Transaction) (solana.Signature, error) {
	r.sends.Add(1)
	if r.sendErr != nil {
		return solana.Signature{}, r.sendErr
	}
	r.sentTx = tx
	return tx.Signatures[0], nil
}

func (r *fakeRPC) GetSignatureStatuses(_ context.Context, _ bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	n := r.polls.Add(1)
	if n <= r.pending {
		return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{nil}}, nil
	}
	return &rpc.GetSignatureStatusesResult{
		Value: []*rpc.SignatureStatusesResult{{
			ConfirmationStatus: rpc.ConfirmationStatusConfirmed,
			Err:                r.statusErr,
		}},
	}, nil
}

type fixture struct {
	buyer    *PrivateKeySigner
	feePayer solana.PrivateKey
	rpc      *fakeRPC
	client   *ExactClient
	fac      *ExactFacilitator
	req      types.PaymentRequirements
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	buyerKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	feePayer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	payTo, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	tag, err := types.MustUSDC(types.NetworkSolanaDevnet).PayTo(payTo.PublicKey().String()).Amount("0.01")
	require.NoError(t, err)
	req := tag.Requirement(types.SchemeExact, types.X402Version2)
	req.MaxTimeoutSeconds = 60

	r := &fakeRPC{}
	fac := NewExactFacilitator(types.NetworkSolanaDevnet, types.X402Version2, r, feePayer, WithPollInterval(time.Millisecond))
	for k, v := range fac.Extra() {
		req.Extra[k] = v
	}

	buyer := NewPrivateKeySigner(buyerKey)
	return &fixture{
		buyer:    buyer,
		feePayer: feePayer,
		rpc:      r,
		client:   NewExactClient(types.NetworkSolanaDevnet, types.X402Version2, buyer, r),
		fac:      fac,
		req:      req,
	}
}

func (f *fixture) payload(t *testing.T) types.PaymentPayload {
	t.Helper()
	p, err := f.client.Construct(context.Background(), f.req)
	require.NoError(t, err)
	return *p
}

func TestConstructLayout(t *testing.T) {
	f := newFixture(t)
	p := f.payload(t)

	assert.Equal(t, "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1", p.Network)

	tx, err := decodeTransaction(p.Payload)
	require.NoError(t, err)
	assert.Len(t, tx.Message.Instructions, 4)
	assert.True(t, tx.Message.AccountKeys[0].Equals(f.feePayer.PublicKey()))

	info, price, err := inspect(tx)
	require.NoError(t, err)
	assert.Equal(t, DefaultComputeUnitPrice, price)
	assert.Equal(t, uint64(10000), info.Amount)
	assert.Equal(t, uint8(6), info.Decimals)
	assert.True(t, info.Owner.Equals(f.buyer.PublicKey()))

	// Only the buyer has signed so far.
	feeSig, ok := signatureOf(tx, f.feePayer.PublicKey())
	require.True(t, ok)
	assert.Equal(t, solana.Signature{}, feeSig)
}

func TestConstructErrors(t *testing.T) {
	f := newFixture(t)

	t.Run("missing fee payer", func(t *testing.T) {
		req := f.req
		req.Extra = map[string]interface{}{"decimals": "6"}
		_, err := f.client.Construct(context.Background(), req)
		assert.ErrorIs(t, err, types.ErrSchemeMismatch)
	})

	t.Run("no signer", func(t *testing.T) {
		c := NewExactClient(types.NetworkSolanaDevnet, types.X402Version2, nil, f.rpc)
		_, err := c.Construct(context.Background(), f.req)
		assert.ErrorIs(t, err, types.ErrSigningUnavailable)
	})

	t.Run("wrong version", func(t *testing.T) {
		c := NewExactClient(types.NetworkSolanaDevnet, types.X402Version1, f.buyer, f.rpc)
		_, err := c.Construct(context.Background(), f.req)
		assert.ErrorIs(t, err, types.ErrSchemeMismatch)
	})
}

func TestVerifyValid(t *testing.T) {
	f := newFixture(t)

	resp, err := f.fac.Verify(context.Background(), f.req, f.payload(t))
	require.NoError(t, err)
	assert.True(t, resp.IsValid, resp.InvalidReason)
	assert.Equal(t, f.buyer.PublicKey().String(), resp.Payer)
	assert.Zero(t, f.rpc.sends.Load())
}

func TestVerifyRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fixture, req *types.PaymentRequirements)
		reason string
	}{
		{
			name:   "amount below requirement",
			mutate: func(_ *fixture, req *types.PaymentRequirements) { req.MaxAmountRequired = "20000" },
			reason: types.ReasonInsufficientAmount,
		},
		{
			name: "other recipient",
			mutate: func(_ *fixture, req *types.PaymentRequirements) {
				req.PayTo = solana.NewWallet().PublicKey().String()
			},
			reason: types.ReasonInvalidRecipient,
		},
		{
			name: "other mint",
			mutate: func(_ *fixture, req *types.PaymentRequirements) {
				req.Asset = types.MustUSDC(types.NetworkSolanaMainnet).Address
			},
			reason: types.ReasonInvalidAsset,
		},
		{
			name:   "simulation error",
			mutate: func(f *fixture, _ *types.PaymentRequirements) { f.rpc.simErr = map[string]interface{}{"InstructionError": []interface{}{3, "Custom"}} },
			reason: types.ReasonSimulationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			payload := f.payload(t)
			req := f.req
			tt.mutate(f, &req)

			resp, err := f.fac.Verify(context.Background(), req, payload)
			require.NoError(t, err)
			assert.False(t, resp.IsValid)
			assert.Equal(t, tt.reason, resp.InvalidReason)
		})
	}
}

func TestVerifyForeignFeePayer(t *testing.T) {
	f := newFixture(t)
	payload := f.payload(t)

	other, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	fac := NewExactFacilitator(types.NetworkSolanaDevnet, types.X402Version2, f.rpc, other)

	resp, err := fac.Verify(context.Background(), f.req, payload)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonFeePayerMisuse, resp.InvalidReason)
}

func TestVerifyTamperedTransaction(t *testing.T) {
	f := newFixture(t)
	payload := f.payload(t)

	tx, err := decodeTransaction(payload.Payload)
	require.NoError(t, err)
	// Raise the transfer amount without re-signing.
	last := &tx.Message.Instructions[len(tx.Message.Instructions)-1]
	last.Data[1] = 0xff
	encoded, err := encodeTransaction(tx)
	require.NoError(t, err)
	payload.Payload, err = json.Marshal(ExactPayload{Transaction: encoded})
	require.NoError(t, err)

	resp, err := f.fac.Verify(context.Background(), f.req, payload)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonInvalidSignature, resp.InvalidReason)
}

func TestVerifyGarbage(t *testing.T) {
	f := newFixture(t)
	payload := f.payload(t)
	payload.Payload = json.RawMessage(`{"transaction":"bm90IGEgdHg="}`)

	resp, err := f.fac.Verify(context.Background(), f.req, payload)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonInvalidPayload, resp.InvalidReason)
}

func TestVerifyRPCErrorIsTransport(t *testing.T) {
	f := newFixture(t)
	f.rpc.rpcErr = errors.New("503 service unavailable")

	_, err := f.fac.Verify(context.Background(), f.req, f.payload(t))
	assert.True(t, types.IsTransportError(err))
}

func TestSettle(t *testing.T) {
	f := newFixture(t)
	f.rpc.pending = 2
	payload := f.payload(t)

	resp, err := f.fac.Settle(context.Background(), f.req, payload)
	require.NoError(t, err)
	assert.True(t, resp.Success, resp.ErrorReason)
	assert.Equal(t, f.buyer.PublicKey().String(), resp.Payer)

	// The sent transaction carries a valid fee payer signature.
	require.NotNil(t, f.rpc.sentTx)
	message, err := f.rpc.sentTx.Message.MarshalBinary()
	require.NoError(t, err)
	assert.True(t, f.rpc.sentTx.Signatures[0].Verify(f.feePayer.PublicKey(), message))
	assert.Equal(t, f.rpc.sentTx.Signatures[0].String(), resp.Transaction)

	again, err := f.fac.Settle(context.Background(), f.req, payload)
	require.NoError(t, err)
	assert.Equal(t, resp, again)
	assert.Equal(t, int32(1), f.rpc.sends.Load())

	v, err := f.fac.Verify(context.Background(), f.req, payload)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonNonceAlreadyUsed, v.InvalidReason)
}

func TestSettleLandedWithError(t *testing.T) {
	f := newFixture(t)
	f.rpc.statusErr = map[string]interface{}{"InstructionError": []interface{}{3, "Custom"}}

	resp, err := f.fac.Settle(context.Background(), f.req, f.payload(t))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, types.ReasonSettlementFailed, resp.ErrorReason)
	assert.NotEmpty(t, resp.Transaction)
}

func TestSettleConfirmationTimeoutResumes(t *testing.T) {
	f := newFixture(t)
	f.rpc.pending = 1 << 30
	payload := f.payload(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	resp, err := f.fac.Settle(ctx, f.req, payload)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonConfirmationTimeout, resp.ErrorReason)

	f.rpc.pending = 0
	f.rpc.polls.Store(0)
	resp, err = f.fac.Settle(context.Background(), f.req, payload)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, int32(1), f.rpc.sends.Load())
}

func TestRecordedCoversPendingSettlement(t *testing.T) {
	f := newFixture(t)
	f.rpc.pending = 1 << 30
	payload := f.payload(t)

	recorded, err := f.fac.Recorded(context.Background(), f.req, payload)
	require.NoError(t, err)
	assert.False(t, recorded)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	resp, err := f.fac.Settle(ctx, f.req, payload)
	require.NoError(t, err)
	require.Equal(t, types.ReasonConfirmationTimeout, resp.ErrorReason)

	recorded, err = f.fac.Recorded(context.Background(), f.req, payload)
	require.NoError(t, err)
	assert.True(t, recorded)
}
