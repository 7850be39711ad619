package evm

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/awesome402/ledger"
	"github.com/vitwit/awesome402/types"
)

type fakeChain struct {
	used       bool
	balance    *big.Int
	simulateOK bool
	chainErr   error
	submitErr  error
	status     uint64
	waitErr    error
	waitDelay  time.Duration

	submits atomic.Int32
	waits   atomic.Int32
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		balance:    big.NewInt(1_000_000),
		simulateOK: true,
		status:     ethtypes.ReceiptStatusSuccessful,
	}
}

func (c *fakeChain) AuthorizationState(context.Context, common.Address, common.Address, [32]byte) (bool, error) {
	return c.used, c.chainErr
}

func (c *fakeChain) BalanceOf(context.Context, common.Address, common.Address) (*big.Int, error) {
	return c.balance, c.chainErr
}

func (c *fakeChain) SimulateTransfer(context.Context, common.Address, *Transfer) (bool, error) {
	return c.simulateOK, c.chainErr
}

func (c *fakeChain) SubmitTransfer(context.Context, common.Address, *Transfer) (common.Hash, error) {
	c.submits.Add(1)
	if c.submitErr != nil {
		return common.Hash{}, c.submitErr
	}
	return common.HexToHash("0xfeed"), nil
}

func (c *fakeChain) WaitMined(ctx context.Context, tx common.Hash) (*ethtypes.Receipt, error) {
	c.waits.Add(1)
	if c.waitDelay > 0 {
		select {
		case <-time.After(c.waitDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.waitErr != nil {
		return nil, c.waitErr
	}
	return &ethtypes.Receipt{Status: c.status, TxHash: tx}, nil
}

var testNow = time.Unix(1_700_000_000, 0)

type fixture struct {
	signer *PrivateKeySigner
	chain  *fakeChain
	fac    *ExactFacilitator
	req    types.PaymentRequirements
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	chain := newFakeChain()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)

	return &fixture{
		signer: NewPrivateKeySigner(key),
		chain:  chain,
		fac:    NewExactFacilitator(types.NetworkBaseSepolia, types.X402Version2, chain, opts...),
		req:    testRequirement(t, types.X402Version2),
	}
}

func (f *fixture) payload(t *testing.T) types.PaymentPayload {
	t.Helper()
	c := NewExactClient(types.NetworkBaseSepolia, types.X402Version2, f.signer)
	c.now = func() time.Time { return testNow }
	p, err := c.Construct(context.Background(), f.req)
	require.NoError(t, err)
	return *p
}

// mutate edits a signed payload without re-signing it.
func mutate(t *testing.T, p types.PaymentPayload, fn func(*ExactPayload)) types.PaymentPayload {
	t.Helper()
	var ep ExactPayload
	require.NoError(t, json.Unmarshal(p.Payload, &ep))
	fn(&ep)
	raw, err := json.Marshal(ep)
	require.NoError(t, err)
	p.Payload = raw
	return p
}

func TestVerifyValid(t *testing.T) {
	f := newFixture(t)

	resp, err := f.fac.Verify(context.Background(), f.req, f.payload(t))
	require.NoError(t, err)
	assert.True(t, resp.IsValid, resp.InvalidReason)
	assert.Equal(t, f.signer.Address().Hex(), resp.Payer)
	assert.Zero(t, f.chain.submits.Load())
}

func TestVerifyRejections(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(f *fixture, p types.PaymentPayload) (types.PaymentRequirements, types.PaymentPayload)
		reason string
	}{
		{
			name: "amount below requirement",
			setup: func(f *fixture, p types.PaymentPayload) (types.PaymentRequirements, types.PaymentPayload) {
				req := f.req
				req.MaxAmountRequired = "20000"
				return req, p
			},
			reason: types.ReasonInsufficientAmount,
		},
		{
			name: "wrong recipient",
			setup: func(f *fixture, p types.PaymentPayload) (types.PaymentRequirements, types.PaymentPayload) {
				req := f.req
				req.PayTo = "0x857b06519E91e3A54538791bDbb0E22373e36b66"
				return req, p
			},
			reason: types.ReasonInvalidRecipient,
		},
		{
			name: "tampered value",
			setup: func(f *fixture, p types.PaymentPayload) (types.PaymentRequirements, types.PaymentPayload) {
				return f.req, mutate(t, p, func(ep *ExactPayload) { ep.Authorization.Value = "999999" })
			},
			reason: types.ReasonInvalidSignature,
		},
		{
			name: "key mismatch",
			setup: func(f *fixture, p types.PaymentPayload) (types.PaymentRequirements, types.PaymentPayload) {
				p.X402Version = types.X402Version1
				return f.req, p
			},
			reason: types.ReasonSchemeMismatch,
		},
		{
			name: "garbage payload",
			setup: func(f *fixture, p types.PaymentPayload) (types.PaymentRequirements, types.PaymentPayload) {
				p.Payload = json.RawMessage(`{"signature":"0x00"}`)
				return f.req, p
			},
			reason: types.ReasonInvalidPayload,
		},
		{
			name: "expired",
			setup: func(f *fixture, p types.PaymentPayload) (types.PaymentRequirements, types.PaymentPayload) {
				f.fac.now = func() time.Time { return testNow.Add(10 * time.Minute) }
				return f.req, p
			},
			reason: types.ReasonAuthorizationExpired,
		},
		{
			name: "not yet valid",
			setup: func(f *fixture, p types.PaymentPayload) (types.PaymentRequirements, types.PaymentPayload) {
				f.fac.now = func() time.Time { return testNow.Add(-time.Minute) }
				return f.req, p
			},
			reason: types.ReasonAuthorizationNotYetValid,
		},
		{
			name: "nonce used on chain",
			setup: func(f *fixture, p types.PaymentPayload) (types.PaymentRequirements, types.PaymentPayload) {
				f.chain.used = true
				return f.req, p
			},
			reason: types.ReasonNonceAlreadyUsed,
		},
		{
			name: "insufficient balance",
			setup: func(f *fixture, p types.PaymentPayload) (types.PaymentRequirements, types.PaymentPayload) {
				f.chain.balance = big.NewInt(5)
				return f.req, p
			},
			reason: types.ReasonInsufficientFunds,
		},
		{
			name: "simulation reverted",
			setup: func(f *fixture, p types.PaymentPayload) (types.PaymentRequirements, types.PaymentPayload) {
				f.chain.simulateOK = false
				return f.req, p
			},
			reason: types.ReasonSimulationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req, payload := tt.setup(f, f.payload(t))

			resp, err := f.fac.Verify(context.Background(), req, payload)
			require.NoError(t, err)
			assert.False(t, resp.IsValid)
			assert.Equal(t, tt.reason, resp.InvalidReason)
		})
	}
}

func TestVerifyChainErrorIsTransport(t *testing.T) {
	f := newFixture(t)
	f.chain.chainErr = errors.New("dial tcp: connection refused")

	_, err := f.fac.Verify(context.Background(), f.req, f.payload(t))
	assert.True(t, types.IsTransportError(err))
}

func TestSettleSuccess(t *testing.T) {
	f := newFixture(t)

	resp, err := f.fac.Settle(context.Background(), f.req, f.payload(t))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, common.HexToHash("0xfeed").Hex(), resp.Transaction)
	assert.Equal(t, "eip155:84532", resp.Network)
	assert.Equal(t, f.signer.Address().Hex(), resp.Payer)
}

func TestSettleIsIdempotent(t *testing.T) {
	f := newFixture(t)
	payload := f.payload(t)

	first, err := f.fac.Settle(context.Background(), f.req, payload)
	require.NoError(t, err)
	second, err := f.fac.Settle(context.Background(), f.req, payload)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), f.chain.submits.Load())

	// Once settled, the same authorization no longer verifies.
	resp, err := f.fac.Verify(context.Background(), f.req, payload)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonNonceAlreadyUsed, resp.InvalidReason)
}

func TestSettleConcurrentCallsSubmitOnce(t *testing.T) {
	f := newFixture(t)
	f.chain.waitDelay = 50 * time.Millisecond
	payload := f.payload(t)

	var wg sync.WaitGroup
	results := make([]*types.SettleResponse, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.fac.Settle(context.Background(), f.req, payload)
			assert.NoError(t, err)
			results[i] = resp
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.chain.submits.Load())
	for _, r := range results {
		require.NotNil(t, r)
		assert.True(t, r.Success)
	}
}

func TestSettleSharedGuardAcrossVersions(t *testing.T) {
	guard := ledger.NewGuard(ledger.NewMemoryStore())
	f := newFixture(t, WithGuard(guard))
	payload := f.payload(t)

	_, err := f.fac.Settle(context.Background(), f.req, payload)
	require.NoError(t, err)

	v1 := NewExactFacilitator(types.NetworkBaseSepolia, types.X402Version1, f.chain,
		WithGuard(guard), WithClock(func() time.Time { return testNow }))
	reqV1 := testRequirement(t, types.X402Version1)
	payloadV1 := payload
	payloadV1.X402Version = types.X402Version1
	payloadV1.Network = reqV1.Network

	resp, err := v1.Verify(context.Background(), reqV1, payloadV1)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonNonceAlreadyUsed, resp.InvalidReason)
}

func TestSettleTimeoutThenResume(t *testing.T) {
	f := newFixture(t)
	f.chain.waitDelay = time.Second
	payload := f.payload(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	resp, err := f.fac.Settle(ctx, f.req, payload)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, types.ReasonConfirmationTimeout, resp.ErrorReason)
	assert.NotEmpty(t, resp.Transaction)

	// A retry waits on the pending transaction instead of resubmitting.
	f.chain.waitDelay = 0
	resp, err = f.fac.Settle(context.Background(), f.req, payload)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, int32(1), f.chain.submits.Load())
	assert.Equal(t, int32(2), f.chain.waits.Load())
}

func TestSettleRevertedIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.chain.status = ethtypes.ReceiptStatusFailed
	payload := f.payload(t)

	resp, err := f.fac.Settle(context.Background(), f.req, payload)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, types.ReasonSettlementFailed, resp.ErrorReason)

	again, err := f.fac.Settle(context.Background(), f.req, payload)
	require.NoError(t, err)
	assert.Equal(t, resp, again)
	assert.Equal(t, int32(1), f.chain.submits.Load())
}

func TestSettleSubmitFailureAllowsRetry(t *testing.T) {
	f := newFixture(t)
	f.chain.submitErr = errors.New("nonce too low")
	payload := f.payload(t)

	resp, err := f.fac.Settle(context.Background(), f.req, payload)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Empty(t, resp.Transaction)

	f.chain.submitErr = nil
	resp, err = f.fac.Settle(context.Background(), f.req, payload)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, int32(2), f.chain.submits.Load())
}

func TestRecordedTracksLedger(t *testing.T) {
	f := newFixture(t)
	payload := f.payload(t)

	recorded, err := f.fac.Recorded(context.Background(), f.req, payload)
	require.NoError(t, err)
	assert.False(t, recorded)

	_, err = f.fac.Settle(context.Background(), f.req, payload)
	require.NoError(t, err)

	recorded, err = f.fac.Recorded(context.Background(), f.req, payload)
	require.NoError(t, err)
	assert.True(t, recorded)

	// A tampered copy does not match the record.
	tampered := mutate(t, payload, func(ep *ExactPayload) { ep.Authorization.Value = "999999" })
	recorded, err = f.fac.Recorded(context.Background(), f.req, tampered)
	require.NoError(t, err)
	assert.False(t, recorded)
}

func TestSettleReplaysAfterWindowCloses(t *testing.T) {
	f := newFixture(t)
	payload := f.payload(t)

	first, err := f.fac.Settle(context.Background(), f.req, payload)
	require.NoError(t, err)
	require.True(t, first.Success)

	f.fac.now = func() time.Time { return testNow.Add(10 * time.Minute) }
	again, err := f.fac.Settle(context.Background(), f.req, payload)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, int32(1), f.chain.submits.Load())
}

func TestSettleRejectsExpiredUnrecordedAuthorization(t *testing.T) {
	f := newFixture(t)
	f.fac.now = func() time.Time { return testNow.Add(10 * time.Minute) }

	resp, err := f.fac.Settle(context.Background(), f.req, f.payload(t))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, types.ReasonAuthorizationExpired, resp.ErrorReason)
	assert.Zero(t, f.chain.submits.Load())
}
