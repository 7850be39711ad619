package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
)

// Chain is the on-chain capability the exact facilitator needs.
type Chain interface {
	// AuthorizationState reports whether the EIP-3009 nonce was already used.
	AuthorizationState(ctx context.Context, token, authorizer common.Address, nonce [32]byte) (bool, error)
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
	// SimulateTransfer dry-runs transferWithAuthorization. A revert is
	// reported as false with a nil error.
	SimulateTransfer(ctx context.Context, token common.Address, t *Transfer) (bool, error)
	SubmitTransfer(ctx context.Context, token common.Address, t *Transfer) (common.Hash, error)
	// WaitMined polls until the transaction has a receipt or ctx is done.
	WaitMined(ctx context.Context, tx common.Hash) (*ethtypes.Receipt, error)
}

// Backend is the subset of *ethclient.Client used by EthChain.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

const tokenABI = `
[
  {
    "name": "transferWithAuthorization",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "from", "type": "address" },
      { "name": "to", "type": "address" },
      { "name": "value", "type": "uint256" },
      { "name": "validAfter", "type": "uint256" },
      { "name": "validBefore", "type": "uint256" },
      { "name": "nonce", "type": "bytes32" },
      { "name": "v", "type": "uint8" },
      { "name": "r", "type": "bytes32" },
      { "name": "s", "type": "bytes32" }
    ],
    "outputs": []
  },
  {
    "name": "balanceOf",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{ "name": "account", "type": "address" }],
    "outputs": [{ "name": "", "type": "uint256" }]
  },
  {
    "name": "authorizationState",
    "type": "function",
    "stateMutability": "view",
    "inputs": [
      { "name": "authorizer", "type": "address" },
      { "name": "nonce", "type": "bytes32" }
    ],
    "outputs": [{ "name": "", "type": "bool" }]
  }
]
`

var parsedTokenABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		panic(fmt.Sprintf("token abi: %v", err))
	}
	return parsed
}()

var _ Chain = (*EthChain)(nil)

// EthChain talks to an EIP-155 chain through a Backend and pays gas with the
// facilitator key.
type EthChain struct {
	backend      Backend
	key          *ecdsa.PrivateKey
	from         common.Address
	chainID      *big.Int
	pollInterval time.Duration

	// mu serialises submissions so pending nonces are not reused.
	mu sync.Mutex
}

// NewEthChain builds a chain adapter. key may be nil for a verify-only
// facilitator; SubmitTransfer then fails.
func NewEthChain(backend Backend, chainID *big.Int, key *ecdsa.PrivateKey) *EthChain {
	c := &EthChain{
		backend:      backend,
		key:          key,
		chainID:      new(big.Int).Set(chainID),
		pollInterval: time.Second,
	}
	if key != nil {
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c
}

// Address returns the account paying gas for settlements.
func (c *EthChain) Address() common.Address { return c.from }

func (c *EthChain) call(ctx context.Context, token common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsedTokenABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}

	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call: %w", method, err)
	}

	return parsedTokenABI.Unpack(method, out)
}

func (c *EthChain) AuthorizationState(ctx context.Context, token, authorizer common.Address, nonce [32]byte) (bool, error) {
	vals, err := c.call(ctx, token, "authorizationState", authorizer, nonce)
	if err != nil {
		return false, err
	}
	used, ok := vals[0].(bool)
	if !ok {
		return false, fmt.Errorf("authorizationState: unexpected output %T", vals[0])
	}
	return used, nil
}

func (c *EthChain) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	vals, err := c.call(ctx, token, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	balance, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf: unexpected output %T", vals[0])
	}
	return balance, nil
}

func transferCallData(t *Transfer) ([]byte, error) {
	return parsedTokenABI.Pack(
		"transferWithAuthorization",
		t.From,
		t.To,
		t.Value,
		t.ValidAfter,
		t.ValidBefore,
		t.Nonce,
		t.V(),
		t.R(),
		t.S(),
	)
}

func (c *EthChain) SimulateTransfer(ctx context.Context, token common.Address, t *Transfer) (bool, error) {
	data, err := transferCallData(t)
	if err != nil {
		return false, err
	}

	msg := ethereum.CallMsg{
		From: c.from,
		To:   &token,
		Data: data,
	}
	if _, err := c.backend.CallContract(ctx, msg, nil); err != nil {
		var dataErr rpc.DataError
		if errors.As(err, &dataErr) || strings.Contains(err.Error(), "execution reverted") {
			return false, nil
		}
		return false, fmt.Errorf("simulate transfer: %w", err)
	}
	return true, nil
}

func (c *EthChain) SubmitTransfer(ctx context.Context, token common.Address, t *Transfer) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, errors.New("no settlement key configured")
	}

	data, err := transferCallData(t)
	if err != nil {
		return common.Hash{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("latest header: %w", err)
	}

	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &token, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}
	gas = gas * 12 / 10

	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &token,
		Value:     big.NewInt(0),
		Data:      data,
	})

	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}
	return signed.Hash(), nil
}

func (c *EthChain) WaitMined(ctx context.Context, tx common.Hash) (*ethtypes.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, tx)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("receipt %s: %w", tx.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
