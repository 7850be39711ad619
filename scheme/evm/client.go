package evm

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/vitwit/awesome402/scheme"
	"github.com/vitwit/awesome402/types"
)

const (
	defaultValidity = 60 * time.Second
	clockSkew       = 10 * time.Second
)

var _ scheme.Client = (*ExactClient)(nil)

// ExactClient builds EIP-3009 payment payloads for one network and version.
type ExactClient struct {
	key     types.SchemeKey
	network types.Network
	signer  Signer
	now     func() time.Time
}

// NewExactClient returns the buyer half of the exact scheme. A nil signer is
// accepted; Construct then fails with ErrSigningUnavailable.
func NewExactClient(network types.Network, version int, signer Signer) *ExactClient {
	return &ExactClient{
		key:     types.NewSchemeKey(network, types.SchemeExact, version),
		network: network,
		signer:  signer,
		now:     time.Now,
	}
}

// ExactClients returns v1 and v2 clients for every network.
func ExactClients(signer Signer, networks ...types.Network) []scheme.Client {
	out := make([]scheme.Client, 0, 2*len(networks))
	for _, n := range networks {
		out = append(out,
			NewExactClient(n, types.X402Version1, signer),
			NewExactClient(n, types.X402Version2, signer),
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

	domain, ok := eip712Domain(req)
	if !ok {
		return nil, types.ErrSchemeMismatch.WithMessage("requirement is missing the EIP-712 name/version extras")
	}
	if !common.IsHexAddress(req.PayTo) || !common.IsHexAddress(req.Asset) {
		return nil, types.ErrInvalidRequirements.WithMessage("payTo and asset must be hex addresses")
	}
	amount, err := req.Amount()
	if err != nil {
		return nil, err
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}

	validity := defaultValidity
	if req.MaxTimeoutSeconds > 0 {
		validity = time.Duration(req.MaxTimeoutSeconds) * time.Second
	}
	now := c.now()

	auth := Authorization{
		From:        c.signer.Address().Hex(),
		To:          common.HexToAddress(req.PayTo).Hex(),
		Value:       amount.String(),
		ValidAfter:  big.NewInt(now.Add(-clockSkew).Unix()).String(),
		ValidBefore: big.NewInt(now.Add(validity).Unix()).String(),
		Nonce:       hexutil.Encode(nonce[:]),
	}

	td, err := TypedData(auth, c.network.ChainID(), common.HexToAddress(req.Asset), domain)
	if err != nil {
		return nil, err
	}
	sig, err := c.signer.SignTypedData(td)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(ExactPayload{Signature: hexutil.Encode(sig), Authorization: auth})
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
