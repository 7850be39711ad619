package types

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// EIP712Domain holds the token's EIP-712 domain name and version, which EVM
// signatures must commit to.
type EIP712Domain struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// TokenAsset is a token on a specific network.
type TokenAsset struct {
	Network  Network
	Address  string
	Decimals int32
	EIP712   *EIP712Domain
}

// Amount converts a human decimal amount ("0.025") into base units. It fails
// for non-positive amounts and when the value has more fractional digits than
// the token supports.
func (a TokenAsset) Amount(value string) (*big.Int, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, ErrInvalidAmount.WithMessage("invalid amount format %q: %v", value, err)
	}
	return a.AmountDecimal(d)
}

// AmountDecimal is Amount for an already parsed decimal.
func (a TokenAsset) AmountDecimal(d decimal.Decimal) (*big.Int, error) {
	if d.Sign() <= 0 {
		return nil, ErrInvalidAmount.WithMessage("amount must be positive, got %s", d.String())
	}

	scaled := d.Shift(a.Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, ErrInvalidAmount.WithMessage("amount %s exceeds %d decimals", d.String(), a.Decimals)
	}

	return scaled.BigInt(), nil
}

// Format renders a base-unit amount as a decimal string.
func (a TokenAsset) Format(amount *big.Int) string {
	return decimal.NewFromBigInt(amount, -a.Decimals).String()
}

// PayTo starts a price tag for this asset paid to recipient.
func (a TokenAsset) PayTo(recipient string) PriceTagDraft {
	return PriceTagDraft{asset: a, payTo: recipient}
}

func (a TokenAsset) Validate() error {
	if a.Network.IsZero() {
		return ErrConfig.WithMessage("token asset network is required")
	}
	if err := a.Network.ValidateAddress(a.Address); err != nil {
		return ErrConfig.WithMessage("token asset address: %v", err)
	}
	if a.Decimals < 0 || a.Decimals > 36 {
		return ErrConfig.WithMessage("token asset decimals out of range: %d", a.Decimals)
	}
	return nil
}

var usdcDeployments = map[Network]TokenAsset{
	NetworkBase: {
		Network: NetworkBase, Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6,
		EIP712: &EIP712Domain{Name: "USD Coin", Version: "2"},
	},
	NetworkBaseSepolia: {
		Network: NetworkBaseSepolia, Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Decimals: 6,
		EIP712: &EIP712Domain{Name: "USDC", Version: "2"},
	},
	NetworkPolygon: {
		Network: NetworkPolygon, Address: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", Decimals: 6,
		EIP712: &EIP712Domain{Name: "USD Coin", Version: "2"},
	},
	NetworkPolygonAmoy: {
		Network: NetworkPolygonAmoy, Address: "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582", Decimals: 6,
		EIP712: &EIP712Domain{Name: "USDC", Version: "2"},
	},
	NetworkAvalanche: {
		Network: NetworkAvalanche, Address: "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E", Decimals: 6,
		EIP712: &EIP712Domain{Name: "USD Coin", Version: "2"},
	},
	NetworkAvalancheFuji: {
		Network: NetworkAvalancheFuji, Address: "0x5425890298aed601595a70AB815c96711a31Bc65", Decimals: 6,
		EIP712: &EIP712Domain{Name: "USD Coin", Version: "2"},
	},
	NetworkSolanaMainnet: {
		Network: NetworkSolanaMainnet, Address: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Decimals: 6,
	},
	NetworkSolanaDevnet: {
		Network: NetworkSolanaDevnet, Address: "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU", Decimals: 6,
	},
}

// USDC returns the known USDC deployment on network.
func USDC(network Network) (TokenAsset, error) {
	asset, ok := usdcDeployments[network]
	if !ok {
		return TokenAsset{}, ErrUnsupportedNetwork.WithMessage("no USDC deployment known for %s", network)
	}
	return asset, nil
}

// MustUSDC is USDC for static configuration; it panics on unknown networks.
func MustUSDC(network Network) TokenAsset {
	asset, err := USDC(network)
	if err != nil {
		panic(fmt.Sprintf("usdc: %v", err))
	}
	return asset
}
