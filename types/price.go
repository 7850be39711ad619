package types

import (
	"math/big"
	"strconv"

	"github.com/shopspring/decimal"
)

// PriceTag is a seller-defined cost for a route. Fields are unexported so a
// tag cannot change after NewPriceTag validated it.
type PriceTag struct {
	asset       TokenAsset
	amount      *big.Int
	payTo       string
	description string
}

// NewPriceTag validates and builds a price tag. amount is in base units.
func NewPriceTag(asset TokenAsset, amount *big.Int, payTo, description string) (PriceTag, error) {
	if err := asset.Validate(); err != nil {
		return PriceTag{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return PriceTag{}, ErrInvalidAmount.WithMessage("price amount must be positive")
	}
	if err := asset.Network.ValidateAddress(payTo); err != nil {
		return PriceTag{}, ErrConfig.WithMessage("price recipient: %v", err)
	}

	return PriceTag{
		asset:       asset,
		amount:      new(big.Int).Set(amount),
		payTo:       payTo,
		description: description,
	}, nil
}

func (p PriceTag) Asset() TokenAsset   { return p.asset }
func (p PriceTag) Amount() *big.Int    { return new(big.Int).Set(p.amount) }
func (p PriceTag) PayTo() string       { return p.payTo }
func (p PriceTag) Description() string { return p.description }
func (p PriceTag) Network() Network    { return p.asset.Network }

// WithDescription returns a copy of the tag with a different description.
func (p PriceTag) WithDescription(description string) PriceTag {
	p.description = description
	return p
}

// Requirement renders the tag as a wire requirement for scheme and version.
func (p PriceTag) Requirement(scheme string, version int) PaymentRequirements {
	req := PaymentRequirements{
		X402Version:       version,
		Scheme:            scheme,
		Network:           p.asset.Network.WireName(version),
		MaxAmountRequired: p.amount.String(),
		Description:       p.description,
		PayTo:             p.payTo,
		Asset:             p.asset.Address,
		Extra:             map[string]interface{}{},
	}

	switch {
	case p.asset.Network.IsEVM() && p.asset.EIP712 != nil:
		req.Extra["name"] = p.asset.EIP712.Name
		req.Extra["version"] = p.asset.EIP712.Version
	case p.asset.Network.IsSolana():
		req.Extra["decimals"] = strconv.Itoa(int(p.asset.Decimals))
	}

	return req
}

// PriceTagDraft is the intermediate value of asset.PayTo(addr).Amount("0.01").
type PriceTagDraft struct {
	asset TokenAsset
	payTo string
}

// Amount converts a human decimal amount and builds the price tag.
func (d PriceTagDraft) Amount(value string) (PriceTag, error) {
	amount, err := d.asset.Amount(value)
	if err != nil {
		return PriceTag{}, err
	}
	return NewPriceTag(d.asset, amount, d.payTo, "")
}

// AmountFloat is Amount for literal float prices such as 0.025.
func (d PriceTagDraft) AmountFloat(value float64) (PriceTag, error) {
	amount, err := d.asset.AmountDecimal(decimal.NewFromFloat(value))
	if err != nil {
		return PriceTag{}, err
	}
	return NewPriceTag(d.asset, amount, d.payTo, "")
}

// BaseUnits builds the price tag from an amount already in base units.
func (d PriceTagDraft) BaseUnits(amount *big.Int) (PriceTag, error) {
	return NewPriceTag(d.asset, amount, d.payTo, "")
}
