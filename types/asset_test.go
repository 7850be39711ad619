package types

import (
	"math/big"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPayTo = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"

func TestTokenAssetAmount(t *testing.T) {
	usdc := MustUSDC(NetworkBaseSepolia)

	tests := []struct {
		name    string
		value   string
		want    string
		wantErr bool
	}{
		{name: "fractional", value: "0.025", want: "25000"},
		{name: "whole", value: "3", want: "3000000"},
		{name: "smallest unit", value: "0.000001", want: "1"},
		{name: "trailing zeros beyond decimals", value: "0.0250000000", want: "25000"},
		{name: "zero", value: "0", wantErr: true},
		{name: "negative", value: "-0.5", wantErr: true},
		{name: "too precise", value: "0.0000001", wantErr: true},
		{name: "garbage", value: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := usdc.Amount(tt.value)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestTokenAssetFormat(t *testing.T) {
	usdc := MustUSDC(NetworkBase)
	assert.Equal(t, "0.025", usdc.Format(big.NewInt(25000)))
}

func TestPriceTagFromFloat(t *testing.T) {
	tag, err := MustUSDC(NetworkBaseSepolia).PayTo(testPayTo).AmountFloat(0.025)
	require.NoError(t, err)
	assert.Equal(t, "25000", tag.Amount().String())

	req := tag.WithDescription("Premium Content").Requirement(SchemeExact, X402Version1)
	assert.Equal(t, "base-sepolia", req.Network)
	assert.Equal(t, "25000", req.MaxAmountRequired)
	assert.Equal(t, testPayTo, req.PayTo)
	assert.Equal(t, "0x036CbD53842c5426634e7929541eC2318f3dCF7e", req.Asset)
	assert.Equal(t, "Premium Content", req.Description)
	assert.Equal(t, "USDC", req.Extra["name"])
	assert.Equal(t, "2", req.Extra["version"])

	v2 := tag.Requirement(SchemeExact, X402Version2)
	assert.Equal(t, "eip155:84532", v2.Network)
	assert.Equal(t, SchemeKey{Network: "eip155:84532", Scheme: SchemeExact, Version: 2}, v2.Key())
}

func TestNewPriceTagRejectsInvalidInput(t *testing.T) {
	usdc := MustUSDC(NetworkBase)

	_, err := NewPriceTag(usdc, big.NewInt(0), testPayTo, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = NewPriceTag(usdc, big.NewInt(-1), testPayTo, "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = NewPriceTag(usdc, big.NewInt(1), "not-an-address", "")
	assert.ErrorIs(t, err, ErrConfig)

	solanaPayTo := solana.NewWallet().PublicKey().String()
	_, err = NewPriceTag(usdc, big.NewInt(1), solanaPayTo, "")
	assert.ErrorIs(t, err, ErrConfig, "solana recipient on an EVM asset")

	tag, err := NewPriceTag(MustUSDC(NetworkSolanaDevnet), big.NewInt(10), solanaPayTo, "")
	require.NoError(t, err)
	req := tag.Requirement(SchemeExact, X402Version2)
	assert.Equal(t, "6", req.Extra["decimals"])
}

func TestPriceTagAmountIsCopied(t *testing.T) {
	amount := big.NewInt(100)
	tag, err := NewPriceTag(MustUSDC(NetworkBase), amount, testPayTo, "")
	require.NoError(t, err)

	amount.SetInt64(1)
	tag.Amount().SetInt64(2)
	assert.Equal(t, "100", tag.Amount().String())
}
