package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNetwork(t *testing.T) {
	tests := []struct {
		in      string
		want    Network
		wantErr bool
	}{
		{in: "base-sepolia", want: NetworkBaseSepolia},
		{in: "eip155:84532", want: NetworkBaseSepolia},
		{in: "solana-devnet", want: NetworkSolanaDevnet},
		{in: "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1", want: NetworkSolanaDevnet},
		{in: "eip155:31337", want: Network{ChainEVM, "31337"}},
		{in: "eip155:abc", wantErr: true},
		{in: "cosmos:cosmoshub-4", wantErr: true},
		{in: "nowhere", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseNetwork(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedNetwork)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNetworkWireName(t *testing.T) {
	assert.Equal(t, "base", NetworkBase.WireName(1))
	assert.Equal(t, "eip155:8453", NetworkBase.WireName(2))

	local := Network{ChainEVM, "31337"}
	assert.Equal(t, "eip155:31337", local.WireName(1))
	assert.Equal(t, int64(31337), local.ChainID().Int64())
	assert.Nil(t, NetworkSolanaDevnet.ChainID())
}

func TestNetworkValidateAddress(t *testing.T) {
	assert.NoError(t, NetworkBase.ValidateAddress(testPayTo))
	assert.Error(t, NetworkBase.ValidateAddress("209693Bc6afc0C5328bA36FaF03C514EF312287C"))
	assert.NoError(t, NetworkSolanaMainnet.ValidateAddress("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"))
	assert.Error(t, NetworkSolanaMainnet.ValidateAddress(testPayTo))

	assert.True(t, NetworkBase.SameAddress(testPayTo, "0x209693bc6afc0c5328ba36faf03c514ef312287c"))
}
