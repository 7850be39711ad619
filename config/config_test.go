package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/awesome402/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "facilitator.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("BASE_SIGNER", "0xabc123")
	path := writeConfig(t, `{
		"port": 9000,
		"logLevel": "debug",
		"settleTimeout": "90s",
		"metricsEnabled": true,
		"chains": [
			{"network": "base-sepolia", "signerKey": "${BASE_SIGNER}", "rpcUrl": "https://sepolia.base.org"},
			{"network": "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1", "signerKey": "base58key", "versions": [2]}
		]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Addr())
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.VerifyTimeout.Std())
	assert.Equal(t, 90*time.Second, cfg.SettleTimeout.Std())
	assert.True(t, cfg.MetricsEnabled)
	require.Len(t, cfg.Chains, 2)
	assert.Equal(t, "0xabc123", cfg.Chains[0].SignerKey)
	assert.Equal(t, []int{1, 2}, cfg.Chains[0].ProtocolVersions())
	assert.Equal(t, []int{2}, cfg.Chains[1].ProtocolVersions())

	network, err := cfg.Chains[1].ParsedNetwork()
	require.NoError(t, err)
	assert.Equal(t, types.NetworkSolanaDevnet, network)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("AWESOME402_PORT", "7000")
	t.Setenv("AWESOME402_LOG_LEVEL", "warn")
	t.Setenv("DATABASE_URL", "postgres://localhost/x402")
	t.Setenv("NATS_URL", "nats://localhost:4222")
	path := writeConfig(t, `{"chains": [{"network": "base", "signerKey": "k"}]}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "postgres://localhost/x402", cfg.DatabaseURL)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)

	t.Setenv("AWESOME402_PORT", "seventy")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"no chains":       `{}`,
		"unknown network": `{"chains": [{"network": "dogechain", "signerKey": "k"}]}`,
		"missing key":     `{"chains": [{"network": "base"}]}`,
		"duplicate":       `{"chains": [{"network": "base", "signerKey": "k"}, {"network": "eip155:8453", "signerKey": "k"}]}`,
		"bad version":     `{"chains": [{"network": "base", "signerKey": "k", "versions": [3]}]}`,
		"bad level":       `{"logLevel": "loud", "chains": [{"network": "base", "signerKey": "k"}]}`,
		"zero timeout":    `{"verifyTimeout": "0s", "chains": [{"network": "base", "signerKey": "k"}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.ErrorIs(t, err, types.ErrConfig)
		})
	}
}

func TestLoadParseErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `{"chains": [], "unknownField": 1}`))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `{"verifyTimeout": 30}`))
	assert.Error(t, err)
}
