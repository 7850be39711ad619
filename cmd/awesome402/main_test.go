package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/awesome402/config"
	"github.com/vitwit/awesome402/logger"
	"github.com/vitwit/awesome402/metrics"
	"github.com/vitwit/awesome402/types"
)

func runApp(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	app := newApp()
	app.Writer = &stdout
	app.ErrWriter = &stderr
	err := app.Run(append([]string{"awesome402"}, args...))
	return stdout.String(), stderr.String(), err
}

func TestBuildFacilitatorSolana(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Chains = []config.ChainConfig{{
		Network:   "solana-devnet",
		RPCURL:    "http://127.0.0.1:1",
		SignerKey: key.String(),
		Versions:  []int{types.X402Version2},
	}}

	fac, err := buildFacilitator(context.Background(), cfg, logger.NoopLogger{}, metrics.NoopRecorder{})
	require.NoError(t, err)
	defer fac.Close()

	supported, err := fac.Supported(context.Background())
	require.NoError(t, err)
	require.Len(t, supported.Kinds, 1)

	kind := supported.Kinds[0]
	assert.Equal(t, types.NetworkSolanaDevnet.String(), kind.Network)
	assert.Equal(t, types.SchemeExact, kind.Scheme)
	assert.Equal(t, key.PublicKey().String(), kind.Extra["feePayer"])
	assert.True(t, fac.IsNetworkSupported(types.NetworkSolanaDevnet))
}

func TestBuildFacilitatorRejectsBadSignerKey(t *testing.T) {
	cfg := config.Default()
	cfg.Chains = []config.ChainConfig{{
		Network:   "base-sepolia",
		RPCURL:    "http://127.0.0.1:1",
		SignerKey: "not-hex",
	}}

	_, err := buildFacilitator(context.Background(), cfg, logger.NoopLogger{}, metrics.NoopRecorder{})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConfig)
}

func TestSupportedCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/supported", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(types.SupportedResponse{Kinds: []types.SupportedKind{
			{X402Version: 1, Scheme: "exact", Network: "base-sepolia"},
		}})
	}))
	defer srv.Close()

	out, _, err := runApp(t, "facilitator", "supported", "--url", srv.URL, "--token", "secret")
	require.NoError(t, err)

	var got types.SupportedResponse
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Kinds, 1)
	assert.Equal(t, "base-sepolia", got.Kinds[0].Network)
}

func TestFetchCommandFreeResourceWithJQ(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "yes", r.Header.Get("X-Debug"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"weather","items":[1,2]}`))
	}))
	defer srv.Close()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	out, _, err := runApp(t, "fetch",
		"--evm-key", hex.EncodeToString(crypto.FromECDSA(key)),
		"-H", "X-Debug: yes",
		"--jq", ".items[]",
		srv.URL,
	)
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n", out)
}

func TestFetchCommandRequiresKey(t *testing.T) {
	_, _, err := runApp(t, "fetch", "http://127.0.0.1:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "paying key")
}

func TestFetchCommandRejectsBadFilter(t *testing.T) {
	_, _, err := runApp(t, "fetch", "--jq", ".[", "http://127.0.0.1:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jq filter")
}

func TestRunJQ(t *testing.T) {
	code, err := compileJQ(`.accepts | length`)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, runJQ(code, []byte(`{"accepts":[{},{}]}`), &out))
	assert.Equal(t, "2\n", out.String())

	err = runJQ(code, []byte(`not json`), &out)
	assert.ErrorContains(t, err, "not JSON")
}
