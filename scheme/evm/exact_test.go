package evm

import (
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/awesome402/types"
)

func testAuthorization(from common.Address) Authorization {
	return Authorization{
		From:        from.Hex(),
		To:          "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		Value:       "10000",
		ValidAfter:  "1700000000",
		ValidBefore: "1700000600",
		Nonce:       "0xab" + strings.Repeat("00", 31),
	}
}

func TestSignAndRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewPrivateKeySigner(key)

	usdc := types.MustUSDC(types.NetworkBaseSepolia)
	td, err := TypedData(testAuthorization(signer.Address()), big.NewInt(84532), common.HexToAddress(usdc.Address), *usdc.EIP712)
	require.NoError(t, err)

	sig, err := signer.SignTypedData(td)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	recovered, err := RecoverSigner(td, sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered)

	// 0/1 recovery ids are accepted too.
	lowV := append([]byte(nil), sig...)
	lowV[64] -= 27
	recovered, err = RecoverSigner(td, lowV)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered)
}

func TestRecoverWithDifferentDomainFails(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewPrivateKeySigner(key)

	token := common.HexToAddress(types.MustUSDC(types.NetworkBaseSepolia).Address)
	auth := testAuthorization(signer.Address())

	td, err := TypedData(auth, big.NewInt(84532), token, types.EIP712Domain{Name: "USDC", Version: "2"})
	require.NoError(t, err)
	sig, err := signer.SignTypedData(td)
	require.NoError(t, err)

	other, err := TypedData(auth, big.NewInt(8453), token, types.EIP712Domain{Name: "USDC", Version: "2"})
	require.NoError(t, err)
	recovered, err := RecoverSigner(other, sig)
	require.NoError(t, err)
	assert.NotEqual(t, signer.Address(), recovered)
}

func TestDecodeExactPayload(t *testing.T) {
	auth := testAuthorization(common.HexToAddress("0x857b06519E91e3A54538791bDbb0E22373e36b66"))

	t.Run("valid", func(t *testing.T) {
		raw, err := json.Marshal(ExactPayload{Signature: "0x" + strings.Repeat("00", 65), Authorization: auth})
		require.NoError(t, err)

		_, tr, err := decodeExactPayload(raw)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(10000), tr.Value)
		assert.Equal(t, uint8(0xab), tr.Nonce[0])
		assert.Equal(t, uint8(27), tr.V())
	})

	t.Run("short signature", func(t *testing.T) {
		raw, err := json.Marshal(ExactPayload{Signature: "0x1234", Authorization: auth})
		require.NoError(t, err)
		_, _, err = decodeExactPayload(raw)
		assert.Error(t, err)
	})

	t.Run("bad nonce", func(t *testing.T) {
		bad := auth
		bad.Nonce = "0x01"
		raw, err := json.Marshal(ExactPayload{Signature: "0x" + strings.Repeat("00", 65), Authorization: bad})
		require.NoError(t, err)
		_, _, err = decodeExactPayload(raw)
		assert.Error(t, err)
	})

	t.Run("not json", func(t *testing.T) {
		_, _, err := decodeExactPayload(json.RawMessage(`"nope"`))
		assert.Error(t, err)
	})
}
