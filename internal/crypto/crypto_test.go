package crypto

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swapdesk/internal/chain"
	"github.com/alanyoungcy/swapdesk/internal/domain"
)

// Well-known development key; never holds funds.
const devKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestSignTypedDataRecoversSigner(t *testing.T) {
	s, err := NewSigner("0x" + devKey)
	require.NoError(t, err)

	td := chain.PermitTypedData(1, "0x000000000022D473030F116dDEE9F6B43aC78BA3", domain.Permit{
		Token:       "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		Spender:     "0x66a9893cC07D91D95644AEDD05D03f95e1dBA8Af",
		Amount:      big.NewInt(1_000_000),
		Expiration:  time.Unix(1_800_000_000, 0),
		Nonce:       0,
		SigDeadline: time.Unix(1_700_001_800, 0),
	})

	sig, err := s.SignTypedData(td)
	require.NoError(t, err)
	assert.Len(t, sig, 2+130)

	got, err := RecoverTypedData(td, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)
}

func TestSignTx(t *testing.T) {
	s, err := NewSigner(devKey)
	require.NoError(t, err)

	tx := types.NewTx(&types.DynamicFeeTx{ChainID: big.NewInt(1), Nonce: 1, Gas: 21_000, GasFeeCap: big.NewInt(1), GasTipCap: big.NewInt(1)})
	signed, err := s.SignTx(tx, big.NewInt(1))
	require.NoError(t, err)

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), signed)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), from)
}

func TestEncryptDecryptKeyFile(t *testing.T) {
	pk, err := ethcrypto.HexToECDSA(devKey)
	require.NoError(t, err)

	blob, err := EncryptKey(pk, "hunter2")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	loaded, err := LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, ethcrypto.FromECDSA(pk), ethcrypto.FromECDSA(loaded))

	_, err = DecryptKey(blob, "wrong")
	assert.Error(t, err)
}

func TestLoadKeyPrefersRawKey(t *testing.T) {
	pk, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + devKey, EncryptedKeyPath: "/nonexistent"})
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", ethcrypto.PubkeyToAddress(pk.PublicKey).Hex())

	_, err = LoadKey(KeyConfig{})
	assert.ErrorIs(t, err, ErrNoKey)
}
