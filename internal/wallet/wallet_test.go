package wallet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swapdesk/internal/crypto"
	"github.com/alanyoungcy/swapdesk/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockBackend struct {
	mock.Mock
	sent *types.Transaction
}

func (m *mockBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	args := m.Called(ctx, account)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	args := m.Called(ctx)
	return args.Get(0).(*big.Int), args.Error(1)
}

func (m *mockBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	args := m.Called(ctx, number)
	return args.Get(0).(*types.Header), args.Error(1)
}

func (m *mockBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	m.sent = tx
	return m.Called(ctx, tx).Error(0)
}

func (m *mockBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	args := m.Called(ctx, hash)
	r, _ := args.Get(0).(*types.Receipt)
	return r, args.Error(1)
}

func newTestWallet(t *testing.T, b Backend) *LocalWallet {
	t.Helper()
	s, err := crypto.NewSigner("ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)
	return NewLocalWallet(s, map[int64]Backend{1: b}, testLogger())
}

func TestIsUserRejection(t *testing.T) {
	assert.True(t, IsUserRejection(Rejected("denied")))
	assert.True(t, IsUserRejection(fmt.Errorf("approve: %w", Rejected("denied"))))
	assert.True(t, IsUserRejection(domain.ErrUserRejected))
	assert.False(t, IsUserRejection(&RPCError{Code: -32000, Message: "nonce too low"}))
	assert.False(t, IsUserRejection(errors.New("boom")))
}

func TestLocalWalletSendTransaction(t *testing.T) {
	b := new(mockBackend)
	w := newTestWallet(t, b)

	b.On("PendingNonceAt", mock.Anything, mock.Anything).Return(uint64(7), nil)
	b.On("SuggestGasTipCap", mock.Anything).Return(big.NewInt(2), nil)
	b.On("HeaderByNumber", mock.Anything, mock.Anything).Return(&types.Header{BaseFee: big.NewInt(10)}, nil)
	b.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(100_000), nil)
	b.On("SendTransaction", mock.Anything, mock.Anything).Return(nil)

	hash, err := w.SendTransaction(context.Background(), domain.TxRequest{
		ChainID: 1,
		To:      "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		Data:    []byte{0x09, 0x5e, 0xa7, 0xb3},
	})
	require.NoError(t, err)

	require.NotNil(t, b.sent)
	assert.Equal(t, b.sent.Hash().Hex(), hash)
	assert.Equal(t, uint64(7), b.sent.Nonce())
	assert.Equal(t, uint64(120_000), b.sent.Gas())
	assert.Equal(t, int64(22), b.sent.GasFeeCap().Int64())
	b.AssertExpectations(t)
}

func TestLocalWalletReceiptPending(t *testing.T) {
	b := new(mockBackend)
	w := newTestWallet(t, b)
	b.On("TransactionReceipt", mock.Anything, mock.Anything).Return(nil, ethereum.NotFound)

	r, err := w.GetTransactionReceipt(context.Background(), 1, "0x01")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestLocalWalletUnknownChain(t *testing.T) {
	w := newTestWallet(t, new(mockBackend))
	_, err := w.SendTransaction(context.Background(), domain.TxRequest{ChainID: 10})
	assert.ErrorIs(t, err, domain.ErrUnsupportedChain)
}
