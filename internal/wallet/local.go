package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/alanyoungcy/swapdesk/internal/crypto"
	"github.com/alanyoungcy/swapdesk/internal/domain"
)

// Backend is the node surface LocalWallet needs; *ethclient.Client
// satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// LocalWallet signs with a local key and broadcasts through per-chain
// backends. It never prompts, so it never reports a user rejection.
type LocalWallet struct {
	signer   *crypto.Signer
	backends map[int64]Backend
	logger   *slog.Logger
}

// NewLocalWallet creates a LocalWallet.
func NewLocalWallet(signer *crypto.Signer, backends map[int64]Backend, logger *slog.Logger) *LocalWallet {
	return &LocalWallet{
		signer:   signer,
		backends: backends,
		logger:   logger.With(slog.String("component", "local_wallet")),
	}
}

// Address returns the account address.
func (w *LocalWallet) Address() string {
	return w.signer.Address().Hex()
}

func (w *LocalWallet) backend(chainID int64) (Backend, error) {
	b, ok := w.backends[chainID]
	if !ok {
		return nil, fmt.Errorf("wallet: chain %d: %w", chainID, domain.ErrUnsupportedChain)
	}
	return b, nil
}

// SendTransaction builds an EIP-1559 transaction, signs it and broadcasts it.
func (w *LocalWallet) SendTransaction(ctx context.Context, req domain.TxRequest) (string, error) {
	b, err := w.backend(req.ChainID)
	if err != nil {
		return "", err
	}
	from := w.signer.Address()
	to := common.HexToAddress(req.To)
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	nonce, err := b.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("wallet: nonce: %w", err)
	}
	tip, err := b.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("wallet: gas tip: %w", err)
	}
	head, err := b.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("wallet: latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas := req.GasLimit
	if gas == 0 {
		est, err := b.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: req.Data})
		if err != nil {
			return "", fmt.Errorf("wallet: estimate gas: %w", err)
		}
		gas = est * 120 / 100
	}

	chainID := big.NewInt(req.ChainID)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})
	signed, err := w.signer.SignTx(tx, chainID)
	if err != nil {
		return "", err
	}
	if err := b.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("wallet: send: %w", err)
	}

	hash := signed.Hash().Hex()
	w.logger.InfoContext(ctx, "transaction sent",
		slog.Int64("chain_id", req.ChainID),
		slog.String("hash", hash),
		slog.Uint64("nonce", nonce),
	)
	return hash, nil
}

// SignTypedData signs an EIP-712 payload with the local key.
func (w *LocalWallet) SignTypedData(_ context.Context, td apitypes.TypedData) (string, error) {
	sig, err := w.signer.SignTypedData(td)
	if err != nil {
		return "", fmt.Errorf("wallet: %w: %w", domain.ErrSigningFailed, err)
	}
	return sig, nil
}

// GetTransactionReceipt returns nil while the transaction is not mined.
func (w *LocalWallet) GetTransactionReceipt(ctx context.Context, chainID int64, hash string) (*domain.Receipt, error) {
	b, err := w.backend(chainID)
	if err != nil {
		return nil, err
	}
	r, err := b.TransactionReceipt(ctx, common.HexToHash(hash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("wallet: receipt %s: %w", hash, err)
	}
	out := &domain.Receipt{TxHash: hash, Status: r.Status}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out, nil
}

var _ Wallet = (*LocalWallet)(nil)
