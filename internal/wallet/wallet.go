// Package wallet defines the wallet capability the engine consumes and a
// key-backed implementation that talks to chain RPC endpoints directly.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/alanyoungcy/swapdesk/internal/domain"
)

// CodeUserRejected is the provider error code for a request the user
// declined.
const CodeUserRejected = 4001

// Wallet submits transactions and signs typed data on behalf of one account.
// GetTransactionReceipt returns (nil, nil) while a transaction is unmined.
type Wallet interface {
	Address() string
	SendTransaction(ctx context.Context, req domain.TxRequest) (string, error)
	SignTypedData(ctx context.Context, td apitypes.TypedData) (string, error)
	GetTransactionReceipt(ctx context.Context, chainID int64, hash string) (*domain.Receipt, error)
}

// RPCError is a provider error carrying a numeric code.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("wallet: rpc error %d: %s", e.Code, e.Message)
}

// Is lets errors.Is(err, domain.ErrUserRejected) match code 4001.
func (e *RPCError) Is(target error) bool {
	return target == domain.ErrUserRejected && e.Code == CodeUserRejected
}

// Rejected returns the error a wallet reports when the user declines.
func Rejected(msg string) error {
	return &RPCError{Code: CodeUserRejected, Message: msg}
}

// IsUserRejection reports whether err means the user declined the request.
func IsUserRejection(err error) bool {
	return errors.Is(err, domain.ErrUserRejected)
}
