package domain

import (
	"math/big"
	"time"
)

// TxKind labels what a submitted transaction does.
type TxKind string

const (
	TxKindReset            TxKind = "reset"
	TxKindApproval         TxKind = "approval"
	TxKindDelegatedApprove TxKind = "delegated-approval"
	TxKindWrap             TxKind = "wrap"
	TxKindSwap             TxKind = "swap"
)

// TxStatus is the settlement status of a submitted transaction.
type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusFailed    TxStatus = "failed"
	TxStatusDropped   TxStatus = "dropped"
)

// TxRequest is an unsigned transaction handed to the wallet.
type TxRequest struct {
	ChainID  int64
	From     string
	To       string
	Data     []byte
	Value    *big.Int
	GasLimit uint64
}

// Receipt is the subset of a transaction receipt the engine consumes.
type Receipt struct {
	TxHash      string
	Status      uint64 // 1 success, 0 reverted
	BlockNumber uint64
}

// Succeeded reports whether the transaction executed without reverting.
func (r Receipt) Succeeded() bool { return r.Status == 1 }

// PendingTransaction is a submitted transaction awaiting inclusion.
type PendingTransaction struct {
	Hash        string
	ChainID     int64
	Owner       string
	Kind        TxKind
	Status      TxStatus
	SubmittedAt time.Time
	Deadline    time.Time
	Input       *Currency
	Output      *Currency
}

// ActivitySource tells whether a record was created locally or reported
// by a remote service.
type ActivitySource string

const (
	SourceLocal  ActivitySource = "local"
	SourceRemote ActivitySource = "remote"
)

// ActivityKind is the type of activity row.
type ActivityKind string

const (
	ActivityTransaction ActivityKind = "transaction"
	ActivityOrder       ActivityKind = "order"
)

// ActivityRecord is one row in a user's activity history.
type ActivityRecord struct {
	ID        string            `json:"id"`
	Kind      ActivityKind      `json:"kind"`
	Status    string            `json:"status"`
	Source    ActivitySource    `json:"source"`
	Owner     string            `json:"owner"`
	ChainID   int64             `json:"chainId"`
	OrderHash string            `json:"orderHash,omitempty"`
	TxHash    string            `json:"txHash,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DedupKey is the identity used to merge local and remote copies.
func (r ActivityRecord) DedupKey() string {
	if r.OrderHash != "" {
		return "order:" + r.OrderHash
	}
	if r.TxHash != "" {
		return "tx:" + r.TxHash
	}
	return "id:" + r.ID
}
