package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// AllowanceKind distinguishes the two layers of spending permission.
type AllowanceKind string

const (
	// AllowanceToken is an ERC-20 allowance from the owner to the delegated
	// spender contract. It does not expire.
	AllowanceToken AllowanceKind = "token"
	// AllowanceDelegated is the delegated spender's time-boxed allowance to
	// the settlement contract.
	AllowanceDelegated AllowanceKind = "delegated"
)

// Allowance is an observed on-chain spending permission.
type Allowance struct {
	Kind       AllowanceKind
	Owner      string
	Token      string
	Spender    string
	Amount     *big.Int
	Expiration time.Time // zero for token allowances
	Nonce      uint64
	ObservedAt time.Time
}

// Expired reports whether a delegated allowance is no longer usable at now.
func (a Allowance) Expired(now time.Time) bool {
	if a.Kind != AllowanceDelegated {
		return false
	}
	return !a.Expiration.After(now)
}

// Covers reports whether the allowance is usable for amount at now.
func (a Allowance) Covers(amount *big.Int, now time.Time) bool {
	if a.Amount == nil || a.Expired(now) {
		return false
	}
	return a.Amount.Cmp(amount) >= 0
}

// AllowanceKey identifies an allowance for caching.
func AllowanceKey(chainID int64, kind AllowanceKind, owner, token, spender string) string {
	return fmt.Sprintf("%d:%s:%s:%s:%s", chainID, kind, strings.ToLower(owner), strings.ToLower(token), strings.ToLower(spender))
}

// BalanceKey identifies a balance for caching.
func BalanceKey(chainID int64, owner, token string) string {
	return fmt.Sprintf("%d:%s:%s", chainID, strings.ToLower(owner), strings.ToLower(token))
}

// Permit is a signed off-chain grant of delegated allowance.
type Permit struct {
	Token       string    `json:"token"`
	Spender     string    `json:"spender"`
	Amount      *big.Int  `json:"amount"`
	Expiration  time.Time `json:"expiration"`
	Nonce       uint64    `json:"nonce"`
	SigDeadline time.Time `json:"sigDeadline"`
	Signature   string    `json:"signature"`
}

// Valid reports whether the permit can still authorize amount at now.
func (p *Permit) Valid(amount *big.Int, now time.Time) bool {
	if p == nil || p.Signature == "" || p.Amount == nil {
		return false
	}
	if !p.SigDeadline.After(now) || !p.Expiration.After(now) {
		return false
	}
	return p.Amount.Cmp(amount) >= 0
}
