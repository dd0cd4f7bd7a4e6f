package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNoRoute            = errors.New("insufficient liquidity")
	ErrQuoteUnavailable   = errors.New("quote unavailable")
	ErrUserRejected       = errors.New("user rejected request")
	ErrSigningFailed      = errors.New("signing failed")
	ErrInvalidSlippage    = errors.New("invalid slippage tolerance")
	ErrSettlementInFlight = errors.New("settlement already in flight")
	ErrStepInProgress     = errors.New("approval step already in progress")
	ErrNotSettleable      = errors.New("trade candidate is not settleable")
	ErrStaleQuote         = errors.New("quote is stale")
	ErrApprovalRequired   = errors.New("approval required before settlement")
	ErrTransactionFailed  = errors.New("transaction reverted")
	ErrUnsupportedTrade   = errors.New("unsupported trade type")
	ErrUnsupportedChain   = errors.New("unsupported chain")
	ErrInvalidInput       = errors.New("invalid input")
	ErrLockHeld           = errors.New("lock held by another holder")
)
