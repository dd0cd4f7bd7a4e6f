package domain

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var (
	eth  = Currency{ChainID: 1, Address: NativeAddress, Symbol: "ETH", Decimals: 18, Native: true}
	usdc = Currency{ChainID: 1, Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Symbol: "USDC", Decimals: 6}
	dai  = Currency{ChainID: 1, Address: "0x6B175474E89094C44Da98b954EedeAC495271d0F", Symbol: "DAI", Decimals: 18}
)

func TestCurrencyEqualIgnoresAddressCase(t *testing.T) {
	lower := usdc
	lower.Address = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	assert.True(t, usdc.Equal(lower))
	assert.False(t, usdc.Equal(dai))
}

func TestSelectSameCurrencyAsOtherSideSwaps(t *testing.T) {
	s := CurrencyState{Input: &eth, Output: &usdc}

	swapped := s.Select(FieldOutput, eth)

	assert.True(t, swapped)
	assert.True(t, s.Output.Equal(eth))
	assert.True(t, s.Input.Equal(usdc))
}

func TestSelectDifferentCurrencyReplaces(t *testing.T) {
	s := CurrencyState{Input: &eth, Output: &usdc}

	swapped := s.Select(FieldOutput, dai)

	assert.False(t, swapped)
	assert.True(t, s.Input.Equal(eth))
	assert.True(t, s.Output.Equal(dai))
}

func TestSelectIntoEmptyState(t *testing.T) {
	var s CurrencyState
	s.Select(FieldInput, eth)
	assert.False(t, s.Complete())
	s.Select(FieldOutput, usdc)
	assert.True(t, s.Complete())
}

func TestOrderStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderStatusOpen, OrderStatusFilled, true},
		{OrderStatusOpen, OrderStatusInsufficientFunds, true},
		{OrderStatusInsufficientFunds, OrderStatusFilled, true},
		{OrderStatusInsufficientFunds, OrderStatusOpen, false},
		{OrderStatusFilled, OrderStatusExpired, false},
		{OrderStatusCancelled, OrderStatusOpen, false},
		{OrderStatusOpen, OrderStatusOpen, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestPermitValid(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := &Permit{
		Amount:      big.NewInt(100),
		Expiration:  now.Add(time.Hour),
		SigDeadline: now.Add(time.Minute),
		Signature:   "0xsig",
	}
	assert.True(t, p.Valid(big.NewInt(100), now))
	assert.False(t, p.Valid(big.NewInt(101), now))
	assert.False(t, p.Valid(big.NewInt(1), now.Add(2*time.Minute)))

	var missing *Permit
	assert.False(t, missing.Valid(big.NewInt(1), now))
}

func TestDelegatedAllowanceExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := Allowance{Kind: AllowanceDelegated, Amount: big.NewInt(10), Expiration: now}
	assert.True(t, a.Expired(now))
	assert.False(t, a.Covers(big.NewInt(1), now))

	tok := Allowance{Kind: AllowanceToken, Amount: big.NewInt(10)}
	assert.True(t, tok.Covers(big.NewInt(10), now))
}
