package domain

import (
	"fmt"
	"strings"
)

// NativeAddress is the placeholder address used for a chain's native asset.
const NativeAddress = "0x0000000000000000000000000000000000000000"

// Currency is a token or the native asset on a specific chain.
type Currency struct {
	ChainID  int64  `json:"chainId"`
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int32  `json:"decimals"`
	Native   bool   `json:"native,omitempty"`
}

// Key identifies the currency independent of its display metadata.
func (c Currency) Key() string {
	if c.Native {
		return fmt.Sprintf("%d:%s", c.ChainID, NativeAddress)
	}
	return fmt.Sprintf("%d:%s", c.ChainID, strings.ToLower(c.Address))
}

// Equal reports whether two currencies are the same asset on the same chain.
func (c Currency) Equal(o Currency) bool {
	return c.Key() == o.Key()
}

// TokenAddress returns the ERC-20 address, or the zero address for the
// native asset.
func (c Currency) TokenAddress() string {
	if c.Native {
		return NativeAddress
	}
	return c.Address
}

// CurrencyState holds the two sides of a swap. A nil side is unselected.
type CurrencyState struct {
	Input  *Currency `json:"input,omitempty"`
	Output *Currency `json:"output,omitempty"`
}

// Get returns the currency for the given field.
func (s CurrencyState) Get(f Field) *Currency {
	if f == FieldInput {
		return s.Input
	}
	return s.Output
}

// Select sets the currency of field f. When c equals the opposite side the
// two sides are exchanged, so Input and Output never hold the same asset.
// It reports whether the sides were exchanged.
func (s *CurrencyState) Select(f Field, c Currency) bool {
	other := s.Get(f.Opposite())
	cur := s.Get(f)
	if other != nil && other.Equal(c) {
		s.set(f.Opposite(), cur)
		s.set(f, &c)
		return true
	}
	s.set(f, &c)
	return false
}

// Switch exchanges the input and output currencies.
func (s *CurrencyState) Switch() {
	s.Input, s.Output = s.Output, s.Input
}

// Complete reports whether both sides are selected.
func (s CurrencyState) Complete() bool {
	return s.Input != nil && s.Output != nil
}

func (s *CurrencyState) set(f Field, c *Currency) {
	if f == FieldInput {
		s.Input = c
		return
	}
	s.Output = c
}
