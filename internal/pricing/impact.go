// Package pricing derives realized fees, price impact severity, slippage
// tolerance and amount bounds from quoted trades. All math is exact over
// big.Rat; nothing here touches the network.
package pricing

import (
	"math/big"

	"github.com/alanyoungcy/swapdesk/internal/domain"
)

// PipsDenominator is the fee unit used by route hops (millionths).
const PipsDenominator = 1_000_000

// FeePipsFromBips converts a basis-point fee to pips.
func FeePipsFromBips(bips uint32) uint32 {
	return bips * 100
}

// BipsRat returns bips/10000 as a fraction.
func BipsRat(bips int64) *big.Rat {
	return new(big.Rat).SetFrac64(bips, 10_000)
}

// RealizedLPFee returns 1 - prod(1 - fee_i) over the route's hops.
func RealizedLPFee(route []domain.RouteHop) *big.Rat {
	remaining := big.NewRat(1, 1)
	for _, hop := range route {
		keep := new(big.Rat).SetFrac64(PipsDenominator-int64(hop.FeePips), PipsDenominator)
		remaining.Mul(remaining, keep)
	}
	return new(big.Rat).Sub(big.NewRat(1, 1), remaining)
}

// RealizedPriceImpact is the quoted impact with the LP fee removed. A route
// whose quoted impact is fully explained by fees has zero realized impact.
func RealizedPriceImpact(t domain.ClassicTrade) *big.Rat {
	quoted := new(big.Rat)
	if t.PriceImpact != nil {
		quoted.Set(t.PriceImpact)
	}
	return quoted.Sub(quoted, RealizedLPFee(t.Route))
}

// Severity is the warning tier of a price impact, 0 (none) to 4 (blocked).
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityBlocked
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityBlocked:
		return "blocked"
	}
	return "none"
}

// DefaultSeverityBps are the 1%, 3%, 5% and 15% tier thresholds.
var DefaultSeverityBps = []int64{100, 300, 500, 1500}

// Thresholds maps impacts to severity tiers.
type Thresholds struct {
	levels []*big.Rat
}

// NewThresholds builds tiers from ascending basis-point thresholds.
func NewThresholds(bps []int64) Thresholds {
	levels := make([]*big.Rat, len(bps))
	for i, b := range bps {
		levels[i] = BipsRat(b)
	}
	return Thresholds{levels: levels}
}

// Severity returns the highest tier whose threshold impact strictly exceeds.
// Negative or nil impact is SeverityNone.
func (th Thresholds) Severity(impact *big.Rat) Severity {
	if impact == nil || impact.Sign() <= 0 {
		return SeverityNone
	}
	for i := len(th.levels) - 1; i >= 0; i-- {
		if impact.Cmp(th.levels[i]) > 0 {
			return Severity(i + 1)
		}
	}
	return SeverityNone
}
