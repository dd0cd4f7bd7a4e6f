package pricing

import (
	"fmt"
	"math/big"

	"github.com/alanyoungcy/swapdesk/internal/domain"
)

// SlippageSource records where a tolerance came from.
type SlippageSource string

const (
	SlippageAuto     SlippageSource = "auto"
	SlippageUser     SlippageSource = "user"
	SlippageProvided SlippageSource = "provided"
)

// Slippage is a resolved tolerance as an exact fraction.
type Slippage struct {
	Tolerance *big.Rat
	Source    SlippageSource
}

// Bips rounds the tolerance down to whole basis points.
func (s Slippage) Bips() int64 {
	scaled := new(big.Rat).Mul(s.Tolerance, big.NewRat(10_000, 1))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom()).Int64()
}

// AutoSlippage derives a tolerance for a classic trade: a 0.5x buffer over
// the realized impact plus the floor, clamped to [min, max].
func AutoSlippage(t domain.ClassicTrade, min, max *big.Rat) *big.Rat {
	impact := RealizedPriceImpact(t)
	if impact.Sign() < 0 {
		impact.SetInt64(0)
	}
	tol := new(big.Rat).Mul(impact, big.NewRat(1, 2))
	tol.Add(tol, min)
	if tol.Cmp(max) > 0 {
		return new(big.Rat).Set(max)
	}
	return tol
}

// ResolveSlippage picks the tolerance for a trade. Delegated trades use the
// backend's value verbatim; a missing or non-positive value is rejected.
// Classic trades use the user override when set, else the automatic value.
func ResolveSlippage(trade domain.Trade, override *big.Rat, min, max *big.Rat) (Slippage, error) {
	switch t := trade.(type) {
	case domain.DelegatedTrade:
		if t.SlippageTolerance == nil || t.SlippageTolerance.Sign() <= 0 {
			return Slippage{}, fmt.Errorf("pricing: delegated tolerance %v: %w", t.SlippageTolerance, domain.ErrInvalidSlippage)
		}
		return Slippage{Tolerance: new(big.Rat).Set(t.SlippageTolerance), Source: SlippageProvided}, nil
	case domain.ClassicTrade:
		if override != nil {
			if override.Sign() < 0 {
				return Slippage{}, fmt.Errorf("pricing: user tolerance %s: %w", override.FloatString(4), domain.ErrInvalidSlippage)
			}
			return Slippage{Tolerance: new(big.Rat).Set(override), Source: SlippageUser}, nil
		}
		return Slippage{Tolerance: AutoSlippage(t, min, max), Source: SlippageAuto}, nil
	default:
		return Slippage{}, fmt.Errorf("pricing: %T: %w", trade, domain.ErrUnsupportedTrade)
	}
}

// Bounds are the settlement limits implied by a slippage tolerance.
// For exact-input trades MaximumIn equals the quoted input; for exact-output
// trades MinimumOut equals the quoted output.
type Bounds struct {
	MinimumOut *big.Int
	MaximumIn  *big.Int
}

// ComputeBounds applies tol to the trade amounts. The minimum output is
// out / (1 + tol) rounded down; the maximum input is in * (1 + tol) rounded up.
func ComputeBounds(trade domain.Trade, tol *big.Rat) Bounds {
	onePlus := new(big.Rat).Add(big.NewRat(1, 1), tol)
	in := trade.InputAmount()
	out := trade.OutputAmount()

	if trade.Type() == domain.TradeTypeExactOutput {
		maxIn := new(big.Rat).Mul(new(big.Rat).SetInt(in), onePlus)
		return Bounds{MinimumOut: new(big.Int).Set(out), MaximumIn: ceil(maxIn)}
	}
	minOut := new(big.Rat).Quo(new(big.Rat).SetInt(out), onePlus)
	return Bounds{MinimumOut: floor(minOut), MaximumIn: new(big.Int).Set(in)}
}

func floor(r *big.Rat) *big.Int {
	q, m := new(big.Int).QuoRem(r.Num(), r.Denom(), new(big.Int))
	if m.Sign() < 0 {
		q.Sub(q, big.NewInt(1))
	}
	return q
}

func ceil(r *big.Rat) *big.Int {
	q, m := new(big.Int).QuoRem(r.Num(), r.Denom(), new(big.Int))
	if m.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
