package pricing

import (
	"fmt"
	"math/big"

	"github.com/alanyoungcy/swapdesk/internal/domain"
)

// Evaluation is the full pricing picture of one trade.
type Evaluation struct {
	LPFee          *big.Rat // nil for delegated trades
	RealizedImpact *big.Rat // nil for delegated trades
	Severity       Severity
	Slippage       Slippage
	Bounds         Bounds
}

// Evaluator holds the configured thresholds and automatic slippage range.
type Evaluator struct {
	thresholds Thresholds
	autoMin    *big.Rat
	autoMax    *big.Rat
}

// NewEvaluator builds an Evaluator from basis-point settings.
func NewEvaluator(severityBps []int64, autoMinBps, autoMaxBps int64) *Evaluator {
	if len(severityBps) == 0 {
		severityBps = DefaultSeverityBps
	}
	return &Evaluator{
		thresholds: NewThresholds(severityBps),
		autoMin:    BipsRat(autoMinBps),
		autoMax:    BipsRat(autoMaxBps),
	}
}

// Severity exposes the configured tiers.
func (e *Evaluator) Severity(impact *big.Rat) Severity {
	return e.thresholds.Severity(impact)
}

// Evaluate prices trade with an optional user slippage override.
func (e *Evaluator) Evaluate(trade domain.Trade, override *big.Rat) (Evaluation, error) {
	slip, err := ResolveSlippage(trade, override, e.autoMin, e.autoMax)
	if err != nil {
		return Evaluation{}, err
	}
	ev := Evaluation{
		Slippage: slip,
		Bounds:   ComputeBounds(trade, slip.Tolerance),
	}

	switch t := trade.(type) {
	case domain.ClassicTrade:
		ev.LPFee = RealizedLPFee(t.Route)
		ev.RealizedImpact = RealizedPriceImpact(t)
		ev.Severity = e.thresholds.Severity(ev.RealizedImpact)
	case domain.DelegatedTrade:
		// Delegated orders are filled at the signed price, no pool impact.
	default:
		return Evaluation{}, fmt.Errorf("pricing: evaluate %T: %w", trade, domain.ErrUnsupportedTrade)
	}
	return ev, nil
}
