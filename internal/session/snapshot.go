package session

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/swapdesk/internal/approval"
	"github.com/alanyoungcy/swapdesk/internal/domain"
	"github.com/alanyoungcy/swapdesk/internal/pricing"
	"github.com/alanyoungcy/swapdesk/internal/settlement"
)

// Input errors, in the order they are checked.
const (
	InputErrorConnectWallet = "connect wallet"
	InputErrorSelectToken   = "select a token"
	InputErrorEnterAmount   = "enter an amount"
	InputErrorInvalidAmount = "invalid amount"
)

// Amounts are the two displayed amounts. Exactly one side is derived from
// the trade; the other echoes what the user typed.
type Amounts struct {
	Input   string       `json:"input"`
	Output  string       `json:"output"`
	Derived domain.Field `json:"derived"`
}

// CandidateView is the JSON shape of the current trade candidate.
type CandidateView struct {
	State     domain.CandidateState `json:"state"`
	Routing   domain.Routing        `json:"routing,omitempty"`
	AmountIn  string                `json:"amountIn,omitempty"`
	AmountOut string                `json:"amountOut,omitempty"`
	QuoteID   string                `json:"quoteId,omitempty"`
	QuotedAt  *time.Time            `json:"quotedAt,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// PricingView summarizes the evaluated trade. Percentages have two decimals.
type PricingView struct {
	LPFeePercent    string `json:"lpFeePercent,omitempty"`
	ImpactPercent   string `json:"impactPercent,omitempty"`
	Severity        string `json:"severity"`
	SlippageBps     int64  `json:"slippageBps"`
	SlippageSource  string `json:"slippageSource"`
	MinimumReceived string `json:"minimumReceived,omitempty"`
	MaximumSold     string `json:"maximumSold,omitempty"`
}

// Snapshot is the externally visible state of a session.
type Snapshot struct {
	ID             string               `json:"id"`
	Owner          string               `json:"owner"`
	ChainID        int64                `json:"chainId"`
	Currencies     domain.CurrencyState `json:"currencies"`
	Swap           domain.SwapState     `json:"swap"`
	Amounts        Amounts              `json:"amounts"`
	Candidate      CandidateView        `json:"candidate"`
	Pricing        *PricingView         `json:"pricing,omitempty"`
	PricingError   string               `json:"pricingError,omitempty"`
	Approval       approval.Status      `json:"approval"`
	InputError     string               `json:"inputError,omitempty"`
	FiatValue      string               `json:"fiatValue,omitempty"`
	Balances       map[string]string    `json:"balances,omitempty"`
	Pending        int                  `json:"pending"`
	LastSettlement *settlement.Result   `json:"lastSettlement,omitempty"`
	Error          string               `json:"error,omitempty"`
}

// Snapshot captures the current state with all derived values.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ID:         s.id,
		Owner:      s.owner,
		ChainID:    s.chainID,
		Currencies: copyCurrencies(s.currencies),
		Swap:       s.swap,
		Error:      s.lastErr,
	}
	cand := s.candidate
	override := s.slippage
	unitPrice := s.unitPrice
	balances := make(map[string]*big.Int, len(s.balances))
	for k, v := range s.balances {
		balances[k] = v
	}
	if s.last != nil {
		last := *s.last
		snap.LastSettlement = &last
	}
	s.mu.Unlock()

	snap.Candidate = candidateView(cand)
	snap.Amounts = amounts(snap.Currencies, snap.Swap, cand)
	snap.Approval = s.deps.Approvals.Status()

	if cand.Settleable() {
		ev, err := s.deps.Evaluator.Evaluate(cand.Trade, override)
		if err != nil {
			snap.PricingError = err.Error()
		} else {
			snap.Pricing = pricingView(cand.Trade, ev)
		}
	}

	snap.Balances = make(map[string]string, len(balances))
	for _, c := range []*domain.Currency{snap.Currencies.Input, snap.Currencies.Output} {
		if c == nil {
			continue
		}
		if b, ok := balances[c.Key()]; ok {
			snap.Balances[c.Key()] = formatAmount(b, c.Decimals)
		}
	}
	snap.InputError = inputError(s.owner, snap.Currencies, snap.Swap, cand, balances)

	if unitPrice != nil && snap.Currencies.Input != nil && snap.Amounts.Input != "" {
		if in, err := decimal.NewFromString(snap.Amounts.Input); err == nil {
			snap.FiatValue = in.Mul(*unitPrice).StringFixed(2)
		}
	}

	if s.deps.Activity != nil {
		snap.Pending += len(s.deps.Activity.Pending(s.owner))
	}
	if s.deps.Orders != nil {
		snap.Pending += len(s.deps.Orders.Open(s.owner))
	}
	return snap
}

func copyCurrencies(cs domain.CurrencyState) domain.CurrencyState {
	var out domain.CurrencyState
	if cs.Input != nil {
		in := *cs.Input
		out.Input = &in
	}
	if cs.Output != nil {
		o := *cs.Output
		out.Output = &o
	}
	return out
}

func candidateView(c domain.TradeCandidate) CandidateView {
	v := CandidateView{State: c.State, Error: c.Error}
	if !c.QuotedAt.IsZero() {
		at := c.QuotedAt
		v.QuotedAt = &at
	}
	if c.Trade == nil {
		return v
	}
	v.Routing = c.Trade.Routing()
	v.AmountIn = formatAmount(c.Trade.InputAmount(), c.Trade.InputCurrency().Decimals)
	v.AmountOut = formatAmount(c.Trade.OutputAmount(), c.Trade.OutputCurrency().Decimals)
	switch t := c.Trade.(type) {
	case domain.ClassicTrade:
		v.QuoteID = t.QuoteID
	case domain.DelegatedTrade:
		v.QuoteID = t.QuoteID
	}
	return v
}

// amounts echoes the typed value on the independent side and derives the
// other side from the trade, leaving it empty while no trade is available.
func amounts(cs domain.CurrencyState, sw domain.SwapState, c domain.TradeCandidate) Amounts {
	dependent := sw.IndependentField.Opposite()
	a := Amounts{Derived: dependent}

	var derived string
	if c.Trade != nil && c.State != domain.CandidateInvalid {
		if dependent == domain.FieldOutput {
			derived = formatAmount(c.Trade.OutputAmount(), c.Trade.OutputCurrency().Decimals)
		} else {
			derived = formatAmount(c.Trade.InputAmount(), c.Trade.InputCurrency().Decimals)
		}
	}
	if sw.TypedValue == "" {
		derived = ""
	}

	if sw.IndependentField == domain.FieldInput {
		a.Input, a.Output = sw.TypedValue, derived
	} else {
		a.Input, a.Output = derived, sw.TypedValue
	}
	return a
}

func pricingView(t domain.Trade, ev pricing.Evaluation) *PricingView {
	v := &PricingView{
		LPFeePercent:   percent(ev.LPFee),
		ImpactPercent:  percent(ev.RealizedImpact),
		Severity:       ev.Severity.String(),
		SlippageBps:    ev.Slippage.Bips(),
		SlippageSource: string(ev.Slippage.Source),
	}
	if t.Type() == domain.TradeTypeExactInput {
		v.MinimumReceived = formatAmount(ev.Bounds.MinimumOut, t.OutputCurrency().Decimals)
	} else {
		v.MaximumSold = formatAmount(ev.Bounds.MaximumIn, t.InputCurrency().Decimals)
	}
	return v
}

// inputError returns the first reason the session cannot be submitted, or
// an empty string.
func inputError(owner string, cs domain.CurrencyState, sw domain.SwapState, c domain.TradeCandidate, balances map[string]*big.Int) string {
	if owner == "" {
		return InputErrorConnectWallet
	}
	if !cs.Complete() {
		return InputErrorSelectToken
	}
	if sw.TypedValue == "" {
		return InputErrorEnterAmount
	}
	typed := cs.Get(sw.IndependentField)
	amt, err := parseAmount(sw.TypedValue, typed.Decimals)
	if err != nil || amt == nil || amt.Sign() == 0 {
		return InputErrorInvalidAmount
	}

	in := cs.Input
	need := amt
	if sw.IndependentField == domain.FieldOutput {
		need = nil
		if c.Trade != nil {
			need = c.Trade.InputAmount()
		}
	}
	if bal, ok := balances[in.Key()]; ok && need != nil && bal.Cmp(need) < 0 {
		return fmt.Sprintf("insufficient %s balance", in.Symbol)
	}
	return ""
}
