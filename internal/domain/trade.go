package domain

import (
	"encoding/json"
	"math/big"
	"time"
)

// Routing identifies how a quoted trade settles.
type Routing string

const (
	RoutingClassic  Routing = "CLASSIC"
	RoutingDutchV2  Routing = "DUTCH_V2"
	RoutingDutchV3  Routing = "DUTCH_V3"
	RoutingPriority Routing = "PRIORITY"
)

// Delegated reports whether the routing settles as a signed off-chain order.
func (r Routing) Delegated() bool {
	switch r {
	case RoutingDutchV2, RoutingDutchV3, RoutingPriority:
		return true
	}
	return false
}

// Trade is a quoted, settleable trade. The set of implementations is closed:
// ClassicTrade and DelegatedTrade. Consumers switch on the concrete type.
type Trade interface {
	Routing() Routing
	Type() TradeType
	InputCurrency() Currency
	OutputCurrency() Currency
	InputAmount() *big.Int
	OutputAmount() *big.Int
	sealed()
}

// RouteHop is one pool traversed by a classic route. FeePips is the pool
// fee in millionths, so a 0.30% pool has FeePips 3000.
type RouteHop struct {
	Pool     string `json:"pool"`
	TokenIn  string `json:"tokenIn"`
	TokenOut string `json:"tokenOut"`
	FeePips  uint32 `json:"fee"`
}

// Portion is an interface fee taken from the output amount.
type Portion struct {
	Bips      uint32   `json:"bips"`
	Recipient string   `json:"recipient"`
	Amount    *big.Int `json:"amount,omitempty"`
}

// ClassicTrade settles as a single on-chain transaction against pools.
type ClassicTrade struct {
	TradeType   TradeType
	Input       Currency
	Output      Currency
	AmountIn    *big.Int
	AmountOut   *big.Int
	Route       []RouteHop
	PriceImpact *big.Rat // quoted impact as a fraction, 0.01 == 1%
	Portion     *Portion
	GasEstimate *big.Int
	QuoteID     string
}

func (t ClassicTrade) Routing() Routing         { return RoutingClassic }
func (t ClassicTrade) Type() TradeType          { return t.TradeType }
func (t ClassicTrade) InputCurrency() Currency  { return t.Input }
func (t ClassicTrade) OutputCurrency() Currency { return t.Output }
func (t ClassicTrade) InputAmount() *big.Int    { return t.AmountIn }
func (t ClassicTrade) OutputAmount() *big.Int   { return t.AmountOut }
func (ClassicTrade) sealed()                    {}

// DelegatedTrade settles as a signed order filled by third parties.
type DelegatedTrade struct {
	Protocol     Routing
	TradeType    TradeType
	Input        Currency
	Output       Currency
	AmountIn     *big.Int
	AmountOut    *big.Int
	EncodedOrder string
	OrderHash    string
	// TypedData is the EIP-712 payload the swapper signs.
	TypedData json.RawMessage
	// SlippageTolerance is supplied by the backend as a fraction.
	SlippageTolerance *big.Rat
	Deadline          time.Time
	Portion           *Portion
	QuoteID           string
}

func (t DelegatedTrade) Routing() Routing         { return t.Protocol }
func (t DelegatedTrade) Type() TradeType          { return t.TradeType }
func (t DelegatedTrade) InputCurrency() Currency  { return t.Input }
func (t DelegatedTrade) OutputCurrency() Currency { return t.Output }
func (t DelegatedTrade) InputAmount() *big.Int    { return t.AmountIn }
func (t DelegatedTrade) OutputAmount() *big.Int   { return t.AmountOut }
func (DelegatedTrade) sealed()                    {}

// CandidateState is the lifecycle of a quote for the current inputs.
type CandidateState string

const (
	CandidateLoading CandidateState = "LOADING"
	CandidateInvalid CandidateState = "INVALID"
	CandidateStale   CandidateState = "STALE"
	CandidateValid   CandidateState = "VALID"
)

// QuoteIntent separates executable quotes from display-only pricing.
type QuoteIntent string

const (
	IntentQuote   QuoteIntent = "quote"
	IntentPricing QuoteIntent = "pricing"
)

// TradeCandidate is the quoted trade for the current session inputs.
type TradeCandidate struct {
	State    CandidateState
	Trade    Trade
	Error    string
	QuotedAt time.Time
	Key      string
}

// Settleable reports whether the candidate may be handed to settlement.
func (c TradeCandidate) Settleable() bool {
	return c.State == CandidateValid && c.Trade != nil
}
