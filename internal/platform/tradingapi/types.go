package tradingapi

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/swapdesk/internal/domain"
)

// --------------------------------------------------------------------------
// Quote DTOs
// --------------------------------------------------------------------------

// QuoteRequestBody is the JSON body of POST /quote.
type QuoteRequestBody struct {
	TokenIn           string  `json:"tokenIn"`
	TokenOut          string  `json:"tokenOut"`
	TokenInChainID    int64   `json:"tokenInChainId"`
	TokenOutChainID   int64   `json:"tokenOutChainId"`
	Amount            string  `json:"amount"`
	Type              string  `json:"type"`
	Intent            string  `json:"intent"`
	Swapper           string  `json:"swapper,omitempty"`
	SlippageTolerance *string `json:"slippageTolerance,omitempty"`
}

// QuoteResponse is the envelope returned by POST /quote. Quote is decoded
// according to Routing.
type QuoteResponse struct {
	Routing string          `json:"routing"`
	Quote   json.RawMessage `json:"quote"`
}

// APIToken is a token reference inside a route hop.
type APIToken struct {
	Address  string `json:"address"`
	ChainID  int64  `json:"chainId"`
	Symbol   string `json:"symbol"`
	Decimals string `json:"decimals"`
}

// APIPool is one hop of a classic route.
type APIPool struct {
	Type     string   `json:"type"`
	Address  string   `json:"address"`
	TokenIn  APIToken `json:"tokenIn"`
	TokenOut APIToken `json:"tokenOut"`
	Fee      string   `json:"fee"`
}

// APIClassicQuote is the classic routing payload.
type APIClassicQuote struct {
	QuoteID          string      `json:"quoteId"`
	Amount           string      `json:"amount"`
	Quote            string      `json:"quote"`
	Route            [][]APIPool `json:"route"`
	PriceImpact      string      `json:"priceImpact"` // percent, "0.45" == 0.45%
	GasUseEstimate   string      `json:"gasUseEstimate"`
	PortionBips      uint32      `json:"portionBips"`
	PortionRecipient string      `json:"portionRecipient"`
	PortionAmount    string      `json:"portionAmount"`
}

// APIOrderAmount covers the amount fields of the supported order versions.
type APIOrderAmount struct {
	Token       string `json:"token"`
	StartAmount string `json:"startAmount"`
	Amount      string `json:"amount"`
	Recipient   string `json:"recipient"`
}

func (a APIOrderAmount) value() string {
	if a.StartAmount != "" {
		return a.StartAmount
	}
	return a.Amount
}

// APIOrderInfo is the unsigned order a delegated quote returns.
type APIOrderInfo struct {
	Swapper  string           `json:"swapper"`
	Deadline int64            `json:"deadline"`
	Input    APIOrderAmount   `json:"input"`
	Outputs  []APIOrderAmount `json:"outputs"`
}

// APIPermitData is the typed data the swapper signs for a delegated order.
type APIPermitData struct {
	Domain apitypes.TypedDataDomain `json:"domain"`
	Types  apitypes.Types           `json:"types"`
	Values map[string]any           `json:"values"`
}

// APIDelegatedQuote is the payload of every delegated routing.
type APIDelegatedQuote struct {
	QuoteID           string        `json:"quoteId"`
	OrderInfo         APIOrderInfo  `json:"orderInfo"`
	EncodedOrder      string        `json:"encodedOrder"`
	OrderHash         string        `json:"orderHash"`
	SlippageTolerance string        `json:"slippageTolerance"` // percent
	PermitData        APIPermitData `json:"permitData"`
	PortionBips       uint32        `json:"portionBips"`
	PortionRecipient  string        `json:"portionRecipient"`
	PortionAmount     string        `json:"portionAmount"`
}

// --------------------------------------------------------------------------
// Order DTOs
// --------------------------------------------------------------------------

// OrderRequestBody is the JSON body of POST /{version}/order.
type OrderRequestBody struct {
	Signature    string `json:"signature"`
	EncodedOrder string `json:"encodedOrder"`
	ChainID      int64  `json:"chainId"`
	QuoteID      string `json:"quoteId,omitempty"`
}

// OrderResponse is returned by order intake.
type OrderResponse struct {
	Hash string `json:"hash"`
}

// APIOrderStatus is one row of GET /v2/orders.
type APIOrderStatus struct {
	OrderHash   string `json:"orderHash"`
	OrderStatus string `json:"orderStatus"`
	TxHash      string `json:"txHash"`
}

// OrdersResponse is the envelope of GET /v2/orders.
type OrdersResponse struct {
	Orders []APIOrderStatus `json:"orders"`
}

// ToDomainOrderUpdate converts a status row. Unknown statuses are reported
// as not ok.
func (s APIOrderStatus) ToDomainOrderUpdate() (domain.OrderUpdate, bool) {
	var status domain.OrderStatus
	switch strings.ToLower(s.OrderStatus) {
	case "open":
		status = domain.OrderStatusOpen
	case "filled":
		status = domain.OrderStatusFilled
	case "expired":
		status = domain.OrderStatusExpired
	case "cancelled":
		status = domain.OrderStatusCancelled
	case "insufficient-funds":
		status = domain.OrderStatusInsufficientFunds
	default:
		return domain.OrderUpdate{}, false
	}
	return domain.OrderUpdate{Hash: s.OrderHash, Status: status, FillTxHash: s.TxHash}, true
}

// --------------------------------------------------------------------------
// Conversion helpers
// --------------------------------------------------------------------------

func parseAmount(s, field string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid %s %q", field, s)
	}
	return v, nil
}

// percentToRat converts a percent string ("0.5" == 0.5%) to an exact fraction.
func percentToRat(s string) (*big.Rat, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid percent %q: %w", s, err)
	}
	r := d.Rat()
	return r.Quo(r, big.NewRat(100, 1)), nil
}

func portion(bips uint32, recipient, amount string) *domain.Portion {
	if bips == 0 || recipient == "" {
		return nil
	}
	p := &domain.Portion{Bips: bips, Recipient: recipient}
	if v, ok := new(big.Int).SetString(amount, 10); ok {
		p.Amount = v
	}
	return p
}

// ToDomainTrade converts a classic quote for the given request sides.
func (q APIClassicQuote) ToDomainTrade(tt domain.TradeType, in, out domain.Currency) (domain.ClassicTrade, error) {
	amount, err := parseAmount(q.Amount, "amount")
	if err != nil {
		return domain.ClassicTrade{}, err
	}
	quoted, err := parseAmount(q.Quote, "quote")
	if err != nil {
		return domain.ClassicTrade{}, err
	}
	if len(q.Route) == 0 {
		return domain.ClassicTrade{}, domain.ErrNoRoute
	}
	impact, err := percentToRat(q.PriceImpact)
	if err != nil {
		return domain.ClassicTrade{}, err
	}
	if impact == nil {
		impact = new(big.Rat)
	}

	// Only the first split is executed; the router encodes a single path.
	hops := make([]domain.RouteHop, 0, len(q.Route[0]))
	for _, p := range q.Route[0] {
		var fee uint32
		if _, err := fmt.Sscan(p.Fee, &fee); err != nil {
			return domain.ClassicTrade{}, fmt.Errorf("invalid pool fee %q", p.Fee)
		}
		hops = append(hops, domain.RouteHop{
			Pool:     p.Address,
			TokenIn:  p.TokenIn.Address,
			TokenOut: p.TokenOut.Address,
			FeePips:  fee,
		})
	}

	t := domain.ClassicTrade{
		TradeType:   tt,
		Input:       in,
		Output:      out,
		Route:       hops,
		PriceImpact: impact,
		Portion:     portion(q.PortionBips, q.PortionRecipient, q.PortionAmount),
		QuoteID:     q.QuoteID,
	}
	if tt == domain.TradeTypeExactOutput {
		t.AmountOut, t.AmountIn = amount, quoted
	} else {
		t.AmountIn, t.AmountOut = amount, quoted
	}
	if g, ok := new(big.Int).SetString(q.GasUseEstimate, 10); ok {
		t.GasEstimate = g
	}
	return t, nil
}

// ToDomainTrade converts a delegated quote for the given request sides.
func (q APIDelegatedQuote) ToDomainTrade(protocol domain.Routing, tt domain.TradeType, in, out domain.Currency) (domain.DelegatedTrade, error) {
	amountIn, err := parseAmount(q.OrderInfo.Input.value(), "input amount")
	if err != nil {
		return domain.DelegatedTrade{}, err
	}
	if len(q.OrderInfo.Outputs) == 0 {
		return domain.DelegatedTrade{}, fmt.Errorf("order has no outputs")
	}
	amountOut, err := parseAmount(q.OrderInfo.Outputs[0].value(), "output amount")
	if err != nil {
		return domain.DelegatedTrade{}, err
	}
	tol, err := percentToRat(q.SlippageTolerance)
	if err != nil {
		return domain.DelegatedTrade{}, err
	}
	td, err := q.PermitData.typedData()
	if err != nil {
		return domain.DelegatedTrade{}, err
	}

	return domain.DelegatedTrade{
		Protocol:          protocol,
		TradeType:         tt,
		Input:             in,
		Output:            out,
		AmountIn:          amountIn,
		AmountOut:         amountOut,
		EncodedOrder:      q.EncodedOrder,
		OrderHash:         q.OrderHash,
		TypedData:         td,
		SlippageTolerance: tol,
		Deadline:          time.Unix(q.OrderInfo.Deadline, 0),
		Portion:           portion(q.PortionBips, q.PortionRecipient, q.PortionAmount),
		QuoteID:           q.QuoteID,
	}, nil
}

// typedData assembles a signable EIP-712 payload. The primary type is the
// one no other type references.
func (p APIPermitData) typedData() (json.RawMessage, error) {
	if len(p.Types) == 0 {
		return nil, fmt.Errorf("permit data has no types")
	}
	types := make(apitypes.Types, len(p.Types)+1)
	referenced := make(map[string]bool)
	for name, fields := range p.Types {
		types[name] = fields
		for _, f := range fields {
			referenced[strings.TrimSuffix(f.Type, "[]")] = true
		}
	}
	if _, ok := types["EIP712Domain"]; !ok {
		types["EIP712Domain"] = domainType(p.Domain)
	}

	names := make([]string, 0, len(p.Types))
	for name := range p.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	primary := ""
	for _, name := range names {
		if name != "EIP712Domain" && !referenced[name] {
			primary = name
			break
		}
	}
	if primary == "" {
		return nil, fmt.Errorf("permit data has no primary type")
	}

	td := apitypes.TypedData{
		Types:       types,
		PrimaryType: primary,
		Domain:      p.Domain,
		Message:     p.Values,
	}
	raw, err := json.Marshal(td)
	if err != nil {
		return nil, fmt.Errorf("marshal typed data: %w", err)
	}
	return raw, nil
}

func domainType(d apitypes.TypedDataDomain) []apitypes.Type {
	var fields []apitypes.Type
	if d.Name != "" {
		fields = append(fields, apitypes.Type{Name: "name", Type: "string"})
	}
	if d.Version != "" {
		fields = append(fields, apitypes.Type{Name: "version", Type: "string"})
	}
	if d.ChainId != nil {
		fields = append(fields, apitypes.Type{Name: "chainId", Type: "uint256"})
	}
	if d.VerifyingContract != "" {
		fields = append(fields, apitypes.Type{Name: "verifyingContract", Type: "address"})
	}
	return fields
}
