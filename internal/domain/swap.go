package domain

// Field names one side of the swap form.
type Field string

const (
	FieldInput  Field = "INPUT"
	FieldOutput Field = "OUTPUT"
)

// Opposite returns the other side.
func (f Field) Opposite() Field {
	if f == FieldInput {
		return FieldOutput
	}
	return FieldInput
}

// Valid reports whether f is a known field.
func (f Field) Valid() bool {
	return f == FieldInput || f == FieldOutput
}

// TradeType follows from which side the user typed.
type TradeType string

const (
	TradeTypeExactInput  TradeType = "EXACT_INPUT"
	TradeTypeExactOutput TradeType = "EXACT_OUTPUT"
)

// SwapState is the user-editable part of a swap session. The dependent
// amount is never stored here; it is derived from the current trade.
type SwapState struct {
	IndependentField Field  `json:"independentField"`
	TypedValue       string `json:"typedValue"`
	Recipient        string `json:"recipient,omitempty"`
}

// NewSwapState returns the initial state of a session.
func NewSwapState() SwapState {
	return SwapState{IndependentField: FieldInput}
}

// TradeType derives the trade type from the independent field.
func (s SwapState) TradeType() TradeType {
	if s.IndependentField == FieldOutput {
		return TradeTypeExactOutput
	}
	return TradeTypeExactInput
}
