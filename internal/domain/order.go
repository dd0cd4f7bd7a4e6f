package domain

import "time"

// OrderStatus tracks a delegated order as reported by the order service.
type OrderStatus string

const (
	OrderStatusOpen              OrderStatus = "open"
	OrderStatusFilled            OrderStatus = "filled"
	OrderStatusExpired           OrderStatus = "expired"
	OrderStatusCancelled         OrderStatus = "cancelled"
	OrderStatusInsufficientFunds OrderStatus = "insufficient-funds"
)

// Terminal reports whether no further status change is possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusExpired, OrderStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a forward step.
// Terminal statuses never change, and nothing returns to open.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s == next || s.Terminal() {
		return false
	}
	return next != OrderStatusOpen
}

// Order is a signed delegated order submitted for off-chain filling.
type Order struct {
	Hash        string      `json:"hash"`
	ChainID     int64       `json:"chainId"`
	Swapper     string      `json:"swapper"`
	Protocol    Routing     `json:"protocol"`
	Status      OrderStatus `json:"status"`
	Input       Currency    `json:"input"`
	Output      Currency    `json:"output"`
	AmountIn    string      `json:"amountIn"`
	AmountOut   string      `json:"amountOut"`
	Deadline    time.Time   `json:"deadline"`
	SubmittedAt time.Time   `json:"submittedAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
	FillTxHash  string      `json:"fillTxHash,omitempty"`
}

// OrderUpdate is one remote status observation.
type OrderUpdate struct {
	Hash       string
	Status     OrderStatus
	FillTxHash string
}
