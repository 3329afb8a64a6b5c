package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderTTL is how long a pending order stays claimable before it expires.
// Expiry is checked lazily on access, there is no background sweeper.
const OrderTTL = 30 * time.Minute

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusExpired   OrderStatus = "expired"
	OrderStatusFailed    OrderStatus = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
// A failed order is not terminal: a retry moves it back to pending.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusExpired
}

// Order is the unit of settlement: one fiat charge against one mint of the
// equivalent token amount. TokenAmount is fixed 1:1 with the fiat amount at
// creation and never changes afterwards.
type Order struct {
	ID               string          `json:"order_id"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	BuyerAddress     string          `json:"buyer_address"`
	TokenAmount      decimal.Decimal `json:"token_amount"`
	Invoice          string          `json:"invoice,omitempty"`
	Status           OrderStatus     `json:"status"`
	TxHash           string          `json:"tx_hash,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// Expired reports whether the order's TTL has elapsed at the given instant.
// The stored status may still say pending; callers transition it on access.
func (o *Order) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// Purchase is a merchant-side order paid by a direct on-chain token transfer
// instead of a card charge. It is settled by the transfer verification path
// and never touches the mint coordinator.
type Purchase struct {
	ID           string          `json:"purchase_id"`
	BuyerAddress string          `json:"buyer_address"`
	TokenAmount  decimal.Decimal `json:"token_amount"`
	Invoice      string          `json:"invoice,omitempty"`
	Status       OrderStatus     `json:"status"`
	TxHash       string          `json:"tx_hash,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
}
