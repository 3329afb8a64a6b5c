package domain

import "time"

// EventKind classifies a processor notification once, at the boundary.
// Handlers switch on the kind instead of matching raw type strings.
type EventKind int

const (
	EventOther EventKind = iota
	EventPaymentSucceeded
)

// PaymentEvent is a verified, normalized processor notification.
// Reference is the processor's idempotency key for the payment and
// AmountMinor the charged fiat amount in minor units (cents).
type PaymentEvent struct {
	Kind         EventKind
	Reference    string
	AmountMinor  int64
	BuyerAddress string
	Invoice      string
	CreatedAt    time.Time
}

// SettlementCompletedEvent is published after a mint commits, for
// downstream consumers (receipts, analytics). It is emitted at most
// once per order.
type SettlementCompletedEvent struct {
	OrderID      string    `json:"order_id"`
	BuyerAddress string    `json:"buyer_address"`
	TokenAmount  string    `json:"token_amount"`
	Invoice      string    `json:"invoice,omitempty"`
	TxHash       string    `json:"tx_hash"`
	CompletedAt  time.Time `json:"completed_at"`
}
