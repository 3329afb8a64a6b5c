// Package ledger is the single source of truth for order state. All status
// changes go through Transition, which has compare-and-swap semantics per
// order id; that contract is what makes double-mint prevention possible
// without holding external locks across the whole settlement.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/stablemint/settler/internal/domain"
)

var (
	// ErrNotFound is returned by Transition when no order has the given id.
	ErrNotFound = errors.New("ledger: order not found")
	// ErrConflict is returned by Transition when the stored status did not
	// match the expected one. The caller must re-read and reassess; it means
	// someone else already moved the order.
	ErrConflict = errors.New("ledger: status conflict")
)

// Mutation is the only shape of change Transition applies. TxHash and
// CompletedAt are set together with the completed status, never separately.
type Mutation struct {
	Status      domain.OrderStatus
	TxHash      string
	CompletedAt *time.Time
}

// Store is the order ledger contract. Lookup by id is authoritative;
// FindByInvoiceAndBuyer is the fallback for processor events that do not
// echo the internal order id and resolves to at most one order.
type Store interface {
	Create(ctx context.Context, order *domain.Order) error
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	FindByPaymentReference(ctx context.Context, reference string) (*domain.Order, error)
	FindByInvoiceAndBuyer(ctx context.Context, invoice, buyer string) (*domain.Order, error)
	Transition(ctx context.Context, id string, expected domain.OrderStatus, mut Mutation) (*domain.Order, error)
}

// PurchaseStore holds merchant-side purchases settled by direct on-chain
// transfer. Complete is a plain pending-to-completed CAS.
type PurchaseStore interface {
	CreatePurchase(ctx context.Context, p *domain.Purchase) error
	GetPurchase(ctx context.Context, id string) (*domain.Purchase, error)
	CompletePurchase(ctx context.Context, id, txHash string) (*domain.Purchase, error)
}
