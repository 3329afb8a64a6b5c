package ledger

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/stablemint/settler/internal/domain"
)

// MemStore is a mutex-guarded map backend for single-instance deployments
// and tests. The Transition contract is identical to the Postgres backend:
// read-compare-write under the lock, conflict when the status moved.
type MemStore struct {
	mu        sync.Mutex
	orders    map[string]domain.Order
	purchases map[string]domain.Purchase
}

func NewMemStore() *MemStore {
	return &MemStore{
		orders:    make(map[string]domain.Order),
		purchases: make(map[string]domain.Purchase),
	}
}

func (s *MemStore) Create(_ context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	s.orders[order.ID] = *order
	return nil
}

func (s *MemStore) GetByID(_ context.Context, id string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return &order, nil
}

func (s *MemStore) FindByPaymentReference(_ context.Context, reference string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var match *domain.Order
	for _, order := range s.orders {
		if order.PaymentReference != reference {
			continue
		}
		if match == nil || order.CreatedAt.After(match.CreatedAt) {
			o := order
			match = &o
		}
	}
	return match, nil
}

func (s *MemStore) FindByInvoiceAndBuyer(_ context.Context, invoice, buyer string) (*domain.Order, error) {
	if invoice == "" || buyer == "" {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var match *domain.Order
	for _, order := range s.orders {
		if order.Invoice != invoice || !strings.EqualFold(order.BuyerAddress, buyer) {
			continue
		}
		if match == nil || order.CreatedAt.After(match.CreatedAt) {
			o := order
			match = &o
		}
	}
	return match, nil
}

func (s *MemStore) Transition(_ context.Context, id string, expected domain.OrderStatus, mut Mutation) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	if order.Status != expected {
		return nil, ErrConflict
	}

	order.Status = mut.Status
	order.TxHash = mut.TxHash
	order.CompletedAt = mut.CompletedAt
	s.orders[id] = order

	return &order, nil
}

func (s *MemStore) CreatePurchase(_ context.Context, p *domain.Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	s.purchases[p.ID] = *p
	return nil
}

func (s *MemStore) GetPurchase(_ context.Context, id string) (*domain.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.purchases[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *MemStore) CompletePurchase(_ context.Context, id, txHash string) (*domain.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.purchases[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Status != domain.OrderStatusPending {
		return nil, ErrConflict
	}

	p.Status = domain.OrderStatusCompleted
	p.TxHash = txHash
	s.purchases[id] = p

	return &p, nil
}
