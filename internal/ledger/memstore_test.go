package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stablemint/settler/internal/domain"
)

func newTestOrder(invoice, buyer string) *domain.Order {
	now := time.Now().UTC()
	return &domain.Order{
		BuyerAddress: buyer,
		TokenAmount:  decimal.NewFromInt(100),
		Invoice:      invoice,
		Status:       domain.OrderStatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(domain.OrderTTL),
	}
}

func TestMemStore_Transition(t *testing.T) {
	ctx := context.Background()

	t.Run("applies mutation when status matches", func(t *testing.T) {
		store := NewMemStore()
		order := newTestOrder("INV-1", "0xAAA0000000000000000000000000000000000001")
		if err := store.Create(ctx, order); err != nil {
			t.Fatalf("create: %v", err)
		}

		completedAt := time.Now().UTC()
		updated, err := store.Transition(ctx, order.ID, domain.OrderStatusPending, Mutation{
			Status:      domain.OrderStatusCompleted,
			TxHash:      "0xdeadbeef",
			CompletedAt: &completedAt,
		})
		if err != nil {
			t.Fatalf("transition: %v", err)
		}

		if updated.Status != domain.OrderStatusCompleted {
			t.Errorf("expected completed, got %s", updated.Status)
		}
		if updated.TxHash != "0xdeadbeef" {
			t.Errorf("expected tx hash to be recorded, got %q", updated.TxHash)
		}
		if updated.CompletedAt == nil {
			t.Error("expected completed_at to be set")
		}
	})

	t.Run("returns conflict when status moved", func(t *testing.T) {
		store := NewMemStore()
		order := newTestOrder("INV-2", "0xAAA0000000000000000000000000000000000002")
		if err := store.Create(ctx, order); err != nil {
			t.Fatalf("create: %v", err)
		}

		if _, err := store.Transition(ctx, order.ID, domain.OrderStatusPending, Mutation{Status: domain.OrderStatusFailed}); err != nil {
			t.Fatalf("first transition: %v", err)
		}

		_, err := store.Transition(ctx, order.ID, domain.OrderStatusPending, Mutation{Status: domain.OrderStatusCompleted, TxHash: "0x1"})
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("returns not found for unknown id", func(t *testing.T) {
		store := NewMemStore()

		_, err := store.Transition(ctx, "nope", domain.OrderStatusPending, Mutation{Status: domain.OrderStatusExpired})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestMemStore_FindByInvoiceAndBuyer(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	first := newTestOrder("INV-1", "0xABC0000000000000000000000000000000000001")
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	other := newTestOrder("INV-2", "0xABC0000000000000000000000000000000000001")
	if err := store.Create(ctx, other); err != nil {
		t.Fatalf("create: %v", err)
	}

	t.Run("matches on invoice and buyer pair", func(t *testing.T) {
		found, err := store.FindByInvoiceAndBuyer(ctx, "INV-1", "0xABC0000000000000000000000000000000000001")
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if found == nil || found.ID != first.ID {
			t.Fatalf("expected order %s, got %+v", first.ID, found)
		}
	})

	t.Run("buyer address match is case-insensitive", func(t *testing.T) {
		found, err := store.FindByInvoiceAndBuyer(ctx, "INV-1", "0xabc0000000000000000000000000000000000001")
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if found == nil || found.ID != first.ID {
			t.Fatalf("expected order %s, got %+v", first.ID, found)
		}
	})

	t.Run("does not match a different invoice for the same buyer", func(t *testing.T) {
		found, err := store.FindByInvoiceAndBuyer(ctx, "INV-3", "0xABC0000000000000000000000000000000000001")
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if found != nil {
			t.Fatalf("expected no match, got %+v", found)
		}
	})

	t.Run("empty invoice or buyer never matches", func(t *testing.T) {
		found, err := store.FindByInvoiceAndBuyer(ctx, "", "")
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if found != nil {
			t.Fatalf("expected no match, got %+v", found)
		}
	})
}

func TestMemStore_CompletePurchase(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	now := time.Now().UTC()
	p := &domain.Purchase{
		BuyerAddress: "0xABC0000000000000000000000000000000000001",
		TokenAmount:  decimal.NewFromInt(50),
		Status:       domain.OrderStatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(domain.OrderTTL),
	}
	if err := store.CreatePurchase(ctx, p); err != nil {
		t.Fatalf("create purchase: %v", err)
	}

	completed, err := store.CompletePurchase(ctx, p.ID, "0xfeed")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != domain.OrderStatusCompleted || completed.TxHash != "0xfeed" {
		t.Fatalf("unexpected purchase state: %+v", completed)
	}

	if _, err := store.CompletePurchase(ctx, p.ID, "0xother"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on second completion, got %v", err)
	}
}
