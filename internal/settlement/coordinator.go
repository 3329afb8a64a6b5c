// Package settlement is the orchestration core: it matches payment
// confirmations and claims to orders, drives the order state machine, and
// guarantees at most one completed mint per order no matter how many
// duplicate triggers arrive or in what order.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/stablemint/settler/internal/chain"
	"github.com/stablemint/settler/internal/domain"
	"github.com/stablemint/settler/internal/ledger"
	"github.com/stablemint/settler/internal/lock"
	"github.com/stablemint/settler/internal/processor"
)

// mintLockTTL bounds how long a crashed settlement can keep an order
// locked. Comfortably above one block of confirmation latency.
const mintLockTTL = 2 * time.Minute

// Minter is the slice of the chain gateway the coordinator calls.
type Minter interface {
	Mint(ctx context.Context, wallet string, amount decimal.Decimal) (*chain.MintResult, error)
}

// PaymentChecker re-reads a payment's state from the processor. Used on
// the claim path, where the client-supplied reference is never trusted.
type PaymentChecker interface {
	GetPayment(ctx context.Context, reference string) (*processor.Payment, error)
}

// Publisher emits settlement events for downstream consumers. Optional.
type Publisher interface {
	Publish(ctx context.Context, key string, event any) error
}

type Coordinator struct {
	store     ledger.Store
	minter    Minter
	locks     lock.Locker
	processor PaymentChecker
	producer  Publisher
	logger    *slog.Logger
	now       func() time.Time

	settlementsCompleted metric.Int64Counter
	mintFailures         metric.Int64Counter
}

func NewCoordinator(store ledger.Store, minter Minter, locks lock.Locker, checker PaymentChecker, producer Publisher, logger *slog.Logger) (*Coordinator, error) {
	meter := otel.Meter("settlement")

	completed, err := meter.Int64Counter("settler.settlements.completed",
		metric.WithDescription("Orders settled with a confirmed mint"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("settler.mint.failures",
		metric.WithDescription("Mint attempts that left an order in failed state"))
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		store:                store,
		minter:               minter,
		locks:                locks,
		processor:            checker,
		producer:             producer,
		logger:               logger,
		now:                  time.Now,
		settlementsCompleted: completed,
		mintFailures:         failures,
	}, nil
}

// Result is the outcome of a settlement attempt. AlreadyMinted marks the
// idempotent path: the order was settled before this call and the stored
// hash is returned without touching the chain again.
type Result struct {
	TxHash        string `json:"transaction_hash"`
	AlreadyMinted bool   `json:"already_minted,omitempty"`
}

// Resolve finds the order for a payment. The reference is authoritative
// (matched against the payment reference, then the order id); the
// buyer+invoice pair is the fallback for events that carry neither.
func (c *Coordinator) Resolve(ctx context.Context, reference, buyer, invoice string) (*domain.Order, error) {
	if reference != "" {
		order, err := c.store.FindByPaymentReference(ctx, reference)
		if err != nil {
			return nil, err
		}
		if order != nil {
			return order, nil
		}

		order, err = c.store.GetByID(ctx, reference)
		if err != nil {
			return nil, err
		}
		if order != nil {
			return order, nil
		}
	}

	order, err := c.store.FindByInvoiceAndBuyer(ctx, invoice, buyer)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

// SettleFromEvent is the webhook entry point: a verified successful
// payment event is matched to its order and settled.
func (c *Coordinator) SettleFromEvent(ctx context.Context, event *domain.PaymentEvent) (*Result, *domain.Order, error) {
	order, err := c.Resolve(ctx, event.Reference, event.BuyerAddress, event.Invoice)
	if err != nil {
		return nil, nil, err
	}

	charged := decimal.New(event.AmountMinor, -2)
	if !charged.Equal(order.TokenAmount) {
		c.logger.Warn("charged amount differs from order amount",
			"order_id", order.ID, "charged", charged.String(), "token_amount", order.TokenAmount.String())
	}

	result, err := c.Settle(ctx, order)
	return result, order, err
}

// Claim is the client-triggered entry point: the payment's success is
// re-verified with the processor before the order is resolved and settled.
func (c *Coordinator) Claim(ctx context.Context, reference string) (*Result, error) {
	payment, err := c.processor.GetPayment(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("verify payment with processor: %w", err)
	}
	if payment == nil || !payment.Succeeded() {
		return nil, domain.ErrPaymentNotConfirmed
	}

	order, err := c.Resolve(ctx, reference, payment.Metadata["buyer_address"], payment.Metadata["invoice"])
	if err != nil {
		return nil, err
	}

	return c.Settle(ctx, order)
}

// Settle drives the state machine for one order. All entry points funnel
// through here; the per-order lock closes the race where two callers both
// observe pending and both mint.
func (c *Coordinator) Settle(ctx context.Context, order *domain.Order) (*Result, error) {
	// Fast paths that need no lock.
	switch order.Status {
	case domain.OrderStatusCompleted:
		return &Result{TxHash: order.TxHash, AlreadyMinted: true}, nil
	case domain.OrderStatusExpired:
		return nil, domain.ErrOrderExpired
	}
	if order.Expired(c.now()) {
		return c.expire(ctx, order)
	}

	release, err := c.locks.Acquire(ctx, order.ID, mintLockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return nil, domain.ErrSettlementInProgress
		}
		return nil, fmt.Errorf("acquire settlement lock: %w", err)
	}
	defer release()

	// Re-read under the lock; the snapshot we were handed may be stale.
	current, err := c.store.GetByID(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, domain.ErrOrderNotFound
	}

	switch current.Status {
	case domain.OrderStatusCompleted:
		return &Result{TxHash: current.TxHash, AlreadyMinted: true}, nil
	case domain.OrderStatusExpired:
		return nil, domain.ErrOrderExpired
	}
	if current.Expired(c.now()) {
		return c.expire(ctx, current)
	}

	if current.Status == domain.OrderStatusFailed {
		current, err = c.store.Transition(ctx, current.ID, domain.OrderStatusFailed, ledger.Mutation{Status: domain.OrderStatusPending})
		if err != nil {
			if errors.Is(err, ledger.ErrConflict) {
				return nil, domain.ErrSettlementInProgress
			}
			return nil, err
		}
		c.logger.Info("retrying failed order", "order_id", current.ID)
	}

	mintResult, err := c.minter.Mint(ctx, current.BuyerAddress, current.TokenAmount)
	if err != nil {
		c.mintFailures.Add(ctx, 1)
		if _, terr := c.store.Transition(ctx, current.ID, domain.OrderStatusPending, ledger.Mutation{Status: domain.OrderStatusFailed}); terr != nil {
			c.logger.Error("failed to mark order failed", "error", terr, "order_id", current.ID)
		}
		if errors.Is(err, domain.ErrMintAuthorization) {
			c.logger.Error("mint rejected by authority check", "error", err, "order_id", current.ID)
			return nil, err
		}
		c.logger.Error("mint failed", "error", err, "order_id", current.ID)
		return nil, fmt.Errorf("mint failed: %w", err)
	}

	completedAt := c.now().UTC()
	updated, err := c.store.Transition(ctx, current.ID, domain.OrderStatusPending, ledger.Mutation{
		Status:      domain.OrderStatusCompleted,
		TxHash:      mintResult.TxHash,
		CompletedAt: &completedAt,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			// Should not happen while we hold the lock; if it does, the
			// ledger's record wins and the duplicate mint must be audited.
			c.logger.Error("order moved during settlement, possible duplicate mint",
				"order_id", current.ID, "tx_hash", mintResult.TxHash)
			stored, gerr := c.store.GetByID(ctx, current.ID)
			if gerr == nil && stored != nil && stored.Status == domain.OrderStatusCompleted {
				return &Result{TxHash: stored.TxHash, AlreadyMinted: true}, nil
			}
		}
		return nil, err
	}

	c.settlementsCompleted.Add(ctx, 1)
	c.logger.Info("order settled", "order_id", updated.ID, "tx_hash", updated.TxHash,
		"buyer", updated.BuyerAddress, "amount", updated.TokenAmount.String())
	c.publishCompleted(ctx, updated)

	return &Result{TxHash: updated.TxHash}, nil
}

// expire lazily transitions a past-TTL order. Expiry is terminal: a late
// payment confirmation is reported as expired, never minted.
func (c *Coordinator) expire(ctx context.Context, order *domain.Order) (*Result, error) {
	if order.Status != domain.OrderStatusPending && order.Status != domain.OrderStatusFailed {
		return nil, domain.ErrOrderExpired
	}

	_, err := c.store.Transition(ctx, order.ID, order.Status, ledger.Mutation{Status: domain.OrderStatusExpired})
	if errors.Is(err, ledger.ErrConflict) {
		stored, gerr := c.store.GetByID(ctx, order.ID)
		if gerr == nil && stored != nil && stored.Status == domain.OrderStatusCompleted {
			return &Result{TxHash: stored.TxHash, AlreadyMinted: true}, nil
		}
	} else if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		c.logger.Error("failed to expire order", "error", err, "order_id", order.ID)
	}

	return nil, domain.ErrOrderExpired
}

func (c *Coordinator) publishCompleted(ctx context.Context, order *domain.Order) {
	if c.producer == nil {
		return
	}

	event := domain.SettlementCompletedEvent{
		OrderID:      order.ID,
		BuyerAddress: order.BuyerAddress,
		TokenAmount:  order.TokenAmount.String(),
		Invoice:      order.Invoice,
		TxHash:       order.TxHash,
		CompletedAt:  *order.CompletedAt,
	}
	if err := c.producer.Publish(ctx, order.ID, event); err != nil {
		c.logger.Error("failed to publish settlement event", "error", err, "order_id", order.ID)
	}
}
