package ledger

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/stablemint/settler/internal/domain"
)

// PostgresStore backs the ledger with a relational table. The Transition
// CAS is a conditional UPDATE guarded on the current status; zero rows
// affected distinguishes a conflict from a missing order by a follow-up
// read.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, order *domain.Order) error {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, payment_reference, buyer_address, token_amount, invoice, status, created_at, expires_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8)
	`, order.ID, order.PaymentReference, order.BuyerAddress, order.TokenAmount, order.Invoice, order.Status, order.CreatedAt, order.ExpiresAt)
	return err
}

const orderColumns = `id, COALESCE(payment_reference, ''), buyer_address, token_amount, invoice, status, COALESCE(tx_hash, ''), created_at, expires_at, completed_at`

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	return s.queryOne(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = $1
	`, id)
}

func (s *PostgresStore) FindByPaymentReference(ctx context.Context, reference string) (*domain.Order, error) {
	return s.queryOne(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE payment_reference = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, reference)
}

func (s *PostgresStore) FindByInvoiceAndBuyer(ctx context.Context, invoice, buyer string) (*domain.Order, error) {
	if invoice == "" || buyer == "" {
		return nil, nil
	}

	return s.queryOne(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE invoice = $1 AND lower(buyer_address) = lower($2)
		ORDER BY created_at DESC
		LIMIT 1
	`, invoice, buyer)
}

func (s *PostgresStore) Transition(ctx context.Context, id string, expected domain.OrderStatus, mut Mutation) (*domain.Order, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $3, tx_hash = NULLIF($4, ''), completed_at = $5, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, expected, mut.Status, mut.TxHash, mut.CompletedAt)
	if err != nil {
		return nil, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	if rowsAffected == 0 {
		current, err := s.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}

	return s.GetByID(ctx, id)
}

func (s *PostgresStore) queryOne(ctx context.Context, query string, args ...any) (*domain.Order, error) {
	order := &domain.Order{}
	var completedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&order.ID, &order.PaymentReference, &order.BuyerAddress, &order.TokenAmount,
		&order.Invoice, &order.Status, &order.TxHash, &order.CreatedAt, &order.ExpiresAt, &completedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	if completedAt.Valid {
		t := completedAt.Time
		order.CompletedAt = &t
	}

	return order, nil
}

func (s *PostgresStore) CreatePurchase(ctx context.Context, p *domain.Purchase) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO purchases (id, buyer_address, token_amount, invoice, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.BuyerAddress, p.TokenAmount, p.Invoice, p.Status, p.CreatedAt, p.ExpiresAt)
	return err
}

func (s *PostgresStore) GetPurchase(ctx context.Context, id string) (*domain.Purchase, error) {
	p := &domain.Purchase{}

	err := s.db.QueryRowContext(ctx, `
		SELECT id, buyer_address, token_amount, invoice, status, COALESCE(tx_hash, ''), created_at, expires_at
		FROM purchases
		WHERE id = $1
	`, id).Scan(&p.ID, &p.BuyerAddress, &p.TokenAmount, &p.Invoice, &p.Status, &p.TxHash, &p.CreatedAt, &p.ExpiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return p, nil
}

func (s *PostgresStore) CompletePurchase(ctx context.Context, id, txHash string) (*domain.Purchase, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE purchases
		SET status = $2, tx_hash = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, domain.OrderStatusCompleted, txHash, domain.OrderStatusPending)
	if err != nil {
		return nil, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	if rowsAffected == 0 {
		current, err := s.GetPurchase(ctx, id)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}

	return s.GetPurchase(ctx, id)
}
