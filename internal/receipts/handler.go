package receipts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stablemint/settler/internal/domain"
)

// Handler turns settlement events into buyer receipts delivered through
// the notification service. Deliveries are idempotent on the notifier
// side (keyed by order id), so replayed events are safe.
type Handler struct {
	notifierURL string
	httpClient  *http.Client
	logger      *slog.Logger
}

func NewHandler(notifierURL string, client *http.Client, logger *slog.Logger) *Handler {
	return &Handler{
		notifierURL: notifierURL,
		httpClient:  client,
		logger:      logger,
	}
}

type receipt struct {
	OrderID      string `json:"order_id"`
	BuyerAddress string `json:"buyer_address"`
	TokenAmount  string `json:"token_amount"`
	Invoice      string `json:"invoice"`
	TxHash       string `json:"tx_hash"`
	CompletedAt  string `json:"completed_at"`
	Subject      string `json:"subject"`
	Body         string `json:"body"`
}

func (h *Handler) Handle(ctx context.Context, payload []byte) error {
	var event domain.SettlementCompletedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("unmarshal settlement event: %w", err)
	}

	h.logger.Info("processing settlement event", "order_id", event.OrderID, "tx_hash", event.TxHash)

	if err := h.deliver(ctx, event); err != nil {
		h.logger.Error("failed to deliver receipt", "error", err, "order_id", event.OrderID)
		return fmt.Errorf("deliver receipt: %w", err)
	}

	h.logger.Info("receipt delivered", "order_id", event.OrderID)
	return nil
}

func (h *Handler) deliver(ctx context.Context, event domain.SettlementCompletedEvent) error {
	doc := receipt{
		OrderID:      event.OrderID,
		BuyerAddress: event.BuyerAddress,
		TokenAmount:  event.TokenAmount,
		Invoice:      event.Invoice,
		TxHash:       event.TxHash,
		CompletedAt:  event.CompletedAt.Format(time.RFC3339),
		Subject:      "Settlement complete: " + event.Invoice,
		Body: fmt.Sprintf("Your payment for invoice %s settled on-chain. %s tokens were minted to %s in transaction %s.",
			event.Invoice, event.TokenAmount, event.BuyerAddress, event.TxHash),
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.notifierURL+"/receipts", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create receipt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("notification service returned status %d", resp.StatusCode)
	}

	return nil
}
