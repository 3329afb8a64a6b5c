package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stablemint/settler/internal/chain"
	"github.com/stablemint/settler/internal/domain"
	"github.com/stablemint/settler/internal/ledger"
)

// SignatureHeader carries the processor's webhook signature.
const SignatureHeader = "Stablepay-Signature"

// EventVerifier authenticates and normalizes raw webhook payloads.
type EventVerifier interface {
	Verify(payload []byte, signatureHeader string) (*domain.PaymentEvent, error)
}

// BalanceReader is the slice of the chain gateway the balance endpoint
// proxies.
type BalanceReader interface {
	Balance(ctx context.Context, wallet string) (decimal.Decimal, error)
}

type Handler struct {
	store       ledger.Store
	coordinator *Coordinator
	events      EventVerifier
	balances    BalanceReader
	logger      *slog.Logger
}

func NewHandler(store ledger.Store, coordinator *Coordinator, events EventVerifier, balances BalanceReader, logger *slog.Logger) *Handler {
	return &Handler{
		store:       store,
		coordinator: coordinator,
		events:      events,
		balances:    balances,
		logger:      logger,
	}
}

type createOrderRequest struct {
	BuyerAddress     string          `json:"buyer_address"`
	TokenAmount      decimal.Decimal `json:"token_amount"`
	Invoice          string          `json:"invoice"`
	PaymentReference string          `json:"payment_reference"`
}

func (h *Handler) HandleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !chain.ValidAddress(req.BuyerAddress) {
		h.writeError(w, http.StatusBadRequest, "invalid buyer_address")
		return
	}
	if req.TokenAmount.Sign() <= 0 {
		h.writeError(w, http.StatusBadRequest, "token_amount must be positive")
		return
	}

	now := time.Now().UTC()
	order := &domain.Order{
		PaymentReference: req.PaymentReference,
		BuyerAddress:     req.BuyerAddress,
		TokenAmount:      req.TokenAmount,
		Invoice:          req.Invoice,
		Status:           domain.OrderStatusPending,
		CreatedAt:        now,
		ExpiresAt:        now.Add(domain.OrderTTL),
	}

	if err := h.store.Create(r.Context(), order); err != nil {
		h.logger.Error("failed to create order", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("order created", "order_id", order.ID, "buyer", order.BuyerAddress, "amount", order.TokenAmount.String())
	h.writeJSON(w, http.StatusCreated, order)
}

// HandleWebhook receives processor notifications. Signature failures are
// client errors; settlement failures are logged and acknowledged with 200
// so the processor does not retry-storm the endpoint.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	event, err := h.events.Verify(payload, r.Header.Get(SignatureHeader))
	if err != nil {
		if errors.Is(err, domain.ErrBadSignature) {
			h.logger.Warn("webhook signature rejected", "error", err, "remote", r.RemoteAddr)
			h.writeError(w, http.StatusBadRequest, "invalid signature")
			return
		}
		h.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if event.Kind != domain.EventPaymentSucceeded {
		h.writeJSON(w, http.StatusOK, map[string]any{"received": true})
		return
	}

	result, order, err := h.coordinator.SettleFromEvent(r.Context(), event)
	if err != nil {
		h.logger.Error("webhook settlement failed", "error", err, "reference", event.Reference)
		h.writeJSON(w, http.StatusOK, map[string]any{"received": true, "error": err.Error()})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"received":         true,
		"order_id":         order.ID,
		"transaction_hash": result.TxHash,
		"already_minted":   result.AlreadyMinted,
	})
}

type claimRequest struct {
	PaymentReference string `json:"payment_reference"`
}

func (h *Handler) HandleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PaymentReference == "" {
		h.writeError(w, http.StatusBadRequest, "missing payment_reference")
		return
	}

	result, err := h.coordinator.Claim(r.Context(), req.PaymentReference)
	if err != nil {
		h.writeClaimError(w, req.PaymentReference, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"transaction_hash": result.TxHash,
		"already_minted":   result.AlreadyMinted,
	})
}

func (h *Handler) writeClaimError(w http.ResponseWriter, reference string, err error) {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		h.writeClaimFailure(w, http.StatusNotFound, "order not found", domain.ErrOrderNotFound.Error())
	case errors.Is(err, domain.ErrOrderExpired):
		h.writeClaimFailure(w, http.StatusConflict, "order expired", domain.ErrOrderExpired.Error())
	case errors.Is(err, domain.ErrPaymentNotConfirmed):
		h.writeClaimFailure(w, http.StatusPaymentRequired, "payment not confirmed", domain.ErrPaymentNotConfirmed.Error())
	case errors.Is(err, domain.ErrSettlementInProgress):
		h.writeClaimFailure(w, http.StatusConflict, "settlement in progress, check order status shortly", domain.ErrSettlementInProgress.Error())
	case errors.Is(err, domain.ErrMintAuthorization):
		// The wrapped error names the configured contract minter; keep it
		// out of the response body.
		h.logger.Error("claim failed on authority misconfiguration", "error", err, "reference", reference)
		h.writeClaimFailure(w, http.StatusInternalServerError, "minting unavailable", domain.ErrMintAuthorization.Error())
	default:
		h.logger.Error("claim failed", "error", err, "reference", reference)
		h.writeClaimFailure(w, http.StatusInternalServerError, "mint failed", err.Error())
	}
}

func (h *Handler) writeClaimFailure(w http.ResponseWriter, status int, message, details string) {
	h.writeJSON(w, status, map[string]string{"error": message, "details": details})
}

func (h *Handler) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("orderId")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get order", "error", err, "order_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if order == nil {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	h.writeJSON(w, http.StatusOK, h.withLazyExpiry(r, order))
}

// HandleVerifyMinting is the read-only status check keyed by the fallback
// pair; it never triggers a mint.
func (h *Handler) HandleVerifyMinting(w http.ResponseWriter, r *http.Request) {
	invoice := r.URL.Query().Get("invoice")
	wallet := r.URL.Query().Get("wallet")
	if invoice == "" || wallet == "" {
		h.writeError(w, http.StatusBadRequest, "invoice and wallet are required")
		return
	}

	order, err := h.store.FindByInvoiceAndBuyer(r.Context(), invoice, wallet)
	if err != nil {
		h.logger.Error("failed to find order", "error", err, "invoice", invoice, "wallet", wallet)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if order == nil {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	order = h.withLazyExpiry(r, order)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"order_id": order.ID,
		"status":   order.Status,
		"tx_hash":  order.TxHash,
	})
}

func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	if !chain.ValidAddress(address) {
		h.writeError(w, http.StatusBadRequest, "invalid address")
		return
	}

	balance, err := h.balances.Balance(r.Context(), address)
	if err != nil {
		h.logger.Error("failed to read balance", "error", err, "address", address)
		h.writeError(w, http.StatusInternalServerError, "chain unavailable")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"address": address, "balance": balance})
}

// withLazyExpiry transitions a past-TTL pending order to expired on read.
// Conflicts mean someone else already moved it; the re-read wins.
func (h *Handler) withLazyExpiry(r *http.Request, order *domain.Order) *domain.Order {
	if order.Status != domain.OrderStatusPending || !order.Expired(time.Now().UTC()) {
		return order
	}

	updated, err := h.store.Transition(r.Context(), order.ID, domain.OrderStatusPending, ledger.Mutation{Status: domain.OrderStatusExpired})
	if err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			if current, gerr := h.store.GetByID(r.Context(), order.ID); gerr == nil && current != nil {
				return current
			}
		}
		h.logger.Error("failed to expire order on read", "error", err, "order_id", order.ID)
		return order
	}
	return updated
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
