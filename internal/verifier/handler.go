package verifier

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stablemint/settler/internal/chain"
	"github.com/stablemint/settler/internal/domain"
	"github.com/stablemint/settler/internal/ledger"
)

// Handler serves the direct on-chain payment surface: creating merchant
// purchases, executing them against a submitted transfer, and the raw
// transfer verification endpoint.
type Handler struct {
	verifier  *TransferVerifier
	purchases ledger.PurchaseStore
	treasury  string
	logger    *slog.Logger
}

func NewHandler(verifier *TransferVerifier, purchases ledger.PurchaseStore, treasury string, logger *slog.Logger) *Handler {
	return &Handler{
		verifier:  verifier,
		purchases: purchases,
		treasury:  treasury,
		logger:    logger,
	}
}

type verifyTransferRequest struct {
	TxHash            string          `json:"tx_hash"`
	ExpectedAmount    decimal.Decimal `json:"expected_amount"`
	ExpectedRecipient string          `json:"expected_recipient"`
}

func (h *Handler) HandleVerifyTransfer(w http.ResponseWriter, r *http.Request) {
	var req verifyTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !chain.ValidTxHash(req.TxHash) {
		h.writeError(w, http.StatusBadRequest, "invalid tx_hash")
		return
	}
	if !chain.ValidAddress(req.ExpectedRecipient) {
		h.writeError(w, http.StatusBadRequest, "invalid expected_recipient")
		return
	}

	result, err := h.verifier.VerifyTransfer(r.Context(), req.TxHash, req.ExpectedAmount, req.ExpectedRecipient)
	if err != nil {
		h.logger.Error("transfer verification failed", "error", err, "tx_hash", req.TxHash)
		h.writeError(w, http.StatusInternalServerError, "chain unavailable")
		return
	}

	h.logger.Info("transfer verified", "tx_hash", req.TxHash, "valid", result.Valid, "reason", result.Reason)
	h.writeJSON(w, http.StatusOK, result)
}

type createPurchaseRequest struct {
	BuyerAddress string          `json:"buyer_address"`
	TokenAmount  decimal.Decimal `json:"token_amount"`
	Invoice      string          `json:"invoice"`
}

func (h *Handler) HandleCreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req createPurchaseRequest
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
	purchase := &domain.Purchase{
		BuyerAddress: req.BuyerAddress,
		TokenAmount:  req.TokenAmount,
		Invoice:      req.Invoice,
		Status:       domain.OrderStatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(domain.OrderTTL),
	}

	if err := h.purchases.CreatePurchase(r.Context(), purchase); err != nil {
		h.logger.Error("failed to create purchase", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("purchase created", "purchase_id", purchase.ID, "buyer", purchase.BuyerAddress)
	h.writeJSON(w, http.StatusCreated, purchase)
}

type executePurchaseRequest struct {
	TxHash string `json:"tx_hash"`
}

type executePurchaseResponse struct {
	Purchase *domain.Purchase `json:"purchase"`
	Result   *Result          `json:"result"`
}

// HandleExecutePurchase settles a purchase against a buyer-submitted
// transfer. The purchase is only marked completed once the transfer to the
// treasury address checks out; an invalid transfer is reported back with
// status 200, it is a verdict, not a server fault.
func (h *Handler) HandleExecutePurchase(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("purchaseId")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing purchase id")
		return
	}

	var req executePurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !chain.ValidTxHash(req.TxHash) {
		h.writeError(w, http.StatusBadRequest, "invalid tx_hash")
		return
	}

	purchase, err := h.purchases.GetPurchase(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get purchase", "error", err, "purchase_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if purchase == nil {
		h.writeError(w, http.StatusNotFound, "purchase not found")
		return
	}

	if purchase.Status == domain.OrderStatusCompleted {
		h.writeJSON(w, http.StatusOK, executePurchaseResponse{Purchase: purchase, Result: &Result{Valid: true}})
		return
	}
	if purchase.Status == domain.OrderStatusExpired || time.Now().UTC().After(purchase.ExpiresAt) {
		h.writeError(w, http.StatusConflict, "purchase expired")
		return
	}

	result, err := h.verifier.VerifyTransfer(r.Context(), req.TxHash, purchase.TokenAmount, h.treasury)
	if err != nil {
		h.logger.Error("transfer verification failed", "error", err, "purchase_id", id, "tx_hash", req.TxHash)
		h.writeError(w, http.StatusInternalServerError, "chain unavailable")
		return
	}

	if !result.Valid {
		h.logger.Info("purchase transfer rejected", "purchase_id", id, "tx_hash", req.TxHash, "reason", result.Reason)
		h.writeJSON(w, http.StatusOK, executePurchaseResponse{Purchase: purchase, Result: result})
		return
	}

	completed, err := h.purchases.CompletePurchase(r.Context(), id, req.TxHash)
	if err != nil {
		if errors.Is(err, ledger.ErrConflict) {
			// Someone else completed it concurrently; report the stored state.
			current, getErr := h.purchases.GetPurchase(r.Context(), id)
			if getErr == nil && current != nil {
				h.writeJSON(w, http.StatusOK, executePurchaseResponse{Purchase: current, Result: result})
				return
			}
		}
		h.logger.Error("failed to complete purchase", "error", err, "purchase_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("purchase completed", "purchase_id", id, "tx_hash", req.TxHash)
	h.writeJSON(w, http.StatusOK, executePurchaseResponse{Purchase: completed, Result: result})
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
