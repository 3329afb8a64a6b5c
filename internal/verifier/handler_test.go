package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stablemint/settler/internal/chain"
	"github.com/stablemint/settler/internal/domain"
	"github.com/stablemint/settler/internal/ledger"
)

const testPurchaseBuyer = "0xee00000000000000000000000000000000000005"

func newTestHandler(receipts *fakeReceipts, store ledger.PurchaseStore) *Handler {
	v := NewTransferVerifier(receipts, testToken, 6)
	return NewHandler(v, store, testTreasury, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func createTestPurchase(t *testing.T, store ledger.PurchaseStore, amount int64) *domain.Purchase {
	t.Helper()

	now := time.Now().UTC()
	p := &domain.Purchase{
		BuyerAddress: testPurchaseBuyer,
		TokenAmount:  decimal.NewFromInt(amount),
		Invoice:      "INV-P-1",
		Status:       domain.OrderStatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(domain.OrderTTL),
	}
	if err := store.CreatePurchase(context.Background(), p); err != nil {
		t.Fatalf("create purchase: %v", err)
	}
	return p
}

func TestHandleVerifyTransfer(t *testing.T) {
	txHash := "0x" + strings.Repeat("cd", 32)

	t.Run("returns the verification verdict", func(t *testing.T) {
		receipts := &fakeReceipts{receipts: map[string]*chain.Receipt{
			txHash: successReceipt(txHash, transferLog(testToken, testPurchaseBuyer, testTreasury, 100_000_000)),
		}}
		h := newTestHandler(receipts, ledger.NewMemStore())

		body := fmt.Sprintf(`{"tx_hash":%q,"expected_amount":"100","expected_recipient":%q}`, txHash, testTreasury)
		req := httptest.NewRequest(http.MethodPost, "/verify-transfer", strings.NewReader(body))
		w := httptest.NewRecorder()

		h.HandleVerifyTransfer(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}

		var result Result
		if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if !result.Valid {
			t.Errorf("expected valid verdict, got reason %q", result.Reason)
		}
	})

	t.Run("rejects a malformed hash", func(t *testing.T) {
		h := newTestHandler(&fakeReceipts{}, ledger.NewMemStore())

		body := fmt.Sprintf(`{"tx_hash":"0x123","expected_amount":"100","expected_recipient":%q}`, testTreasury)
		req := httptest.NewRequest(http.MethodPost, "/verify-transfer", strings.NewReader(body))
		w := httptest.NewRecorder()

		h.HandleVerifyTransfer(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("maps chain errors to 500", func(t *testing.T) {
		h := newTestHandler(&fakeReceipts{err: context.DeadlineExceeded}, ledger.NewMemStore())

		body := fmt.Sprintf(`{"tx_hash":%q,"expected_amount":"100","expected_recipient":%q}`, txHash, testTreasury)
		req := httptest.NewRequest(http.MethodPost, "/verify-transfer", strings.NewReader(body))
		w := httptest.NewRecorder()

		h.HandleVerifyTransfer(w, req)

		if w.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", w.Code)
		}
	})
}

func TestHandleCreatePurchase(t *testing.T) {
	t.Run("creates a pending purchase", func(t *testing.T) {
		h := newTestHandler(&fakeReceipts{}, ledger.NewMemStore())

		body := fmt.Sprintf(`{"buyer_address":%q,"token_amount":"75","invoice":"INV-P-1"}`, testPurchaseBuyer)
		req := httptest.NewRequest(http.MethodPost, "/purchases", strings.NewReader(body))
		w := httptest.NewRecorder()

		h.HandleCreatePurchase(w, req)

		if w.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
		}

		var p domain.Purchase
		if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
			t.Fatalf("decode purchase: %v", err)
		}
		if p.ID == "" || p.Status != domain.OrderStatusPending {
			t.Errorf("unexpected purchase %+v", p)
		}
	})

	t.Run("rejects a bad address", func(t *testing.T) {
		h := newTestHandler(&fakeReceipts{}, ledger.NewMemStore())

		req := httptest.NewRequest(http.MethodPost, "/purchases", strings.NewReader(`{"buyer_address":"bogus","token_amount":"75"}`))
		w := httptest.NewRecorder()

		h.HandleCreatePurchase(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})
}

func TestHandleExecutePurchase(t *testing.T) {
	txHash := "0x" + strings.Repeat("ef", 32)

	execute := func(h *Handler, id string) *httptest.ResponseRecorder {
		body := fmt.Sprintf(`{"tx_hash":%q}`, txHash)
		req := httptest.NewRequest(http.MethodPost, "/purchases/"+id+"/execute", strings.NewReader(body))
		req.SetPathValue("purchaseId", id)
		w := httptest.NewRecorder()
		h.HandleExecutePurchase(w, req)
		return w
	}

	t.Run("completes on a valid treasury transfer", func(t *testing.T) {
		store := ledger.NewMemStore()
		purchase := createTestPurchase(t, store, 100)

		receipts := &fakeReceipts{receipts: map[string]*chain.Receipt{
			txHash: successReceipt(txHash, transferLog(testToken, testPurchaseBuyer, testTreasury, 100_000_000)),
		}}
		h := newTestHandler(receipts, store)

		w := execute(h, purchase.ID)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}

		var resp executePurchaseResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Purchase.Status != domain.OrderStatusCompleted || resp.Purchase.TxHash != txHash {
			t.Errorf("unexpected purchase %+v", resp.Purchase)
		}
	})

	t.Run("reports an invalid transfer without completing", func(t *testing.T) {
		store := ledger.NewMemStore()
		purchase := createTestPurchase(t, store, 100)

		// Transfer went to the buyer, not the treasury.
		receipts := &fakeReceipts{receipts: map[string]*chain.Receipt{
			txHash: successReceipt(txHash, transferLog(testToken, testPurchaseBuyer, testPurchaseBuyer, 100_000_000)),
		}}
		h := newTestHandler(receipts, store)

		w := execute(h, purchase.ID)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}

		var resp executePurchaseResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Result.Valid {
			t.Error("expected invalid verdict")
		}

		stored, _ := store.GetPurchase(context.Background(), purchase.ID)
		if stored.Status != domain.OrderStatusPending {
			t.Errorf("expected pending, got %s", stored.Status)
		}
	})

	t.Run("repeated execution is idempotent", func(t *testing.T) {
		store := ledger.NewMemStore()
		purchase := createTestPurchase(t, store, 100)

		receipts := &fakeReceipts{receipts: map[string]*chain.Receipt{
			txHash: successReceipt(txHash, transferLog(testToken, testPurchaseBuyer, testTreasury, 100_000_000)),
		}}
		h := newTestHandler(receipts, store)

		if w := execute(h, purchase.ID); w.Code != http.StatusOK {
			t.Fatalf("first execute: %d", w.Code)
		}
		w := execute(h, purchase.ID)
		if w.Code != http.StatusOK {
			t.Fatalf("second execute: %d", w.Code)
		}

		var resp executePurchaseResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Purchase.Status != domain.OrderStatusCompleted {
			t.Errorf("expected completed, got %s", resp.Purchase.Status)
		}
	})

	t.Run("409 when the purchase is past its TTL", func(t *testing.T) {
		store := ledger.NewMemStore()

		past := time.Now().UTC().Add(-31 * time.Minute)
		purchase := &domain.Purchase{
			BuyerAddress: testPurchaseBuyer,
			TokenAmount:  decimal.NewFromInt(100),
			Status:       domain.OrderStatusPending,
			CreatedAt:    past,
			ExpiresAt:    past.Add(domain.OrderTTL),
		}
		if err := store.CreatePurchase(context.Background(), purchase); err != nil {
			t.Fatalf("create purchase: %v", err)
		}

		h := newTestHandler(&fakeReceipts{}, store)

		w := execute(h, purchase.ID)
		if w.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d", w.Code)
		}
	})

	t.Run("404 for an unknown purchase", func(t *testing.T) {
		h := newTestHandler(&fakeReceipts{}, ledger.NewMemStore())

		w := execute(h, "missing")
		if w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})
}
