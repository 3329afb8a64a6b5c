package receipts

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stablemint/settler/internal/domain"
)

func TestHandle(t *testing.T) {
	event := domain.SettlementCompletedEvent{
		OrderID:      "ord-1",
		BuyerAddress: "0xaaa0000000000000000000000000000000000001",
		TokenAmount:  "150.5",
		Invoice:      "INV-1",
		TxHash:       "0xabc123",
		CompletedAt:  time.Now().UTC(),
	}
	payload, _ := json.Marshal(event)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("posts a receipt for the settlement", func(t *testing.T) {
		var calls atomic.Int64
		var got receipt

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			if r.URL.Path != "/receipts" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
				t.Errorf("decode receipt: %v", err)
			}
			w.WriteHeader(http.StatusAccepted)
		}))
		defer server.Close()

		h := NewHandler(server.URL, server.Client(), logger)
		if err := h.Handle(context.Background(), payload); err != nil {
			t.Fatalf("handle: %v", err)
		}

		if calls.Load() != 1 {
			t.Errorf("expected one delivery, got %d", calls.Load())
		}
		if got.OrderID != event.OrderID || got.TxHash != event.TxHash || got.TokenAmount != "150.5" {
			t.Errorf("unexpected receipt %+v", got)
		}
	})

	t.Run("propagates notifier failures for redelivery", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		h := NewHandler(server.URL, server.Client(), logger)
		if err := h.Handle(context.Background(), payload); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("rejects malformed payloads", func(t *testing.T) {
		h := NewHandler("http://localhost:0", http.DefaultClient, logger)
		if err := h.Handle(context.Background(), []byte("{")); err == nil {
			t.Fatal("expected an error")
		}
	})
}
