// Package processor integrates the external payment processor: verifying
// inbound webhook notifications and re-checking payment state over its API.
package processor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stablemint/settler/internal/domain"
)

// DefaultTolerance bounds how stale a signed webhook timestamp may be.
// Replays older than this are rejected even with a valid signature.
const DefaultTolerance = 5 * time.Minute

const eventPaymentSucceeded = "payment_intent.succeeded"

// WebhookVerifier checks that a raw webhook payload was signed by the
// configured processor secret and normalizes it into a PaymentEvent.
// The signature header carries `t=<unix>,v1=<hex hmac>` where the HMAC is
// SHA-256 over "<t>.<payload>".
type WebhookVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{
		secret:    []byte(secret),
		tolerance: DefaultTolerance,
		now:       time.Now,
	}
}

type webhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID       string `json:"id"`
			Amount   int64  `json:"amount"`
			Status   string `json:"status"`
			Metadata struct {
				BuyerAddress string `json:"buyer_address"`
				Invoice      string `json:"invoice"`
			} `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// Verify authenticates the payload and decodes it once at the boundary.
// Any signature problem returns domain.ErrBadSignature; callers must not
// touch the ledger on that path.
func (v *WebhookVerifier) Verify(payload []byte, signatureHeader string) (*domain.PaymentEvent, error) {
	timestamp, signature, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return nil, err
	}

	issued := time.Unix(timestamp, 0)
	if v.now().Sub(issued) > v.tolerance || issued.Sub(v.now()) > v.tolerance {
		return nil, fmt.Errorf("%w: timestamp outside tolerance", domain.ErrBadSignature)
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), signature) {
		return nil, domain.ErrBadSignature
	}

	var raw webhookEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}

	event := &domain.PaymentEvent{
		Kind:         domain.EventOther,
		Reference:    raw.Data.Object.ID,
		AmountMinor:  raw.Data.Object.Amount,
		BuyerAddress: raw.Data.Object.Metadata.BuyerAddress,
		Invoice:      raw.Data.Object.Metadata.Invoice,
		CreatedAt:    time.Unix(raw.Created, 0).UTC(),
	}
	if raw.Type == eventPaymentSucceeded {
		event.Kind = domain.EventPaymentSucceeded
	}

	return event, nil
}

func parseSignatureHeader(header string) (int64, []byte, error) {
	var timestamp int64
	var signature []byte

	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", domain.ErrBadSignature)
			}
			timestamp = ts
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad signature encoding", domain.ErrBadSignature)
			}
			signature = sig
		}
	}

	if timestamp == 0 || len(signature) == 0 {
		return 0, nil, fmt.Errorf("%w: missing header fields", domain.ErrBadSignature)
	}

	return timestamp, signature, nil
}
