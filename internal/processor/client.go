package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Client calls the processor's API directly. It exists for the claim path:
// a client-supplied payment reference is never trusted, the payment's
// status is re-read from the processor before any settlement.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

type Payment struct {
	ID          string            `json:"id"`
	Status      string            `json:"status"`
	AmountMinor int64             `json:"amount"`
	Metadata    map[string]string `json:"metadata"`
}

// Succeeded reports whether the processor considers the charge settled.
func (p *Payment) Succeeded() bool {
	return p.Status == "succeeded"
}

// GetPayment fetches the current state of a payment by its reference.
// A 404 from the processor is returned as (nil, nil).
func (c *Client) GetPayment(ctx context.Context, reference string) (*Payment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/payments/"+reference, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch payment %s: %w", reference, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("processor returned status %d for payment %s", resp.StatusCode, reference)
	}

	var payment Payment
	if err := json.NewDecoder(resp.Body).Decode(&payment); err != nil {
		return nil, fmt.Errorf("decode payment %s: %w", reference, err)
	}

	return &payment, nil
}
