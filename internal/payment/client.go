package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SessionClient reads back a checkout session's line items from the
// provider. The reconciliation path uses it to reconstruct a cart snapshot
// when the webhook never landed and the cart was already consumed.
type SessionClient interface {
	SessionLineItems(ctx context.Context, sessionID string) ([]LineItem, error)
}

// HTTPSessionClient talks to the provider's REST API.
type HTTPSessionClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPSessionClient(baseURL, apiKey string) *HTTPSessionClient {
	return &HTTPSessionClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPSessionClient) SessionLineItems(ctx context.Context, sessionID string) ([]LineItem, error) {
	url := fmt.Sprintf("%s/v1/checkout/sessions/%s/line_items", c.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned %d for session %s", resp.StatusCode, sessionID)
	}

	var payload struct {
		Data []LineItem `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding line items for session %s: %w", sessionID, err)
	}
	return payload.Data, nil
}
