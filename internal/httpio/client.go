package httpio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/edgestack/gateway/internal/translation/inventory"
)

// InventoryClient sends inventory.Request values to the cloud's inventory
// REST API. The concrete wire transport (auth headers; each request is sent
// once, without retry) lives here so internal/translation/inventory stays a
// pure request builder.
type InventoryClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewInventoryClient builds a client against baseURL (e.g.
// "https://tenant.cumulocity.com"), authenticating every request with a
// bearer token.
func NewInventoryClient(baseURL, token string, timeout time.Duration) *InventoryClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &InventoryClient{baseURL: baseURL, token: token, http: &http.Client{Timeout: timeout}}
}

// Do issues req against the cloud inventory API and returns the response
// body on any 2xx status.
func (c *InventoryClient) Do(ctx context.Context, req inventory.Request) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("httpio: building inventory request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("httpio: inventory request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpio: reading inventory response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return body, fmt.Errorf("httpio: inventory request %s %s returned %d: %s", req.Method, req.Path, resp.StatusCode, body)
	}
	return body, nil
}
