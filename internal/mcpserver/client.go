package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to an escrowd instance.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	APIKey  string // API key, e.g. "sk_..."
	Address string // Caller's party address (base58 or 0x hex)
}

// EscrowClient is a pure HTTP client for the escrowd API.
type EscrowClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewEscrowClient creates a new client for the escrowd API.
func NewEscrowClient(cfg Config) *EscrowClient {
	return &EscrowClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the service.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request and returns the response body.
func (c *EscrowClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

func escrowPath(id string, action string) string {
	p := "/v1/escrow/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

// Info returns service metadata: network, token, custody and fee.
func (c *EscrowClient) Info(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/info", nil, nil)
}

// CreateEscrow locks amount for recipient. deadlineHours of zero leaves
// the deadline to the service.
func (c *EscrowClient) CreateEscrow(ctx context.Context, recipient, amount string, deadlineHours int) (json.RawMessage, error) {
	body := map[string]any{
		"recipient": recipient,
		"amount":    amount,
	}
	if deadlineHours > 0 {
		body["deadlineHours"] = deadlineHours
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrow", nil, body)
}

// GetEscrow returns one transaction.
func (c *EscrowClient) GetEscrow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, escrowPath(id, ""), nil, nil)
}

// ListEscrows returns the transactions a party is sender or recipient of.
func (c *EscrowClient) ListEscrows(ctx context.Context, party string, limit int) (json.RawMessage, error) {
	if party == "" {
		party = c.cfg.Address
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/parties/"+url.PathEscape(party)+"/escrows", q, nil)
}

// Events returns the audit trail of one transaction.
func (c *EscrowClient) Events(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, escrowPath(id, "events"), nil, nil)
}

// RefundEligibility reports whether the sender may reclaim funds yet.
func (c *EscrowClient) RefundEligibility(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, escrowPath(id, "refund-eligibility"), nil, nil)
}

// ConfirmDelivery releases funds to the recipient.
func (c *EscrowClient) ConfirmDelivery(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, escrowPath(id, "confirm"), nil, nil)
}

// ApproveRelease records the caller's approval.
func (c *EscrowClient) ApproveRelease(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, escrowPath(id, "approve"), nil, nil)
}

// RaiseDispute moves the transaction to arbitration.
func (c *EscrowClient) RaiseDispute(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, escrowPath(id, "dispute"), nil, nil)
}

// ClaimRefund reclaims funds after the deadline.
func (c *EscrowClient) ClaimRefund(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, escrowPath(id, "refund"), nil, nil)
}

// ResolveDispute records the arbitrator's ruling.
func (c *EscrowClient) ResolveDispute(ctx context.Context, id string, releaseToRecipient bool) (json.RawMessage, error) {
	body := map[string]bool{"releaseToRecipient": releaseToRecipient}
	return c.doRequest(ctx, http.MethodPost, escrowPath(id, "resolve"), nil, body)
}
