// Package apaym is a client for the Apaym payment REST API.
package apaym

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dukerupert/gflix/internal/gateway"
)

const (
	defaultBaseURL = "https://api.apaym.com/v1"
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 1 << 20
)

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return "apaym" }

type initializeRequest struct {
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	TransactionID string            `json:"transaction_id"`
	CallbackURL   string            `json:"callback_url"`
	CancelURL     string            `json:"cancel_url"`
	Customer      gateway.Customer  `json:"customer"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type initializeResponse struct {
	Reference  string `json:"reference"`
	PaymentURL string `json:"payment_url"`
}

type verifyResponse struct {
	Status string `json:"status"`
}

// InitiateTransaction registers a transaction with Apaym and returns the hosted payment page.
func (c *Client) InitiateTransaction(ctx context.Context, req gateway.InitiateRequest) (*gateway.Initiation, error) {
	body, err := json.Marshal(initializeRequest{
		Amount:        req.Amount,
		Currency:      req.Currency,
		TransactionID: req.TransactionID,
		CallbackURL:   req.CallbackURL,
		CancelURL:     req.CancelURL,
		Customer:      req.Customer,
		Metadata:      req.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal initialize request: %w", err)
	}

	raw, err := c.do(ctx, http.MethodPost, "/transactions/initialize", body)
	if err != nil {
		return nil, fmt.Errorf("initialize transaction: %w", err)
	}

	var ir initializeResponse
	if err := json.Unmarshal(raw, &ir); err != nil {
		return nil, fmt.Errorf("decode initialize response: %w", err)
	}
	if ir.PaymentURL == "" {
		return nil, fmt.Errorf("initialize transaction: %w: response has no payment_url", gateway.ErrUnavailable)
	}
	return &gateway.Initiation{PaymentURL: ir.PaymentURL, Reference: ir.Reference, Raw: raw}, nil
}

// QueryStatus asks Apaym for the current status of a transaction. The reference is unused;
// Apaym looks transactions up by our id.
func (c *Client) QueryStatus(ctx context.Context, transactionID, _ string) (*gateway.Verification, error) {
	raw, err := c.do(ctx, http.MethodGet, "/transactions/verify/"+url.PathEscape(transactionID), nil)
	if err != nil {
		return nil, fmt.Errorf("verify transaction: %w", err)
	}
	var vr verifyResponse
	if err := json.Unmarshal(raw, &vr); err != nil {
		return nil, fmt.Errorf("decode verify response: %w", err)
	}
	return &gateway.Verification{Status: vr.Status, Raw: raw}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", gateway.ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", gateway.ErrUnavailable, resp.StatusCode)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: response is not JSON", gateway.ErrUnavailable)
	}
	return raw, nil
}
