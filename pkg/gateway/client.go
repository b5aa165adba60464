package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const maxResponseBytes = 1 << 20

// Config holds configuration for the payment gateway client
type Config struct {
	BaseURL            string
	ClientID           string
	ClientSecret       string
	MerchantKey        string
	ReturnURL          string
	WebhookURL         string
	RequestTimeout     time.Duration
	TokenRefreshMargin time.Duration
	MaxRetries         int
	RetryBaseDelay     time.Duration
}

// APIError is a non-2xx answer from the gateway
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway %s returned status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Temporary reports whether the gateway asked us to come back later
func (e *APIError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// DecodeError means the gateway answered 2xx with a body we cannot use
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("gateway %s: invalid response: %v", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Customer is forwarded with the order for the hosted payment page
type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// OrderRequest describes an order to open with the gateway
type OrderRequest struct {
	Reference   string
	Amount      int64 // minor currency units
	Currency    string
	Description string
	Customer    Customer
}

// Order is the gateway's acceptance of an order
type Order struct {
	ExternalOrderID string
	RedirectURL     string
}

// StatusQuery identifies an order for a status lookup
type StatusQuery struct {
	Reference       string
	ExternalOrderID string
}

// StatusResult is the normalized answer of a status lookup
type StatusResult struct {
	Status          Status
	ProviderCode    string
	ExternalOrderID string
	Amount          int64
	Currency        string
}

// Client talks to the payment gateway REST API
type Client struct {
	cfg        Config
	logger     *logrus.Logger
	httpClient *http.Client
	retry      RetryPolicy
	now        func() time.Time

	// Token management
	token       string
	tokenMutex  sync.RWMutex
	tokenExpiry time.Time
	refresh     singleflight.Group
}

// Option customizes a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryPolicy replaces the retry policy
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithClock replaces the time source used for token expiry
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a new gateway client
func NewClient(cfg Config, logger *logrus.Logger, opts ...Option) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.TokenRefreshMargin <= 0 {
		cfg.TokenRefreshMargin = 5 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{},
		retry: RetryPolicy{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    5 * time.Second,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ============================================================================
// ACCESS TOKEN
// ============================================================================

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"` // seconds
}

// isTokenValid checks if the current token is still valid
func (c *Client) isTokenValid() bool {
	c.tokenMutex.RLock()
	defer c.tokenMutex.RUnlock()

	if c.token == "" {
		return false
	}

	// Consider the token stale a margin before actual expiry
	return c.now().Before(c.tokenExpiry.Add(-c.cfg.TokenRefreshMargin))
}

func (c *Client) cachedToken() (string, bool) {
	if !c.isTokenValid() {
		return "", false
	}
	c.tokenMutex.RLock()
	defer c.tokenMutex.RUnlock()
	return c.token, true
}

// accessToken returns a valid token, refreshing at most once across concurrent callers
func (c *Client) accessToken(ctx context.Context) (string, error) {
	if token, ok := c.cachedToken(); ok {
		return token, nil
	}
	v, err, _ := c.refresh.Do("token", func() (interface{}, error) {
		if token, ok := c.cachedToken(); ok {
			return token, nil
		}
		return c.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// RefreshToken fetches a new token regardless of the cached one
func (c *Client) RefreshToken(ctx context.Context) error {
	_, err, _ := c.refresh.Do("token", func() (interface{}, error) {
		return c.fetchToken(ctx)
	})
	return err
}

// InvalidateToken drops the cached token
func (c *Client) InvalidateToken() {
	c.tokenMutex.Lock()
	c.token = ""
	c.tokenExpiry = time.Time{}
	c.tokenMutex.Unlock()
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	// Shared by every waiter in the flight; one caller going away must not fail the rest
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RequestTimeout)
	defer cancel()

	body, err := json.Marshal(tokenRequest{
		GrantType:    "client_credentials",
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.BaseURL+"/oauth/token", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.WithError(err).Error("Failed to call gateway token endpoint")
		return "", fmt.Errorf("failed to request access token: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Op: "token", StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(raw, &tokenResp); err != nil {
		return "", &DecodeError{Op: "token", Err: err}
	}
	if tokenResp.AccessToken == "" {
		return "", &DecodeError{Op: "token", Err: errors.New("empty access token")}
	}
	if tokenResp.ExpiresIn <= 0 {
		tokenResp.ExpiresIn = 3600
	}

	expiry := c.now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	c.tokenMutex.Lock()
	c.token = tokenResp.AccessToken
	c.tokenExpiry = expiry
	c.tokenMutex.Unlock()

	c.logger.WithField("expires_at", expiry).Debug("Gateway access token refreshed")
	return tokenResp.AccessToken, nil
}

// StartTokenRefresher refreshes the token in the background before it goes stale.
// It returns when ctx is cancelled.
func (c *Client) StartTokenRefresher(ctx context.Context) {
	interval := c.cfg.TokenRefreshMargin / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.isTokenValid() {
				continue
			}
			if err := c.RefreshToken(ctx); err != nil {
				c.logger.WithError(err).Warn("Background gateway token refresh failed")
			}
		}
	}
}

// ============================================================================
// ORDERS
// ============================================================================

type createOrderPayload struct {
	MerchantKey string   `json:"merchantKey"`
	Reference   string   `json:"reference"`
	Amount      int64    `json:"amount"`
	Currency    string   `json:"currency"`
	Description string   `json:"description,omitempty"`
	ReturnURL   string   `json:"returnUrl,omitempty"`
	WebhookURL  string   `json:"webhookUrl,omitempty"`
	Customer    Customer `json:"customer"`
}

type createOrderResponse struct {
	OrderID     string `json:"orderId"`
	PaymentPage string `json:"paymentPage"`
	Message     string `json:"message,omitempty"`
}

type statusResponse struct {
	Reference  string       `json:"reference"`
	OrderID    string       `json:"orderId"`
	StatusCode ProviderCode `json:"statusCode"`
	Amount     int64        `json:"amount"`
	Currency   string       `json:"currency"`
}

// CreateOrder opens an order and returns the hosted payment page
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	payload := createOrderPayload{
		MerchantKey: c.cfg.MerchantKey,
		Reference:   req.Reference,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		ReturnURL:   c.cfg.ReturnURL,
		WebhookURL:  c.cfg.WebhookURL,
		Customer:    req.Customer,
	}

	c.logger.WithFields(logrus.Fields{
		"reference": req.Reference,
		"amount":    req.Amount,
		"currency":  req.Currency,
	}).Info("Creating gateway order")

	var resp createOrderResponse
	headers := map[string]string{"Idempotency-Key": req.Reference}
	if err := c.doJSON(ctx, "create_order", http.MethodPost, "/v1/orders", headers, payload, &resp); err != nil {
		c.logger.WithError(err).WithField("reference", req.Reference).Error("Gateway order creation failed")
		return nil, err
	}

	if resp.OrderID == "" || resp.PaymentPage == "" {
		return nil, &DecodeError{Op: "create_order", Err: fmt.Errorf("missing order id or payment page: %s", resp.Message)}
	}

	c.logger.WithFields(logrus.Fields{
		"reference":         req.Reference,
		"external_order_id": resp.OrderID,
	}).Info("Gateway order created")

	return &Order{ExternalOrderID: resp.OrderID, RedirectURL: resp.PaymentPage}, nil
}

// QueryStatus asks the gateway for the current state of an order
func (c *Client) QueryStatus(ctx context.Context, q StatusQuery) (*StatusResult, error) {
	params := url.Values{}
	params.Set("reference", q.Reference)
	if q.ExternalOrderID != "" {
		params.Set("orderId", q.ExternalOrderID)
	}

	var resp statusResponse
	if err := c.doJSON(ctx, "query_status", http.MethodGet, "/v1/orders/status?"+params.Encode(), nil, nil, &resp); err != nil {
		return nil, err
	}

	result := &StatusResult{
		Status:          NormalizeStatus(resp.StatusCode.String()),
		ProviderCode:    resp.StatusCode.String(),
		ExternalOrderID: resp.OrderID,
		Amount:          resp.Amount,
		Currency:        resp.Currency,
	}
	if result.ExternalOrderID == "" {
		result.ExternalOrderID = q.ExternalOrderID
	}

	c.logger.WithFields(logrus.Fields{
		"reference":     q.Reference,
		"provider_code": result.ProviderCode,
		"status":        result.Status,
	}).Info("Gateway status queried")

	return result, nil
}

// doJSON performs an authenticated request with per-call timeout and retries
func (c *Client) doJSON(ctx context.Context, op, method, path string, headers map[string]string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
	}

	return c.retry.Do(ctx, func(attempt int) error {
		reauthenticated := false
		for {
			token, err := c.accessToken(ctx)
			if err != nil {
				return err
			}

			status, raw, err := c.send(ctx, method, path, token, headers, body)
			if err != nil {
				c.logger.WithError(err).WithFields(logrus.Fields{"op": op, "attempt": attempt}).Warn("Gateway request failed")
				return fmt.Errorf("gateway %s: %w", op, err)
			}

			// One retry with a fresh token; the cached one may have been revoked early
			if status == http.StatusUnauthorized && !reauthenticated {
				c.InvalidateToken()
				reauthenticated = true
				continue
			}
			if status < 200 || status > 299 {
				return &APIError{Op: op, StatusCode: status, Body: string(raw)}
			}
			if out != nil {
				if err := json.Unmarshal(raw, out); err != nil {
					return &DecodeError{Op: op, Err: err}
				}
			}
			return nil
		}
	})
}

func (c *Client) send(ctx context.Context, method, path, token string, headers map[string]string, body []byte) (int, []byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}
