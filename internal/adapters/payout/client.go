package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/rail-service/settlement_service/pkg/logger"
	"github.com/rail-service/settlement_service/pkg/metrics"
	"github.com/rail-service/settlement_service/pkg/retry"
)

// Config represents payout API configuration
type Config struct {
	APIKey            string
	BaseURL           string
	CallbackURL       string
	Timeout           time.Duration
	RequestsPerSecond float64
	RetryPolicy       retry.Policy
}

// Client represents a payout API client
type Client struct {
	config         Config
	httpClient     *http.Client
	circuitBreaker *gobreaker.CircuitBreaker
	rateLimiter    *rate.Limiter
	retrier        *retry.Retrier
	logger         *logger.Logger
}

// NewClient creates a new payout API client
func NewClient(config Config, log *logger.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 10
	}
	if config.RetryPolicy.MaxRetries == 0 && config.RetryPolicy.InitialDelay == 0 {
		config.RetryPolicy = retry.DefaultPolicy()
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	cbSettings := gobreaker.Settings{
		Name:        "PayoutAPI",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("Payout circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}

	return &Client{
		config:         config,
		httpClient:     &http.Client{Timeout: config.Timeout},
		circuitBreaker: gobreaker.NewCircuitBreaker(cbSettings),
		rateLimiter:    rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1),
		retrier:        retry.NewRetrier(config.RetryPolicy, log.Zap()),
		logger:         log,
	}
}

// GetExchangeRate returns the provider's selling rate for currency
func (c *Client) GetExchangeRate(ctx context.Context, currency string) (*ExchangeRateResponse, error) {
	currency = strings.ToUpper(currency)

	var response ExchangeRateResponse
	if err := c.doRequest(ctx, http.MethodPost, "/exchange-rate", ExchangeRateRequest{Currency: currency}, &response, true); err != nil {
		return nil, fmt.Errorf("get exchange rate failed: %w", err)
	}
	if !response.Rate.IsPositive() {
		return nil, fmt.Errorf("%w: %s for %s", ErrInvalidRate, response.Rate, currency)
	}
	if response.Currency == "" {
		response.Currency = currency
	}
	return &response, nil
}

// Pay requests a payout. It is sent once: a lost response must be reconciled through the
// status callback, not by paying again.
func (c *Client) Pay(ctx context.Context, currency string, req PayRequest) (*PayResponse, error) {
	if req.CallbackURL == "" {
		req.CallbackURL = c.config.CallbackURL
	}
	endpoint := "/pay/" + strings.ToUpper(currency)

	c.logger.Info("Requesting payout",
		"currency", currency,
		"amount", req.Amount.String(),
		"transaction_hash", req.TransactionHash,
		"mobile_network", req.MobileNetwork)

	var response PayResponse
	if err := c.doRequest(ctx, http.MethodPost, endpoint, req, &response, false); err != nil {
		metrics.PayoutsTotal.WithLabelValues("request_failed").Inc()
		c.logger.Error("Payout request failed", "transaction_hash", req.TransactionHash, "error", err)
		return nil, fmt.Errorf("pay failed: %w", err)
	}
	if response.ID == "" {
		return nil, ErrMissingPayID
	}

	metrics.PayoutsTotal.WithLabelValues("requested").Inc()
	c.logger.Info("Payout requested", "payout_id", response.ID, "status", response.Status)
	return &response, nil
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body, response interface{}, retryable bool) error {
	send := func() error {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return retry.Permanent(fmt.Errorf("rate limiter: %w", err))
		}
		_, err := c.circuitBreaker.Execute(func() (interface{}, error) {
			return nil, c.doRequestOnce(ctx, method, endpoint, body, response)
		})
		return err
	}
	if !retryable {
		return send()
	}
	return c.retrier.Do(ctx, send)
}

func (c *Client) doRequestOnce(ctx context.Context, method, endpoint string, body, response interface{}) error {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to marshal request body: %w", err))
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+endpoint, reqBody)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	c.logger.Debug("Sending payout API request", "method", method, "endpoint", endpoint)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, errResp) != nil || errResp.Message == "" {
			errResp.Message = string(respBody)
		}
		return errResp
	}

	if response != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, response); err != nil {
			return retry.Permanent(fmt.Errorf("failed to unmarshal response: %w", err))
		}
	}
	return nil
}
