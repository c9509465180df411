package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

// DefaultTimeout bounds every outbound provider call.
const DefaultTimeout = 30 * time.Second

// HTTPResult is a decoded provider response. Non-2xx statuses are returned
// here rather than as errors; adapters decide what counts as failure.
type HTTPResult struct {
	HTTPStatus int
	Body       []byte
}

func (r *HTTPResult) OK() bool {
	return r.HTTPStatus >= 200 && r.HTTPStatus < 300
}

// GatewayClient carries the capabilities shared by every adapter: outbound
// HTTP with a circuit breaker, base URL overrides and logging.
type GatewayClient struct {
	provider   Provider
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	baseURL    string
	logger     *log.Logger
}

type ClientOption func(*GatewayClient)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(gc *GatewayClient) { gc.httpClient = c }
}

// WithBaseURL points the adapter at a different API host (sandbox proxies, tests).
func WithBaseURL(url string) ClientOption {
	return func(gc *GatewayClient) { gc.baseURL = strings.TrimRight(url, "/") }
}

func WithLogger(l *log.Logger) ClientOption {
	return func(gc *GatewayClient) { gc.logger = l }
}

func NewGatewayClient(provider Provider, opts ...ClientOption) *GatewayClient {
	gc := &GatewayClient{
		provider:   provider,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(gc)
	}
	gc.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(provider),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     DefaultTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			gc.logger.Printf("[%s] circuit breaker %s -> %s", name, from, to)
		},
	})
	return gc
}

func (gc *GatewayClient) Provider() Provider {
	return gc.provider
}

func (gc *GatewayClient) HTTPClient() *http.Client {
	return gc.httpClient
}

func (gc *GatewayClient) Logger() *log.Logger {
	return gc.logger
}

// URL joins path onto the override base URL if one is set, else onto def.
func (gc *GatewayClient) URL(def, path string) string {
	base := def
	if gc.baseURL != "" {
		base = gc.baseURL
	}
	return base + path
}

func (gc *GatewayClient) BaseURLOverride() string {
	return gc.baseURL
}

// Do sends payload as JSON (when non-nil) and returns the raw response.
// Only transport failures are errors; they count against the breaker.
func (gc *GatewayClient) Do(ctx context.Context, method, url string, headers map[string]string, payload any) (*HTTPResult, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s request: %w", gc.provider, err)
		}
		body = bytes.NewReader(data)
	}

	out, err := gc.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		start := time.Now()
		resp, err := gc.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		gc.logger.Printf("[%s] %s %s -> %d in %v", gc.provider, method, req.URL.Path, resp.StatusCode, time.Since(start))
		return &HTTPResult{HTTPStatus: resp.StatusCode, Body: data}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			gc.logger.Printf("[%s] request short-circuited: %v", gc.provider, err)
		} else {
			gc.logger.Printf("[%s] %s %s failed: %v", gc.provider, method, url, err)
		}
		return nil, &GatewayError{Provider: gc.provider, Message: err.Error(), Err: err}
	}
	return out.(*HTTPResult), nil
}

// Run passes an SDK call through the adapter's circuit breaker. It exists for
// providers reached through a client library rather than Do.
func (gc *GatewayClient) Run(op string, fn func() error) error {
	start := time.Now()
	_, err := gc.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err != nil {
		gc.logger.Printf("[%s] %s failed after %v: %v", gc.provider, op, time.Since(start), err)
		return err
	}
	gc.logger.Printf("[%s] %s ok in %v", gc.provider, op, time.Since(start))
	return nil
}

// BearerHeaders builds the authorization header set shared by every provider.
func BearerHeaders(secretKey string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + secretKey}
}

// ValidateRequiredFields enforces the minimum every provider needs: a
// positive amount and a well-formed payer email.
func ValidateRequiredFields(amount decimal.Decimal, email string) error {
	if amount.IsZero() {
		return &ValidationError{Field: "amount", Message: "amount is required"}
	}
	if !amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "amount must be greater than zero"}
	}
	if strings.TrimSpace(email) == "" {
		return &ValidationError{Field: "email", Message: "email is required"}
	}
	if err := validate.Var(email, "email"); err != nil {
		return &ValidationError{Field: "email", Message: "email is not a valid address"}
	}
	return nil
}

func gatewayFailure(provider Provider, res *HTTPResult, message string) error {
	if message == "" {
		message = http.StatusText(res.HTTPStatus)
	}
	return &GatewayError{Provider: provider, HTTPStatus: res.HTTPStatus, Message: message}
}
