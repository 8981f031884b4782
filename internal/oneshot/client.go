// Package oneshot is the HTTP client for the 1Shot API x402 facilitator
// endpoints: supported, verify and settle.
package oneshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/mattjoyce/paygate/internal/metrics"
	"github.com/mattjoyce/paygate/internal/x402"
)

// Defaults for the public 1Shot API.
const (
	DefaultBaseURL        = "https://api.1shotapi.com/v0"
	DefaultTokenPath      = "/token"
	DefaultRequestTimeout = 30 * time.Second

	maxErrorBody = 512
)

// Config holds backend connection settings.
type Config struct {
	BaseURL        string
	TokenURL       string
	ClientID       string
	ClientSecret   string
	Scopes         []string
	RequestTimeout time.Duration
}

// Client calls the facilitator endpoints with OAuth2 client credentials.
type Client struct {
	rest     *resty.Client
	clientID string
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New builds a client. The OAuth2 token is fetched lazily on the first call
// and refreshed by the transport.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("oneshot: client_id and client_secret are required")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = baseURL + DefaultTokenPath
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       cfg.Scopes,
	}
	return newClient(cc.Client(context.Background()), baseURL, cfg, logger, m), nil
}

func newClient(hc *http.Client, baseURL string, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	rest := resty.NewWithClient(hc).
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")

	return &Client{
		rest:     rest,
		clientID: cfg.ClientID,
		timeout:  timeout,
		logger:   logger,
		metrics:  m,
	}
}

// ClientID identifies the credentials in use; the registry cache is keyed
// by it.
func (c *Client) ClientID() string { return c.clientID }

// Supported fetches the registry of payable networks and tokens.
func (c *Client) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out x402.SupportedResponse
	if err := c.do(ctx, "supported", http.MethodGet, "/x402/supported", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify asks the backend whether a payment is valid for a requirement.
func (c *Client) Verify(ctx context.Context, req x402.FacilitatorRequest) (*x402.VerifyResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out x402.VerifyResponse
	if err := c.do(ctx, "verify", http.MethodPost, "/x402/verify", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settle submits a verified payment for settlement. It has no deadline and
// ignores cancellation of ctx: once issued, the call is seen through so the
// result of a settlement that may move funds is never dropped.
func (c *Client) Settle(ctx context.Context, req x402.FacilitatorRequest) (*x402.SettleResponse, error) {
	var out x402.SettleResponse
	if err := c.do(context.WithoutCancel(ctx), "settle", http.MethodPost, "/x402/settle", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	started := time.Now()
	r := c.rest.R().SetContext(ctx).SetResult(out)
	if body != nil {
		r.SetBody(body)
	}

	resp, err := r.Execute(method, path)
	if err != nil {
		err = &x402.BackendError{Op: op, Err: err}
	} else if resp.IsError() {
		err = &x402.BackendError{Op: op, StatusCode: resp.StatusCode(), Err: errors.New(truncate(resp.String()))}
	}
	c.metrics.BackendCall(op, started, err)

	if err != nil {
		c.logger.Error("payment backend call failed",
			"op", op,
			"path", path,
			"duration_ms", time.Since(started).Milliseconds(),
			"error", err,
		)
		return err
	}
	c.logger.Debug("payment backend call",
		"op", op,
		"status", resp.StatusCode(),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return nil
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	if s == "" {
		return "empty response body"
	}
	return s
}
