package registration

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mattjoyce/paygate/internal/x402"
)

// Defaults for the public x402scan directory.
const (
	DefaultRegisterURL = "https://www.x402scan.com/api/trpc/public.resources.register"
	DefaultTimeout     = 15 * time.Second
)

// DirectoryClient registers resources with an x402 directory over its tRPC
// batch endpoint.
type DirectoryClient struct {
	rest   *resty.Client
	url    string
	logger *slog.Logger
}

// NewDirectoryClient builds a client for registerURL. A zero timeout uses
// DefaultTimeout.
func NewDirectoryClient(registerURL string, timeout time.Duration, logger *slog.Logger) *DirectoryClient {
	if registerURL == "" {
		registerURL = DefaultRegisterURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	rest := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	return &DirectoryClient{rest: rest, url: registerURL, logger: logger}
}

type registerInput struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

type batchItem struct {
	JSON registerInput `json:"json"`
}

// Register announces url to the directory.
func (c *DirectoryClient) Register(ctx context.Context, url string) error {
	c.logger.Info("registering webhook with resource directory", "url", url)

	body := map[string]batchItem{
		"0": {JSON: registerInput{URL: url, Headers: map[string]string{}}},
	}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParam("batch", "1").
		SetBody(body).
		Post(c.url)
	if err != nil {
		return &x402.BackendError{Op: "register", Err: err}
	}
	if resp.IsError() {
		return &x402.BackendError{
			Op:         "register",
			StatusCode: resp.StatusCode(),
			Err:        errors.New(strings.TrimSpace(resp.String())),
		}
	}
	c.logger.Debug("resource directory registration response", "status", resp.StatusCode(), "body", resp.String())
	return nil
}

// Registrable reports whether the directory indexes resources served with
// method. Only GET and POST are accepted.
func Registrable(method string) bool {
	return method == http.MethodGet || method == http.MethodPost
}
