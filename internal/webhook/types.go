package webhook

import (
	"context"

	"github.com/mattjoyce/paygate/internal/paygate"
	"github.com/mattjoyce/paygate/internal/queue"
	"github.com/mattjoyce/paygate/internal/registration"
	"github.com/mattjoyce/paygate/internal/x402"
)

// JobQueuer defines the interface for enqueueing webhook-triggered jobs.
type JobQueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
}

// PaymentGate authorizes requests to paid endpoints.
type PaymentGate interface {
	Authorize(ctx context.Context, ep paygate.Endpoint, header string) (*paygate.Decision, error)
}

// RegistrationGuard publishes a paid endpoint to the resource directory.
type RegistrationGuard interface {
	Ensure(ctx context.Context, res registration.Resource) bool
}

// EventPublisher receives webhook.accepted events.
type EventPublisher interface {
	Publish(eventType string, data any)
}

// Config holds webhook server configuration.
type Config struct {
	Listen string
	// PublicBaseURL prefixes endpoint paths to form advertised resource URLs.
	PublicBaseURL string
	// TestMode serves endpoints under /webhook-test/ instead of /webhook/.
	TestMode  bool
	Endpoints []EndpointConfig
}

// EndpointConfig defines a single webhook endpoint.
type EndpointConfig struct {
	// Name identifies the endpoint in logs, jobs and registration state.
	Name string

	// Path is the URL path for this webhook (e.g., "/webhook/premium")
	Path string

	// Kind is "signed" or "x402".
	Kind string

	// Workflow is the job workflow started by accepted requests.
	Workflow string

	// PublicKey is the base64 Ed25519 key for signed endpoints.
	PublicKey string

	// Methods lists the accepted HTTP methods.
	Methods []string

	// IPAllowlist restricts callers when non-empty. Entries match as
	// substrings of the client or forwarded addresses.
	IPAllowlist []string

	// MaxBodySize is the maximum allowed request body size in bytes (default: 1MB)
	MaxBodySize int64

	// Payment is set for x402 endpoints.
	Payment *PaymentConfig
}

// PaymentConfig is the paid-endpoint part of an EndpointConfig.
type PaymentConfig struct {
	Tokens      []x402.ConfiguredToken
	Description string
	MimeType    string
	Response    paygate.ResponseOptions
}

// TriggerResponse is the JSON response for successful signed webhook triggers.
type TriggerResponse struct {
	JobID string `json:"job_id"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Default values
const (
	DefaultMaxBodySize = 1048576 // 1 MB

	KindSigned = "signed"
	KindX402   = "x402"

	// PaymentHeader carries the base64 x402 payment payload.
	PaymentHeader = "X-Payment"
)
