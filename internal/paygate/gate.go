package paygate

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/mattjoyce/paygate/internal/events"
	"github.com/mattjoyce/paygate/internal/metrics"
	"github.com/mattjoyce/paygate/internal/x402"
)

// Endpoint is the payment configuration of one paid webhook.
type Endpoint struct {
	Name     string
	Tokens   []x402.ConfiguredToken
	Resource x402.Resource
}

// Decision is what the gate learned about a request. Requirements is set as
// soon as they could be built, so rejections can advertise them.
type Decision struct {
	Requirements []x402.PaymentRequirement
	Payload      *x402.PaymentPayload
	Requirement  *x402.PaymentRequirement
	Outcome      Outcome
}

// Gate decides whether a request has paid for an endpoint.
type Gate struct {
	backend     Backend
	registry    Registry
	coordinator *Coordinator
	hub         Publisher
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithClock replaces time.Now for validity window checks.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// WithEvents publishes rejections on hub.
func WithEvents(hub Publisher) GateOption {
	return func(g *Gate) { g.hub = hub }
}

// WithMetrics counts rejections.
func WithMetrics(m *metrics.Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

func NewGate(backend Backend, registry Registry, coordinator *Coordinator, logger *slog.Logger, opts ...GateOption) *Gate {
	g := &Gate{
		backend:     backend,
		registry:    registry,
		coordinator: coordinator,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Requirements builds the payment requirements of ep from the current
// registry. Errors are *x402.BackendError or *x402.ConfigurationError.
func (g *Gate) Requirements(ctx context.Context, ep Endpoint) ([]x402.PaymentRequirement, error) {
	registry, err := g.registry.Get(ctx, g.backend.ClientID())
	if err != nil {
		return nil, err
	}
	return x402.BuildRequirements(ep.Tokens, registry, ep.Resource)
}

// Authorize runs the full payment check for one request carrying header as
// its x-payment value. An empty header counts as missing.
//
// The returned Decision is nil only when requirements could not be built. A
// payment the gateway refuses is a *x402.ProtocolViolation whose Message is
// the client-facing 402 error.
func (g *Gate) Authorize(ctx context.Context, ep Endpoint, header string) (*Decision, error) {
	reqs, err := g.Requirements(ctx, ep)
	if err != nil {
		g.logger.Error("build payment requirements failed", "endpoint", ep.Name, "error", err)
		return nil, err
	}
	d := &Decision{Requirements: reqs}

	header = strings.TrimSpace(header)
	if header == "" {
		return d, g.reject(ep, "", x402.Reject("No x-payment header provided"))
	}

	raw, err := x402.DecodeHeader(header)
	if err != nil {
		return d, g.reject(ep, "", &x402.ProtocolViolation{
			Message: "No x-payment header provided: " + err.Error(),
			Err:     err,
		})
	}

	if shape := x402.ValidateShape(raw); shape != x402.ShapeValid {
		return d, g.reject(ep, "", x402.Reject("x-payment header is not valid", strings.Split(shape, "; ")...))
	}

	p, err := x402.ParsePayload(raw)
	if err != nil {
		return d, g.reject(ep, "", &x402.ProtocolViolation{
			Message: "No x-payment header provided: " + err.Error(),
			Err:     err,
		})
	}
	d.Payload = p

	v := x402.VerifyDetails(p, reqs, g.now())
	if !v.Valid {
		return d, g.reject(ep, p.Network, x402.Reject(
			"x-payment header is not valid for reasons: "+v.Errors,
			strings.Split(v.Errors, "; ")...,
		))
	}
	d.Requirement = v.Requirement

	out, err := g.coordinator.Process(ctx, ep.Name, p, *v.Requirement)
	if err != nil {
		// Counted by the coordinator.
		return d, g.announce(ep, p.Network, err)
	}
	d.Outcome = out
	return d, nil
}

func (g *Gate) reject(ep Endpoint, network string, err error) error {
	if network == "" {
		g.metrics.PaymentOutcome("unknown", "rejected")
	} else {
		g.metrics.PaymentOutcome(network, "rejected")
	}
	return g.announce(ep, network, err)
}

func (g *Gate) announce(ep Endpoint, network string, err error) error {
	g.logger.Info("payment rejected", "endpoint", ep.Name, "network", network, "error", err)
	if g.hub != nil {
		g.hub.Publish(events.PaymentRejected, map[string]any{
			"endpoint": ep.Name,
			"network":  network,
			"error":    err.Error(),
		})
	}
	return err
}
