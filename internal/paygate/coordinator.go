package paygate

import (
	"context"
	"log/slog"

	"github.com/mattjoyce/paygate/internal/events"
	"github.com/mattjoyce/paygate/internal/ledger"
	"github.com/mattjoyce/paygate/internal/metrics"
	"github.com/mattjoyce/paygate/internal/x402"
)

// Outcome is the result of a payment that was accepted.
type Outcome struct {
	TxHash       string
	Network      string
	Payer        string
	SettlementID string
	// Ambiguous is set when settlement was issued but its result was lost.
	// TxHash is then x402.PendingTxHash.
	Ambiguous bool
}

// PaymentResponse is the X-Payment-Response header content for o.
func (o Outcome) PaymentResponse() x402.PaymentResponse {
	return x402.PaymentResponse{
		Success:     true,
		Transaction: o.TxHash,
		Network:     o.Network,
		Payer:       o.Payer,
	}
}

// Coordinator runs the verify-then-settle handshake with the backend.
type Coordinator struct {
	backend  Backend
	recorder Recorder
	hub      Publisher
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewCoordinator wires a coordinator. recorder, hub and m may be nil.
func NewCoordinator(backend Backend, recorder Recorder, hub Publisher, logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		backend:  backend,
		recorder: recorder,
		hub:      hub,
		logger:   logger,
		metrics:  m,
	}
}

// Process verifies p against req and, if the backend accepts it, settles it.
//
// Rejections are returned as *x402.ProtocolViolation. A verify call that
// fails in transport is also answered as a rejection, but the violation wraps
// the *x402.BackendError, so errors.Is(err, x402.ErrBackend) holds for it and
// callers can tell it apart from a refused payment. A settle call that fails
// in transport is not an error: the payment may have gone through, so the
// outcome is Ambiguous with TxHash "TBD" and the ledger row is left
// unresolved for reconciliation.
func (c *Coordinator) Process(ctx context.Context, endpoint string, p *x402.PaymentPayload, req x402.PaymentRequirement) (Outcome, error) {
	fr := x402.FacilitatorRequest{
		X402Version:         p.X402Version,
		PaymentPayload:      *p,
		PaymentRequirements: req,
	}
	auth := p.Payload.Authorization
	logger := c.logger.With("endpoint", endpoint, "network", req.Network, "payer", auth.From)

	vr, err := c.backend.Verify(ctx, fr)
	if err != nil {
		logger.Error("payment verification call failed", "error", err)
		c.metrics.PaymentOutcome(req.Network, "error")
		return Outcome{}, &x402.ProtocolViolation{
			Message: "No x-payment header provided: " + err.Error(),
			Err:     err,
		}
	}
	if !vr.IsValid {
		logger.Info("payment rejected by backend", "reason", vr.InvalidReason)
		c.metrics.PaymentOutcome(req.Network, "rejected")
		return Outcome{}, x402.Reject("x-payment verification failed: "+vr.InvalidReason, vr.InvalidReason)
	}

	// Settlement may move funds; the caller hanging up must not abandon it.
	settleCtx := context.WithoutCancel(ctx)
	sr, err := c.backend.Settle(settleCtx, fr)
	if err != nil {
		amb := &x402.SettlementAmbiguityError{Err: err}
		logger.Error("payment settlement outcome unknown, continuing", "error", amb)
		out := Outcome{
			TxHash:    x402.PendingTxHash,
			Network:   req.Network,
			Payer:     firstNonEmpty(vr.Payer, auth.From),
			Ambiguous: true,
		}
		out.SettlementID = c.record(settleCtx, logger, endpoint, p, req, out, amb)
		c.metrics.PaymentOutcome(req.Network, "unresolved")
		c.publish(events.PaymentUnresolved, endpoint, out)
		return out, nil
	}
	if !sr.Success {
		logger.Warn("payment settlement failed", "reason", sr.Error)
		c.metrics.PaymentOutcome(req.Network, "failed")
		return Outcome{}, x402.Reject("x-payment settlement failed: "+sr.Error, sr.Error)
	}

	out := Outcome{
		TxHash:  sr.TxHash,
		Network: firstNonEmpty(sr.Network, req.Network),
		Payer:   firstNonEmpty(sr.Payer, vr.Payer, auth.From),
	}
	out.SettlementID = c.record(settleCtx, logger, endpoint, p, req, out, nil)
	logger.Info("payment settled", "tx_hash", out.TxHash)
	c.metrics.PaymentOutcome(req.Network, "settled")
	c.publish(events.PaymentSettled, endpoint, out)
	return out, nil
}

// record writes the ledger row. A ledger failure is logged and does not fail
// the request: the payment has already been taken.
func (c *Coordinator) record(ctx context.Context, logger *slog.Logger, endpoint string, p *x402.PaymentPayload, req x402.PaymentRequirement, out Outcome, cause error) string {
	if c.recorder == nil {
		return ""
	}
	s := ledger.Settlement{
		Endpoint: endpoint,
		Network:  req.Network,
		Payer:    p.Payload.Authorization.From,
		PayTo:    req.PayTo,
		Amount:   p.Payload.Authorization.Value,
		Asset:    req.Asset,
		Nonce:    p.Payload.Authorization.Nonce,
		TxHash:   out.TxHash,
		Status:   ledger.StatusSettled,
	}
	if out.Ambiguous {
		s.Status = ledger.StatusUnresolved
	}
	if cause != nil {
		s.LastError = cause.Error()
	}
	id, err := c.recorder.Record(ctx, s)
	if err != nil {
		logger.Error("record settlement failed", "tx_hash", out.TxHash, "error", err)
		return ""
	}
	return id
}

func (c *Coordinator) publish(eventType, endpoint string, out Outcome) {
	if c.hub == nil {
		return
	}
	c.hub.Publish(eventType, map[string]any{
		"endpoint":      endpoint,
		"network":       out.Network,
		"payer":         out.Payer,
		"tx_hash":       out.TxHash,
		"settlement_id": out.SettlementID,
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
