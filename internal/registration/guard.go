// Package registration keeps each paid webhook listed in the public x402
// resource directory, re-registering when its URL, description or mime type
// change.
package registration

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/mattjoyce/paygate/internal/metrics"
)

// StateKey is the node_state key holding the last successful registration.
const StateKey = "directory_registration"

// State is what was last registered for an endpoint.
type State struct {
	RegisteredURL       string `json:"registeredUrl"`
	ResourceDescription string `json:"resourceDescription"`
	MimeType            string `json:"mimeType"`
}

// Resource is what an endpoint currently serves.
type Resource struct {
	URL         string
	Description string
	MimeType    string
	Method      string
}

func (r Resource) matches(s State) bool {
	return s.RegisteredURL == r.URL &&
		s.ResourceDescription == r.Description &&
		s.MimeType == r.MimeType
}

// Registrar performs the directory call.
type Registrar interface {
	Register(ctx context.Context, url string) error
}

// StateStore persists per-endpoint state. *state.Store satisfies it.
type StateStore interface {
	GetKey(ctx context.Context, node, key string, out any) (bool, error)
	PutKey(ctx context.Context, node, key string, value any) error
}

// Guard owns the registration state of one endpoint.
type Guard struct {
	endpoint  string
	registrar Registrar
	store     StateStore
	logger    *slog.Logger
	metrics   *metrics.Metrics

	inFlight atomic.Bool
}

// NewGuard returns a guard for the endpoint named endpoint. A nil registrar
// disables registration.
func NewGuard(endpoint string, registrar Registrar, store StateStore, logger *slog.Logger, m *metrics.Metrics) *Guard {
	return &Guard{
		endpoint:  endpoint,
		registrar: registrar,
		store:     store,
		logger:    logger,
		metrics:   m,
	}
}

// Ensure registers res when it differs from the stored state. It reports
// whether a registration succeeded. Failures are logged and leave the stored
// state untouched so the next request retries. Requests arriving while a
// registration is in flight skip it.
func (g *Guard) Ensure(ctx context.Context, res Resource) bool {
	if g == nil || g.registrar == nil || !Registrable(res.Method) {
		return false
	}

	if g.registered(ctx, res) {
		return false
	}

	if !g.inFlight.CompareAndSwap(false, true) {
		return false
	}
	defer g.inFlight.Store(false)

	// A registration may have finished between the first read and the CAS.
	if g.registered(ctx, res) {
		return false
	}

	err := g.registrar.Register(ctx, res.URL)
	g.metrics.Registration(err)
	if err != nil {
		g.logger.Error("resource directory registration failed", "endpoint", g.endpoint, "url", res.URL, "error", err)
		return false
	}

	next := State{
		RegisteredURL:       res.URL,
		ResourceDescription: res.Description,
		MimeType:            res.MimeType,
	}
	if err := g.store.PutKey(ctx, g.endpoint, StateKey, next); err != nil {
		g.logger.Error("persist directory registration state failed", "endpoint", g.endpoint, "error", err)
		return false
	}
	g.logger.Info("registered webhook with resource directory", "endpoint", g.endpoint, "url", res.URL)
	return true
}

// registered reports whether res is already recorded. A load failure counts
// as registered so the request does not register blindly.
func (g *Guard) registered(ctx context.Context, res Resource) bool {
	var cur State
	if _, err := g.store.GetKey(ctx, g.endpoint, StateKey, &cur); err != nil {
		g.logger.Error("load directory registration state failed", "endpoint", g.endpoint, "error", err)
		return true
	}
	return res.matches(cur)
}
