package paygate

import (
	"context"

	"github.com/mattjoyce/paygate/internal/ledger"
	"github.com/mattjoyce/paygate/internal/x402"
)

//go:generate mockgen -destination=mocks/mock_backend.go -package=mocks github.com/mattjoyce/paygate/internal/paygate Backend,Registry

// Backend is the payment authority that verifies and settles payments.
// *oneshot.Client satisfies it.
type Backend interface {
	ClientID() string
	Verify(ctx context.Context, req x402.FacilitatorRequest) (*x402.VerifyResponse, error)
	Settle(ctx context.Context, req x402.FacilitatorRequest) (*x402.SettleResponse, error)
}

// Registry returns the supported-token registry for a client identity.
// *tokencache.Cache satisfies it.
type Registry interface {
	Get(ctx context.Context, clientID string) (*x402.SupportedResponse, error)
}

// Recorder persists settlements. *ledger.Ledger satisfies it.
type Recorder interface {
	Record(ctx context.Context, s ledger.Settlement) (string, error)
}

// Publisher receives gateway events. *events.Hub satisfies it.
type Publisher interface {
	Publish(eventType string, data any)
}
