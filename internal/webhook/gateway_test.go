package webhook_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/paygate/internal/events"
	"github.com/mattjoyce/paygate/internal/ledger"
	"github.com/mattjoyce/paygate/internal/oneshot"
	"github.com/mattjoyce/paygate/internal/paygate"
	"github.com/mattjoyce/paygate/internal/queue"
	"github.com/mattjoyce/paygate/internal/registration"
	"github.com/mattjoyce/paygate/internal/state"
	"github.com/mattjoyce/paygate/internal/storage"
	"github.com/mattjoyce/paygate/internal/tokencache"
	"github.com/mattjoyce/paygate/internal/webhook"
	"github.com/mattjoyce/paygate/internal/x402"
)

const (
	gwNetwork  = "base-sepolia"
	gwContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	gwPayTo    = "0x1111111111111111111111111111111111111111"
	gwPayer    = "0x2222222222222222222222222222222222222222"
)

// fakeOneShot serves the token, supported, verify and settle endpoints.
type fakeOneShot struct {
	supportedCalls atomic.Int32
	verifyCalls    atomic.Int32
	settleCalls    atomic.Int32
	settleTx       string
}

func (f *fakeOneShot) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"tok","token_type":"bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/x402/supported", func(w http.ResponseWriter, _ *http.Request) {
		f.supportedCalls.Add(1)
		_ = json.NewEncoder(w).Encode(x402.SupportedResponse{Kinds: []x402.SupportedKind{{
			X402Version: 1,
			Scheme:      "exact",
			Network:     gwNetwork,
			Tokens:      []x402.SupportedToken{{ContractAddress: gwContract, Name: "USDC", Version: "2"}},
		}}})
	})
	mux.HandleFunc("/x402/verify", func(w http.ResponseWriter, r *http.Request) {
		f.verifyCalls.Add(1)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(x402.VerifyResponse{IsValid: true, Payer: gwPayer})
	})
	mux.HandleFunc("/x402/settle", func(w http.ResponseWriter, _ *http.Request) {
		f.settleCalls.Add(1)
		_ = json.NewEncoder(w).Encode(x402.SettleResponse{Success: true, TxHash: f.settleTx, Network: gwNetwork, Payer: gwPayer})
	})
	return mux
}

type gateway struct {
	backend     *fakeOneShot
	directory   *atomic.Int32
	queue       *queue.Queue
	settlements *ledger.Ledger
	hub         *events.Hub
	handler     http.Handler
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	backend := &fakeOneShot{settleTx: "0xabc"}
	backendSrv := httptest.NewServer(backend.handler(t))
	t.Cleanup(backendSrv.Close)

	var registrations atomic.Int32
	dirSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		registrations.Add(1)
		assert.Equal(t, "1", r.URL.Query().Get("batch"))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(dirSrv.Close)

	db, err := storage.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	g := &gateway{
		backend:     backend,
		directory:   &registrations,
		queue:       queue.New(db),
		settlements: ledger.New(db),
		hub:         events.NewHub(32),
	}

	client, err := oneshot.New(oneshot.Config{
		BaseURL:        backendSrv.URL,
		ClientID:       "client-1",
		ClientSecret:   "secret",
		RequestTimeout: 5 * time.Second,
	}, logger, nil)
	require.NoError(t, err)
	cache := tokencache.New(client, logger)
	coord := paygate.NewCoordinator(client, g.settlements, g.hub, logger, nil)
	gate := paygate.NewGate(client, cache, coord, logger, paygate.WithEvents(g.hub))

	dir := registration.NewDirectoryClient(dirSrv.URL, time.Second, logger)
	store := state.NewStore(db)

	cfg := webhook.Config{
		PublicBaseURL: "https://hooks.example.com",
		Endpoints: []webhook.EndpointConfig{{
			Name:        "premium",
			Path:        "/webhook/premium",
			Kind:        webhook.KindX402,
			Workflow:    "premium-flow",
			Methods:     []string{http.MethodPost},
			MaxBodySize: webhook.DefaultMaxBodySize,
			Payment: &webhook.PaymentConfig{
				Tokens: []x402.ConfiguredToken{{
					PaymentToken:  gwNetwork + ":" + gwContract,
					PayToAddress:  gwPayTo,
					PaymentAmount: "10000",
				}},
				Response: paygate.ResponseOptions{Code: http.StatusOK},
			},
		}},
	}
	srv := webhook.New(cfg, g.queue, logger,
		webhook.WithPaymentGate(gate),
		webhook.WithEvents(g.hub),
		webhook.WithRegistration(func(endpoint string) webhook.RegistrationGuard {
			return registration.NewGuard(endpoint, dir, store, logger, nil)
		}),
	)
	g.handler = srv.Handler()
	return g
}

func (g *gateway) post(header, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/premium", strings.NewReader(body))
	if header != "" {
		req.Header.Set(webhook.PaymentHeader, header)
	}
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)
	return rec
}

func paymentHeader(t *testing.T, value, nonce string) string {
	t.Helper()
	now := time.Now().Unix()
	h, err := x402.EncodeHeader(&x402.PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     gwNetwork,
		Payload: x402.ExactPayload{
			Signature: "0xsig",
			Authorization: x402.Authorization{
				From:        gwPayer,
				To:          gwPayTo,
				Value:       value,
				ValidAfter:  strconv.FormatInt(now-60, 10),
				ValidBefore: strconv.FormatInt(now+300, 10),
				Nonce:       nonce,
			},
		},
	})
	require.NoError(t, err)
	return h
}

func TestGateway_ChallengeWithoutPayment(t *testing.T) {
	t.Parallel()

	g := newGateway(t)
	rec := g.post("", `{"q":1}`)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	var body x402.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 1, body.X402Version)
	assert.Equal(t, "No x-payment header provided", body.Error)
	require.Len(t, body.Accepts, 1)
	assert.Equal(t, "https://hooks.example.com/webhook/premium", body.Accepts[0].Resource)
	assert.Equal(t, "10000", body.Accepts[0].MaxAmountRequired)

	assert.EqualValues(t, 0, g.backend.verifyCalls.Load())
	assert.EqualValues(t, 1, g.directory.Load())

	depth, err := g.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestGateway_SettlesEnqueuesAndRecords(t *testing.T) {
	t.Parallel()

	g := newGateway(t)
	rec := g.post(paymentHeader(t, "10000", "0x01"), `{"report":"weekly"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var item paygate.Item
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&item))
	assert.Equal(t, "0xabc", item.TxHash)
	assert.JSONEq(t, `{"report":"weekly"}`, string(item.Body))
	assert.Equal(t, "production", item.ExecutionMode)
	require.NotEmpty(t, item.JobID)

	raw, err := base64.StdEncoding.DecodeString(rec.Header().Get(x402.HeaderPaymentResponse))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"transaction":"0xabc"`)

	ctx := context.Background()
	job, err := g.queue.GetJobByID(ctx, item.JobID)
	require.NoError(t, err)
	assert.Equal(t, "premium-flow", job.Workflow)
	assert.Equal(t, "x402", job.Trigger)
	require.NotNil(t, job.SettlementID)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, "POST", payload["method"])
	assert.Equal(t, "0xabc", payload["txHash"])

	row, err := g.settlements.Get(ctx, *job.SettlementID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSettled, row.Status)
	assert.Equal(t, "0xabc", row.TxHash)

	// A second paid request reuses the cached registry and the recorded
	// registration.
	rec = g.post(paymentHeader(t, "10000", "0x02"), `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, g.backend.supportedCalls.Load())
	assert.EqualValues(t, 1, g.directory.Load())
	assert.EqualValues(t, 2, g.backend.settleCalls.Load())

	var types []string
	for _, ev := range g.hub.SnapshotSince(0) {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, events.PaymentSettled)
	assert.Contains(t, types, events.WebhookAccepted)
}

func TestGateway_UnderpaymentNeverReachesBackend(t *testing.T) {
	t.Parallel()

	g := newGateway(t)
	rec := g.post(paymentHeader(t, "9999", "0x03"), `{}`)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	var body x402.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Contains(t, body.Error, "x-payment header is not valid for reasons: Value too low")
	assert.EqualValues(t, 0, g.backend.verifyCalls.Load())
	assert.EqualValues(t, 0, g.backend.settleCalls.Load())
}
