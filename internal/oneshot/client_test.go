package oneshot

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/paygate/internal/x402"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newBackend serves the token endpoint plus the given facilitator handlers
// and rejects facilitator calls that lack the issued bearer token.
func newBackend(t *testing.T, tokenCalls *atomic.Int32, routes map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"tok-1","token_type":"bearer","expires_in":3600}`)
	})
	for path, h := range routes {
		h := h
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer tok-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			h(w, r)
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, baseURL string, timeout time.Duration) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:        baseURL,
		ClientID:       "client-a",
		ClientSecret:   "secret",
		RequestTimeout: timeout,
	}, testLogger(), nil)
	require.NoError(t, err)
	return c
}

func TestNew_RequiresCredentials(t *testing.T) {
	t.Parallel()

	_, err := New(Config{ClientID: "a"}, testLogger(), nil)
	assert.Error(t, err)
}

func TestClient_Supported(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	srv := newBackend(t, &tokenCalls, map[string]http.HandlerFunc{
		"/x402/supported": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			_, _ = io.WriteString(w, `{"kinds":[{"x402Version":1,"scheme":"exact","network":"base-sepolia",
				"tokens":[{"contractAddress":"0xUSDC","name":"USDC","version":"2"}]}]}`)
		},
	})

	c := newTestClient(t, srv.URL, time.Second)
	assert.Equal(t, "client-a", c.ClientID())

	resp, err := c.Supported(context.Background())
	require.NoError(t, err)
	kind, ok := resp.Kind("base-sepolia")
	require.True(t, ok)
	tok, ok := kind.Token("0xUSDC")
	require.True(t, ok)
	assert.Equal(t, "USDC", tok.Name)

	_, err = c.Supported(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), tokenCalls.Load(), "token should be reused")
}

func TestClient_VerifyAndSettle(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	srv := newBackend(t, &tokenCalls, map[string]http.HandlerFunc{
		"/x402/verify": func(w http.ResponseWriter, r *http.Request) {
			var req x402.FacilitatorRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, 1, req.X402Version)
			assert.Equal(t, "base-sepolia", req.PaymentRequirements.Network)
			_, _ = io.WriteString(w, `{"isValid":false,"invalidReason":"insufficient_funds"}`)
		},
		"/x402/settle": func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"success":true,"txHash":"0xabc"}`)
		},
	})
	c := newTestClient(t, srv.URL, time.Second)

	req := x402.FacilitatorRequest{
		X402Version:         1,
		PaymentPayload:      x402.PaymentPayload{X402Version: 1, Network: "base-sepolia"},
		PaymentRequirements: x402.PaymentRequirement{Network: "base-sepolia"},
	}

	v, err := c.Verify(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, v.IsValid)
	assert.Equal(t, "insufficient_funds", v.InvalidReason)

	s, err := c.Settle(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, s.Success)
	assert.Equal(t, "0xabc", s.TxHash)
}

func TestClient_HTTPErrorIsBackendError(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	srv := newBackend(t, &tokenCalls, map[string]http.HandlerFunc{
		"/x402/verify": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, `{"error":"upstream down"}`)
		},
	})
	c := newTestClient(t, srv.URL, time.Second)

	_, err := c.Verify(context.Background(), x402.FacilitatorRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, x402.ErrBackend)
	var be *x402.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "verify", be.Op)
	assert.Equal(t, http.StatusBadGateway, be.StatusCode)
}

func TestClient_VerifyIsBounded(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	release := make(chan struct{})
	defer close(release)
	srv := newBackend(t, &tokenCalls, map[string]http.HandlerFunc{
		"/x402/verify": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		},
	})
	c := newTestClient(t, srv.URL, 100*time.Millisecond)

	start := time.Now()
	_, err := c.Verify(context.Background(), x402.FacilitatorRequest{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestClient_SettleSurvivesCallerCancellation(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	started := make(chan struct{})
	srv := newBackend(t, &tokenCalls, map[string]http.HandlerFunc{
		"/x402/settle": func(w http.ResponseWriter, r *http.Request) {
			close(started)
			time.Sleep(200 * time.Millisecond)
			_, _ = io.WriteString(w, `{"success":true,"txHash":"0xlate"}`)
		},
	})
	c := newTestClient(t, srv.URL, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	s, err := c.Settle(ctx, x402.FacilitatorRequest{})
	require.NoError(t, err)
	assert.Equal(t, "0xlate", s.TxHash)
}
