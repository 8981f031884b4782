package registration

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/paygate/internal/state"
	"github.com/mattjoyce/paygate/internal/storage"
)

type mockRegistrar struct {
	calls      atomic.Int32
	RegisterFn func(ctx context.Context, url string) error
}

func (m *mockRegistrar) Register(ctx context.Context, url string) error {
	m.calls.Add(1)
	if m.RegisterFn != nil {
		return m.RegisterFn(ctx, url)
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return state.NewStore(db)
}

func TestGuardRegistersOnceUntilResourceChanges(t *testing.T) {
	t.Parallel()

	reg := &mockRegistrar{}
	store := newTestStore(t)
	g := NewGuard("paid-report", reg, store, discardLogger(), nil)
	ctx := context.Background()

	res := Resource{URL: "https://gw.example/webhook/pay", Description: "Report", MimeType: "application/json", Method: http.MethodPost}
	assert.True(t, g.Ensure(ctx, res))
	assert.False(t, g.Ensure(ctx, res))
	assert.EqualValues(t, 1, reg.calls.Load())

	var saved State
	ok, err := store.GetKey(ctx, "paid-report", StateKey, &saved)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.URL, saved.RegisteredURL)

	res.Description = "Quarterly report"
	assert.True(t, g.Ensure(ctx, res))
	assert.EqualValues(t, 2, reg.calls.Load())
}

func TestGuardSkipsUnsupportedMethods(t *testing.T) {
	t.Parallel()

	reg := &mockRegistrar{}
	g := NewGuard("e", reg, newTestStore(t), discardLogger(), nil)
	assert.False(t, g.Ensure(context.Background(), Resource{URL: "u", Method: http.MethodPut}))
	assert.EqualValues(t, 0, reg.calls.Load())
}

func TestGuardFailureLeavesStateAndRetries(t *testing.T) {
	t.Parallel()

	fail := true
	reg := &mockRegistrar{RegisterFn: func(context.Context, string) error {
		if fail {
			return errors.New("directory down")
		}
		return nil
	}}
	store := newTestStore(t)
	g := NewGuard("e", reg, store, discardLogger(), nil)
	ctx := context.Background()
	res := Resource{URL: "u", Method: http.MethodGet}

	assert.False(t, g.Ensure(ctx, res))
	var saved State
	ok, err := store.GetKey(ctx, "e", StateKey, &saved)
	require.NoError(t, err)
	assert.False(t, ok)

	fail = false
	assert.True(t, g.Ensure(ctx, res))
	assert.EqualValues(t, 2, reg.calls.Load())
}

func TestGuardSkipsWhileRegistrationInFlight(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	reg := &mockRegistrar{RegisterFn: func(context.Context, string) error {
		close(entered)
		<-release
		return nil
	}}
	g := NewGuard("e", reg, newTestStore(t), discardLogger(), nil)
	res := Resource{URL: "u", Method: http.MethodPost}

	done := make(chan bool)
	go func() { done <- g.Ensure(context.Background(), res) }()

	<-entered
	assert.False(t, g.Ensure(context.Background(), res))
	close(release)

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("first registration did not finish")
	}
	assert.EqualValues(t, 1, reg.calls.Load())
}

// laggingStore answers the first stale reads as if nothing were stored, the
// way a request that loaded state before another one persisted would see it.
type laggingStore struct {
	*state.Store
	stale atomic.Int32
}

func (s *laggingStore) GetKey(ctx context.Context, node, key string, out any) (bool, error) {
	if s.stale.Add(-1) >= 0 {
		return false, nil
	}
	return s.Store.GetKey(ctx, node, key, out)
}

func TestGuardRechecksStateAfterWinningInFlight(t *testing.T) {
	t.Parallel()

	reg := &mockRegistrar{}
	store := &laggingStore{Store: newTestStore(t)}
	g := NewGuard("e", reg, store, discardLogger(), nil)
	ctx := context.Background()
	res := Resource{URL: "https://gw.example/webhook/pay", Method: http.MethodPost}

	// Both reads of the first request and the first read of the second see
	// nothing stored: the second request loaded its state before the first
	// registration was persisted and takes the in-flight slot after it.
	store.stale.Store(3)
	assert.True(t, g.Ensure(ctx, res))
	assert.False(t, g.Ensure(ctx, res))
	assert.EqualValues(t, 1, reg.calls.Load())
}

func TestNilRegistrarDisablesGuard(t *testing.T) {
	t.Parallel()

	g := NewGuard("e", nil, newTestStore(t), discardLogger(), nil)
	assert.False(t, g.Ensure(context.Background(), Resource{URL: "u", Method: http.MethodGet}))
}

func TestDirectoryClientRegister(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	var gotBatch string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBatch = r.URL.Query().Get("batch")
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"result":{"data":{"json":{"success":true}}}}]`))
	}))
	t.Cleanup(srv.Close)

	c := NewDirectoryClient(srv.URL, time.Second, discardLogger())
	require.NoError(t, c.Register(context.Background(), "https://gw.example/webhook/pay"))
	assert.Equal(t, "1", gotBatch)

	b, err := json.Marshal(gotBody)
	require.NoError(t, err)
	assert.JSONEq(t, `{"0":{"json":{"url":"https://gw.example/webhook/pay","headers":{}}}}`, string(b))
}

func TestDirectoryClientRegisterHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	c := NewDirectoryClient(srv.URL, time.Second, discardLogger())
	err := c.Register(context.Background(), "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}
