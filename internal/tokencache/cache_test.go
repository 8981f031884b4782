package tokencache

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/paygate/internal/x402"
)

type mockFetcher struct {
	calls     atomic.Int32
	supported func(ctx context.Context) (*x402.SupportedResponse, error)
}

func (m *mockFetcher) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	m.calls.Add(1)
	if m.supported != nil {
		return m.supported(ctx)
	}
	return &x402.SupportedResponse{Kinds: []x402.SupportedKind{{Network: "base-sepolia"}}}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestCache_SingleFetchWithinTTL(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	f := &mockFetcher{}
	c := New(f, testLogger(), WithClock(clock.Now))

	first, err := c.Get(context.Background(), "client-a")
	require.NoError(t, err)

	clock.Advance(4*time.Minute + 59*time.Second)
	second, err := c.Get(context.Background(), "client-a")
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.calls.Load())
	assert.Same(t, first, second)
}

func TestCache_RefetchesAfterTTL(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	f := &mockFetcher{}
	c := New(f, testLogger(), WithClock(clock.Now))

	_, err := c.Get(context.Background(), "client-a")
	require.NoError(t, err)
	clock.Advance(DefaultTTL)
	_, err = c.Get(context.Background(), "client-a")
	require.NoError(t, err)

	assert.Equal(t, int32(2), f.calls.Load())
}

func TestCache_KeyedByClient(t *testing.T) {
	t.Parallel()

	f := &mockFetcher{}
	c := New(f, testLogger())

	_, err := c.Get(context.Background(), "client-a")
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "client-b")
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "client-a")
	require.NoError(t, err)

	assert.Equal(t, int32(2), f.calls.Load())
}

func TestCache_ErrorsAreNotCached(t *testing.T) {
	t.Parallel()

	fail := atomic.Bool{}
	fail.Store(true)
	f := &mockFetcher{supported: func(ctx context.Context) (*x402.SupportedResponse, error) {
		if fail.Load() {
			return nil, &x402.BackendError{Op: "supported", StatusCode: 503}
		}
		return &x402.SupportedResponse{}, nil
	}}
	c := New(f, testLogger())

	_, err := c.Get(context.Background(), "client-a")
	require.Error(t, err)
	assert.ErrorIs(t, err, x402.ErrBackend)

	fail.Store(false)
	_, err = c.Get(context.Background(), "client-a")
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestCache_ConcurrentMissesShareFetch(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	f := &mockFetcher{supported: func(ctx context.Context) (*x402.SupportedResponse, error) {
		<-release
		return &x402.SupportedResponse{}, nil
	}}
	c := New(f, testLogger())

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), "client-a")
			errs <- err
		}()
	}

	// Give the goroutines time to join the in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestCache_CallerCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	f := &mockFetcher{supported: func(ctx context.Context) (*x402.SupportedResponse, error) {
		<-release
		return &x402.SupportedResponse{}, nil
	}}
	c := New(f, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Get(ctx, "client-a")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestCache_Invalidate(t *testing.T) {
	t.Parallel()

	f := &mockFetcher{}
	c := New(f, testLogger())

	_, err := c.Get(context.Background(), "client-a")
	require.NoError(t, err)
	c.Invalidate("client-a")
	_, err = c.Get(context.Background(), "client-a")
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.calls.Load())
}
