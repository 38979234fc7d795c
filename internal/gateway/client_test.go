package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/cache"
	"steward/internal/circuit"
	"steward/internal/domain"
	"steward/internal/gateway"
)

type fakeBackend struct {
	calls atomic.Int32
	err   error
	reply string
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Send(ctx context.Context, prompt, _ string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return f.reply + prompt, nil
}

func newClient(t *testing.T, backend gateway.Backend, now *time.Time) *gateway.Client {
	t.Helper()
	b, err := circuit.New(context.Background(), circuit.Options{
		Name: "ai-gateway", FailureThreshold: 3, OpenDuration: time.Minute,
		Now: func() time.Time { return *now },
	})
	require.NoError(t, err)
	return &gateway.Client{Backend: backend, Breaker: b, Timeout: time.Second}
}

func TestOpenBreakerRefusesWithoutCallingBackend(t *testing.T) {
	now := time.Unix(0, 0)
	backend := &fakeBackend{err: errors.New("503")}
	c := newClient(t, backend, &now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Send(ctx, "hi", "s")
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrUnavailable)
	}
	_, err := c.Send(ctx, "hi", "s")
	require.ErrorIs(t, err, domain.ErrUnavailable)
	assert.Equal(t, int32(3), backend.calls.Load())
	assert.Equal(t, domain.CircuitOpen, c.Status().Circuit.State)

	backend.err = nil
	now = now.Add(time.Minute)
	reply, err := c.Send(ctx, "hi", "s")
	require.NoError(t, err)
	assert.Equal(t, "hi", reply)
	assert.Equal(t, domain.CircuitClosed, c.Status().Circuit.State)
}

type panickingBackend struct{}

func (panickingBackend) Name() string { return "fake" }

func (panickingBackend) Send(context.Context, string, string) (string, error) {
	panic("nil reply body")
}

func TestPanickingTrialDoesNotWedgeBreaker(t *testing.T) {
	now := time.Unix(0, 0)
	failing := &fakeBackend{err: errors.New("503")}
	c := newClient(t, failing, &now)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = c.Send(ctx, "hi", "s")
	}
	require.Equal(t, domain.CircuitOpen, c.Status().Circuit.State)

	now = now.Add(time.Minute)
	c.Backend = panickingBackend{}
	assert.Panics(t, func() { _, _ = c.Send(ctx, "hi", "s") })
	assert.Equal(t, domain.CircuitOpen, c.Status().Circuit.State)

	now = now.Add(time.Minute)
	c.Backend = &fakeBackend{reply: "ok:"}
	reply, err := c.Send(ctx, "hi", "s")
	require.NoError(t, err)
	assert.Equal(t, "ok:hi", reply)
	assert.Equal(t, domain.CircuitClosed, c.Status().Circuit.State)
}

func TestCacheHitSkipsBackend(t *testing.T) {
	now := time.Unix(0, 0)
	backend := &fakeBackend{reply: "echo:"}
	c := newClient(t, backend, &now)
	c.Cache = cache.NewMemory()
	c.CacheTTL = time.Minute

	for i := 0; i < 3; i++ {
		reply, err := c.Send(context.Background(), "x", "")
		require.NoError(t, err)
		assert.Equal(t, "echo:x", reply)
	}
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestUnconfiguredBackendIsUnavailable(t *testing.T) {
	var c *gateway.Client
	_, err := c.Send(context.Background(), "x", "")
	require.ErrorIs(t, err, domain.ErrUnavailable)

	c = &gateway.Client{}
	_, err = c.Send(context.Background(), "x", "")
	require.ErrorIs(t, err, domain.ErrUnavailable)
	assert.False(t, c.Status().Configured)
}

func TestHTTPBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "m", body["model"])
		assert.Equal(t, "sess", body["user"])
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" hello "}}]}`))
	}))
	defer srv.Close()

	b := gateway.NewHTTP(srv.URL+"/", "k", "m", time.Second)
	reply, err := b.Send(context.Background(), "hi", "sess")
	require.NoError(t, err)
	assert.Equal(t, "hello", reply)
}

func TestHTTPBackendNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := gateway.NewHTTP(srv.URL, "", "m", time.Second)
	_, err := b.Send(context.Background(), "hi", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestGenAIRequiresKey(t *testing.T) {
	_, err := gateway.NewGenAI(context.Background(), "", "")
	require.Error(t, err)
}
