package webhook_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/config"
	"steward/internal/webhook"
)

func fixedNow() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

func TestDispatchSignsCanonicalBody(t *testing.T) {
	var (
		gotBody    []byte
		gotHeaders http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := webhook.New(config.WebhookConfig{URL: srv.URL, Secret: "s3cret"}, webhook.Options{Site: "blog.example", Now: fixedNow})
	ok := d.Dispatch(context.Background(), "governance.findings", "2 stale posts", map[string]any{"task_key": "stale-content", "count": 2})
	require.True(t, ok)

	assert.Equal(t, "governance.findings", gotHeaders.Get(webhook.HeaderEvent))
	assert.NotEmpty(t, gotHeaders.Get(webhook.HeaderDelivery))
	assert.True(t, webhook.Verify("s3cret", gotBody, gotHeaders.Get(webhook.HeaderSignature)))

	var body map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &body))
	assert.Equal(t, "blog.example", body["site"])
	assert.Equal(t, "2025-03-01T12:00:00Z", body["timestamp"])
	assert.Equal(t, "2 stale posts", body["message"])
	// canonical form sorts keys
	assert.Equal(t, byte('{'), gotBody[0])
	assert.Contains(t, string(gotBody), `{"context":{"count":2,"task_key":"stale-content"},"event_type"`)
}

func TestDispatchWithoutSecretOmitsSignature(t *testing.T) {
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get(webhook.HeaderSignature)
	}))
	defer srv.Close()

	d := webhook.New(config.WebhookConfig{URL: srv.URL}, webhook.Options{})
	require.True(t, d.Dispatch(context.Background(), "x", "m", nil))
	assert.Empty(t, sig)
}

func TestDispatchFailuresReturnFalse(t *testing.T) {
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer rejecting.Close()
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer slow.Close()

	cases := map[string]config.WebhookConfig{
		"non-2xx":     {URL: rejecting.URL},
		"timeout":     {URL: slow.URL, Timeout: config.Duration(50 * time.Millisecond)},
		"unreachable": {URL: "http://127.0.0.1:1/hook"},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			d := webhook.New(cfg, webhook.Options{})
			assert.False(t, d.Dispatch(context.Background(), "x", "m", nil))
		})
	}
}

func TestDisabledDispatcher(t *testing.T) {
	d := webhook.New(config.WebhookConfig{URL: "  "}, webhook.Options{})
	assert.False(t, d.Enabled())
	assert.False(t, d.Dispatch(context.Background(), "x", "m", nil))

	var nilDispatcher *webhook.Dispatcher
	assert.False(t, nilDispatcher.Enabled())
}
