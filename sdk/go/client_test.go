package stewardsdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchSendsBearerAndInput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/abilities/menu/create-item/dispatch", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body map[string]map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Docs", body["input"]["title"])
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"deferred","queue_id":"q-9"}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL, "tok").Dispatch(context.Background(), "menu/create-item", map[string]any{"title": "Docs"})
	require.NoError(t, err)
	assert.True(t, res.Deferred())
	assert.Equal(t, "q-9", res.QueueID)
}

func TestErrorEnvelopeDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"already_processed","message":"queue item q-1: already processed"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "tok").Approve(context.Background(), "q-1")
	require.Error(t, err)
	assert.True(t, IsCode(err, "already_processed"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestAuditQueryParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ability.failed", r.URL.Query().Get("event_type"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"items":[{"id":3,"event_type":"ability.failed","source":"ability","message":"x"}],"next_before_id":3}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL, "tok").Audit(context.Background(), AuditFilter{EventType: "ability.failed", Limit: 50})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(3), page.NextBeforeID)
}
