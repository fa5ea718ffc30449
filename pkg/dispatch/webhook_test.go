package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookInvokerSetsCallbackAndHeaders(t *testing.T) {
	var got WebhookRequest
	var headers http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	invoker := NewWebhookInvoker("https://kernel.example.com/api/workflow/%s/callback", slog.Default())
	err := invoker.Invoke(context.Background(), server.URL, WebhookRequest{
		SessionID: "sess-1",
		Step:      "sync",
		Params:    map[string]any{"order_id": "o-1"},
		TenantID:  "acme",
		TraceID:   "trace-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "https://kernel.example.com/api/workflow/sess-1/callback", got.CallbackURL)
	assert.Equal(t, "acme", headers.Get("X-Tenant-Id"))
	assert.Equal(t, "trace-1", headers.Get("X-Trace-Id"))
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
}

func TestWebhookInvokerRejectsNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	invoker := NewWebhookInvoker("http://kernel/%s", slog.Default())
	err := invoker.Invoke(context.Background(), server.URL, WebhookRequest{SessionID: "sess-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
