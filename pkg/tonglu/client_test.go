package tonglu

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempoworks/tempo/pkg/config"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(config.TongluConfig{
		BaseURL:        server.URL,
		APIKey:         "tk",
		TimeoutSeconds: 5,
	}, slog.Default())
}

func TestQuery(t *testing.T) {
	var gotBody map[string]any
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/query", r.URL.Path)
		assert.Equal(t, "Bearer tk", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"records": []map[string]any{
				{"id": "r1", "content": "vendor catalogue", "score": 0.92},
			},
		})
	}))

	records, err := client.Query(context.Background(), "acme", "laptop vendors", 5)
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, "r1", records[0].ID)
	assert.Equal(t, "acme", gotBody["tenant_id"])
	assert.Equal(t, "laptop vendors", gotBody["query"])
}

func TestIngestText(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/ingest/text", r.URL.Path)
		json.NewEncoder(w).Encode(IngestResponse{RecordID: "rec-9"})
	}))

	ack, err := client.IngestText(context.Background(), "acme", "s1", "search", "result text", nil)
	require.NoError(t, err)
	assert.Equal(t, "rec-9", ack.RecordID)
}

func TestWaitForTask(t *testing.T) {
	t.Run("polls until done", func(t *testing.T) {
		var polls atomic.Int32
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			status := TaskRunning
			var result map[string]any
			if polls.Add(1) >= 3 {
				status = TaskDone
				result = map[string]any{"text": "parsed contents"}
			}
			json.NewEncoder(w).Encode(Task{ID: "t1", Status: status, Result: result})
		}))

		task, err := client.WaitForTask(context.Background(), "t1", 10*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, TaskDone, task.Status)
		assert.Equal(t, "parsed contents", task.Result["text"])
	})

	t.Run("deadline stops the poll", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(Task{ID: "t2", Status: TaskRunning})
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := client.WaitForTask(ctx, "t2", 10*time.Millisecond)
		require.Error(t, err)
	})
}

func TestErrorStatusSurfaces(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index unavailable", http.StatusServiceUnavailable)
	}))

	_, err := client.Query(context.Background(), "acme", "q", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestResultText(t *testing.T) {
	assert.Equal(t, "plain", resultText(map[string]any{"result": "plain"}))
	assert.Equal(t, "nested", resultText(map[string]any{"result": map[string]any{"text": "nested"}}))
	assert.Equal(t, "body", resultText(map[string]any{"result": map[string]any{"content": "body"}}))
	assert.Equal(t, "", resultText(map[string]any{"result": 42}))
	assert.Equal(t, "", resultText(nil))
}
