// Package tonglu is the client for the external knowledge service: semantic
// query, text/file ingestion, and the capture listener that feeds it from
// the event bus. All natural-language work happens on the remote side.
package tonglu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tempoworks/tempo/pkg/config"
)

// Task statuses reported by the ingestion pipeline.
const (
	TaskPending = "pending"
	TaskRunning = "running"
	TaskDone    = "done"
	TaskError   = "error"
)

// Record is one knowledge entry returned by query or lookup.
type Record struct {
	ID       string         `json:"id"`
	Title    string         `json:"title,omitempty"`
	Content  string         `json:"content"`
	Score    float64        `json:"score,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Task tracks an asynchronous ingestion job.
type Task struct {
	ID     string         `json:"id"`
	Status string         `json:"status"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// IngestResponse acknowledges an ingestion request.
type IngestResponse struct {
	RecordID string `json:"record_id,omitempty"`
	TaskID   string `json:"task_id,omitempty"`
}

// Client talks to the knowledge service. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *slog.Logger
}

// NewClient builds a client from configuration.
func NewClient(cfg config.TongluConfig, logger *slog.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		logger:     logger.With("component", "tonglu_client"),
	}
}

// Query runs a semantic search scoped to a tenant.
func (c *Client) Query(ctx context.Context, tenantID, query string, topK int) ([]Record, error) {
	var out struct {
		Records []Record `json:"records"`
	}
	err := c.post(ctx, "/api/query", map[string]any{
		"tenant_id": tenantID,
		"query":     query,
		"top_k":     topK,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Records, nil
}

// IngestText submits free text for indexing.
func (c *Client) IngestText(ctx context.Context, tenantID, sessionID, source, text string, metadata map[string]any) (*IngestResponse, error) {
	var out IngestResponse
	err := c.post(ctx, "/api/ingest/text", map[string]any{
		"tenant_id":  tenantID,
		"session_id": sessionID,
		"source":     source,
		"text":       text,
		"metadata":   metadata,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// IngestFile submits a file by URL; parsing is asynchronous, tracked by
// the returned task id.
func (c *Client) IngestFile(ctx context.Context, tenantID, fileURL, fileName string) (*IngestResponse, error) {
	var out IngestResponse
	err := c.post(ctx, "/api/ingest/file", map[string]any{
		"tenant_id": tenantID,
		"file_url":  fileURL,
		"file_name": fileName,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRecord loads one knowledge record.
func (c *Client) GetRecord(ctx context.Context, recordID string) (*Record, error) {
	var out Record
	if err := c.get(ctx, "/api/records/"+recordID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask loads an ingestion task's status.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var out Task
	if err := c.get(ctx, "/api/tasks/"+taskID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitForTask polls a task until it finishes or the deadline passes.
// The returned task is terminal (done or error).
func (c *Client) WaitForTask(ctx context.Context, taskID string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := c.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		switch task.Status {
		case TaskDone, TaskError:
			return task, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for task %s: %w", taskID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Health pings the service.
func (c *Client) Health(ctx context.Context) error {
	return c.get(ctx, "/health", nil)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request for %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	return c.do(req, path, out)
}

func (c *Client) do(req *http.Request, path string, out any) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, truncate(data, 200))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
