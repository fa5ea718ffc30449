package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// webhookTimeout bounds the initial POST; the node's real work continues
// remotely and returns via the callback endpoint.
const webhookTimeout = 30 * time.Second

// WebhookRequest is the body POSTed to a webhook node.
type WebhookRequest struct {
	SessionID   string         `json:"session_id"`
	Step        string         `json:"step"`
	Params      map[string]any `json:"params,omitempty"`
	CallbackURL string         `json:"callback_url"`
	TenantID    string         `json:"tenant_id"`
	TraceID     string         `json:"trace_id"`
}

// WebhookInvoker delivers step requests to remote nodes. The remote side
// acknowledges with 2xx and later POSTs its NodeResult to the callback URL.
type WebhookInvoker struct {
	httpClient  *http.Client
	callbackFmt string
	logger      *slog.Logger
}

// NewWebhookInvoker creates an invoker. callbackFmt is a format string
// taking the session id, e.g. "https://host/api/workflow/%s/callback".
func NewWebhookInvoker(callbackFmt string, logger *slog.Logger) *WebhookInvoker {
	return &WebhookInvoker{
		httpClient:  &http.Client{Timeout: webhookTimeout},
		callbackFmt: callbackFmt,
		logger:      logger.With("component", "webhook_invoker"),
	}
}

// Invoke POSTs the step request. A non-2xx acknowledgement is an error;
// the caller treats it like a failed attempt.
func (w *WebhookInvoker) Invoke(ctx context.Context, url string, req WebhookRequest) error {
	req.CallbackURL = fmt.Sprintf(w.callbackFmt, req.SessionID)

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode webhook request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-Id", req.TenantID)
	httpReq.Header.Set("X-Trace-Id", req.TraceID)

	resp, err := w.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("webhook delivery to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return fmt.Errorf("webhook %s acknowledged with %d: %s", url, resp.StatusCode, string(data))
	}

	w.logger.Info("Webhook step delivered", "url", url, "session_id", req.SessionID, "step", req.Step)
	return nil
}
