package tonglu

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tempoworks/tempo/pkg/bus"
	"github.com/tempoworks/tempo/pkg/events"
	"github.com/tempoworks/tempo/pkg/models"
)

// fileParseTimeout bounds the ingest-task poll per uploaded file.
const fileParseTimeout = 120 * time.Second

// CaptureListener tails each configured tenant's event stream and feeds
// results into the knowledge service. Capture is best effort: failures log
// and drop, the kernel never blocks on it.
type CaptureListener struct {
	bus       *bus.Bus
	client    *Client
	publisher *events.Publisher
	tenants   []string
	logger    *slog.Logger

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewCaptureListener wires a listener for the given tenants.
func NewCaptureListener(b *bus.Bus, client *Client, publisher *events.Publisher, tenants []string, logger *slog.Logger) *CaptureListener {
	return &CaptureListener{
		bus:       b,
		client:    client,
		publisher: publisher,
		tenants:   tenants,
		logger:    logger.With("component", "capture_listener"),
	}
}

// Start launches one capture goroutine per tenant.
func (l *CaptureListener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.group, ctx = errgroup.WithContext(ctx)

	for _, tenant := range l.tenants {
		tenant := tenant
		l.group.Go(func() error {
			l.run(ctx, tenant)
			return nil
		})
	}
	l.logger.Info("Capture listener started", "tenants", len(l.tenants))
}

// Stop cancels all capture goroutines and waits for them to drain.
func (l *CaptureListener) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	_ = l.group.Wait()
	l.logger.Info("Capture listener stopped")
}

func (l *CaptureListener) run(ctx context.Context, tenantID string) {
	sub := l.bus.Subscribe(ctx, tenantID)
	defer sub.Close()

	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()

	for event := range sub.Events() {
		switch event.Type {
		case events.TypeEventResult:
			l.captureResult(ctx, event)
		case events.TypeFileUploaded:
			l.captureFile(ctx, event)
		}
	}
}

// captureResult forwards a node result's text to the index.
func (l *CaptureListener) captureResult(ctx context.Context, event models.Event) {
	text := resultText(event.Payload)
	if text == "" {
		return
	}
	_, err := l.client.IngestText(ctx, event.TenantID, event.SessionID, event.Source, text, map[string]any{
		"event_id": event.ID,
		"step":     event.Source,
	})
	if err != nil {
		l.logger.Warn("Failed to capture result", "session_id", event.SessionID, "step", event.Source, "error", err)
	}
}

// captureFile sends an uploaded file for parsing and publishes FILE_READY
// with the extracted text so waiting chat turns can proceed.
func (l *CaptureListener) captureFile(ctx context.Context, event models.Event) {
	url, _ := event.Payload["url"].(string)
	name, _ := event.Payload["name"].(string)
	if url == "" {
		return
	}

	ack, err := l.client.IngestFile(ctx, event.TenantID, url, name)
	if err != nil {
		l.logger.Warn("Failed to submit file for parsing", "session_id", event.SessionID, "url", url, "error", err)
		l.publishFileReady(ctx, event, url, "", err.Error())
		return
	}

	text, parseErr := l.awaitParse(ctx, ack)
	l.publishFileReady(ctx, event, url, text, parseErr)
}

func (l *CaptureListener) awaitParse(ctx context.Context, ack *IngestResponse) (string, string) {
	if ack.TaskID == "" {
		// Synchronous ingestion: the record already carries the text.
		if ack.RecordID == "" {
			return "", "no task or record returned"
		}
		record, err := l.client.GetRecord(ctx, ack.RecordID)
		if err != nil {
			return "", err.Error()
		}
		return record.Content, ""
	}

	waitCtx, cancel := context.WithTimeout(ctx, fileParseTimeout)
	defer cancel()

	task, err := l.client.WaitForTask(waitCtx, ack.TaskID, 2*time.Second)
	if err != nil {
		return "", err.Error()
	}
	if task.Status == TaskError {
		return "", task.Error
	}
	text, _ := task.Result["text"].(string)
	return text, ""
}

func (l *CaptureListener) publishFileReady(ctx context.Context, event models.Event, url, text, parseErr string) {
	if err := l.publisher.PublishFileReady(ctx, event.TenantID, event.SessionID, event.TraceID, url, text, parseErr); err != nil {
		l.logger.Warn("Failed to publish file-ready event", "session_id", event.SessionID, "url", url, "error", err)
	}
}

// resultText extracts indexable text from an EVENT_RESULT payload.
func resultText(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	switch result := payload["result"].(type) {
	case string:
		return result
	case map[string]any:
		if text, ok := result["text"].(string); ok {
			return text
		}
		if content, ok := result["content"].(string); ok {
			return content
		}
	}
	return ""
}
