package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tempoworks/tempo/pkg/models"
)

// maxBusPayloadBytes bounds the payload carried on the bus. The durable
// row keeps the full payload; the bus copy degrades to a stub and clients
// fetch the rest from the replay endpoint.
const maxBusPayloadBytes = 8 * 1024

// Store is the durable side of the write path.
type Store interface {
	Append(ctx context.Context, event models.Event) error
}

// BusPublisher is the live side of the write path.
type BusPublisher interface {
	Publish(ctx context.Context, tenantID string, event models.Event) error
}

// Publisher is the single write path for domain events: assign tick, mask
// secrets, persist, then broadcast. A mutex serializes persist+broadcast
// so audit insertion order equals bus publication order.
type Publisher struct {
	store  Store
	bus    BusPublisher
	ticker *Ticker

	mu sync.Mutex
}

// NewPublisher wires the write path.
func NewPublisher(store Store, bus BusPublisher, ticker *Ticker) *Publisher {
	return &Publisher{store: store, bus: bus, ticker: ticker}
}

// Publish persists and broadcasts one event. The returned event carries
// the assigned tick.
func (p *Publisher) Publish(ctx context.Context, event models.Event) (models.Event, error) {
	if event.SessionID == "" {
		return event, fmt.Errorf("event %s has no session id", event.Type)
	}

	tick, err := p.ticker.Next(ctx, event.TenantID, event.SessionID)
	if err != nil {
		return event, err
	}
	event.Tick = tick
	event.Payload = MaskPayload(event.Payload)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.store.Append(ctx, event); err != nil {
		return event, fmt.Errorf("failed to persist event %s: %w", event.Type, err)
	}
	if err := p.bus.Publish(ctx, event.TenantID, busCopy(event)); err != nil {
		return event, fmt.Errorf("failed to broadcast event %s: %w", event.Type, err)
	}
	return event, nil
}

// busCopy truncates oversized payloads for transport.
func busCopy(event models.Event) models.Event {
	if event.Payload == nil {
		return event
	}
	data, err := json.Marshal(event.Payload)
	if err != nil || len(data) <= maxBusPayloadBytes {
		return event
	}
	event.Payload = map[string]any{"truncated": true, "size": len(data)}
	return event
}

// --- Typed helpers used by the dispatcher and session manager ---

// PublishStateTransition records an FSM advance.
func (p *Publisher) PublishStateTransition(ctx context.Context, tenantID, sessionID, traceID, trigger, from, to string) error {
	event := models.NewEvent(TypeStateTransition, SourceDispatcher, tenantID, sessionID, map[string]any{"trigger": trigger})
	event.TraceID = traceID
	event.FromState = from
	event.ToState = to
	_, err := p.Publish(ctx, event)
	return err
}

// PublishResult records a successful node execution; source is the step.
func (p *Publisher) PublishResult(ctx context.Context, tenantID, sessionID, traceID, step string, result models.NodeResult) error {
	payload := map[string]any{"status": result.Status}
	if result.Result != nil {
		payload["result"] = result.Result
	}
	if result.UISchema != nil {
		payload["ui_schema"] = result.UISchema
	}
	if len(result.Artifacts) > 0 {
		ids := make([]string, 0, len(result.Artifacts))
		for id := range result.Artifacts {
			ids = append(ids, id)
		}
		payload["artifact_ids"] = ids
	}
	event := models.NewEvent(TypeEventResult, step, tenantID, sessionID, payload)
	event.TraceID = traceID
	_, err := p.Publish(ctx, event)
	return err
}

// PublishStepDone records the trigger that advances the flow past a step.
func (p *Publisher) PublishStepDone(ctx context.Context, tenantID, sessionID, traceID, step string) error {
	event := models.NewEvent(TypeStepDone, step, tenantID, sessionID, map[string]any{"status": "success"})
	event.TraceID = traceID
	_, err := p.Publish(ctx, event)
	return err
}

// PublishError records a failed node execution.
func (p *Publisher) PublishError(ctx context.Context, tenantID, sessionID, traceID, step, message string, attempt int) error {
	event := models.NewEvent(TypeEventError, step, tenantID, sessionID, map[string]any{
		"error":   message,
		"attempt": attempt,
	})
	event.TraceID = traceID
	_, err := p.Publish(ctx, event)
	return err
}

// PublishAborted records a dispatch refused or cut short by hard stop.
func (p *Publisher) PublishAborted(ctx context.Context, tenantID, sessionID, traceID, step, reason string) error {
	event := models.NewEvent(TypeEventAborted, step, tenantID, sessionID, map[string]any{"reason": reason})
	event.TraceID = traceID
	_, err := p.Publish(ctx, event)
	return err
}

// PublishAbort records the hard-stop control event itself.
func (p *Publisher) PublishAbort(ctx context.Context, tenantID, sessionID, traceID, reason string) error {
	event := models.NewEvent(TypeAbort, SourceDispatcher, tenantID, sessionID, map[string]any{"reason": reason})
	event.TraceID = traceID
	_, err := p.Publish(ctx, event)
	return err
}

// PublishNeedUserInput records arrival at a user-input state.
func (p *Publisher) PublishNeedUserInput(ctx context.Context, tenantID, sessionID, traceID, state string, prompt map[string]any) error {
	event := models.NewEvent(TypeNeedUserInput, SourceDispatcher, tenantID, sessionID, prompt)
	event.ToState = state
	event.TraceID = traceID
	_, err := p.Publish(ctx, event)
	return err
}

// PublishPendingFanIn records a fan-in transition still waiting on
// prerequisite steps.
func (p *Publisher) PublishPendingFanIn(ctx context.Context, tenantID, sessionID, traceID, state string, missing []string) error {
	event := models.NewEvent(TypeEventPendingFanIn, SourceDispatcher, tenantID, sessionID, map[string]any{
		"state":   state,
		"missing": missing,
	})
	event.TraceID = traceID
	_, err := p.Publish(ctx, event)
	return err
}

// PublishSessionLifecycle records SESSION_START / PAUSE / RESUME / COMPLETE.
func (p *Publisher) PublishSessionLifecycle(ctx context.Context, eventType, tenantID, sessionID, traceID string, payload map[string]any) error {
	event := models.NewEvent(eventType, SourceSessionManager, tenantID, sessionID, payload)
	event.TraceID = traceID
	_, err := p.Publish(ctx, event)
	return err
}

// PublishFileUploaded announces an attachment for the capture pipeline.
func (p *Publisher) PublishFileUploaded(ctx context.Context, tenantID, sessionID, traceID string, file models.FileRef) error {
	event := models.NewEvent(TypeFileUploaded, SourceSessionManager, tenantID, sessionID, map[string]any{
		"name": file.Name,
		"url":  file.URL,
		"type": file.Type,
	})
	event.TraceID = traceID
	_, err := p.Publish(ctx, event)
	return err
}

// PublishFileReady carries parsed file text back to waiting chat turns.
func (p *Publisher) PublishFileReady(ctx context.Context, tenantID, sessionID, traceID, url, text string, parseErr string) error {
	payload := map[string]any{"url": url}
	if text != "" {
		payload["text"] = text
	}
	if parseErr != "" {
		payload["error"] = parseErr
	}
	event := models.NewEvent(TypeFileReady, "file_parser", tenantID, sessionID, payload)
	event.TraceID = traceID
	_, err := p.Publish(ctx, event)
	return err
}
