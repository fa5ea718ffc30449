// Package models contains request/response models and business domain types.
package models

import (
	"time"

	"github.com/google/uuid"
)

// DefaultEventPriority is assigned when the publisher does not set one.
// Priorities range 0 (lowest) to 10 (highest).
const DefaultEventPriority = 5

// Event is the envelope carried on the bus and persisted in the audit log.
// Within a session, (tick, created_at) is non-decreasing in insertion order.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	TenantID  string         `json:"tenant_id"`
	SessionID string         `json:"session_id"`
	Source    string         `json:"source"`
	Target    string         `json:"target"`
	Tick      int64          `json:"tick"`
	TraceID   string         `json:"trace_id"`
	Priority  int            `json:"priority"`
	FromState string         `json:"from_state,omitempty"`
	ToState   string         `json:"to_state,omitempty"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewEvent builds an event envelope with generated id, wildcard target,
// default priority, and the current timestamp. Tick is assigned later by
// the publisher (it owns the per-session counter).
func NewEvent(eventType, source, tenantID, sessionID string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		TenantID:  tenantID,
		SessionID: sessionID,
		Source:    source,
		Target:    "*",
		Priority:  DefaultEventPriority,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}
