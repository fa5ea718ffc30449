package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tempoworks/tempo/pkg/models"
)

// SessionRow is the durable copy of a session. The fast store stays
// authoritative for current state; this row serves audit queries and
// post-TTL recovery.
type SessionRow struct {
	ID           string  `gorm:"primaryKey"`
	TenantID     string  `gorm:"index:idx_sessions_tenant_status"`
	FlowID       string
	CurrentState string
	Status       string  `gorm:"index:idx_sessions_tenant_status"`
	Params       JSONMap `gorm:"type:jsonb"`
	TTLSeconds   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

func (SessionRow) TableName() string { return "workflow_sessions" }

func sessionToRow(s *models.Session) SessionRow {
	return SessionRow{
		ID:           s.ID,
		TenantID:     s.TenantID,
		FlowID:       s.FlowID,
		CurrentState: s.CurrentState,
		Status:       s.Status,
		Params:       JSONMap(s.Params),
		TTLSeconds:   s.TTLSeconds,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		CompletedAt:  s.CompletedAt,
	}
}

func (r SessionRow) toModel() *models.Session {
	return &models.Session{
		ID:           r.ID,
		TenantID:     r.TenantID,
		FlowID:       r.FlowID,
		CurrentState: r.CurrentState,
		Status:       r.Status,
		Params:       map[string]any(r.Params),
		TTLSeconds:   r.TTLSeconds,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		CompletedAt:  r.CompletedAt,
	}
}

// FlowRow stores a registered flow definition as JSON.
type FlowRow struct {
	TenantID    string `gorm:"primaryKey"`
	ID          string `gorm:"primaryKey"`
	Name        string
	Description string
	Definition  JSONRaw `gorm:"type:jsonb"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (FlowRow) TableName() string { return "workflow_flows" }

func flowToRow(tenantID string, flow models.FlowDefinition) (FlowRow, error) {
	def, err := json.Marshal(flow)
	if err != nil {
		return FlowRow{}, fmt.Errorf("failed to marshal flow definition: %w", err)
	}
	return FlowRow{
		TenantID:    tenantID,
		ID:          flow.ID,
		Name:        flow.Name,
		Description: flow.Description,
		Definition:  JSONRaw(def),
	}, nil
}

func (r FlowRow) toModel() (models.FlowDefinition, error) {
	var flow models.FlowDefinition
	if err := json.Unmarshal(r.Definition, &flow); err != nil {
		return models.FlowDefinition{}, fmt.Errorf("failed to unmarshal flow %s: %w", r.ID, err)
	}
	flow.ID = r.ID
	return flow, nil
}

// EventRow is one append-only audit record. The bigserial id preserves
// insertion order; event replay pages on it.
type EventRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	EventID   string `gorm:"uniqueIndex"`
	TenantID  string
	SessionID string `gorm:"index:idx_events_session"`
	Type      string
	Source    string
	Target    string
	Tick      int64
	TraceID   string
	Priority  int
	FromState string
	ToState   string
	Payload   JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time
}

func (EventRow) TableName() string { return "workflow_events" }

func eventToRow(e models.Event) EventRow {
	return EventRow{
		EventID:   e.ID,
		TenantID:  e.TenantID,
		SessionID: e.SessionID,
		Type:      e.Type,
		Source:    e.Source,
		Target:    e.Target,
		Tick:      e.Tick,
		TraceID:   e.TraceID,
		Priority:  e.Priority,
		FromState: e.FromState,
		ToState:   e.ToState,
		Payload:   JSONMap(e.Payload),
		CreatedAt: e.CreatedAt,
	}
}

func (r EventRow) toModel() models.Event {
	return models.Event{
		ID:        r.EventID,
		Type:      r.Type,
		TenantID:  r.TenantID,
		SessionID: r.SessionID,
		Source:    r.Source,
		Target:    r.Target,
		Tick:      r.Tick,
		TraceID:   r.TraceID,
		Priority:  r.Priority,
		FromState: r.FromState,
		ToState:   r.ToState,
		Payload:   map[string]any(r.Payload),
		CreatedAt: r.CreatedAt,
	}
}

// Idempotency record statuses.
const (
	IdempotencyStarted = "started"
	IdempotencySuccess = "success"
	IdempotencyError   = "error"
)

// IdempotencyRow guards one (session, step, attempt) execution.
type IdempotencyRow struct {
	SessionID    string `gorm:"primaryKey"`
	Step         string `gorm:"primaryKey"`
	Attempt      int    `gorm:"primaryKey"`
	Status       string
	ResultDigest string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (IdempotencyRow) TableName() string { return "idempotency_log" }

// NodeRow persists a node registration so peer instances converge.
type NodeRow struct {
	NodeID      string `gorm:"primaryKey"`
	TenantID    string
	Type        string
	Endpoint    string
	ParamSchema JSONMap `gorm:"type:jsonb"`
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (NodeRow) TableName() string { return "registry_nodes" }

// SnapshotRow is the cold copy written when the TTL sweeper parks a session.
type SnapshotRow struct {
	SessionID   string `gorm:"primaryKey"`
	TenantID    string
	ChatHistory JSONRaw `gorm:"type:jsonb"`
	Blackboard  JSONMap `gorm:"type:jsonb"`
	ToolResults JSONRaw `gorm:"type:jsonb"`
	ChatSummary string
	RoutedScene string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (SnapshotRow) TableName() string { return "session_snapshots" }
