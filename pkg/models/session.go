package models

import "time"

// Session lifecycle statuses. Sessions are created running (or idle for
// deferred starts) and end in completed, error, or aborted. TTL expiry
// parks them in paused until an event rehydrates them.
const (
	SessionStatusIdle        = "idle"
	SessionStatusRunning     = "running"
	SessionStatusWaitingUser = "waiting_user"
	SessionStatusPaused      = "paused"
	SessionStatusCompleted   = "completed"
	SessionStatusError       = "error"
	SessionStatusAborted     = "aborted"
)

// DefaultSessionTTLSeconds applies when a session is created without an
// explicit TTL.
const DefaultSessionTTLSeconds = 1800

// Session is one conversation unit. The fast store is authoritative for
// current FSM state; the durable row carries the same fields for audit and
// post-TTL recovery.
type Session struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	FlowID       string         `json:"flow_id,omitempty"`
	CurrentState string         `json:"current_state"`
	Status       string         `json:"status"`
	Params       map[string]any `json:"params,omitempty"`
	TTLSeconds   int            `json:"ttl_seconds"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// Terminal reports whether the session has reached a final status.
func (s *Session) Terminal() bool {
	switch s.Status {
	case SessionStatusCompleted, SessionStatusError, SessionStatusAborted:
		return true
	}
	return false
}

// SessionSnapshot is the cold copy of a session's working memory, written
// when the TTL sweeper parks a session and read back on rehydrate.
type SessionSnapshot struct {
	SessionID   string           `json:"session_id"`
	TenantID    string           `json:"tenant_id"`
	ChatHistory []ChatEntry      `json:"chat_history"`
	Blackboard  map[string]any   `json:"blackboard"`
	ToolResults []map[string]any `json:"tool_results,omitempty"`
	ChatSummary string           `json:"chat_summary,omitempty"`
	RoutedScene string           `json:"routed_scene,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// ChatEntry is one stored chat turn.
type ChatEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
