package models

import "time"

// StartWorkflowResponse returns the new session handle.
type StartWorkflowResponse struct {
	SessionID string `json:"session_id"`
	FlowID    string `json:"flow_id"`
	State     string `json:"state"`
	Status    string `json:"status"`
}

// SessionStateResponse is the debug view of a running session.
type SessionStateResponse struct {
	SessionID      string   `json:"session_id"`
	TenantID       string   `json:"tenant_id"`
	FlowID         string   `json:"flow_id,omitempty"`
	State          string   `json:"state"`
	Status         string   `json:"status"`
	AllowedEvents  []string `json:"allowed_events"`
	BlackboardKeys []string `json:"blackboard_keys"`
	Artifacts      []string `json:"artifacts"`
}

// EventsResponse is the replay page for GET /api/workflow/:session/events.
type EventsResponse struct {
	Events []Event `json:"events"`
	Count  int     `json:"count"`
}

// NodeInfo describes one registry entry in list responses.
type NodeInfo struct {
	NodeID      string         `json:"node_id"`
	Type        string         `json:"type"`
	Endpoint    string         `json:"endpoint,omitempty"`
	ParamSchema map[string]any `json:"param_schema,omitempty"`
	Description string         `json:"description,omitempty"`
}

// PostSignatureResponse carries the upload policy and the canonical object
// URL the client will later reference in messages[].files[].url.
type PostSignatureResponse struct {
	Method   string            `json:"method"`
	URL      string            `json:"url"`
	Fields   map[string]string `json:"fields"`
	FileURL  string            `json:"file_url"`
	ExpireAt time.Time         `json:"expire_at"`
}

// Error codes shared by HTTP error bodies and SSE error frames.
const (
	CodeBadRequest        = "BAD_REQUEST"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeConflict          = "CONFLICT"
	CodeRateLimited       = "RATE_LIMITED"
	CodeUpstreamError     = "UPSTREAM_ERROR"
	CodeInternalError     = "INTERNAL_ERROR"
)

// ErrorResponse is the JSON body of non-SSE error replies.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	TraceID   string `json:"trace_id,omitempty"`
	Retryable bool   `json:"retryable"`
}
