package models

// AgentChatRequest is the body of POST /api/agent/chat. SessionID is empty
// on the first call; the server assigns one and returns it in session_init.
type AgentChatRequest struct {
	SessionID string         `json:"session_id,omitempty"`
	Messages  []ChatMessage  `json:"messages" binding:"required,min=1"`
	Context   map[string]any `json:"context,omitempty"`
}

// StartWorkflowRequest starts an explicit flow (FlowID set) or an implicit
// single-node session (NodeID set). Exactly one of the two must be present.
type StartWorkflowRequest struct {
	FlowID string         `json:"flow_id,omitempty"`
	NodeID string         `json:"node_id,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// PushEventRequest pushes a control or user event into a session.
type PushEventRequest struct {
	Type    string         `json:"type" binding:"required"`
	Payload map[string]any `json:"payload,omitempty"`
}

// RegisterNodeRequest registers a webhook node. Builtins are registered at
// process startup and cannot be created through the API.
type RegisterNodeRequest struct {
	NodeID      string         `json:"node_id" binding:"required"`
	Endpoint    string         `json:"endpoint" binding:"required"`
	ParamSchema map[string]any `json:"param_schema,omitempty"`
	Description string         `json:"description,omitempty"`
}

// PostSignatureRequest asks for a short-lived direct-upload policy.
type PostSignatureRequest struct {
	Filename      string `json:"filename" binding:"required"`
	ContentType   string `json:"content_type,omitempty"`
	Dir           string `json:"dir,omitempty"`
	ExpireSeconds int    `json:"expire_seconds,omitempty"`
}
