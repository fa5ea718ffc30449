package models

// Node execution statuses reported in NodeResult.
const (
	NodeStatusSuccess       = "success"
	NodeStatusError         = "error"
	NodeStatusNeedUserInput = "need_user_input"
	NodeStatusAborted       = "aborted"
)

// NodeResult is returned by builtin nodes and webhook callbacks. Artifacts
// are persisted into the blackboard under their map keys; UISchema, when
// present, must satisfy the UI component contract before it reaches a
// client.
type NodeResult struct {
	Status       string         `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	UISchema     map[string]any `json:"ui_schema,omitempty"`
	Artifacts    map[string]any `json:"artifacts,omitempty"`
	NextEvents   []string       `json:"next_events,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// Succeeded reports whether the node completed normally.
func (r *NodeResult) Succeeded() bool { return r.Status == NodeStatusSuccess }

// ErrorResult builds a failed NodeResult with the given message.
func ErrorResult(msg string) NodeResult {
	return NodeResult{Status: NodeStatusError, ErrorMessage: msg}
}

// AbortedResult builds the result a node returns when it observes the
// session abort signal.
func AbortedResult() NodeResult {
	return NodeResult{Status: NodeStatusAborted, ErrorMessage: "aborted by hard stop"}
}

// FileRef points at an object already uploaded to the object store.
type FileRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
}

// ChatMessage is one turn of the conversation as sent by the client.
type ChatMessage struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	Files   []FileRef `json:"files,omitempty"`
}
