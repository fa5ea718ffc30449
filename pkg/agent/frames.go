// Package agent implements the chat controller: the think-call-tool-respond
// loop behind POST /api/agent/chat. The controller plans with the LLM,
// executes builtin nodes as tools, and narrates progress as SSE frames.
package agent

import "time"

// Frame event names, in the order a response emits them.
const (
	FrameSessionInit = "session_init"
	FrameThinking    = "thinking"
	FrameToolStart   = "tool_start"
	FrameToolDone    = "tool_done"
	FrameUIRender    = "ui_render"
	FrameMessage     = "message"
	FramePing        = "ping"
	FrameError       = "error"
	FrameDone        = "done"
)

// Thinking phases.
const (
	PhasePlan      = "plan"
	PhaseTool      = "tool"
	PhaseSummarize = "summarize"
	PhaseFinalize  = "finalize"
)

// Frame is one SSE frame: an event name and a JSON payload.
type Frame struct {
	Event string
	Data  map[string]any
}

// Emitter receives frames in order. An error means the client is gone and
// the loop should stop.
type Emitter interface {
	Emit(frame Frame) error
}

func sessionInitFrame(sessionID string) Frame {
	return Frame{Event: FrameSessionInit, Data: map[string]any{"session_id": sessionID}}
}

func thinkingFrame(phase, status, content, step string, progress int) Frame {
	data := map[string]any{
		"phase":    phase,
		"status":   status,
		"content":  content,
		"progress": progress,
	}
	if step != "" {
		data["step"] = step
	}
	return Frame{Event: FrameThinking, Data: data}
}

func toolStartFrame(runID, tool, title string) Frame {
	return Frame{Event: FrameToolStart, Data: map[string]any{
		"run_id":   runID,
		"tool":     tool,
		"title":    title,
		"status":   "running",
		"progress": 0,
	}}
}

// toolDoneFrame always reports progress 100, success or not: the run is
// over either way.
func toolDoneFrame(runID, tool, title, status string) Frame {
	return Frame{Event: FrameToolDone, Data: map[string]any{
		"run_id":   runID,
		"tool":     tool,
		"title":    title,
		"status":   status,
		"progress": 100,
	}}
}

func uiRenderFrame(ui map[string]any) Frame {
	return Frame{Event: FrameUIRender, Data: ui}
}

func messageFrame(messageID string, seq int, content string) Frame {
	return Frame{Event: FrameMessage, Data: map[string]any{
		"message_id": messageID,
		"seq":        seq,
		"mode":       "delta",
		"role":       "assistant",
		"content":    content,
	}}
}

func errorFrame(code, message, traceID string, retryable bool) Frame {
	return Frame{Event: FrameError, Data: map[string]any{
		"code":      code,
		"message":   message,
		"trace_id":  traceID,
		"retryable": retryable,
	}}
}

func doneFrame(sessionID string) Frame {
	return Frame{Event: FrameDone, Data: map[string]any{"session_id": sessionID}}
}

// PingFrame is the idle heartbeat; the SSE writer emits it, not the
// controller.
func PingFrame() Frame {
	return Frame{Event: FramePing, Data: map[string]any{"ts": time.Now().UnixMilli()}}
}

// ErrorFrame builds an error frame for transport-level failures outside
// the controller loop.
func ErrorFrame(code, message, traceID string, retryable bool) Frame {
	return errorFrame(code, message, traceID, retryable)
}

// DoneFrame terminates a stream that failed outside the controller loop.
func DoneFrame(sessionID string) Frame {
	return doneFrame(sessionID)
}
