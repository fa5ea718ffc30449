package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tempoworks/tempo/pkg/blackboard"
	"github.com/tempoworks/tempo/pkg/bus"
	"github.com/tempoworks/tempo/pkg/config"
	"github.com/tempoworks/tempo/pkg/events"
	"github.com/tempoworks/tempo/pkg/llm"
	"github.com/tempoworks/tempo/pkg/metrics"
	"github.com/tempoworks/tempo/pkg/models"
	"github.com/tempoworks/tempo/pkg/nodes"
	"github.com/tempoworks/tempo/pkg/prompts"
	"github.com/tempoworks/tempo/pkg/registry"
	"github.com/tempoworks/tempo/pkg/session"
	"github.com/tempoworks/tempo/pkg/storage"
	"github.com/tempoworks/tempo/pkg/uischema"
)

// chatState marks chat-driven sessions; they carry no flow and the FSM is
// not involved.
const chatState = "chat"

// deltaChunkRunes sizes message delta frames.
const deltaChunkRunes = 64

// chatTools are the builtin nodes the LLM may call from the chat loop.
var chatTools = []string{"search", "writer", "data_query"}

// ChatClient is the LLM surface the controller plans with.
type ChatClient interface {
	Chat(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Message, error)
}

// NodeResolver is the registry slice the controller executes tools through.
type NodeResolver interface {
	Resolve(ctx context.Context, ref string) (registry.Resolved, error)
	List(ctx context.Context) ([]models.NodeInfo, error)
}

// SessionStore is the durable-session surface the controller needs.
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	Create(ctx context.Context, session *models.Session) error
	Touch(ctx context.Context, sessionID string) error
}

// Turn is one chat request with its identity context.
type Turn struct {
	TenantID string
	UserID   string
	TraceID  string
	Request  models.AgentChatRequest
}

// Controller runs the chat loop.
type Controller struct {
	llm       ChatClient
	registry  NodeResolver
	bb        *blackboard.Blackboard
	chat      *blackboard.ChatStore
	prompts   *prompts.Loader
	publisher *events.Publisher
	bus       *bus.Bus
	sessions  SessionStore
	cfg       config.AgentConfig
	logger    *slog.Logger
}

// Deps carries the controller's collaborators.
type Deps struct {
	LLM        ChatClient
	Registry   NodeResolver
	Blackboard *blackboard.Blackboard
	Chat       *blackboard.ChatStore
	Prompts    *prompts.Loader
	Publisher  *events.Publisher
	Bus        *bus.Bus
	Sessions   SessionStore
	Config     config.AgentConfig
	Logger     *slog.Logger
}

// New wires a controller.
func New(deps Deps) *Controller {
	return &Controller{
		llm:       deps.LLM,
		registry:  deps.Registry,
		bb:        deps.Blackboard,
		chat:      deps.Chat,
		prompts:   deps.Prompts,
		publisher: deps.Publisher,
		bus:       deps.Bus,
		sessions:  deps.Sessions,
		cfg:       deps.Config,
		logger:    deps.Logger.With("component", "agent"),
	}
}

// EnsureSession loads the supplied session or creates a fresh chat
// session. A supplied id that loads nothing is a client error, surfaced
// before the stream starts.
func (c *Controller) EnsureSession(ctx context.Context, tenantID, userID, sessionID string) (*models.Session, error) {
	if sessionID != "" {
		found, err := c.sessions.Get(ctx, sessionID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, storage.NewValidationError("session_id", "session id supplied but no session context is loadable")
			}
			return nil, err
		}
		if found.TenantID != tenantID {
			return nil, storage.NewValidationError("session_id", "session belongs to another tenant")
		}
		return found, nil
	}

	created := &models.Session{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		CurrentState: chatState,
		Status:       models.SessionStatusRunning,
		TTLSeconds:   models.DefaultSessionTTLSeconds,
	}
	if err := c.sessions.Create(ctx, created); err != nil {
		return nil, err
	}
	for key, value := range map[string]any{session.KeyTenantID: tenantID, session.KeyUserID: userID} {
		if err := c.bb.Set(ctx, tenantID, created.ID, key, value); err != nil {
			return nil, fmt.Errorf("failed to seed chat session: %w", err)
		}
	}
	c.logger.Info("Chat session created", "session_id", created.ID, "tenant_id", tenantID)
	return created, nil
}

// Run drives one chat turn. It always terminates the stream itself:
// failures after the stream starts become an error frame followed by done,
// never a returned error.
func (c *Controller) Run(ctx context.Context, sess *models.Session, turn Turn, emit Emitter) {
	if err := emit.Emit(sessionInitFrame(sess.ID)); err != nil {
		return
	}
	defer func() {
		if err := emit.Emit(doneFrame(sess.ID)); err != nil {
			c.logger.Warn("Failed to emit done frame", "session_id", sess.ID, "error", err)
		}
	}()

	userMsg := turn.Request.Messages[len(turn.Request.Messages)-1]
	if err := c.chat.Append(ctx, sess.TenantID, sess.ID, llm.RoleUser, userMsg.Content); err != nil {
		c.logger.Warn("Failed to persist user message", "session_id", sess.ID, "error", err)
	}
	if err := c.sessions.Touch(ctx, sess.ID); err != nil {
		c.logger.Warn("Failed to touch session", "session_id", sess.ID, "error", err)
	}

	fileNotes := c.processFiles(ctx, sess, turn, userMsg.Files, emit)

	messages, err := c.buildContext(ctx, sess, turn, userMsg, fileNotes, emit)
	if err != nil {
		c.fail(emit, models.CodeInternalError, err.Error(), turn.TraceID, false)
		return
	}

	tools, err := c.toolDefinitions(ctx)
	if err != nil {
		c.fail(emit, models.CodeInternalError, err.Error(), turn.TraceID, false)
		return
	}

	maxIterations := c.cfg.MaxToolIterations
	if maxIterations <= 0 {
		maxIterations = 6
	}

	for iteration := 0; ; iteration++ {
		if iteration >= maxIterations {
			c.fail(emit, models.CodeInternalError, "tool iteration limit exceeded", turn.TraceID, false)
			return
		}

		reply, err := c.llm.Chat(ctx, messages, tools)
		if err != nil {
			c.fail(emit, models.CodeUpstreamError, fmt.Sprintf("llm request failed: %v", err), turn.TraceID, true)
			return
		}

		if len(reply.ToolCalls) == 0 {
			c.streamReply(ctx, sess, reply.Content, emit)
			return
		}

		messages = append(messages, *reply)
		for _, call := range reply.ToolCalls {
			toolMsg, ok := c.runTool(ctx, sess, turn, call, emit)
			if !ok {
				return
			}
			messages = append(messages, toolMsg)
		}
	}
}

// processFiles publishes each attachment and waits for the capture side to
// parse it. Timeouts downgrade to a notice in the LLM context.
func (c *Controller) processFiles(ctx context.Context, sess *models.Session, turn Turn, files []models.FileRef, emit Emitter) []string {
	if len(files) == 0 {
		return nil
	}

	timeout := c.cfg.FileParseTimeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	// Subscribe before publishing so the FILE_READY answer cannot race past
	// us.
	sub := c.bus.Subscribe(ctx, sess.TenantID)
	defer sub.Close()

	notes := make([]string, 0, len(files))
	for _, file := range files {
		_ = emit.Emit(thinkingFrame(PhaseTool, "running", fmt.Sprintf("Parsing %s", file.Name), "file_parser", 0))

		if err := c.publisher.PublishFileUploaded(ctx, sess.TenantID, sess.ID, turn.TraceID, file); err != nil {
			c.logger.Warn("Failed to announce file upload", "session_id", sess.ID, "file", file.Name, "error", err)
			notes = append(notes, fmt.Sprintf("Attachment %s could not be processed.", file.Name))
			continue
		}

		text, err := c.awaitFileReady(ctx, sub, file.URL, timeout)
		if err != nil {
			c.logger.Warn("File parse timed out", "session_id", sess.ID, "file", file.Name, "error", err)
			_ = emit.Emit(thinkingFrame(PhaseTool, "failed", fmt.Sprintf("Could not parse %s", file.Name), "file_parser", 100))
			notes = append(notes, fmt.Sprintf("Attachment %s was not parsed in time; answer without its content.", file.Name))
			continue
		}
		_ = emit.Emit(thinkingFrame(PhaseTool, "success", fmt.Sprintf("Parsed %s", file.Name), "file_parser", 100))
		notes = append(notes, fmt.Sprintf("Content of attachment %s:\n%s", file.Name, text))
	}
	return notes
}

// awaitFileReady blocks until the FILE_READY event for url arrives.
func (c *Controller) awaitFileReady(ctx context.Context, sub *bus.Subscription, url string, timeout time.Duration) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", fmt.Errorf("no FILE_READY within %s", timeout)
		case event, open := <-sub.Events():
			if !open {
				return "", fmt.Errorf("bus subscription closed")
			}
			if event.Type != events.TypeFileReady {
				continue
			}
			if eventURL, _ := event.Payload["url"].(string); eventURL != url {
				continue
			}
			if parseErr, _ := event.Payload["error"].(string); parseErr != "" {
				return "", fmt.Errorf("file parse failed: %s", parseErr)
			}
			text, _ := event.Payload["text"].(string)
			return text, nil
		}
	}
}

// runTool executes one builtin node on behalf of the LLM and narrates it.
// The second return is false when the stream is dead.
func (c *Controller) runTool(ctx context.Context, sess *models.Session, turn Turn, call llm.ToolCall, emit Emitter) (llm.Message, bool) {
	runID := uuid.New().String()
	name := call.Function.Name
	title := fmt.Sprintf("Running %s", name)

	if err := emit.Emit(toolStartFrame(runID, name, title)); err != nil {
		return llm.Message{}, false
	}

	result := c.executeTool(ctx, sess, turn, call)
	metrics.NodeExecutions.WithLabelValues(name, result.Status).Inc()

	if ui := uischema.Normalize(result.UISchema); ui != nil {
		ui["ui_id"] = runID
		if err := emit.Emit(uiRenderFrame(ui)); err != nil {
			return llm.Message{}, false
		}
	}

	status := "success"
	if !result.Succeeded() {
		status = "failed"
	}
	if err := emit.Emit(toolDoneFrame(runID, name, title, status)); err != nil {
		return llm.Message{}, false
	}

	c.recordToolResult(ctx, sess, turn, name, result)

	content := result.ErrorMessage
	if result.Succeeded() {
		data, err := json.Marshal(result.Result)
		if err != nil {
			content = "tool result could not be encoded"
		} else {
			content = string(data)
		}
	}
	return llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		Name:       name,
	}, true
}

// executeTool resolves and runs the builtin behind a tool call. Any
// failure comes back as an error-status result for the LLM to react to.
func (c *Controller) executeTool(ctx context.Context, sess *models.Session, turn Turn, call llm.ToolCall) models.NodeResult {
	allowed := false
	for _, tool := range chatTools {
		if call.Function.Name == tool {
			allowed = true
			break
		}
	}
	if !allowed {
		return models.ErrorResult(fmt.Sprintf("unknown tool %q", call.Function.Name))
	}

	resolved, err := c.registry.Resolve(ctx, registry.BuiltinScheme+call.Function.Name)
	if err != nil {
		return models.ErrorResult(fmt.Sprintf("tool %s is not available: %v", call.Function.Name, err))
	}

	params := map[string]any{}
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &params); err != nil {
			return models.ErrorResult(fmt.Sprintf("malformed tool arguments: %v", err))
		}
	}

	result, err := resolved.Builtin.Execute(ctx, nodes.ExecutionInput{
		SessionID:  sess.ID,
		TenantID:   sess.TenantID,
		TraceID:    turn.TraceID,
		Step:       call.Function.Name,
		Params:     params,
		Blackboard: c.bb,
	})
	if err != nil {
		return models.ErrorResult(err.Error())
	}
	if result.Status == "" {
		result.Status = models.NodeStatusSuccess
	}
	return result
}

// recordToolResult audits the tool run and caches a digest of it for the
// session snapshot.
func (c *Controller) recordToolResult(ctx context.Context, sess *models.Session, turn Turn, tool string, result models.NodeResult) {
	if err := c.publisher.PublishResult(ctx, sess.TenantID, sess.ID, turn.TraceID, tool, result); err != nil {
		c.logger.Warn("Failed to record tool result", "session_id", sess.ID, "tool", tool, "error", err)
	}

	cached, _, err := c.bb.Get(ctx, sess.TenantID, sess.ID, session.KeyToolResults)
	if err != nil {
		c.logger.Warn("Failed to read cached tool results", "session_id", sess.ID, "error", err)
		return
	}
	list, _ := cached.([]any)
	list = append(list, map[string]any{
		"tool":   tool,
		"status": result.Status,
		"result": result.Result,
	})
	if err := c.bb.Set(ctx, sess.TenantID, sess.ID, session.KeyToolResults, list); err != nil {
		c.logger.Warn("Failed to cache tool result", "session_id", sess.ID, "error", err)
	}
}

// streamReply chunks the assistant text into delta frames and persists it.
func (c *Controller) streamReply(ctx context.Context, sess *models.Session, content string, emit Emitter) {
	messageID := uuid.New().String()
	seq := 0
	runes := []rune(content)
	for start := 0; start < len(runes); start += deltaChunkRunes {
		end := start + deltaChunkRunes
		if end > len(runes) {
			end = len(runes)
		}
		seq++
		if err := emit.Emit(messageFrame(messageID, seq, string(runes[start:end]))); err != nil {
			return
		}
	}
	if seq == 0 {
		// An empty reply still yields one frame so the client sees the turn.
		if err := emit.Emit(messageFrame(messageID, 1, "")); err != nil {
			return
		}
	}

	if err := c.chat.Append(ctx, sess.TenantID, sess.ID, llm.RoleAssistant, content); err != nil {
		c.logger.Warn("Failed to persist assistant message", "session_id", sess.ID, "error", err)
	}
}

// toolDefinitions advertises the chat tools with their registered schemas.
func (c *Controller) toolDefinitions(ctx context.Context) ([]llm.Tool, error) {
	infos, err := c.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	byID := make(map[string]models.NodeInfo, len(infos))
	for _, info := range infos {
		byID[info.NodeID] = info
	}

	tools := make([]llm.Tool, 0, len(chatTools))
	for _, name := range chatTools {
		info, registered := byID[name]
		if !registered {
			continue
		}
		tools = append(tools, llm.NewTool(name, info.Description, info.ParamSchema))
	}
	return tools, nil
}

func (c *Controller) fail(emit Emitter, code, message, traceID string, retryable bool) {
	if err := emit.Emit(errorFrame(code, message, traceID, retryable)); err != nil {
		c.logger.Warn("Failed to emit error frame", "error", err)
	}
}
