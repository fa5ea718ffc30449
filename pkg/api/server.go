// Package api exposes the runtime over HTTP: the SSE chat endpoint, the
// workflow control surface, the node and flow registries, upload signing,
// health, and metrics. Handlers stay thin; all semantics live in the
// service packages.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tempoworks/tempo/pkg/agent"
	"github.com/tempoworks/tempo/pkg/config"
	"github.com/tempoworks/tempo/pkg/dispatch"
	"github.com/tempoworks/tempo/pkg/metrics"
	"github.com/tempoworks/tempo/pkg/models"
	"github.com/tempoworks/tempo/pkg/oss"
	"github.com/tempoworks/tempo/pkg/registry"
	"github.com/tempoworks/tempo/pkg/session"
	"github.com/tempoworks/tempo/pkg/storage"
)

// ChatService is the agent surface behind POST /api/agent/chat.
type ChatService interface {
	EnsureSession(ctx context.Context, tenantID, userID, sessionID string) (*models.Session, error)
	Run(ctx context.Context, sess *models.Session, turn agent.Turn, emit agent.Emitter)
}

// WorkflowService is the session-manager surface behind /api/workflow.
type WorkflowService interface {
	StartFlow(ctx context.Context, tenantID, userID, flowID string, params map[string]any, traceID string) (*models.Session, error)
	StartSingleNode(ctx context.Context, tenantID, userID, nodeRef string, params map[string]any, traceID string) (*models.Session, error)
	PushEvent(ctx context.Context, sessionID, eventType string, payload map[string]any, traceID string) error
	HardStop(ctx context.Context, sessionID, reason, traceID string) error
	State(ctx context.Context, sessionID string) (*models.SessionStateResponse, error)
}

// SessionLookup resolves session ownership for tenant checks.
type SessionLookup interface {
	Get(ctx context.Context, sessionID string) (*models.Session, error)
}

// CallbackSink receives webhook node results.
type CallbackSink interface {
	HandleCallback(ctx context.Context, sessionID string, result models.NodeResult) error
}

// EventLog replays the audit trail for a session.
type EventLog interface {
	ListBySession(ctx context.Context, sessionID string, sinceTick int64, limit int) ([]models.Event, error)
}

// NodeRegistry is the registry surface behind /api/registry/nodes.
type NodeRegistry interface {
	List(ctx context.Context) ([]models.NodeInfo, error)
	RegisterWebhook(ctx context.Context, tenantID, nodeID, endpoint string, paramSchema map[string]any, description string) error
}

// FlowRegistry is the flow-store surface behind /api/registry/flows.
type FlowRegistry interface {
	List(ctx context.Context, tenantID string) ([]models.FlowDefinition, error)
	Upsert(ctx context.Context, tenantID string, flow models.FlowDefinition) error
}

var (
	_ ChatService     = (*agent.Controller)(nil)
	_ WorkflowService = (*session.Manager)(nil)
	_ SessionLookup   = (*storage.SessionStore)(nil)
	_ CallbackSink    = (*dispatch.Dispatcher)(nil)
	_ EventLog        = (*storage.EventStore)(nil)
	_ NodeRegistry    = (*registry.Registry)(nil)
	_ FlowRegistry    = (*storage.FlowStore)(nil)
)

// Server wires handlers to the service layer.
type Server struct {
	cfg       config.ServerConfig
	chat      ChatService
	workflow  WorkflowService
	sessions  SessionLookup
	callbacks CallbackSink
	events    EventLog
	nodes     NodeRegistry
	flows     FlowRegistry
	signer    *oss.Signer
	dbPing    func(ctx context.Context) error
	redisPing func(ctx context.Context) error
	logger    *slog.Logger
}

// Deps carries the server's collaborators.
type Deps struct {
	Config    config.ServerConfig
	Chat      ChatService
	Workflow  WorkflowService
	Sessions  SessionLookup
	Callbacks CallbackSink
	Events    EventLog
	Nodes     NodeRegistry
	Flows     FlowRegistry
	Signer    *oss.Signer
	DBPing    func(ctx context.Context) error
	RedisPing func(ctx context.Context) error
	Logger    *slog.Logger
}

// NewServer builds the HTTP layer.
func NewServer(deps Deps) *Server {
	return &Server{
		cfg:       deps.Config,
		chat:      deps.Chat,
		workflow:  deps.Workflow,
		sessions:  deps.Sessions,
		callbacks: deps.Callbacks,
		events:    deps.Events,
		nodes:     deps.Nodes,
		flows:     deps.Flows,
		signer:    deps.Signer,
		dbPing:    deps.DBPing,
		redisPing: deps.RedisPing,
		logger:    deps.Logger.With("component", "api"),
	}
}

// Router assembles the gin engine with the full middleware chain and route
// table.
func (s *Server) Router() *gin.Engine {
	engine := gin.New()
	engine.Use(
		recoveryMiddleware(s.logger),
		securityHeadersMiddleware(),
		traceMiddleware(),
	)

	engine.GET("/health", s.handleHealth)

	api := engine.Group("/api")
	api.Use(
		tenantMiddleware(),
		rateLimitMiddleware(newTenantLimiters(s.cfg)),
		metricsMiddleware(),
	)

	api.POST("/agent/chat", s.handleChat)
	api.POST("/oss/post-signature", s.handlePostSignature)

	api.POST("/workflow/start", s.handleWorkflowStart)
	api.POST("/workflow/:session/event", s.handleWorkflowEvent)
	api.GET("/workflow/:session/state", s.handleWorkflowState)
	api.DELETE("/workflow/:session", s.handleWorkflowDelete)
	api.POST("/workflow/:session/callback", s.handleWorkflowCallback)
	api.GET("/workflow/:session/events", s.handleWorkflowEvents)

	api.GET("/registry/nodes", s.handleListNodes)
	api.POST("/registry/nodes", s.handleRegisterNode)
	api.GET("/registry/flows", s.handleListFlows)
	api.POST("/registry/flows", s.handleRegisterFlow)

	api.GET("/metrics", gin.WrapH(metrics.Handler()))

	return engine
}

// HTTPServer wraps the router in an http.Server on the configured port.
// SSE keeps responses open indefinitely, so no server-wide write timeout is
// set; per-frame deadlines protect against slow clients instead.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
