package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tempoworks/tempo/pkg/agent"
	"github.com/tempoworks/tempo/pkg/metrics"
	"github.com/tempoworks/tempo/pkg/models"
	"github.com/tempoworks/tempo/pkg/storage"
)

// Event replay paging bounds.
const (
	defaultEventLimit = 100
	maxEventLimit     = 500
)

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, models.ErrorResponse{
		Code:    models.CodeBadRequest,
		Message: message,
		TraceID: traceFrom(c),
	})
}

// sessionForTenant loads the :session path param and enforces ownership.
// Foreign sessions look like missing ones so existence does not leak across
// tenants.
func (s *Server) sessionForTenant(c *gin.Context) (*models.Session, bool) {
	sess, err := s.sessions.Get(c.Request.Context(), c.Param("session"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if sess.TenantID != tenantFrom(c) {
		writeError(c, storage.ErrNotFound)
		return nil, false
	}
	return sess, true
}

// handleChat serves POST /api/agent/chat as an SSE stream. Session errors
// surface as plain HTTP before the stream starts; once streaming, failures
// become error frames.
func (s *Server) handleChat(c *gin.Context) {
	userID := c.GetHeader(HeaderUserID)
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
			Code:    models.CodeUnauthorized,
			Message: "X-User-Id header is required",
			TraceID: traceFrom(c),
		})
		return
	}

	var req models.AgentChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	tenantID := tenantFrom(c)
	traceID := traceFrom(c)

	sess, err := s.chat.EnsureSession(c.Request.Context(), tenantID, userID, req.SessionID)
	if err != nil {
		writeError(c, err)
		return
	}

	stream, err := newSSEStream(c.Writer, s.cfg.SSEWriteTimeout())
	if err != nil {
		writeError(c, err)
		return
	}

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	metrics.SSEStreamsActive.Inc()
	defer metrics.SSEStreamsActive.Dec()

	// Client disconnect cancels the run after a short grace so the final
	// done frame can still be attempted.
	reqCtx := c.Request.Context()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(reqCtx))
	defer cancel()

	streamDone := make(chan struct{})
	defer close(streamDone)

	go func() {
		select {
		case <-streamDone:
		case <-reqCtx.Done():
			grace := s.cfg.DisconnectGrace()
			if grace <= 0 {
				grace = 2 * time.Second
			}
			timer := time.NewTimer(grace)
			defer timer.Stop()
			select {
			case <-streamDone:
			case <-timer.C:
				cancel()
			}
		}
	}()
	go stream.pingLoop(s.cfg.SSEPingInterval(), streamDone)

	s.chat.Run(runCtx, sess, agent.Turn{
		TenantID: tenantID,
		UserID:   userID,
		TraceID:  traceID,
		Request:  req,
	}, stream)
}

// handlePostSignature serves POST /api/oss/post-signature.
func (s *Server) handlePostSignature(c *gin.Context) {
	var req models.PostSignatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	resp, err := s.signer.Sign(tenantFrom(c), c.GetHeader(HeaderUserID), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleWorkflowStart serves POST /api/workflow/start. Exactly one of
// flow_id and node_id selects the session kind.
func (s *Server) handleWorkflowStart(c *gin.Context) {
	var req models.StartWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	tenantID := tenantFrom(c)
	userID := c.GetHeader(HeaderUserID)
	traceID := traceFrom(c)

	var sess *models.Session
	var err error
	switch {
	case req.FlowID != "" && req.NodeID != "":
		badRequest(c, "flow_id and node_id are mutually exclusive")
		return
	case req.FlowID != "":
		sess, err = s.workflow.StartFlow(c.Request.Context(), tenantID, userID, req.FlowID, req.Params, traceID)
	case req.NodeID != "":
		sess, err = s.workflow.StartSingleNode(c.Request.Context(), tenantID, userID, req.NodeID, req.Params, traceID)
	default:
		badRequest(c, "one of flow_id or node_id is required")
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.StartWorkflowResponse{
		SessionID: sess.ID,
		FlowID:    sess.FlowID,
		State:     sess.CurrentState,
		Status:    sess.Status,
	})
}

// handleWorkflowEvent serves POST /api/workflow/:session/event.
func (s *Server) handleWorkflowEvent(c *gin.Context) {
	sess, ok := s.sessionForTenant(c)
	if !ok {
		return
	}

	var req models.PushEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	if err := s.workflow.PushEvent(c.Request.Context(), sess.ID, req.Type, req.Payload, traceFrom(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "session_id": sess.ID})
}

// handleWorkflowState serves GET /api/workflow/:session/state.
func (s *Server) handleWorkflowState(c *gin.Context) {
	sess, ok := s.sessionForTenant(c)
	if !ok {
		return
	}

	state, err := s.workflow.State(c.Request.Context(), sess.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// handleWorkflowDelete serves DELETE /api/workflow/:session (hard stop).
func (s *Server) handleWorkflowDelete(c *gin.Context) {
	sess, ok := s.sessionForTenant(c)
	if !ok {
		return
	}

	if err := s.workflow.HardStop(c.Request.Context(), sess.ID, "client request", traceFrom(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.SessionStatusAborted, "session_id": sess.ID})
}

// handleWorkflowCallback serves POST /api/workflow/:session/callback: the
// result return path for webhook nodes.
func (s *Server) handleWorkflowCallback(c *gin.Context) {
	sess, ok := s.sessionForTenant(c)
	if !ok {
		return
	}

	var result models.NodeResult
	if err := c.ShouldBindJSON(&result); err != nil {
		badRequest(c, err.Error())
		return
	}
	if result.Status == "" {
		badRequest(c, "status is required")
		return
	}

	if err := s.callbacks.HandleCallback(c.Request.Context(), sess.ID, result); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "session_id": sess.ID})
}

// handleWorkflowEvents serves GET /api/workflow/:session/events with
// ?since_tick=&limit= paging in insertion order.
func (s *Server) handleWorkflowEvents(c *gin.Context) {
	sess, ok := s.sessionForTenant(c)
	if !ok {
		return
	}

	sinceTick := int64(0)
	if raw := c.Query("since_tick"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			badRequest(c, "since_tick must be an integer")
			return
		}
		sinceTick = parsed
	}
	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	events, err := s.events.ListBySession(c.Request.Context(), sess.ID, sinceTick, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.EventsResponse{Events: events, Count: len(events)})
}

// handleListNodes serves GET /api/registry/nodes.
func (s *Server) handleListNodes(c *gin.Context) {
	nodes, err := s.nodes.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes, "count": len(nodes)})
}

// handleRegisterNode serves POST /api/registry/nodes. Only webhook nodes
// can be registered at runtime; builtins are wired at startup.
func (s *Server) handleRegisterNode(c *gin.Context) {
	var req models.RegisterNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	err := s.nodes.RegisterWebhook(c.Request.Context(), tenantFrom(c), req.NodeID, req.Endpoint, req.ParamSchema, req.Description)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"node_id": req.NodeID})
}

// handleListFlows serves GET /api/registry/flows.
func (s *Server) handleListFlows(c *gin.Context) {
	flows, err := s.flows.List(c.Request.Context(), tenantFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flows": flows, "count": len(flows)})
}

// handleRegisterFlow serves POST /api/registry/flows.
func (s *Server) handleRegisterFlow(c *gin.Context) {
	var flow models.FlowDefinition
	if err := c.ShouldBindJSON(&flow); err != nil {
		badRequest(c, err.Error())
		return
	}

	if err := s.flows.Upsert(c.Request.Context(), tenantFrom(c), flow); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"flow_id": flow.ID})
}

// handleHealth serves GET /health: both backing stores must answer.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	database := "up"
	if err := s.dbPing(ctx); err != nil {
		status = http.StatusServiceUnavailable
		database = "down"
	}
	redis := "up"
	if err := s.redisPing(ctx); err != nil {
		status = http.StatusServiceUnavailable
		redis = "down"
	}

	health := "healthy"
	if status != http.StatusOK {
		health = "unhealthy"
	}
	c.JSON(status, gin.H{"status": health, "database": database, "redis": redis})
}
