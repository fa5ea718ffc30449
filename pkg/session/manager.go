// Package session owns the session lifecycle around the dispatcher: flow
// and single-node starts, event intake with paused-session rehydration,
// artifact inheritance, hard stops, and the TTL sweeper that parks idle
// sessions into cold snapshots.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/tempoworks/tempo/pkg/blackboard"
	"github.com/tempoworks/tempo/pkg/dispatch"
	"github.com/tempoworks/tempo/pkg/events"
	"github.com/tempoworks/tempo/pkg/fsm"
	"github.com/tempoworks/tempo/pkg/models"
	"github.com/tempoworks/tempo/pkg/storage"
)

// Reserved blackboard keys the manager seeds and the snapshot carries.
const (
	KeyTenantID    = "_tenant_id"
	KeyUserID      = "_user_id"
	KeyParams      = "_params"
	KeyChatSummary = "_chat_summary"
	KeyToolResults = "_tool_results"
	KeyRoutedScene = "_routed_scene"
)

// Dispatcher is the slice of the dispatch engine the manager drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID string, event models.Event) error
	Start(ctx context.Context, sessionID, traceID string) error
	Cancel(sessionID string)
}

var _ Dispatcher = (*dispatch.Dispatcher)(nil)

// Manager creates sessions, routes pushed events, and rehydrates parked
// sessions from their snapshots.
type Manager struct {
	sessions   *storage.SessionStore
	snapshots  *storage.SnapshotStore
	flows      *storage.FlowStore
	bb         *blackboard.Blackboard
	chat       *blackboard.ChatStore
	advancer   *fsm.Advancer
	publisher  *events.Publisher
	stopper    Stopper
	dispatcher Dispatcher
	logger     *slog.Logger
}

// Stopper is the hard-stop surface the manager needs.
type Stopper interface {
	Abort(ctx context.Context, tenantID, sessionID, traceID, reason string) error
}

// Deps carries the manager's collaborators.
type Deps struct {
	Sessions   *storage.SessionStore
	Snapshots  *storage.SnapshotStore
	Flows      *storage.FlowStore
	Blackboard *blackboard.Blackboard
	Chat       *blackboard.ChatStore
	Advancer   *fsm.Advancer
	Publisher  *events.Publisher
	Stopper    Stopper
	Dispatcher Dispatcher
	Logger     *slog.Logger
}

// NewManager wires a session manager.
func NewManager(deps Deps) *Manager {
	return &Manager{
		sessions:   deps.Sessions,
		snapshots:  deps.Snapshots,
		flows:      deps.Flows,
		bb:         deps.Blackboard,
		chat:       deps.Chat,
		advancer:   deps.Advancer,
		publisher:  deps.Publisher,
		stopper:    deps.Stopper,
		dispatcher: deps.Dispatcher,
		logger:     deps.Logger.With("component", "session_manager"),
	}
}

// StartFlow creates a session on a registered flow and kicks off the
// initial state's node, if any.
func (m *Manager) StartFlow(ctx context.Context, tenantID, userID, flowID string, params map[string]any, traceID string) (*models.Session, error) {
	flow, err := m.flows.Get(ctx, tenantID, flowID)
	if err != nil {
		return nil, err
	}
	return m.start(ctx, tenantID, userID, flowID, flow.InitialState, params, traceID)
}

// StartSingleNode creates a session on the implicit two-state flow around
// one node reference.
func (m *Manager) StartSingleNode(ctx context.Context, tenantID, userID, nodeRef string, params map[string]any, traceID string) (*models.Session, error) {
	if nodeRef == "" {
		return nil, storage.NewValidationError("node_id", "node reference is required")
	}
	merged := make(map[string]any, len(params)+1)
	for k, v := range params {
		merged[k] = v
	}
	merged["node_id"] = nodeRef
	return m.start(ctx, tenantID, userID, models.ImplicitFlowID, models.ImplicitExecuteState, merged, traceID)
}

func (m *Manager) start(ctx context.Context, tenantID, userID, flowID, initialState string, params map[string]any, traceID string) (*models.Session, error) {
	session := &models.Session{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		FlowID:       flowID,
		CurrentState: initialState,
		Status:       models.SessionStatusRunning,
		Params:       params,
		TTLSeconds:   models.DefaultSessionTTLSeconds,
	}
	if err := m.sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	if err := m.seedBlackboard(ctx, session, userID); err != nil {
		return nil, err
	}
	if err := m.advancer.Set(ctx, tenantID, session.ID, initialState); err != nil {
		return nil, fmt.Errorf("failed to arm initial state: %w", err)
	}

	if err := m.publisher.PublishSessionLifecycle(ctx, events.TypeSessionStart, tenantID, session.ID, traceID, map[string]any{
		"flow_id":       flowID,
		"initial_state": initialState,
	}); err != nil {
		m.logger.Warn("Failed to record session start", "session_id", session.ID, "error", err)
	}

	m.logger.Info("Session started", "session_id", session.ID, "tenant_id", tenantID, "flow_id", flowID)

	if err := m.dispatcher.Start(ctx, session.ID, traceID); err != nil {
		return nil, err
	}
	return session, nil
}

func (m *Manager) seedBlackboard(ctx context.Context, session *models.Session, userID string) error {
	seeds := map[string]any{
		KeyTenantID: session.TenantID,
		KeyUserID:   userID,
	}
	if len(session.Params) > 0 {
		seeds[KeyParams] = session.Params
	}
	for key, value := range seeds {
		if err := m.bb.Set(ctx, session.TenantID, session.ID, key, value); err != nil {
			return fmt.Errorf("failed to seed blackboard: %w", err)
		}
	}
	return nil
}

// PushEvent routes an external event into a session, rehydrating it first
// when the TTL sweeper parked it.
func (m *Manager) PushEvent(ctx context.Context, sessionID, eventType string, payload map[string]any, traceID string) error {
	session, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	if session.Status == models.SessionStatusPaused {
		if err := m.rehydrate(ctx, session, traceID); err != nil {
			return err
		}
	}

	event := models.NewEvent(eventType, "api", session.TenantID, session.ID, payload)
	event.TraceID = traceID
	return m.dispatcher.Dispatch(ctx, sessionID, event)
}

// rehydrate restores a parked session's working memory from its snapshot
// and marks it running again.
func (m *Manager) rehydrate(ctx context.Context, session *models.Session, traceID string) error {
	snap, err := m.snapshots.Get(ctx, session.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if snap != nil {
		if err := m.bb.Restore(ctx, session.TenantID, session.ID, snap.Blackboard); err != nil {
			return fmt.Errorf("failed to restore blackboard: %w", err)
		}
		if len(snap.ChatHistory) > 0 {
			if err := m.chat.Restore(ctx, session.TenantID, session.ID, snap.ChatHistory); err != nil {
				return fmt.Errorf("failed to restore chat history: %w", err)
			}
		}
	}

	// The fast-store state expired with the session; the durable row holds
	// the last recorded state.
	if err := m.advancer.Set(ctx, session.TenantID, session.ID, session.CurrentState); err != nil {
		return fmt.Errorf("failed to restore session state: %w", err)
	}
	if err := m.sessions.UpdateStatus(ctx, session.ID, models.SessionStatusRunning); err != nil {
		return err
	}
	session.Status = models.SessionStatusRunning

	if err := m.snapshots.Delete(ctx, session.ID); err != nil {
		m.logger.Warn("Failed to delete consumed snapshot", "session_id", session.ID, "error", err)
	}
	if err := m.publisher.PublishSessionLifecycle(ctx, events.TypeSessionResume, session.TenantID, session.ID, traceID, map[string]any{
		"state": session.CurrentState,
	}); err != nil {
		m.logger.Warn("Failed to record session resume", "session_id", session.ID, "error", err)
	}

	m.logger.Info("Session rehydrated", "session_id", session.ID, "state", session.CurrentState)
	return nil
}

// Inherit copies artifacts from a finished session into a new one. The
// source session is untouched; ids already present in the target are
// skipped. A nil id list copies everything.
func (m *Manager) Inherit(ctx context.Context, tenantID, fromSessionID, toSessionID string, artifactIDs []string) error {
	if _, err := m.sessions.Get(ctx, toSessionID); err != nil {
		return err
	}

	ids := artifactIDs
	if ids == nil {
		all, err := m.bb.ListArtifacts(ctx, tenantID, fromSessionID)
		if err != nil {
			return err
		}
		ids = all
	}

	for _, id := range ids {
		value, err := m.bb.ReadArtifact(ctx, tenantID, fromSessionID, id)
		if err != nil {
			if errors.Is(err, blackboard.ErrArtifactNotFound) {
				continue
			}
			return err
		}
		err = m.bb.WriteArtifact(ctx, tenantID, toSessionID, id, value)
		if err != nil && !errors.Is(err, blackboard.ErrArtifactExists) {
			return err
		}
	}
	return nil
}

// HardStop aborts a session: the flag refuses further events, in-flight
// executions are cancelled, and the session settles in the aborted state.
// Stopping an already-terminal session is a no-op.
func (m *Manager) HardStop(ctx context.Context, sessionID, reason, traceID string) error {
	session, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Terminal() {
		return nil
	}

	if err := m.stopper.Abort(ctx, session.TenantID, session.ID, traceID, reason); err != nil {
		return err
	}
	m.dispatcher.Cancel(session.ID)

	if err := m.advancer.Set(ctx, session.TenantID, session.ID, fsm.StateAborted); err != nil {
		m.logger.Warn("Failed to force aborted state", "session_id", session.ID, "error", err)
	}
	if err := m.sessions.UpdateState(ctx, session.ID, fsm.StateAborted); err != nil {
		m.logger.Warn("Failed to persist aborted state", "session_id", session.ID, "error", err)
	}
	if err := m.sessions.UpdateStatus(ctx, session.ID, models.SessionStatusAborted); err != nil {
		return err
	}
	if err := m.publisher.PublishStateTransition(ctx, session.TenantID, session.ID, traceID, events.TypeAbort, session.CurrentState, fsm.StateAborted); err != nil {
		m.logger.Warn("Failed to record abort transition", "session_id", session.ID, "error", err)
	}

	m.logger.Info("Session hard-stopped", "session_id", session.ID, "reason", reason)
	return nil
}

// State returns the debug view: current state, allowed events, blackboard
// keys, and artifact ids.
func (m *Manager) State(ctx context.Context, sessionID string) (*models.SessionStateResponse, error) {
	session, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	machine, err := m.machineFor(ctx, session)
	if err != nil {
		return nil, err
	}
	state, err := m.advancer.Current(ctx, session.TenantID, session.ID, session.CurrentState)
	if err != nil {
		return nil, err
	}
	keys, err := m.bb.Keys(ctx, session.TenantID, session.ID)
	if err != nil {
		return nil, err
	}
	artifacts, err := m.bb.ListArtifacts(ctx, session.TenantID, session.ID)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	sort.Strings(artifacts)

	return &models.SessionStateResponse{
		SessionID:      session.ID,
		TenantID:       session.TenantID,
		FlowID:         session.FlowID,
		State:          state,
		Status:         session.Status,
		AllowedEvents:  machine.AllowedEvents(state),
		BlackboardKeys: keys,
		Artifacts:      artifacts,
	}, nil
}

func (m *Manager) machineFor(ctx context.Context, session *models.Session) (*fsm.Machine, error) {
	if session.FlowID == models.ImplicitFlowID {
		nodeRef, _ := session.Params["node_id"].(string)
		if nodeRef == "" {
			return nil, fmt.Errorf("implicit session %s has no node reference", session.ID)
		}
		return fsm.CompileImplicit(nodeRef), nil
	}
	flow, err := m.flows.Get(ctx, session.TenantID, session.FlowID)
	if err != nil {
		return nil, err
	}
	return fsm.Compile(flow), nil
}
