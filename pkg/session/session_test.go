package session

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempoworks/tempo/pkg/blackboard"
	"github.com/tempoworks/tempo/pkg/bus"
	"github.com/tempoworks/tempo/pkg/events"
	"github.com/tempoworks/tempo/pkg/fsm"
	"github.com/tempoworks/tempo/pkg/models"
	"github.com/tempoworks/tempo/pkg/redis"
	"github.com/tempoworks/tempo/pkg/reliability"
	"github.com/tempoworks/tempo/pkg/storage"
	"github.com/tempoworks/tempo/test/util"
)

type fakeDispatcher struct {
	mu         sync.Mutex
	started    []string
	dispatched []models.Event
	cancelled  []string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, sessionID string, event models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, event)
	return nil
}

func (f *fakeDispatcher) Start(ctx context.Context, sessionID, traceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, sessionID)
	return nil
}

func (f *fakeDispatcher) Cancel(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, sessionID)
}

type managerHarness struct {
	manager    *Manager
	clock      *Clock
	dispatcher *fakeDispatcher
	sessions   *storage.SessionStore
	snapshots  *storage.SnapshotStore
	flows      *storage.FlowStore
	eventLog   *storage.EventStore
	bb         *blackboard.Blackboard
	chat       *blackboard.ChatStore
	advancer   *fsm.Advancer
	stopper    *reliability.HardStopper
}

func newManagerHarness(t *testing.T) (*managerHarness, func(sessionID string, updatedAt time.Time)) {
	t.Helper()
	client := util.SetupTestDatabase(t)

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	keys := redis.NewKeys("tempo")
	logger := slog.Default()

	sessions := storage.NewSessionStore(client.Gorm())
	snapshots := storage.NewSnapshotStore(client.Gorm())
	flows := storage.NewFlowStore(client.Gorm())
	eventLog := storage.NewEventStore(client.Gorm())

	bb := blackboard.New(rdb, keys, 30*time.Minute)
	chat := blackboard.NewChatStore(rdb, keys)
	advancer := fsm.NewAdvancer(rdb, keys)
	publisher := events.NewPublisher(eventLog, bus.New(rdb, keys), events.NewTicker(rdb, keys))
	stopper := reliability.NewHardStopper(rdb, keys, bb, publisher, logger)

	dispatcher := &fakeDispatcher{}
	manager := NewManager(Deps{
		Sessions:   sessions,
		Snapshots:  snapshots,
		Flows:      flows,
		Blackboard: bb,
		Chat:       chat,
		Advancer:   advancer,
		Publisher:  publisher,
		Stopper:    stopper,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	clock := NewClock(sessions, snapshots, bb, chat, publisher, time.Minute, logger)

	backdate := func(sessionID string, updatedAt time.Time) {
		err := client.Gorm().Model(&storage.SessionRow{}).
			Where("id = ?", sessionID).
			Update("updated_at", updatedAt).Error
		require.NoError(t, err)
	}

	return &managerHarness{
		manager:    manager,
		clock:      clock,
		dispatcher: dispatcher,
		sessions:   sessions,
		snapshots:  snapshots,
		flows:      flows,
		eventLog:   eventLog,
		bb:         bb,
		chat:       chat,
		advancer:   advancer,
		stopper:    stopper,
	}, backdate
}

func (h *managerHarness) eventTypes(t *testing.T, sessionID string) []string {
	t.Helper()
	evs, err := h.eventLog.ListBySession(context.Background(), sessionID, 0, 100)
	require.NoError(t, err)
	types := make([]string, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	return types
}

func TestManagerStartFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	h, _ := newManagerHarness(t)
	ctx := context.Background()

	flow := models.FlowDefinition{
		ID:           "quote",
		Name:         "quotation",
		States:       []string{"draft", "end"},
		InitialState: "draft",
		Transitions:  []models.Transition{{From: "draft", Event: events.TypeStepDone, To: "end"}},
		StateNodeMap: map[string]string{"draft": "builtin://writer"},
	}
	require.NoError(t, h.flows.Upsert(ctx, storage.GlobalTenant, flow))

	session, err := h.manager.StartFlow(ctx, "acme", "user-1", "quote", map[string]any{"amount": 12}, "trace-1")
	require.NoError(t, err)

	got, err := h.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "draft", got.CurrentState)
	assert.Equal(t, models.SessionStatusRunning, got.Status)

	// Blackboard is seeded and the FSM armed at the initial state.
	tenant, err := h.bb.GetString(ctx, "acme", session.ID, KeyTenantID)
	require.NoError(t, err)
	assert.Equal(t, "acme", tenant)
	user, err := h.bb.GetString(ctx, "acme", session.ID, KeyUserID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", user)

	state, err := h.advancer.Current(ctx, "acme", session.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "draft", state)

	assert.Contains(t, h.eventTypes(t, session.ID), events.TypeSessionStart)
	assert.Equal(t, []string{session.ID}, h.dispatcher.started)
}

func TestManagerStartFlowUnknownFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	h, _ := newManagerHarness(t)

	_, err := h.manager.StartFlow(context.Background(), "acme", "user-1", "missing", nil, "trace-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestManagerStartSingleNode(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	h, _ := newManagerHarness(t)
	ctx := context.Background()

	session, err := h.manager.StartSingleNode(ctx, "acme", "user-1", "builtin://search", map[string]any{"query": "laptops"}, "trace-1")
	require.NoError(t, err)

	got, err := h.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ImplicitFlowID, got.FlowID)
	assert.Equal(t, models.ImplicitExecuteState, got.CurrentState)
	assert.Equal(t, "builtin://search", got.Params["node_id"])
	assert.Equal(t, "laptops", got.Params["query"])

	_, err = h.manager.StartSingleNode(ctx, "acme", "user-1", "", nil, "trace-1")
	var verr *storage.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestManagerPushEvent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	h, _ := newManagerHarness(t)
	ctx := context.Background()

	session, err := h.manager.StartSingleNode(ctx, "acme", "user-1", "builtin://search", nil, "trace-1")
	require.NoError(t, err)

	require.NoError(t, h.manager.PushEvent(ctx, session.ID, events.TypeUserConfirm, map[string]any{"choice": "a"}, "trace-2"))

	require.Len(t, h.dispatcher.dispatched, 1)
	event := h.dispatcher.dispatched[0]
	assert.Equal(t, events.TypeUserConfirm, event.Type)
	assert.Equal(t, "a", event.Payload["choice"])
	assert.Equal(t, "trace-2", event.TraceID)
}

func TestManagerPushEventRehydratesPausedSession(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	h, _ := newManagerHarness(t)
	ctx := context.Background()

	session, err := h.manager.StartSingleNode(ctx, "acme", "user-1", "builtin://search", nil, "trace-1")
	require.NoError(t, err)

	// Park manually: snapshot written, fast store cleared, status paused.
	snap := models.SessionSnapshot{
		SessionID:   session.ID,
		TenantID:    "acme",
		ChatHistory: []models.ChatEntry{{Role: "user", Content: "hello", CreatedAt: time.Now().UTC()}},
		Blackboard:  map[string]any{KeyTenantID: "acme", KeyChatSummary: "greeted"},
		ChatSummary: "greeted",
	}
	require.NoError(t, h.snapshots.Upsert(ctx, snap))
	require.NoError(t, h.bb.Delete(ctx, "acme", session.ID))
	require.NoError(t, h.chat.Clear(ctx, "acme", session.ID))
	require.NoError(t, h.sessions.UpdateStatus(ctx, session.ID, models.SessionStatusPaused))

	require.NoError(t, h.manager.PushEvent(ctx, session.ID, events.TypeUserConfirm, nil, "trace-3"))

	got, err := h.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, got.Status)

	summary, err := h.bb.GetString(ctx, "acme", session.ID, KeyChatSummary)
	require.NoError(t, err)
	assert.Equal(t, "greeted", summary)

	history, err := h.chat.History(ctx, "acme", session.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Content)

	// The consumed snapshot is gone and the resume is on the audit trail.
	_, err = h.snapshots.Get(ctx, session.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Contains(t, h.eventTypes(t, session.ID), events.TypeSessionResume)

	// The event itself reached the dispatcher.
	require.Len(t, h.dispatcher.dispatched, 1)
}

func TestManagerInherit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	h, _ := newManagerHarness(t)
	ctx := context.Background()

	source, err := h.manager.StartSingleNode(ctx, "acme", "user-1", "builtin://search", nil, "trace-1")
	require.NoError(t, err)
	target, err := h.manager.StartSingleNode(ctx, "acme", "user-1", "builtin://writer", nil, "trace-2")
	require.NoError(t, err)

	require.NoError(t, h.bb.WriteArtifact(ctx, "acme", source.ID, "search_result", map[string]any{"hits": float64(3)}))
	require.NoError(t, h.bb.WriteArtifact(ctx, "acme", source.ID, "scratch", "tmp"))

	require.NoError(t, h.manager.Inherit(ctx, "acme", source.ID, target.ID, []string{"search_result"}))

	value, err := h.bb.ReadArtifact(ctx, "acme", target.ID, "search_result")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"hits": float64(3)}, value)

	_, err = h.bb.ReadArtifact(ctx, "acme", target.ID, "scratch")
	assert.ErrorIs(t, err, blackboard.ErrArtifactNotFound)

	// Source keeps its artifacts.
	ids, err := h.bb.ListArtifacts(ctx, "acme", source.ID)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestManagerHardStop(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	h, _ := newManagerHarness(t)
	ctx := context.Background()

	session, err := h.manager.StartSingleNode(ctx, "acme", "user-1", "builtin://search", nil, "trace-1")
	require.NoError(t, err)

	require.NoError(t, h.manager.HardStop(ctx, session.ID, "operator stop", "trace-2"))

	got, err := h.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusAborted, got.Status)
	assert.Equal(t, fsm.StateAborted, got.CurrentState)

	aborted, err := h.stopper.IsAborted(ctx, "acme", session.ID)
	require.NoError(t, err)
	assert.True(t, aborted)
	assert.Equal(t, []string{session.ID}, h.dispatcher.cancelled)

	// Stopping again is a no-op.
	require.NoError(t, h.manager.HardStop(ctx, session.ID, "again", "trace-3"))
	assert.Len(t, h.dispatcher.cancelled, 1)
}

func TestManagerState(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	h, _ := newManagerHarness(t)
	ctx := context.Background()

	session, err := h.manager.StartSingleNode(ctx, "acme", "user-1", "builtin://search", nil, "trace-1")
	require.NoError(t, err)
	require.NoError(t, h.bb.WriteArtifact(ctx, "acme", session.ID, "search_result", "x"))

	state, err := h.manager.State(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ImplicitExecuteState, state.State)
	assert.Equal(t, []string{events.TypeStepDone}, state.AllowedEvents)
	assert.Contains(t, state.BlackboardKeys, KeyTenantID)
	assert.Equal(t, []string{"search_result"}, state.Artifacts)
}

func TestClockParksExpiredSessions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	h, backdate := newManagerHarness(t)
	ctx := context.Background()

	session, err := h.manager.StartSingleNode(ctx, "acme", "user-1", "builtin://search", nil, "trace-1")
	require.NoError(t, err)
	require.NoError(t, h.chat.Append(ctx, "acme", session.ID, "user", "hello"))
	require.NoError(t, h.bb.Set(ctx, "acme", session.ID, KeyChatSummary, "greeted"))

	// Fresh sessions survive a sweep.
	h.clock.Sweep(ctx)
	got, err := h.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, got.Status)

	// Idle past the TTL: the session is parked.
	backdate(session.ID, time.Now().UTC().Add(-2*time.Hour))
	h.clock.Sweep(ctx)

	got, err = h.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPaused, got.Status)

	snap, err := h.snapshots.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "greeted", snap.ChatSummary)
	require.Len(t, snap.ChatHistory, 1)
	assert.Equal(t, "hello", snap.ChatHistory[0].Content)
	assert.Equal(t, "acme", snap.Blackboard[KeyTenantID])

	// The chat list was released from the fast store.
	history, err := h.chat.History(ctx, "acme", session.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)

	assert.Contains(t, h.eventTypes(t, session.ID), events.TypeSessionPause)
}
