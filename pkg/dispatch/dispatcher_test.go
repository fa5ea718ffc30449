package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempoworks/tempo/pkg/blackboard"
	"github.com/tempoworks/tempo/pkg/bus"
	"github.com/tempoworks/tempo/pkg/config"
	"github.com/tempoworks/tempo/pkg/events"
	"github.com/tempoworks/tempo/pkg/fsm"
	"github.com/tempoworks/tempo/pkg/models"
	"github.com/tempoworks/tempo/pkg/nodes"
	"github.com/tempoworks/tempo/pkg/redis"
	"github.com/tempoworks/tempo/pkg/registry"
	"github.com/tempoworks/tempo/pkg/reliability"
	"github.com/tempoworks/tempo/pkg/storage"
	"github.com/tempoworks/tempo/test/util"
)

type fakeNode struct {
	id   string
	fn   func(ctx context.Context, input nodes.ExecutionInput) (models.NodeResult, error)
	runs atomic.Int32
}

func (n *fakeNode) ID() string  { return n.id }
func (n *fakeNode) Params() any { return struct{}{} }
func (n *fakeNode) Execute(ctx context.Context, input nodes.ExecutionInput) (models.NodeResult, error) {
	n.runs.Add(1)
	return n.fn(ctx, input)
}

type harness struct {
	dispatcher *Dispatcher
	sessions   *storage.SessionStore
	flows      *storage.FlowStore
	eventLog   *storage.EventStore
	idem       *storage.IdempotencyStore
	registry   *registry.Registry
	advancer   *fsm.Advancer
	bb         *blackboard.Blackboard
	stopper    *reliability.HardStopper
	publisher  *events.Publisher
}

func newHarness(t *testing.T, callbackFmt string) *harness {
	t.Helper()
	client := util.SetupTestDatabase(t)

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	keys := redis.NewKeys("tempo")
	logger := slog.Default()

	sessions := storage.NewSessionStore(client.Gorm())
	flows := storage.NewFlowStore(client.Gorm())
	eventLog := storage.NewEventStore(client.Gorm())
	idem := storage.NewIdempotencyStore(client.Gorm())
	nodeStore := storage.NewNodeStore(client.Gorm())

	bb := blackboard.New(rdb, keys, 30*time.Minute)
	advancer := fsm.NewAdvancer(rdb, keys)
	eventBus := bus.New(rdb, keys)
	publisher := events.NewPublisher(eventLog, eventBus, events.NewTicker(rdb, keys))
	reg := registry.New(nodeStore, logger)
	stopper := reliability.NewHardStopper(rdb, keys, bb, publisher, logger)

	retry := reliability.NewPolicy(config.RetryConfig{
		MaxAttempts:        2,
		BackoffBaseSeconds: 0.01,
		BackoffMultiplier:  2,
		MaxBackoffSeconds:  0.05,
	})

	if callbackFmt == "" {
		callbackFmt = "http://localhost/api/workflow/%s/callback"
	}

	d := New(Deps{
		Sessions:   sessions,
		Flows:      flows,
		Advancer:   advancer,
		Registry:   reg,
		Publisher:  publisher,
		Blackboard: bb,
		Guard:      reliability.NewGuard(idem, logger),
		FanIn:      reliability.NewChecker(eventLog),
		Stopper:    stopper,
		Retry:      retry,
		Webhook:    NewWebhookInvoker(callbackFmt, logger),
		Logger:     logger,
	})
	t.Cleanup(d.Shutdown)

	return &harness{
		dispatcher: d,
		sessions:   sessions,
		flows:      flows,
		eventLog:   eventLog,
		idem:       idem,
		registry:   reg,
		advancer:   advancer,
		bb:         bb,
		stopper:    stopper,
		publisher:  publisher,
	}
}

func (h *harness) newSession(t *testing.T, flowID, initialState string, params map[string]any) *models.Session {
	t.Helper()
	ctx := context.Background()
	session := &models.Session{
		ID:           uuid.New().String(),
		TenantID:     "acme",
		FlowID:       flowID,
		CurrentState: initialState,
		Status:       models.SessionStatusRunning,
		Params:       params,
		TTLSeconds:   models.DefaultSessionTTLSeconds,
	}
	require.NoError(t, h.sessions.Create(ctx, session))
	require.NoError(t, h.advancer.Set(ctx, session.TenantID, session.ID, initialState))
	return session
}

func (h *harness) eventTypes(t *testing.T, sessionID string) []string {
	t.Helper()
	evs, err := h.eventLog.ListBySession(context.Background(), sessionID, 0, 100)
	require.NoError(t, err)
	types := make([]string, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	return types
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestDispatcherImplicitSessionRunsToCompletion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	h := newHarness(t, "")
	ctx := context.Background()

	node := &fakeNode{id: "echo", fn: func(ctx context.Context, input nodes.ExecutionInput) (models.NodeResult, error) {
		return models.NodeResult{
			Status:    models.NodeStatusSuccess,
			Result:    map[string]any{"echo": input.Params["message"]},
			Artifacts: map[string]any{"echo_result": map[string]any{"echo": input.Params["message"]}},
		}, nil
	}}
	require.NoError(t, h.registry.RegisterBuiltin(ctx, node, "echoes its input"))

	session := h.newSession(t, models.ImplicitFlowID, models.ImplicitExecuteState, map[string]any{
		"node_id": "builtin://echo",
		"message": "hello",
	})

	require.NoError(t, h.dispatcher.Start(ctx, session.ID, "trace-1"))
	waitFor(t, func() bool {
		got, err := h.sessions.Get(ctx, session.ID)
		return err == nil && got.Status == models.SessionStatusCompleted
	})

	got, err := h.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "end", got.CurrentState)
	assert.Equal(t, int32(1), node.runs.Load())

	types := h.eventTypes(t, session.ID)
	assert.Contains(t, types, events.TypeEventResult)
	assert.Contains(t, types, events.TypeStepDone)
	assert.Contains(t, types, events.TypeStateTransition)
	assert.Contains(t, types, events.TypeSessionComplete)

	artifact, err := h.bb.ReadArtifact(ctx, "acme", session.ID, "echo_result")
	require.NoError(t, err)
	assert.Equal(t, "hello", artifact.(map[string]any)["echo"])
}

func TestDispatcherUserInputFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	h := newHarness(t, "")
	ctx := context.Background()

	node := &fakeNode{id: "collector", fn: func(ctx context.Context, input nodes.ExecutionInput) (models.NodeResult, error) {
		return models.NodeResult{Status: models.NodeStatusSuccess}, nil
	}}
	require.NoError(t, h.registry.RegisterBuiltin(ctx, node, ""))

	flow := models.FlowDefinition{
		ID:           "review-flow",
		Name:         "collect then review",
		States:       []string{"collect", "review", "end"},
		InitialState: "collect",
		Transitions: []models.Transition{
			{From: "collect", Event: events.TypeStepDone, To: "review"},
			{From: "review", Event: events.TypeUserConfirm, To: "end"},
		},
		StateNodeMap:    map[string]string{"collect": "builtin://collector"},
		UserInputStates: []string{"review"},
	}
	require.NoError(t, h.flows.Upsert(ctx, storage.GlobalTenant, flow))

	session := h.newSession(t, "review-flow", "collect", nil)
	require.NoError(t, h.dispatcher.Start(ctx, session.ID, "trace-1"))

	// The step completes and the flow pauses at the review state.
	waitFor(t, func() bool {
		got, err := h.sessions.Get(ctx, session.ID)
		return err == nil && got.Status == models.SessionStatusWaitingUser
	})
	got, err := h.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "review", got.CurrentState)
	assert.Contains(t, h.eventTypes(t, session.ID), events.TypeNeedUserInput)

	// User confirms; the flow finishes.
	confirm := models.NewEvent(events.TypeUserConfirm, "user", "acme", session.ID, nil)
	require.NoError(t, h.dispatcher.Dispatch(ctx, session.ID, confirm))
	waitFor(t, func() bool {
		got, err := h.sessions.Get(ctx, session.ID)
		return err == nil && got.Status == models.SessionStatusCompleted
	})
}

func TestDispatcherRejectsInvalidTransition(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	h := newHarness(t, "")
	ctx := context.Background()

	flow := models.FlowDefinition{
		ID:           "strict",
		Name:         "strict",
		States:       []string{"a", "end"},
		InitialState: "a",
		Transitions:  []models.Transition{{From: "a", Event: events.TypeStepDone, To: "end"}},
	}
	require.NoError(t, h.flows.Upsert(ctx, storage.GlobalTenant, flow))
	session := h.newSession(t, "strict", "a", nil)

	event := models.NewEvent(events.TypeUserConfirm, "user", "acme", session.ID, nil)
	err := h.dispatcher.Dispatch(ctx, session.ID, event)

	var invalid *fsm.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "a", invalid.State)
}

func TestDispatcherRefusesAbortedSession(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	h := newHarness(t, "")
	ctx := context.Background()

	session := h.newSession(t, models.ImplicitFlowID, models.ImplicitExecuteState, map[string]any{"node_id": "builtin://x"})
	require.NoError(t, h.stopper.Abort(ctx, "acme", session.ID, "trace-1", "operator stop"))

	event := models.NewEvent(events.TypeStepDone, "x", "acme", session.ID, nil)
	err := h.dispatcher.Dispatch(ctx, session.ID, event)
	require.ErrorIs(t, err, ErrAborted)
	assert.Contains(t, h.eventTypes(t, session.ID), events.TypeEventAborted)
}

func TestDispatcherRetriesThenFails(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	h := newHarness(t, "")
	ctx := context.Background()

	node := &fakeNode{id: "flaky", fn: func(ctx context.Context, input nodes.ExecutionInput) (models.NodeResult, error) {
		return models.ErrorResult("downstream unavailable"), nil
	}}
	require.NoError(t, h.registry.RegisterBuiltin(ctx, node, ""))

	session := h.newSession(t, models.ImplicitFlowID, models.ImplicitExecuteState, map[string]any{"node_id": "builtin://flaky"})
	require.NoError(t, h.dispatcher.Start(ctx, session.ID, "trace-1"))

	waitFor(t, func() bool {
		got, err := h.sessions.Get(ctx, session.ID)
		return err == nil && got.Status == models.SessionStatusError
	})

	// Both attempts ran and were recorded.
	assert.Equal(t, int32(2), node.runs.Load())
	errorCount := 0
	for _, typ := range h.eventTypes(t, session.ID) {
		if typ == events.TypeEventError {
			errorCount++
		}
	}
	assert.Equal(t, 2, errorCount)

	got, err := h.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, fsm.StateError, got.CurrentState)
}

func TestDispatcherSkipsRecordedSuccess(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	h := newHarness(t, "")
	ctx := context.Background()

	node := &fakeNode{id: "once", fn: func(ctx context.Context, input nodes.ExecutionInput) (models.NodeResult, error) {
		return models.NodeResult{Status: models.NodeStatusSuccess}, nil
	}}
	require.NoError(t, h.registry.RegisterBuiltin(ctx, node, ""))

	session := h.newSession(t, models.ImplicitFlowID, models.ImplicitExecuteState, map[string]any{"node_id": "builtin://once"})

	// A prior dispatch already recorded success for this step.
	proceed, _, err := h.idem.TryStart(ctx, session.ID, models.ImplicitExecuteState, 1)
	require.NoError(t, err)
	require.True(t, proceed)
	require.NoError(t, h.idem.Finish(ctx, session.ID, models.ImplicitExecuteState, 1, storage.IdempotencySuccess, "abc"))

	require.NoError(t, h.dispatcher.Start(ctx, session.ID, "trace-1"))
	waitFor(t, func() bool {
		got, err := h.sessions.Get(ctx, session.ID)
		return err == nil && got.Status == models.SessionStatusCompleted
	})

	// The node never ran again; the cascade alone advanced the flow.
	assert.Equal(t, int32(0), node.runs.Load())
}

func TestDispatcherFanIn(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	h := newHarness(t, "")
	ctx := context.Background()

	flow := models.FlowDefinition{
		ID:           "join-flow",
		Name:         "two-branch join",
		States:       []string{"a", "b", "join", "end"},
		InitialState: "a",
		Transitions: []models.Transition{
			{From: "a", Event: events.TypeStepDone, To: "join", FanIn: true},
			{From: "b", Event: events.TypeStepDone, To: "join", FanIn: true},
			{From: "join", Event: events.TypeStepDone, To: "end"},
		},
	}
	require.NoError(t, h.flows.Upsert(ctx, storage.GlobalTenant, flow))
	session := h.newSession(t, "join-flow", "a", nil)

	// Only branch a has finished: the join stays put.
	require.NoError(t, h.publisher.PublishStepDone(ctx, "acme", session.ID, "t", "a"))
	event := models.NewEvent(events.TypeStepDone, "a", "acme", session.ID, nil)
	require.NoError(t, h.dispatcher.Dispatch(ctx, session.ID, event))

	state, err := h.advancer.Current(ctx, "acme", session.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", state)
	assert.Contains(t, h.eventTypes(t, session.ID), events.TypeEventPendingFanIn)

	// Branch b finishes too: the join proceeds.
	require.NoError(t, h.publisher.PublishStepDone(ctx, "acme", session.ID, "t", "b"))
	event = models.NewEvent(events.TypeStepDone, "a", "acme", session.ID, nil)
	require.NoError(t, h.dispatcher.Dispatch(ctx, session.ID, event))

	state, err = h.advancer.Current(ctx, "acme", session.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, "join", state)
}

func TestDispatcherWebhookRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	received := make(chan WebhookRequest, 1)
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req WebhookRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		received <- req
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(remote.Close)

	h := newHarness(t, "http://kernel/api/workflow/%s/callback")
	ctx := context.Background()

	require.NoError(t, h.registry.RegisterWebhook(ctx, "acme", "erp-sync", remote.URL, map[string]any{
		"type":     "object",
		"required": []any{"order_id"},
	}, "syncs orders"))

	session := h.newSession(t, models.ImplicitFlowID, models.ImplicitExecuteState, map[string]any{
		"node_id":  "erp-sync",
		"order_id": "o-42",
	})
	require.NoError(t, h.dispatcher.Start(ctx, session.ID, "trace-9"))

	var req WebhookRequest
	select {
	case req = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("webhook never delivered")
	}
	assert.Equal(t, session.ID, req.SessionID)
	assert.Equal(t, models.ImplicitExecuteState, req.Step)
	assert.Equal(t, "o-42", req.Params["order_id"])
	assert.Equal(t, "http://kernel/api/workflow/"+session.ID+"/callback", req.CallbackURL)

	h.dispatcher.Pool().Wait()

	// The remote node finishes via the callback channel.
	require.NoError(t, h.dispatcher.HandleCallback(ctx, session.ID, models.NodeResult{
		Status: models.NodeStatusSuccess,
		Result: map[string]any{"synced": true},
	}))
	waitFor(t, func() bool {
		got, err := h.sessions.Get(ctx, session.ID)
		return err == nil && got.Status == models.SessionStatusCompleted
	})
}

func TestDispatcherPostAbortCallback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(remote.Close)

	h := newHarness(t, "")
	ctx := context.Background()

	require.NoError(t, h.registry.RegisterWebhook(ctx, "acme", "slow-node", remote.URL, nil, ""))
	session := h.newSession(t, models.ImplicitFlowID, models.ImplicitExecuteState, map[string]any{"node_id": "slow-node"})

	require.NoError(t, h.dispatcher.Start(ctx, session.ID, "trace-1"))
	h.dispatcher.Pool().Wait()

	// The session is hard-stopped while the remote node still works.
	require.NoError(t, h.stopper.Abort(ctx, "acme", session.ID, "trace-1", "user stop"))

	require.NoError(t, h.dispatcher.HandleCallback(ctx, session.ID, models.NodeResult{Status: models.NodeStatusSuccess}))

	// The late result is annotated and the state is unchanged.
	evs, err := h.eventLog.ListBySession(ctx, session.ID, 0, 100)
	require.NoError(t, err)
	var annotated bool
	for _, ev := range evs {
		if ev.Type == events.TypeEventResult && ev.Payload["post_abort"] == true {
			annotated = true
		}
	}
	assert.True(t, annotated)

	state, err := h.advancer.Current(ctx, "acme", session.ID, models.ImplicitExecuteState)
	require.NoError(t, err)
	assert.Equal(t, models.ImplicitExecuteState, state)
}

func TestValidateParams(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"order_id"},
		"properties": map[string]any{
			"order_id": map[string]any{"type": "string"},
		},
	}

	assert.NoError(t, validateParams(schema, map[string]any{"order_id": "o-1"}))
	assert.Error(t, validateParams(schema, map[string]any{}))
	assert.Error(t, validateParams(schema, map[string]any{"order_id": 42}))
}
