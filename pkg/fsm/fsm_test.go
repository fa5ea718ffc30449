package fsm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempoworks/tempo/pkg/events"
	"github.com/tempoworks/tempo/pkg/models"
	"github.com/tempoworks/tempo/pkg/redis"
)

func testFlow() models.FlowDefinition {
	return models.FlowDefinition{
		ID:           "procurement",
		Name:         "procurement",
		States:       []string{"search", "compare", "modify", "modify_done", "end", "error", "aborted"},
		InitialState: "search",
		Transitions: []models.Transition{
			{From: "search", Event: events.TypeStepDone, To: "compare"},
			{From: "compare", Event: events.TypeStepDone, To: "modify_done", FanIn: true},
			{From: "modify_done", Event: events.TypeUserRollback, To: "modify"},
			{From: "modify", Event: events.TypeStepDone, To: "modify_done"},
			{From: "modify_done", Event: events.TypeUserConfirm, To: "end"},
		},
		StateNodeMap:    map[string]string{"search": "builtin://search", "compare": "builtin://writer"},
		UserInputStates: []string{"modify"},
	}
}

func TestMachine(t *testing.T) {
	m := Compile(testFlow())

	t.Run("resolves transitions", func(t *testing.T) {
		target, err := m.Next("search", events.TypeStepDone)
		require.NoError(t, err)
		assert.Equal(t, "compare", target.To)
		assert.False(t, target.FanIn)

		target, err = m.Next("compare", events.TypeStepDone)
		require.NoError(t, err)
		assert.True(t, target.FanIn)
	})

	t.Run("cycles are permitted", func(t *testing.T) {
		target, err := m.Next("modify_done", events.TypeUserRollback)
		require.NoError(t, err)
		assert.Equal(t, "modify", target.To)

		target, err = m.Next("modify", events.TypeStepDone)
		require.NoError(t, err)
		assert.Equal(t, "modify_done", target.To)
	})

	t.Run("unknown event is invalid", func(t *testing.T) {
		_, err := m.Next("search", events.TypeUserConfirm)
		var invalid *InvalidTransitionError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, "search", invalid.State)
	})

	t.Run("terminal states only accept RESET", func(t *testing.T) {
		_, err := m.Next(StateEnd, events.TypeStepDone)
		var invalid *InvalidTransitionError
		require.ErrorAs(t, err, &invalid)

		target, err := m.Next(StateEnd, events.TypeReset)
		require.NoError(t, err)
		assert.Equal(t, "search", target.To)

		assert.Equal(t, []string{events.TypeReset}, m.AllowedEvents(StateError))
	})

	t.Run("allowed events are sorted", func(t *testing.T) {
		assert.Equal(t,
			[]string{events.TypeUserConfirm, events.TypeUserRollback},
			m.AllowedEvents("modify_done"))
	})

	t.Run("node map and user input states", func(t *testing.T) {
		ref, ok := m.NodeRef("search")
		require.True(t, ok)
		assert.Equal(t, "builtin://search", ref)

		_, ok = m.NodeRef("modify_done")
		assert.False(t, ok)

		assert.True(t, m.IsUserInputState("modify"))
		assert.False(t, m.IsUserInputState("search"))
	})
}

func TestCompileImplicit(t *testing.T) {
	m := CompileImplicit("builtin://search")

	assert.Equal(t, models.ImplicitExecuteState, m.Initial())
	target, err := m.Next(models.ImplicitExecuteState, events.TypeStepDone)
	require.NoError(t, err)
	assert.Equal(t, models.ImplicitEndState, target.To)

	ref, ok := m.NodeRef(models.ImplicitExecuteState)
	require.True(t, ok)
	assert.Equal(t, "builtin://search", ref)
}

func newTestAdvancer(t *testing.T) *Advancer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewAdvancer(client, redis.NewKeys("tempo"))
}

func TestAdvancerAdvance(t *testing.T) {
	adv := newTestAdvancer(t)
	m := Compile(testFlow())
	ctx := context.Background()

	t.Run("fresh session starts at the initial state", func(t *testing.T) {
		state, err := adv.Current(ctx, "acme", "s1", m.Initial())
		require.NoError(t, err)
		assert.Equal(t, "search", state)
	})

	t.Run("advance moves through the flow", func(t *testing.T) {
		state, err := adv.Advance(ctx, "acme", "s1", m, events.TypeStepDone)
		require.NoError(t, err)
		assert.Equal(t, "compare", state)

		state, err = adv.Current(ctx, "acme", "s1", m.Initial())
		require.NoError(t, err)
		assert.Equal(t, "compare", state)
	})

	t.Run("invalid event is rejected without a write", func(t *testing.T) {
		_, err := adv.Advance(ctx, "acme", "s1", m, events.TypeUserRollback)
		var invalid *InvalidTransitionError
		require.ErrorAs(t, err, &invalid)

		state, err := adv.Current(ctx, "acme", "s1", m.Initial())
		require.NoError(t, err)
		assert.Equal(t, "compare", state)
	})
}

func TestAdvancerCASConflict(t *testing.T) {
	adv := newTestAdvancer(t)
	ctx := context.Background()

	require.NoError(t, adv.Set(ctx, "acme", "s1", "search"))

	require.NoError(t, adv.CAS(ctx, "acme", "s1", "search", "compare"))

	err := adv.CAS(ctx, "acme", "s1", "search", "compare")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "compare", conflict.Current)
}

func TestAdvancerConcurrentRace(t *testing.T) {
	adv := newTestAdvancer(t)
	// compare has no STEP_DONE transition, so late readers cannot advance
	// a second time with the same trigger.
	m := Compile(models.FlowDefinition{
		ID:           "race",
		Name:         "race",
		States:       []string{"search", "compare", "end"},
		InitialState: "search",
		Transitions: []models.Transition{
			{From: "search", Event: events.TypeStepDone, To: "compare"},
			{From: "compare", Event: events.TypeUserConfirm, To: "end"},
		},
	})
	ctx := context.Background()

	require.NoError(t, adv.Set(ctx, "acme", "race", "search"))

	// Several dispatchers race the same trigger; exactly one CAS wins,
	// the rest observe a conflict or find no matching transition.
	const racers = 8
	var wg sync.WaitGroup
	wins := make(chan string, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, err := adv.Advance(ctx, "acme", "race", m, events.TypeStepDone)
			if err == nil {
				wins <- state
				return
			}
			var conflict *ConflictError
			var invalid *InvalidTransitionError
			assert.True(t, errors.As(err, &conflict) || errors.As(err, &invalid),
				"unexpected error: %v", err)
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for state := range wins {
		winners++
		assert.Equal(t, "compare", state)
	}
	assert.Equal(t, 1, winners)
}
