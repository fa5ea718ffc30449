package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validFlow() FlowDefinition {
	return FlowDefinition{
		ID:           "procurement",
		Name:         "procurement",
		States:       []string{"search", "compare", "end"},
		InitialState: "search",
		Transitions: []Transition{
			{From: "search", Event: "STEP_DONE", To: "compare"},
			{From: "compare", Event: "STEP_DONE", To: "end"},
		},
		StateNodeMap:    map[string]string{"search": "builtin://search", "compare": "builtin://writer"},
		UserInputStates: []string{"compare"},
	}
}

func TestFlowDefinition_Validate(t *testing.T) {
	t.Run("valid flow passes", func(t *testing.T) {
		f := validFlow()
		require.NoError(t, f.Validate())
	})

	t.Run("initial state must be in states", func(t *testing.T) {
		f := validFlow()
		f.InitialState = "nowhere"
		assert.ErrorContains(t, f.Validate(), "initial_state")
	})

	t.Run("transition endpoints must be in states", func(t *testing.T) {
		f := validFlow()
		f.Transitions = append(f.Transitions, Transition{From: "compare", Event: "USER_ROLLBACK", To: "ghost"})
		assert.ErrorContains(t, f.Validate(), "to-state")
	})

	t.Run("node map state must exist", func(t *testing.T) {
		f := validFlow()
		f.StateNodeMap["ghost"] = "builtin://writer"
		assert.ErrorContains(t, f.Validate(), "state_node_map")
	})

	t.Run("user input state must exist", func(t *testing.T) {
		f := validFlow()
		f.UserInputStates = []string{"ghost"}
		assert.ErrorContains(t, f.Validate(), "user_input_states")
	})

	t.Run("empty event rejected", func(t *testing.T) {
		f := validFlow()
		f.Transitions[0].Event = ""
		assert.ErrorContains(t, f.Validate(), "empty event")
	})
}

func TestImplicitFlow(t *testing.T) {
	f := ImplicitFlow("builtin://search")
	require.NoError(t, f.Validate())
	assert.Equal(t, ImplicitExecuteState, f.InitialState)

	ref, ok := f.NodeRef(ImplicitExecuteState)
	require.True(t, ok)
	assert.Equal(t, "builtin://search", ref)

	require.Len(t, f.Transitions, 1)
	assert.Equal(t, "STEP_DONE", f.Transitions[0].Event)
	assert.Equal(t, ImplicitEndState, f.Transitions[0].To)
	assert.False(t, f.IsUserInputState(ImplicitExecuteState))
}
