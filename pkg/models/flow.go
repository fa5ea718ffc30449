package models

import "fmt"

// Transition is one edge of a flow's state machine. FanIn marks edges that
// must wait for prerequisite steps to finish before the target node runs.
type Transition struct {
	From  string `yaml:"from" json:"from"`
	Event string `yaml:"event" json:"event"`
	To    string `yaml:"to" json:"to"`
	FanIn bool   `yaml:"fan_in,omitempty" json:"fan_in,omitempty"`
}

// FlowDefinition is a named FSM template over states, transitions, and a
// state-to-node map. Cycles are permitted; fan-in is enforced by event-log
// lookups, not structural analysis.
type FlowDefinition struct {
	ID              string            `yaml:"id,omitempty" json:"id,omitempty"`
	Name            string            `yaml:"name" json:"name"`
	Description     string            `yaml:"description,omitempty" json:"description,omitempty"`
	States          []string          `yaml:"states" json:"states"`
	InitialState    string            `yaml:"initial_state" json:"initial_state"`
	Transitions     []Transition      `yaml:"transitions" json:"transitions"`
	StateNodeMap    map[string]string `yaml:"state_node_map" json:"state_node_map"`
	UserInputStates []string          `yaml:"user_input_states,omitempty" json:"user_input_states,omitempty"`
}

// ImplicitFlowID names the synthetic flow backing single-node sessions.
const ImplicitFlowID = "_implicit"

// Implicit states and trigger for single-node sessions:
// [execute] --STEP_DONE--> [end].
const (
	ImplicitExecuteState = "execute"
	ImplicitEndState     = "end"
)

// ImplicitFlow synthesizes the two-state flow used by StartSingleNode.
func ImplicitFlow(nodeRef string) FlowDefinition {
	return FlowDefinition{
		ID:           ImplicitFlowID,
		Name:         "implicit single node",
		States:       []string{ImplicitExecuteState, ImplicitEndState},
		InitialState: ImplicitExecuteState,
		Transitions: []Transition{
			{From: ImplicitExecuteState, Event: "STEP_DONE", To: ImplicitEndState},
		},
		StateNodeMap: map[string]string{ImplicitExecuteState: nodeRef},
	}
}

// Validate checks internal consistency: the initial state and every state
// referenced by transitions or the node map must be members of States.
// Node-ref resolvability is checked separately at registration time.
func (f *FlowDefinition) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("flow validation: name is required")
	}
	if len(f.States) == 0 {
		return fmt.Errorf("flow %q validation: states is empty", f.Name)
	}
	known := make(map[string]bool, len(f.States))
	for _, s := range f.States {
		known[s] = true
	}
	if f.InitialState == "" {
		return fmt.Errorf("flow %q validation: initial_state is required", f.Name)
	}
	if !known[f.InitialState] {
		return fmt.Errorf("flow %q validation: initial_state %q not in states", f.Name, f.InitialState)
	}
	for i, t := range f.Transitions {
		if t.Event == "" {
			return fmt.Errorf("flow %q validation: transition %d has empty event", f.Name, i)
		}
		if !known[t.From] {
			return fmt.Errorf("flow %q validation: transition %d from-state %q not in states", f.Name, i, t.From)
		}
		if !known[t.To] {
			return fmt.Errorf("flow %q validation: transition %d to-state %q not in states", f.Name, i, t.To)
		}
	}
	for state := range f.StateNodeMap {
		if !known[state] {
			return fmt.Errorf("flow %q validation: state_node_map references unknown state %q", f.Name, state)
		}
	}
	for _, state := range f.UserInputStates {
		if !known[state] {
			return fmt.Errorf("flow %q validation: user_input_states references unknown state %q", f.Name, state)
		}
	}
	return nil
}

// IsUserInputState reports whether entering state pauses for human input.
func (f *FlowDefinition) IsUserInputState(state string) bool {
	for _, s := range f.UserInputStates {
		if s == state {
			return true
		}
	}
	return false
}

// NodeRef returns the node reference mapped to state, if any.
func (f *FlowDefinition) NodeRef(state string) (string, bool) {
	ref, ok := f.StateNodeMap[state]
	return ref, ok
}
