// Package fsm advances session state machines atomically against the fast
// store. The machine itself is a compiled view of a flow definition; the
// advancer performs the read-compare-write as one server-side step.
package fsm

import (
	"fmt"
	"sort"

	"github.com/tempoworks/tempo/pkg/events"
	"github.com/tempoworks/tempo/pkg/models"
)

// Terminal states. No transition leaves them except the explicit RESET
// control event, which re-arms the initial state.
const (
	StateEnd     = "end"
	StateError   = "error"
	StateAborted = "aborted"
)

// Target is the destination of one compiled transition.
type Target struct {
	To    string
	FanIn bool
}

// Machine is the compiled transition table of one flow.
type Machine struct {
	flowID       string
	initial      string
	transitions  map[string]map[string]Target
	nodeByState  map[string]string
	userInput    map[string]bool
}

// Compile builds a machine from a validated flow definition.
func Compile(flow models.FlowDefinition) *Machine {
	m := &Machine{
		flowID:      flow.ID,
		initial:     flow.InitialState,
		transitions: make(map[string]map[string]Target, len(flow.States)),
		nodeByState: flow.StateNodeMap,
		userInput:   make(map[string]bool, len(flow.UserInputStates)),
	}
	for _, t := range flow.Transitions {
		if m.transitions[t.From] == nil {
			m.transitions[t.From] = make(map[string]Target)
		}
		m.transitions[t.From][t.Event] = Target{To: t.To, FanIn: t.FanIn}
	}
	for _, state := range flow.UserInputStates {
		m.userInput[state] = true
	}
	return m
}

// CompileImplicit builds the two-state machine backing single-node
// sessions: [execute] --STEP_DONE--> [end].
func CompileImplicit(nodeRef string) *Machine {
	return Compile(models.ImplicitFlow(nodeRef))
}

// FlowID names the backing flow.
func (m *Machine) FlowID() string { return m.flowID }

// Initial returns the machine's initial state.
func (m *Machine) Initial() string { return m.initial }

// IsTerminal reports whether state admits no further transitions.
func IsTerminal(state string) bool {
	return state == StateEnd || state == StateError || state == StateAborted
}

// Next resolves the transition for (state, event). RESET out of a terminal
// state re-arms the initial state; anything else out of a terminal state
// is invalid.
func (m *Machine) Next(state, event string) (Target, error) {
	if IsTerminal(state) {
		if event == events.TypeReset {
			return Target{To: m.initial}, nil
		}
		return Target{}, &InvalidTransitionError{State: state, Event: event}
	}
	target, ok := m.transitions[state][event]
	if !ok {
		return Target{}, &InvalidTransitionError{State: state, Event: event}
	}
	return target, nil
}

// AllowedEvents lists the event types accepted in state, sorted.
func (m *Machine) AllowedEvents(state string) []string {
	if IsTerminal(state) {
		return []string{events.TypeReset}
	}
	out := make([]string, 0, len(m.transitions[state]))
	for event := range m.transitions[state] {
		out = append(out, event)
	}
	sort.Strings(out)
	return out
}

// FanInSources lists the states whose STEP_DONE feeds into to. These are
// the prerequisite steps a fan-in transition waits on.
func (m *Machine) FanInSources(to string) []string {
	var out []string
	for from, byEvent := range m.transitions {
		if target, ok := byEvent[events.TypeStepDone]; ok && target.To == to {
			out = append(out, from)
		}
	}
	sort.Strings(out)
	return out
}

// NodeRef returns the node mapped to state, if any.
func (m *Machine) NodeRef(state string) (string, bool) {
	ref, ok := m.nodeByState[state]
	return ref, ok
}

// IsUserInputState reports whether entering state pauses for human input.
func (m *Machine) IsUserInputState(state string) bool {
	return m.userInput[state]
}

// InvalidTransitionError reports an event the current state does not accept.
type InvalidTransitionError struct {
	State string
	Event string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("no transition for event %s in state %s", e.Event, e.State)
}
