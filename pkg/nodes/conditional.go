package nodes

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/tempoworks/tempo/pkg/models"
)

// ConditionalParams are the conditional node's inputs.
type ConditionalParams struct {
	Key        string `json:"key" jsonschema:"title=Key,description=Blackboard key to check"`
	Operator   string `json:"operator,omitempty" jsonschema:"title=Operator,description=Comparison operator,enum=exists,enum=eq,enum=ne,enum=gt,enum=lt"`
	Value      any    `json:"value,omitempty" jsonschema:"title=Value,description=Value to compare against"`
	TrueEvent  string `json:"true_event,omitempty" jsonschema:"title=True event,description=Event emitted when the condition holds"`
	FalseEvent string `json:"false_event,omitempty" jsonschema:"title=False event,description=Event emitted when the condition fails"`
}

// ConditionalNode branches a flow on blackboard state: it compares a stored
// value against the expected one and emits the matching event.
type ConditionalNode struct{}

// NewConditionalNode wires the conditional builtin.
func NewConditionalNode() *ConditionalNode { return &ConditionalNode{} }

func (n *ConditionalNode) ID() string  { return "conditional" }
func (n *ConditionalNode) Params() any { return ConditionalParams{} }

// Execute evaluates the condition and returns the chosen event as the
// step's next event.
func (n *ConditionalNode) Execute(ctx context.Context, input ExecutionInput) (models.NodeResult, error) {
	var params ConditionalParams
	if err := DecodeParams(input.Params, &params); err != nil {
		return models.ErrorResult(err.Error()), nil
	}
	if strings.TrimSpace(params.Key) == "" {
		return models.ErrorResult("conditional: key is required"), nil
	}
	operator := params.Operator
	if operator == "" {
		operator = "exists"
	}
	trueEvent := params.TrueEvent
	if trueEvent == "" {
		trueEvent = "CONDITION_TRUE"
	}
	falseEvent := params.FalseEvent
	if falseEvent == "" {
		falseEvent = "CONDITION_FALSE"
	}
	if input.Blackboard == nil {
		return models.ErrorResult("conditional: no blackboard available"), nil
	}

	actual, found, err := input.Blackboard.Get(ctx, input.TenantID, input.SessionID, params.Key)
	if err != nil {
		return models.ErrorResult(fmt.Sprintf("conditional: failed to read %s: %v", params.Key, err)), nil
	}

	met, err := conditionMet(operator, actual, params.Value, found)
	if err != nil {
		return models.ErrorResult(err.Error()), nil
	}

	chosen := falseEvent
	if met {
		chosen = trueEvent
	}
	return models.NodeResult{
		Status:     models.NodeStatusSuccess,
		Result:     map[string]any{"condition_met": met, "chosen_event": chosen},
		NextEvents: []string{chosen},
	}, nil
}

// conditionMet applies the operator. Ordered comparisons require both sides
// numeric; a missing key fails every operator except a negated equality.
func conditionMet(operator string, actual, expected any, found bool) (bool, error) {
	switch operator {
	case "exists":
		return found, nil
	case "eq":
		return found && looselyEqual(actual, expected), nil
	case "ne":
		return !found || !looselyEqual(actual, expected), nil
	case "gt", "lt":
		if !found {
			return false, nil
		}
		a, aok := asFloat(actual)
		b, bok := asFloat(expected)
		if !aok || !bok {
			return false, nil
		}
		if operator == "gt" {
			return a > b, nil
		}
		return a < b, nil
	default:
		return false, fmt.Errorf("conditional: unknown operator %q", operator)
	}
}

// looselyEqual treats numbers of any width as comparable; everything else
// falls back to deep equality.
func looselyEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
