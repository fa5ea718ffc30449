package nodes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tempoworks/tempo/pkg/models"
	"github.com/tempoworks/tempo/pkg/uischema"
)

// EchoParams are the echo node's inputs.
type EchoParams struct {
	Input any `json:"input,omitempty" jsonschema:"title=Input,description=Value to echo back"`
}

// EchoNode returns whatever it receives. It exists so flows and the
// dispatch path can be exercised without any external service.
type EchoNode struct{}

// NewEchoNode wires the echo builtin.
func NewEchoNode() *EchoNode { return &EchoNode{} }

func (n *EchoNode) ID() string  { return "echo" }
func (n *EchoNode) Params() any { return EchoParams{} }

// Execute echoes the input param, or the whole params bag when no input
// was given, and writes the echo_result artifact.
func (n *EchoNode) Execute(ctx context.Context, input ExecutionInput) (models.NodeResult, error) {
	var params EchoParams
	if err := DecodeParams(input.Params, &params); err != nil {
		return models.ErrorResult(err.Error()), nil
	}

	data := params.Input
	if data == nil {
		data = input.Params
	}

	rendered, err := json.Marshal(data)
	if err != nil {
		return models.ErrorResult(fmt.Sprintf("echo: unencodable input: %v", err)), nil
	}

	return models.NodeResult{
		Status: models.NodeStatusSuccess,
		Result: map[string]any{"echo": data},
		UISchema: map[string]any{
			"component": uischema.ComponentDocumentPreview,
			"title":     "Echo",
			"data": map[string]any{
				"content": "Echo: " + string(rendered),
				"format":  "markdown",
			},
		},
		Artifacts: map[string]any{"echo_result": data},
	}, nil
}
