package nodes

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tempoworks/tempo/pkg/blackboard"
	"github.com/tempoworks/tempo/pkg/models"
)

// TransformParams are the transform node's inputs.
type TransformParams struct {
	SourceArtifact string `json:"source_artifact" jsonschema:"title=Source,description=Artifact id (or blackboard key) to read"`
	ExtractPath    string `json:"extract_path,omitempty" jsonschema:"title=Path,description=Dot-separated path into the source (e.g. items.0.name)"`
	OutputKey      string `json:"output_key,omitempty" jsonschema:"title=Output,description=Artifact id the extracted value is written under"`
}

// TransformNode extracts a fragment of an earlier step's output so the next
// step can consume it directly. Sources resolve against artifacts first,
// then plain blackboard keys.
type TransformNode struct{}

// NewTransformNode wires the transform builtin.
func NewTransformNode() *TransformNode { return &TransformNode{} }

func (n *TransformNode) ID() string  { return "transform" }
func (n *TransformNode) Params() any { return TransformParams{} }

// Execute extracts the value and returns it as the output artifact.
func (n *TransformNode) Execute(ctx context.Context, input ExecutionInput) (models.NodeResult, error) {
	var params TransformParams
	if err := DecodeParams(input.Params, &params); err != nil {
		return models.ErrorResult(err.Error()), nil
	}
	if strings.TrimSpace(params.SourceArtifact) == "" {
		return models.ErrorResult("transform: source_artifact is required"), nil
	}
	outputKey := params.OutputKey
	if outputKey == "" {
		outputKey = "transform_result"
	}
	if input.Blackboard == nil {
		return models.ErrorResult("transform: no blackboard available"), nil
	}

	source, err := n.loadSource(ctx, input, params.SourceArtifact)
	if err != nil {
		return models.ErrorResult(err.Error()), nil
	}

	value := extractPath(source, params.ExtractPath)

	return models.NodeResult{
		Status:    models.NodeStatusSuccess,
		Result:    map[string]any{"extracted": value},
		Artifacts: map[string]any{outputKey: value},
	}, nil
}

func (n *TransformNode) loadSource(ctx context.Context, input ExecutionInput, key string) (any, error) {
	value, err := input.Blackboard.ReadArtifact(ctx, input.TenantID, input.SessionID, key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, blackboard.ErrArtifactNotFound) {
		return nil, fmt.Errorf("transform: failed to read %s: %w", key, err)
	}

	value, found, err := input.Blackboard.Get(ctx, input.TenantID, input.SessionID, key)
	if err != nil {
		return nil, fmt.Errorf("transform: failed to read %s: %w", key, err)
	}
	if !found {
		return nil, fmt.Errorf("transform: source %q not found", key)
	}
	return value, nil
}

// extractPath walks a dot-separated path through nested maps and lists.
// A segment that does not resolve yields nil.
func extractPath(value any, path string) any {
	if path == "" {
		return value
	}
	current := value
	for _, part := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			current = v[part]
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil
			}
			current = v[idx]
		default:
			return nil
		}
		if current == nil {
			return nil
		}
	}
	return current
}
