package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tempoworks/tempo/pkg/blackboard"
	"github.com/tempoworks/tempo/pkg/models"
	"github.com/tempoworks/tempo/pkg/tonglu"
)

// DataIngestParams are the data_ingest node's inputs.
type DataIngestParams struct {
	Data        map[string]any `json:"data,omitempty" jsonschema:"title=Data,description=Data to ingest"`
	ArtifactKey string         `json:"artifact_key,omitempty" jsonschema:"title=Artifact,description=Blackboard artifact to ingest instead of inline data"`
	SchemaType  string         `json:"schema_type,omitempty" jsonschema:"title=Schema type,description=Optional data type hint"`
}

// DataIngestNode persists workflow output into the knowledge service so
// later sessions can query it back.
type DataIngestNode struct {
	tonglu *tonglu.Client
}

// NewDataIngestNode wires the data_ingest builtin.
func NewDataIngestNode(kb *tonglu.Client) *DataIngestNode {
	return &DataIngestNode{tonglu: kb}
}

func (n *DataIngestNode) ID() string  { return "data_ingest" }
func (n *DataIngestNode) Params() any { return DataIngestParams{} }

// Execute ingests the inline data, or the named artifact when no inline
// data was given, and returns the stored record id.
func (n *DataIngestNode) Execute(ctx context.Context, input ExecutionInput) (models.NodeResult, error) {
	var params DataIngestParams
	if err := DecodeParams(input.Params, &params); err != nil {
		return models.ErrorResult(err.Error()), nil
	}

	var payload any = params.Data
	if len(params.Data) == 0 {
		if strings.TrimSpace(params.ArtifactKey) == "" {
			return models.ErrorResult("data_ingest: set data or artifact_key"), nil
		}
		if input.Blackboard == nil {
			return models.ErrorResult("data_ingest: no blackboard available"), nil
		}
		value, err := input.Blackboard.ReadArtifact(ctx, input.TenantID, input.SessionID, params.ArtifactKey)
		if errors.Is(err, blackboard.ErrArtifactNotFound) {
			return models.ErrorResult(fmt.Sprintf("data_ingest: artifact %q not found", params.ArtifactKey)), nil
		}
		if err != nil {
			return models.ErrorResult(fmt.Sprintf("data_ingest: failed to read artifact: %v", err)), nil
		}
		payload = value
	}

	text, err := json.Marshal(payload)
	if err != nil {
		return models.ErrorResult(fmt.Sprintf("data_ingest: unencodable data: %v", err)), nil
	}

	var metadata map[string]any
	if params.SchemaType != "" {
		metadata = map[string]any{"schema_type": params.SchemaType}
	}
	resp, err := n.tonglu.IngestText(ctx, input.TenantID, input.SessionID, "workflow", string(text), metadata)
	if err != nil {
		return models.ErrorResult(fmt.Sprintf("data_ingest failed: %v", err)), nil
	}

	return models.NodeResult{
		Status: models.NodeStatusSuccess,
		Result: map[string]any{"record_id": resp.RecordID},
	}, nil
}
