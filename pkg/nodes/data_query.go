package nodes

import (
	"context"
	"strings"

	"github.com/tempoworks/tempo/pkg/models"
	"github.com/tempoworks/tempo/pkg/tonglu"
	"github.com/tempoworks/tempo/pkg/uischema"
)

// DataQueryParams are the data_query node's inputs.
type DataQueryParams struct {
	Intent string `json:"intent" jsonschema:"title=Intent,description=Natural-language query against the knowledge base"`
	TopK   int    `json:"top_k,omitempty" jsonschema:"title=Top K,description=Maximum number of records"`
}

// DataQueryNode answers an intent from the knowledge service and renders
// the records as a table.
type DataQueryNode struct {
	tonglu *tonglu.Client
}

// NewDataQueryNode wires the data_query builtin.
func NewDataQueryNode(kb *tonglu.Client) *DataQueryNode {
	return &DataQueryNode{tonglu: kb}
}

func (n *DataQueryNode) ID() string  { return "data_query" }
func (n *DataQueryNode) Params() any { return DataQueryParams{} }

// Execute runs the query and writes the data_query_result artifact.
func (n *DataQueryNode) Execute(ctx context.Context, input ExecutionInput) (models.NodeResult, error) {
	var params DataQueryParams
	if err := DecodeParams(input.Params, &params); err != nil {
		return models.ErrorResult(err.Error()), nil
	}
	if strings.TrimSpace(params.Intent) == "" {
		return models.ErrorResult("data_query: intent is required"), nil
	}
	if Aborted(ctx, input) {
		return models.AbortedResult(), nil
	}

	topK := params.TopK
	if topK <= 0 {
		topK = 10
	}
	records, err := n.tonglu.Query(ctx, input.TenantID, params.Intent, topK)
	if err != nil {
		return models.ErrorResult("data_query failed: " + err.Error()), nil
	}
	if Aborted(ctx, input) {
		return models.AbortedResult(), nil
	}

	rows := make([]any, 0, len(records))
	recordList := make([]any, 0, len(records))
	for _, r := range records {
		rows = append(rows, []any{r.ID, r.Title, r.Content, r.Score})
		recordList = append(recordList, map[string]any{
			"id": r.ID, "title": r.Title, "content": r.Content, "score": r.Score,
		})
	}

	artifact := map[string]any{"intent": params.Intent, "records": recordList}
	return models.NodeResult{
		Status: models.NodeStatusSuccess,
		Result: map[string]any{"count": len(records), "records": recordList},
		UISchema: map[string]any{
			"component": uischema.ComponentSmartTable,
			"title":     "Data: " + params.Intent,
			"data": map[string]any{
				"columns": []any{"id", "title", "content", "score"},
				"rows":    rows,
			},
		},
		Artifacts: map[string]any{"data_query_result": artifact},
	}, nil
}
