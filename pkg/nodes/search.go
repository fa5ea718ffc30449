package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tempoworks/tempo/pkg/llm"
	"github.com/tempoworks/tempo/pkg/models"
	"github.com/tempoworks/tempo/pkg/uischema"
)

// SearchParams are the search node's inputs.
type SearchParams struct {
	Query string `json:"query" jsonschema:"title=Query,description=Search query text"`
	TopK  int    `json:"top_k,omitempty" jsonschema:"title=Top K,description=Maximum number of results"`
}

// SearchNode answers a query with provider-side web search and renders the
// hits as a table.
type SearchNode struct {
	llm *llm.Client
}

// NewSearchNode wires the search builtin.
func NewSearchNode(client *llm.Client) *SearchNode {
	return &SearchNode{llm: client}
}

func (n *SearchNode) ID() string  { return "search" }
func (n *SearchNode) Params() any { return SearchParams{} }

const searchPrompt = `You are a web research assistant. Search for the user's query and
respond with a single JSON object and nothing else:
{"results": [{"title": "...", "url": "...", "snippet": "..."}]}
Return the most relevant results first.`

// Execute runs the search and writes the search_result artifact.
func (n *SearchNode) Execute(ctx context.Context, input ExecutionInput) (models.NodeResult, error) {
	var params SearchParams
	if err := DecodeParams(input.Params, &params); err != nil {
		return models.ErrorResult(err.Error()), nil
	}
	if strings.TrimSpace(params.Query) == "" {
		return models.ErrorResult("search: query is required"), nil
	}
	if Aborted(ctx, input) {
		return models.AbortedResult(), nil
	}

	msg, err := n.llm.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: searchPrompt},
		{Role: llm.RoleUser, Content: params.Query},
	}, []llm.Tool{llm.WebSearchTool()})
	if err != nil {
		return models.ErrorResult(fmt.Sprintf("search failed: %v", err)), nil
	}
	if Aborted(ctx, input) {
		return models.AbortedResult(), nil
	}

	results, err := parseSearchResults(msg.Content)
	if err != nil {
		return models.ErrorResult(fmt.Sprintf("search returned unparseable results: %v", err)), nil
	}
	if params.TopK > 0 && len(results) > params.TopK {
		results = results[:params.TopK]
	}

	rows := make([]any, 0, len(results))
	resultList := make([]any, 0, len(results))
	for _, r := range results {
		rows = append(rows, []any{r.Title, r.URL, r.Snippet})
		resultList = append(resultList, map[string]any{"title": r.Title, "url": r.URL, "snippet": r.Snippet})
	}

	artifact := map[string]any{"query": params.Query, "results": resultList}
	return models.NodeResult{
		Status: models.NodeStatusSuccess,
		Result: map[string]any{"count": len(results), "results": resultList},
		UISchema: map[string]any{
			"component": uischema.ComponentSmartTable,
			"title":     "Search: " + params.Query,
			"data": map[string]any{
				"columns": []any{"title", "url", "snippet"},
				"rows":    rows,
			},
			"actions": []any{
				uischema.ExportAction("Export Excel"),
				uischema.PostBackAction("Search again", "Show different results for: "+params.Query),
			},
		},
		Artifacts: map[string]any{"search_result": artifact},
	}, nil
}

type searchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// parseSearchResults accepts the JSON object the prompt demands, tolerating
// a fenced code block around it.
func parseSearchResults(content string) ([]searchHit, error) {
	var parsed struct {
		Results []searchHit `json:"results"`
	}
	if err := json.Unmarshal([]byte(stripFence(content)), &parsed); err != nil {
		return nil, err
	}
	return parsed.Results, nil
}

// stripFence removes a surrounding markdown code fence, if any.
func stripFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
