package nodes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tempoworks/tempo/pkg/llm"
	"github.com/tempoworks/tempo/pkg/models"
	"github.com/tempoworks/tempo/pkg/prompts"
	"github.com/tempoworks/tempo/pkg/tonglu"
	"github.com/tempoworks/tempo/pkg/uischema"
)

// WriterParams are the writer node's inputs.
type WriterParams struct {
	Skill      string         `json:"skill" jsonschema:"title=Skill,description=Document skill,enum=quotation,enum=contract,enum=delivery_note,enum=financial_report,enum=comparison,enum=general"`
	Data       map[string]any `json:"data" jsonschema:"title=Data,description=Source data for the document"`
	TemplateID string         `json:"template_id,omitempty" jsonschema:"title=Template,description=Optional knowledge-base template record id"`
}

// WriterNode drafts structured business documents with the LLM, one prompt
// per skill.
type WriterNode struct {
	llm     *llm.Client
	tonglu  *tonglu.Client
	prompts *prompts.Loader
}

// NewWriterNode wires the writer builtin. The tonglu client may be nil;
// template lookups are then skipped.
func NewWriterNode(client *llm.Client, kb *tonglu.Client, loader *prompts.Loader) *WriterNode {
	return &WriterNode{llm: client, tonglu: kb, prompts: loader}
}

func (n *WriterNode) ID() string  { return "writer" }
func (n *WriterNode) Params() any { return WriterParams{} }

// Execute drafts the document and writes the {skill}_result artifact.
func (n *WriterNode) Execute(ctx context.Context, input ExecutionInput) (models.NodeResult, error) {
	var params WriterParams
	if err := DecodeParams(input.Params, &params); err != nil {
		return models.ErrorResult(err.Error()), nil
	}
	if !prompts.IsWriterSkill(params.Skill) {
		return models.ErrorResult(fmt.Sprintf("writer: unknown skill %q", params.Skill)), nil
	}
	if Aborted(ctx, input) {
		return models.AbortedResult(), nil
	}

	prompt, err := n.prompts.Get(params.Skill)
	if err != nil {
		return models.ErrorResult(err.Error()), nil
	}

	userContent, err := n.buildUserContent(ctx, params)
	if err != nil {
		return models.ErrorResult(err.Error()), nil
	}

	msg, err := n.llm.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: prompt},
		{Role: llm.RoleUser, Content: userContent},
	}, nil)
	if err != nil {
		return models.ErrorResult(fmt.Sprintf("writer failed: %v", err)), nil
	}
	if Aborted(ctx, input) {
		return models.AbortedResult(), nil
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(stripFence(msg.Content)), &doc); err != nil {
		return models.ErrorResult(fmt.Sprintf("writer returned unparseable document: %v", err)), nil
	}

	return models.NodeResult{
		Status:    models.NodeStatusSuccess,
		Result:    doc,
		UISchema:  writerUISchema(params.Skill, doc),
		Artifacts: map[string]any{params.Skill + "_result": doc},
	}, nil
}

// buildUserContent packs the input data, plus the optional template record,
// into the user turn.
func (n *WriterNode) buildUserContent(ctx context.Context, params WriterParams) (string, error) {
	data, err := json.Marshal(params.Data)
	if err != nil {
		return "", fmt.Errorf("writer: failed to encode data: %w", err)
	}
	content := "Input data:\n" + string(data)

	if params.TemplateID != "" && n.tonglu != nil {
		record, err := n.tonglu.GetRecord(ctx, params.TemplateID)
		if err != nil {
			return "", fmt.Errorf("writer: failed to load template %s: %w", params.TemplateID, err)
		}
		content += "\n\nTemplate:\n" + record.Content
	}
	return content, nil
}

// writerUISchema picks the component per skill: tables for quotations and
// comparisons, charts for financial reports, document previews otherwise.
// Table and document results carry a download action, and the quotation and
// contract skills add a post_back so one document chains into the next
// (quotation to contract to delivery note).
func writerUISchema(skill string, doc map[string]any) map[string]any {
	title, _ := doc["title"].(string)

	switch skill {
	case prompts.Quotation, prompts.Comparison:
		actions := []any{uischema.ExportAction("Export Excel")}
		if skill == prompts.Quotation {
			actions = append(actions, uischema.PostBackAction("Generate contract", "Generate a contract from this quotation"))
		}
		return map[string]any{
			"component": uischema.ComponentSmartTable,
			"title":     title,
			"data": map[string]any{
				"columns": doc["columns"],
				"rows":    doc["rows"],
			},
			"actions": actions,
		}
	case prompts.FinancialReport:
		return map[string]any{
			"component": uischema.ComponentChartReport,
			"title":     title,
			"data": map[string]any{
				"metrics":    doc["metrics"],
				"chart_type": doc["chart_type"],
			},
		}
	default:
		actions := []any{uischema.FileAction("Download document")}
		if skill == prompts.Contract {
			actions = append(actions, uischema.PostBackAction("Generate delivery note", "Generate a delivery note from this contract"))
		}
		return map[string]any{
			"component": uischema.ComponentDocumentPreview,
			"title":     title,
			"data": map[string]any{
				"content": doc["content"],
				"format":  "markdown",
			},
			"actions": actions,
		}
	}
}
