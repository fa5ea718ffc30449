// Package uischema enforces the UI component contract on every ui_schema
// before it reaches a client. Unknown or malformed components degrade to a
// generic card so clients never receive an uncategorised payload.
package uischema

import (
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// The closed set of component types.
const (
	ComponentSmartTable      = "smart_table"
	ComponentDocumentPreview = "document_preview"
	ComponentChartReport     = "chart_report"
	ComponentImagePreview    = "image_preview"
	ComponentGenericCard     = "generic_card"
)

// SchemaVersion is stamped on every ui_render frame.
const SchemaVersion = 1

// Render modes a ui_render frame may carry.
const (
	RenderModeReplace = "replace"
	RenderModeAppend  = "append"
	RenderModePatch   = "patch"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var compiled = mustCompile()

func mustCompile() map[string]*jsonschema.Schema {
	components := []string{
		ComponentSmartTable,
		ComponentDocumentPreview,
		ComponentChartReport,
		ComponentImagePreview,
	}

	out := make(map[string]*jsonschema.Schema, len(components))
	for _, component := range components {
		name := "schemas/" + component + ".json"
		raw, err := schemaFS.ReadFile(name)
		if err != nil {
			panic(fmt.Sprintf("uischema: missing embedded schema %s: %v", name, err))
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			panic(fmt.Sprintf("uischema: invalid embedded schema %s: %v", name, err))
		}

		c := jsonschema.NewCompiler()
		if err := c.AddResource(name, doc); err != nil {
			panic(fmt.Sprintf("uischema: failed to add schema %s: %v", name, err))
		}
		schema, err := c.Compile(name)
		if err != nil {
			panic(fmt.Sprintf("uischema: failed to compile schema %s: %v", name, err))
		}
		out[component] = schema
	}
	return out
}

// Validate checks a ui_schema's data against its component contract.
// Unknown components are a validation error (callers degrade them).
func Validate(component string, data any) error {
	schema, ok := compiled[component]
	if !ok {
		return fmt.Errorf("unknown ui component %q", component)
	}
	if err := schema.Validate(normalizeJSON(data)); err != nil {
		return fmt.Errorf("ui component %s: %w", component, err)
	}
	return nil
}

// Normalize returns a ui_schema guaranteed to satisfy the contract. Valid
// schemas pass through with the version stamped and defaults filled (title,
// render_mode, actions); anything else becomes a generic card carrying the
// original data and a download action.
func Normalize(ui map[string]any) map[string]any {
	if ui == nil {
		return nil
	}

	component, _ := ui["component"].(string)
	data := ui["data"]

	if err := Validate(component, data); err != nil {
		return genericCard(ui)
	}

	out := make(map[string]any, len(ui)+1)
	for k, v := range ui {
		out[k] = v
	}
	out["schema_version"] = SchemaVersion
	if _, ok := out["render_mode"].(string); !ok {
		out["render_mode"] = RenderModeReplace
	}
	if _, ok := out["title"].(string); !ok {
		out["title"] = component
	}
	if _, ok := out["actions"]; !ok {
		out["actions"] = []any{}
	}
	return out
}

// genericCard wraps an unrecognised payload: title plus raw data plus a
// download action.
func genericCard(ui map[string]any) map[string]any {
	title, _ := ui["title"].(string)
	if title == "" {
		title = "Result"
	}
	return map[string]any{
		"schema_version": SchemaVersion,
		"component":      ComponentGenericCard,
		"render_mode":    RenderModeReplace,
		"title":          title,
		"data":           ui["data"],
		"actions": []any{
			DownloadAction("Download"),
		},
	}
}

// Action shapes carried in a ui_render actions list.
const (
	ActionDownloadXLSX = "download_json_as_xlsx"
	ActionDownloadFile = "download_generated_file"
	ActionPostBack     = "post_back"
	ActionDownload     = "download"
)

// DownloadAction builds a plain download action.
func DownloadAction(label string) map[string]any {
	return map[string]any{"label": label, "action_type": ActionDownload}
}

// ExportAction builds an export-to-spreadsheet action for table components.
func ExportAction(label string) map[string]any {
	return map[string]any{"label": label, "action_type": ActionDownloadXLSX}
}

// FileAction builds a download action for a generated document.
func FileAction(label string) map[string]any {
	return map[string]any{"label": label, "action_type": ActionDownloadFile}
}

// PostBackAction builds a follow-on action; the payload is sent back as the
// next user turn when clicked.
func PostBackAction(label, payload string) map[string]any {
	return map[string]any{"label": label, "action_type": ActionPostBack, "payload": payload}
}

// normalizeJSON round-trips a value through JSON so typed Go values
// (ints, structs) validate the same way decoded wire payloads do.
func normalizeJSON(value any) any {
	data, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return value
	}
	return out
}
