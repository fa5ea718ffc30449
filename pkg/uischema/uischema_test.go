package uischema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	t.Run("smart_table", func(t *testing.T) {
		assert.NoError(t, Validate(ComponentSmartTable, map[string]any{
			"columns": []any{"vendor", "price"},
			"rows":    []any{[]any{"A", 100}, []any{"B", 90}},
		}))
		assert.Error(t, Validate(ComponentSmartTable, map[string]any{"rows": []any{}}))
		assert.Error(t, Validate(ComponentSmartTable, map[string]any{"columns": []any{}, "rows": []any{}}))
	})

	t.Run("document_preview", func(t *testing.T) {
		assert.NoError(t, Validate(ComponentDocumentPreview, map[string]any{
			"content": "# Contract", "format": "markdown",
		}))
		assert.Error(t, Validate(ComponentDocumentPreview, map[string]any{"content": ""}))
		assert.Error(t, Validate(ComponentDocumentPreview, map[string]any{"content": "x", "format": "docx"}))
	})

	t.Run("chart_report", func(t *testing.T) {
		assert.NoError(t, Validate(ComponentChartReport, map[string]any{
			"metrics": []any{
				map[string]any{"name": "revenue", "value": 12500.5},
				map[string]any{"name": "margin", "value": "18%"},
			},
			"chart_type": "bar",
		}))
		assert.Error(t, Validate(ComponentChartReport, map[string]any{"metrics": []any{}}))
	})

	t.Run("image_preview", func(t *testing.T) {
		assert.NoError(t, Validate(ComponentImagePreview, map[string]any{"url": "https://oss/img.png"}))
		assert.Error(t, Validate(ComponentImagePreview, map[string]any{}))
	})

	t.Run("unknown component", func(t *testing.T) {
		assert.Error(t, Validate("hologram", map[string]any{}))
	})
}

func TestNormalize(t *testing.T) {
	t.Run("valid schema passes through with defaults", func(t *testing.T) {
		out := Normalize(map[string]any{
			"component": ComponentSmartTable,
			"data": map[string]any{
				"columns": []any{"vendor"},
				"rows":    []any{},
			},
		})
		assert.Equal(t, ComponentSmartTable, out["component"])
		assert.Equal(t, SchemaVersion, out["schema_version"])
		assert.Equal(t, RenderModeReplace, out["render_mode"])
		assert.Equal(t, ComponentSmartTable, out["title"])
		assert.NotNil(t, out["actions"])
	})

	t.Run("explicit fields are preserved", func(t *testing.T) {
		out := Normalize(map[string]any{
			"component":   ComponentDocumentPreview,
			"render_mode": RenderModeAppend,
			"title":       "Contract draft",
			"data":        map[string]any{"content": "..."},
			"actions":     []any{map[string]any{"type": "confirm"}},
		})
		assert.Equal(t, RenderModeAppend, out["render_mode"])
		assert.Equal(t, "Contract draft", out["title"])
		assert.Len(t, out["actions"], 1)
	})

	t.Run("unknown component degrades to generic card", func(t *testing.T) {
		out := Normalize(map[string]any{
			"component": "hologram",
			"title":     "Mystery",
			"data":      map[string]any{"x": 1},
		})
		require.Equal(t, ComponentGenericCard, out["component"])
		assert.Equal(t, SchemaVersion, out["schema_version"])
		assert.Equal(t, "Mystery", out["title"])
		assert.Equal(t, map[string]any{"x": 1}, out["data"])
		actions := out["actions"].([]any)
		require.Len(t, actions, 1)
		assert.Equal(t, ActionDownload, actions[0].(map[string]any)["action_type"])
	})

	t.Run("malformed data degrades to generic card", func(t *testing.T) {
		out := Normalize(map[string]any{
			"component": ComponentSmartTable,
			"data":      map[string]any{"rows": "not-an-array"},
		})
		assert.Equal(t, ComponentGenericCard, out["component"])
	})

	t.Run("nil passes through", func(t *testing.T) {
		assert.Nil(t, Normalize(nil))
	})
}

// Every normalized payload must carry the full ui_render field set, whether
// the schema validated or degraded to a generic card.
func TestNormalizePayloadFields(t *testing.T) {
	fields := []string{"schema_version", "component", "render_mode", "title", "data", "actions"}

	payloads := map[string]map[string]any{
		"valid table": {
			"component": ComponentSmartTable,
			"data": map[string]any{
				"columns": []any{"title", "url", "snippet"},
				"rows":    []any{[]any{"A", "https://a", "s"}},
			},
		},
		"degraded card": {
			"component": "hologram",
			"data":      map[string]any{"x": 1},
		},
	}

	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			out := Normalize(payload)
			require.NotNil(t, out)
			for _, field := range fields {
				assert.Contains(t, out, field)
			}
			assert.Equal(t, SchemaVersion, out["schema_version"])
		})
	}
}
