package nodes

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"time"

	"github.com/tempoworks/tempo/pkg/models"
	"github.com/tempoworks/tempo/pkg/tonglu"
	"github.com/tempoworks/tempo/pkg/uischema"
)

// FileParserParams are the file_parser node's inputs.
type FileParserParams struct {
	FileURL  string `json:"file_url" jsonschema:"title=File URL,description=Object-store URL of the uploaded file"`
	FileName string `json:"file_name,omitempty" jsonschema:"title=File name"`
}

// FileParserNode extracts text from an uploaded file via the knowledge
// service's asynchronous ingestion pipeline.
type FileParserNode struct {
	tonglu       *tonglu.Client
	pollInterval time.Duration
}

// NewFileParserNode wires the file_parser builtin.
func NewFileParserNode(kb *tonglu.Client) *FileParserNode {
	return &FileParserNode{tonglu: kb, pollInterval: 2 * time.Second}
}

func (n *FileParserNode) ID() string  { return "file_parser" }
func (n *FileParserNode) Params() any { return FileParserParams{} }

// Execute submits the file and polls until text is available or the step
// deadline passes. The artifact id is derived from the URL so repeated
// parses of the same file collide instead of piling up.
func (n *FileParserNode) Execute(ctx context.Context, input ExecutionInput) (models.NodeResult, error) {
	var params FileParserParams
	if err := DecodeParams(input.Params, &params); err != nil {
		return models.ErrorResult(err.Error()), nil
	}
	if strings.TrimSpace(params.FileURL) == "" {
		return models.ErrorResult("file_parser: file_url is required"), nil
	}
	if Aborted(ctx, input) {
		return models.AbortedResult(), nil
	}

	ack, err := n.tonglu.IngestFile(ctx, input.TenantID, params.FileURL, params.FileName)
	if err != nil {
		return models.ErrorResult("file_parser failed: " + err.Error()), nil
	}

	text, parseErr := n.await(ctx, input, ack)
	if parseErr == errAborted {
		return models.AbortedResult(), nil
	}
	if parseErr != "" {
		return models.ErrorResult("file_parser failed: " + parseErr), nil
	}

	artifactID := "file_text:" + URLDigest(params.FileURL)
	return models.NodeResult{
		Status: models.NodeStatusSuccess,
		Result: map[string]any{
			"file_url":    params.FileURL,
			"file_name":   params.FileName,
			"text_length": len(text),
		},
		UISchema: map[string]any{
			"component": uischema.ComponentDocumentPreview,
			"title":     params.FileName,
			"data": map[string]any{
				"content": text,
				"format":  "plain",
			},
		},
		Artifacts: map[string]any{artifactID: map[string]any{
			"file_url": params.FileURL,
			"text":     text,
		}},
	}, nil
}

const errAborted = "\x00aborted"

// await polls the ingestion task, checking the abort signal between polls.
func (n *FileParserNode) await(ctx context.Context, input ExecutionInput, ack *tonglu.IngestResponse) (string, string) {
	if ack.TaskID == "" {
		if ack.RecordID == "" {
			return "", "no task or record returned"
		}
		record, err := n.tonglu.GetRecord(ctx, ack.RecordID)
		if err != nil {
			return "", err.Error()
		}
		return record.Content, ""
	}

	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()

	for {
		task, err := n.tonglu.GetTask(ctx, ack.TaskID)
		if err != nil {
			return "", err.Error()
		}
		switch task.Status {
		case tonglu.TaskDone:
			text, _ := task.Result["text"].(string)
			return text, ""
		case tonglu.TaskError:
			return "", task.Error
		}

		if Aborted(ctx, input) {
			return "", errAborted
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err().Error()
		case <-ticker.C:
		}
	}
}

// URLDigest derives the stable artifact suffix for a file URL: first 12
// hex chars of sha1.
func URLDigest(url string) string {
	sum := sha1.Sum([]byte(url))
	return hex.EncodeToString(sum[:])[:12]
}
