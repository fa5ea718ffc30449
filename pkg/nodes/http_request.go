package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tempoworks/tempo/pkg/models"
)

// HTTPRequestParams are the http_request node's inputs.
type HTTPRequestParams struct {
	URL     string            `json:"url" jsonschema:"title=URL,description=Target URL"`
	Method  string            `json:"method,omitempty" jsonschema:"title=Method,description=HTTP method,enum=GET,enum=POST,enum=PUT,enum=DELETE"`
	Headers map[string]string `json:"headers,omitempty" jsonschema:"title=Headers,description=Request headers"`
	Body    any               `json:"body,omitempty" jsonschema:"title=Body,description=JSON request body for POST and PUT"`
	Timeout int               `json:"timeout,omitempty" jsonschema:"title=Timeout,description=Request timeout in seconds"`
}

// httpResponseLimit caps how much of a response body a step may pull onto
// the blackboard.
const httpResponseLimit = 4 << 20

// HTTPRequestNode calls an external URL from a workflow step and records the
// response as the http_response artifact.
type HTTPRequestNode struct {
	client *http.Client
}

// NewHTTPRequestNode wires the http_request builtin.
func NewHTTPRequestNode() *HTTPRequestNode {
	return &HTTPRequestNode{client: &http.Client{}}
}

func (n *HTTPRequestNode) ID() string  { return "http_request" }
func (n *HTTPRequestNode) Params() any { return HTTPRequestParams{} }

// Execute sends the request. A response of 400 or above is an error result
// that still carries the response for downstream inspection.
func (n *HTTPRequestNode) Execute(ctx context.Context, input ExecutionInput) (models.NodeResult, error) {
	var params HTTPRequestParams
	if err := DecodeParams(input.Params, &params); err != nil {
		return models.ErrorResult(err.Error()), nil
	}
	if strings.TrimSpace(params.URL) == "" {
		return models.ErrorResult("http_request: url is required"), nil
	}
	method := strings.ToUpper(params.Method)
	if method == "" {
		method = http.MethodGet
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return models.ErrorResult(fmt.Sprintf("http_request: unsupported method %q", method)), nil
	}
	timeout := 30 * time.Second
	if params.Timeout > 0 {
		timeout = time.Duration(params.Timeout) * time.Second
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if params.Body != nil && (method == http.MethodPost || method == http.MethodPut) {
		encoded, err := json.Marshal(params.Body)
		if err != nil {
			return models.ErrorResult(fmt.Sprintf("http_request: unencodable body: %v", err)), nil
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, params.URL, body)
	if err != nil {
		return models.ErrorResult(fmt.Sprintf("http_request: invalid request: %v", err)), nil
	}
	for k, v := range params.Headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return models.ErrorResult(fmt.Sprintf("http_request failed: %v", err)), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, httpResponseLimit))
	if err != nil {
		return models.ErrorResult(fmt.Sprintf("http_request: failed to read response: %v", err)), nil
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	result := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        string(raw),
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err == nil {
		result["json"] = decoded
	}

	out := models.NodeResult{
		Status:    models.NodeStatusSuccess,
		Result:    result,
		Artifacts: map[string]any{"http_response": result},
	}
	if resp.StatusCode >= 400 {
		out.Status = models.NodeStatusError
		out.ErrorMessage = fmt.Sprintf("http_request: upstream returned %d", resp.StatusCode)
	}
	return out, nil
}
