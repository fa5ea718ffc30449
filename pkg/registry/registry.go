// Package registry maps node references to executable targets: in-process
// builtin nodes and remote webhook endpoints. Registrations persist so
// peer instances converge after restart.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	invopop "github.com/invopop/jsonschema"

	"github.com/tempoworks/tempo/pkg/models"
	"github.com/tempoworks/tempo/pkg/nodes"
	"github.com/tempoworks/tempo/pkg/storage"
)

// BuiltinScheme prefixes references to in-process nodes.
const BuiltinScheme = "builtin://"

// Webhook describes a remote node target.
type Webhook struct {
	NodeID      string
	URL         string
	ParamSchema map[string]any
	Description string
}

// Resolved is the outcome of a reference lookup: exactly one of Builtin or
// Webhook is set.
type Resolved struct {
	Builtin nodes.Node
	Webhook *Webhook
}

// Registry resolves node references. Builtins live in an in-process map;
// webhooks are cached from the store and reloaded on miss.
type Registry struct {
	store  *storage.NodeStore
	logger *slog.Logger

	mu       sync.RWMutex
	builtins map[string]nodes.Node
	webhooks map[string]Webhook
}

// New creates an empty registry over the node store.
func New(store *storage.NodeStore, logger *slog.Logger) *Registry {
	return &Registry{
		store:    store,
		logger:   logger.With("component", "registry"),
		builtins: make(map[string]nodes.Node),
		webhooks: make(map[string]Webhook),
	}
}

// RegisterBuiltin installs an in-process node and persists its derived
// parameter schema. Called at startup before the registry serves lookups.
func (r *Registry) RegisterBuiltin(ctx context.Context, node nodes.Node, description string) error {
	id := node.ID()
	if id == "" {
		return storage.NewValidationError("node_id", "builtin node has empty id")
	}

	schema, err := deriveSchema(node.Params())
	if err != nil {
		return fmt.Errorf("failed to derive schema for builtin %s: %w", id, err)
	}

	row := storage.NodeRow{
		NodeID:      id,
		Type:        storage.NodeTypeBuiltin,
		Endpoint:    BuiltinScheme + id,
		ParamSchema: schema,
		Description: description,
	}
	if err := r.store.Upsert(ctx, row); err != nil {
		return err
	}

	r.mu.Lock()
	r.builtins[id] = node
	r.mu.Unlock()

	r.logger.Info("Registered builtin node", "node_id", id)
	return nil
}

// RegisterWebhook records a remote node endpoint. The endpoint must be an
// absolute http(s) URL.
func (r *Registry) RegisterWebhook(ctx context.Context, tenantID, nodeID, endpoint string, paramSchema map[string]any, description string) error {
	if nodeID == "" {
		return storage.NewValidationError("node_id", "node id is required")
	}
	if err := validateWebhookURL(endpoint); err != nil {
		return err
	}

	row := storage.NodeRow{
		NodeID:      nodeID,
		TenantID:    tenantID,
		Type:        storage.NodeTypeWebhook,
		Endpoint:    endpoint,
		ParamSchema: paramSchema,
		Description: description,
	}
	if err := r.store.Upsert(ctx, row); err != nil {
		return err
	}

	r.mu.Lock()
	r.webhooks[nodeID] = Webhook{NodeID: nodeID, URL: endpoint, ParamSchema: paramSchema, Description: description}
	r.mu.Unlock()

	r.logger.Info("Registered webhook node", "node_id", nodeID, "endpoint", endpoint)
	return nil
}

// Resolve maps a reference to an executable target:
//   - builtin://<id>    — the in-process map
//   - http(s)://<url>   — a direct webhook descriptor, no registration needed
//   - <bare id>         — builtin map first, then the webhook cache, then the
//     store (cache refresh on miss)
func (r *Registry) Resolve(ctx context.Context, ref string) (Resolved, error) {
	if ref == "" {
		return Resolved{}, storage.NewValidationError("node_ref", "empty node reference")
	}

	if id, ok := strings.CutPrefix(ref, BuiltinScheme); ok {
		r.mu.RLock()
		node, found := r.builtins[id]
		r.mu.RUnlock()
		if !found {
			return Resolved{}, fmt.Errorf("builtin node %s: %w", id, storage.ErrNotFound)
		}
		return Resolved{Builtin: node}, nil
	}

	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		if err := validateWebhookURL(ref); err != nil {
			return Resolved{}, err
		}
		return Resolved{Webhook: &Webhook{URL: ref}}, nil
	}

	r.mu.RLock()
	if node, found := r.builtins[ref]; found {
		r.mu.RUnlock()
		return Resolved{Builtin: node}, nil
	}
	if wh, found := r.webhooks[ref]; found {
		r.mu.RUnlock()
		return Resolved{Webhook: &wh}, nil
	}
	r.mu.RUnlock()

	// Cache miss: another instance may have registered it.
	row, err := r.store.Get(ctx, ref)
	if err != nil {
		return Resolved{}, err
	}
	if row.Type != storage.NodeTypeWebhook {
		return Resolved{}, fmt.Errorf("node %s is registered as %s but not loaded", ref, row.Type)
	}
	wh := Webhook{NodeID: row.NodeID, URL: row.Endpoint, ParamSchema: row.ParamSchema, Description: row.Description}
	r.mu.Lock()
	r.webhooks[ref] = wh
	r.mu.Unlock()
	return Resolved{Webhook: &wh}, nil
}

// Reload replaces the webhook cache from the store. Builtins are untouched;
// they only change at startup.
func (r *Registry) Reload(ctx context.Context) error {
	rows, err := r.store.ListWebhooks(ctx)
	if err != nil {
		return err
	}

	webhooks := make(map[string]Webhook, len(rows))
	for _, row := range rows {
		webhooks[row.NodeID] = Webhook{
			NodeID:      row.NodeID,
			URL:         row.Endpoint,
			ParamSchema: row.ParamSchema,
			Description: row.Description,
		}
	}

	r.mu.Lock()
	r.webhooks = webhooks
	r.mu.Unlock()

	r.logger.Info("Reloaded webhook registrations", "count", len(webhooks))
	return nil
}

// List returns every persisted registration for the registry API.
func (r *Registry) List(ctx context.Context) ([]models.NodeInfo, error) {
	return r.store.List(ctx)
}

func validateWebhookURL(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return storage.NewValidationError("endpoint", fmt.Sprintf("webhook endpoint must be an absolute http(s) URL, got %q", endpoint))
	}
	return nil
}

// deriveSchema reflects a JSON Schema from a node's params struct. The
// schema is stored inline (no $defs indirection) so registry clients can
// validate without resolving references.
func deriveSchema(params any) (map[string]any, error) {
	if params == nil {
		return map[string]any{"type": "object"}, nil
	}

	reflector := invopop.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(params)

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to encode derived schema: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode derived schema: %w", err)
	}
	return out, nil
}
