package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tempoworks/tempo/pkg/models"
)

// Node registration types.
const (
	NodeTypeBuiltin = "builtin"
	NodeTypeWebhook = "webhook"
)

// NodeStore persists node registrations so peer instances converge on the
// same registry.
type NodeStore struct {
	db *gorm.DB
}

// NewNodeStore creates a node store over the shared gorm handle.
func NewNodeStore(db *gorm.DB) *NodeStore {
	return &NodeStore{db: db}
}

// Upsert inserts or refreshes a registration row.
func (s *NodeStore) Upsert(ctx context.Context, row NodeRow) error {
	if row.NodeID == "" {
		return NewValidationError("node_id", "node id is required")
	}
	switch row.Type {
	case NodeTypeBuiltin, NodeTypeWebhook:
	default:
		return NewValidationError("type", fmt.Sprintf("unknown node type %q", row.Type))
	}

	now := time.Now().UTC()
	row.CreatedAt = now
	row.UpdatedAt = now

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "node_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"tenant_id", "type", "endpoint", "param_schema", "description", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert node registration: %w", err)
	}
	return nil
}

// Get loads one registration.
func (s *NodeStore) Get(ctx context.Context, nodeID string) (*NodeRow, error) {
	var row NodeRow
	err := s.db.WithContext(ctx).First(&row, "node_id = ?", nodeID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("node %s: %w", nodeID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load node registration: %w", err)
	}
	return &row, nil
}

// List returns every registration, builtins first then webhooks, each
// sorted by id.
func (s *NodeStore) List(ctx context.Context) ([]models.NodeInfo, error) {
	var rows []NodeRow
	if err := s.db.WithContext(ctx).Order("type, node_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list node registrations: %w", err)
	}

	infos := make([]models.NodeInfo, 0, len(rows))
	for _, row := range rows {
		infos = append(infos, models.NodeInfo{
			NodeID:      row.NodeID,
			Type:        row.Type,
			Endpoint:    row.Endpoint,
			ParamSchema: map[string]any(row.ParamSchema),
			Description: row.Description,
		})
	}
	return infos, nil
}

// ListWebhooks returns only webhook registrations (registry reload).
func (s *NodeStore) ListWebhooks(ctx context.Context) ([]NodeRow, error) {
	var rows []NodeRow
	err := s.db.WithContext(ctx).Where("type = ?", NodeTypeWebhook).Order("node_id").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook registrations: %w", err)
	}
	return rows, nil
}
