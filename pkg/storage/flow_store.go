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

// GlobalTenant marks flow and node rows visible to every tenant (the ones
// loaded from the flows directory at startup).
const GlobalTenant = ""

// FlowStore persists flow definitions.
type FlowStore struct {
	db *gorm.DB
}

// NewFlowStore creates a flow store over the shared gorm handle.
func NewFlowStore(db *gorm.DB) *FlowStore {
	return &FlowStore{db: db}
}

// Upsert validates and stores a flow definition for a tenant.
func (s *FlowStore) Upsert(ctx context.Context, tenantID string, flow models.FlowDefinition) error {
	if flow.ID == "" {
		return NewValidationError("id", "flow id is required")
	}
	if err := flow.Validate(); err != nil {
		return NewValidationError("definition", err.Error())
	}

	row, err := flowToRow(tenantID, flow)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	row.CreatedAt = now
	row.UpdatedAt = now

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "description", "definition", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert flow: %w", err)
	}
	return nil
}

// Get loads a flow for a tenant, falling back to the global registry.
func (s *FlowStore) Get(ctx context.Context, tenantID, flowID string) (models.FlowDefinition, error) {
	var row FlowRow
	err := s.db.WithContext(ctx).
		Where("id = ? AND tenant_id IN ?", flowID, []string{tenantID, GlobalTenant}).
		Order("tenant_id DESC"). // tenant-specific row wins over global
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.FlowDefinition{}, fmt.Errorf("flow %s: %w", flowID, ErrNotFound)
		}
		return models.FlowDefinition{}, fmt.Errorf("failed to load flow: %w", err)
	}
	return row.toModel()
}

// List returns the flows visible to a tenant (own plus global).
func (s *FlowStore) List(ctx context.Context, tenantID string) ([]models.FlowDefinition, error) {
	var rows []FlowRow
	err := s.db.WithContext(ctx).
		Where("tenant_id IN ?", []string{tenantID, GlobalTenant}).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}

	flows := make([]models.FlowDefinition, 0, len(rows))
	for _, row := range rows {
		flow, err := row.toModel()
		if err != nil {
			return nil, err
		}
		flows = append(flows, flow)
	}
	return flows, nil
}
