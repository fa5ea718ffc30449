package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tempoworks/tempo/pkg/models"
)

// SnapshotStore holds the cold copies of parked sessions.
type SnapshotStore struct {
	db *gorm.DB
}

// NewSnapshotStore creates a snapshot store over the shared gorm handle.
func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Upsert writes (or rewrites) a session's snapshot.
func (s *SnapshotStore) Upsert(ctx context.Context, snap models.SessionSnapshot) error {
	if snap.SessionID == "" {
		return NewValidationError("session_id", "session id is required")
	}

	history, err := json.Marshal(snap.ChatHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal chat history: %w", err)
	}
	toolResults, err := json.Marshal(snap.ToolResults)
	if err != nil {
		return fmt.Errorf("failed to marshal tool results: %w", err)
	}

	now := time.Now().UTC()
	row := SnapshotRow{
		SessionID:   snap.SessionID,
		TenantID:    snap.TenantID,
		ChatHistory: JSONRaw(history),
		Blackboard:  JSONMap(snap.Blackboard),
		ToolResults: JSONRaw(toolResults),
		ChatSummary: snap.ChatSummary,
		RoutedScene: snap.RoutedScene,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"chat_history", "blackboard", "tool_results", "chat_summary", "routed_scene", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	return nil
}

// Get loads a session's snapshot.
func (s *SnapshotStore) Get(ctx context.Context, sessionID string) (*models.SessionSnapshot, error) {
	var row SnapshotRow
	err := s.db.WithContext(ctx).First(&row, "session_id = ?", sessionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("snapshot %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	snap := models.SessionSnapshot{
		SessionID:   row.SessionID,
		TenantID:    row.TenantID,
		Blackboard:  map[string]any(row.Blackboard),
		ChatSummary: row.ChatSummary,
		RoutedScene: row.RoutedScene,
		CreatedAt:   row.CreatedAt,
	}
	if len(row.ChatHistory) > 0 {
		if err := json.Unmarshal(row.ChatHistory, &snap.ChatHistory); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chat history: %w", err)
		}
	}
	if len(row.ToolResults) > 0 {
		if err := json.Unmarshal(row.ToolResults, &snap.ToolResults); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tool results: %w", err)
		}
	}
	return &snap, nil
}

// Delete removes a snapshot after successful rehydration.
func (s *SnapshotStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.db.WithContext(ctx).Delete(&SnapshotRow{}, "session_id = ?", sessionID).Error; err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}
