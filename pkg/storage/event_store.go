package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tempoworks/tempo/pkg/models"
)

// EventStore appends and replays the audit trail. Rows are append-only;
// the bigserial primary key fixes insertion order for replay.
type EventStore struct {
	db *gorm.DB
}

// NewEventStore creates an event store over the shared gorm handle.
func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{db: db}
}

// Append persists one event.
func (s *EventStore) Append(ctx context.Context, event models.Event) error {
	if event.ID == "" {
		return NewValidationError("id", "event id is required")
	}
	if event.SessionID == "" {
		return NewValidationError("session_id", "session id is required")
	}

	row := eventToRow(event)
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("event %s: %w", event.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListBySession returns a session's events in insertion order, optionally
// starting after a tick. limit <= 0 means no limit.
func (s *EventStore) ListBySession(ctx context.Context, sessionID string, sinceTick int64, limit int) ([]models.Event, error) {
	q := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id")
	if sinceTick > 0 {
		q = q.Where("tick > ?", sinceTick)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []EventRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	events := make([]models.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.toModel())
	}
	return events, nil
}

// LastEventForStep returns the most recent event whose source is the given
// step. The fan-in checker keys on this: a prerequisite is ready iff its
// last event is STEP_DONE.
func (s *EventStore) LastEventForStep(ctx context.Context, sessionID, step string) (*models.Event, error) {
	var row EventRow
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND source = ?", sessionID, step).
		Order("id DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load last event for step %s: %w", step, err)
	}
	event := row.toModel()
	return &event, nil
}

// HasEvent reports whether the session has at least one event of the given
// type originating from the given step.
func (s *EventStore) HasEvent(ctx context.Context, sessionID, step, eventType string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&EventRow{}).
		Where("session_id = ? AND source = ? AND type = ?", sessionID, step, eventType).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to count events: %w", err)
	}
	return count > 0, nil
}

// DeleteBefore removes audit rows older than the cutoff (retention sweep).
func (s *EventStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&EventRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", res.Error)
	}
	return res.RowsAffected, nil
}
