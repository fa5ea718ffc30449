package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IdempotencyStore owns the idempotency log. The at-most-once-effective
// guarantee rests on TryStart's conditional insert: two racing dispatchers
// cannot both create the (session, step, attempt) row.
type IdempotencyStore struct {
	db *gorm.DB
}

// NewIdempotencyStore creates an idempotency store over the shared gorm handle.
func NewIdempotencyStore(db *gorm.DB) *IdempotencyStore {
	return &IdempotencyStore{db: db}
}

// TryStart attempts to claim (session, step, attempt). It returns
// (true, "") when this caller won the insert and may proceed, or
// (false, existingStatus) when a record already exists.
func (s *IdempotencyStore) TryStart(ctx context.Context, sessionID, step string, attempt int) (bool, string, error) {
	row := IdempotencyRow{
		SessionID: sessionID,
		Step:      step,
		Attempt:   attempt,
		Status:    IdempotencyStarted,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, "", fmt.Errorf("failed to claim idempotency record: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, "", nil
	}

	var existing IdempotencyRow
	err := s.db.WithContext(ctx).
		First(&existing, "session_id = ? AND step = ? AND attempt = ?", sessionID, step, attempt).Error
	if err != nil {
		return false, "", fmt.Errorf("failed to load existing idempotency record: %w", err)
	}
	return false, existing.Status, nil
}

// Finish records the terminal status and result digest for an attempt.
func (s *IdempotencyStore) Finish(ctx context.Context, sessionID, step string, attempt int, status, digest string) error {
	res := s.db.WithContext(ctx).Model(&IdempotencyRow{}).
		Where("session_id = ? AND step = ? AND attempt = ?", sessionID, step, attempt).
		Updates(map[string]any{
			"status":        status,
			"result_digest": digest,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to finish idempotency record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("idempotency record (%s, %s, %d): %w", sessionID, step, attempt, ErrNotFound)
	}
	return nil
}

// Get loads one idempotency record.
func (s *IdempotencyStore) Get(ctx context.Context, sessionID, step string, attempt int) (*IdempotencyRow, error) {
	var row IdempotencyRow
	err := s.db.WithContext(ctx).
		First(&row, "session_id = ? AND step = ? AND attempt = ?", sessionID, step, attempt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("idempotency record (%s, %s, %d): %w", sessionID, step, attempt, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load idempotency record: %w", err)
	}
	return &row, nil
}

// HasSuccess reports whether any attempt of (session, step) already
// succeeded. Retries skip steps whose effect is already recorded.
func (s *IdempotencyStore) HasSuccess(ctx context.Context, sessionID, step string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&IdempotencyRow{}).
		Where("session_id = ? AND step = ? AND status = ?", sessionID, step, IdempotencySuccess).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency success: %w", err)
	}
	return count > 0, nil
}

// DeleteBefore removes idempotency rows older than the cutoff.
func (s *IdempotencyStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&IdempotencyRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete old idempotency records: %w", res.Error)
	}
	return res.RowsAffected, nil
}
