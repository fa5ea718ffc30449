package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tempoworks/tempo/pkg/models"
)

// SessionStore persists session rows.
type SessionStore struct {
	db *gorm.DB
}

// NewSessionStore creates a session store over the shared gorm handle.
func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

// Create inserts a new session row.
func (s *SessionStore) Create(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		return NewValidationError("id", "session id is required")
	}
	if session.TenantID == "" {
		return NewValidationError("tenant_id", "tenant id is required")
	}

	row := sessionToRow(session)
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("session %s: %w", session.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// Get loads a session by id.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	var row SessionRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", sessionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return row.toModel(), nil
}

// UpdateState records the current FSM state and bumps updated_at.
func (s *SessionStore) UpdateState(ctx context.Context, sessionID, state string) error {
	return s.update(ctx, sessionID, map[string]any{
		"current_state": state,
		"updated_at":    time.Now().UTC(),
	})
}

// UpdateStatus records a lifecycle status. Terminal statuses also stamp
// completed_at.
func (s *SessionStore) UpdateStatus(ctx context.Context, sessionID, status string) error {
	fields := map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	switch status {
	case models.SessionStatusCompleted, models.SessionStatusError, models.SessionStatusAborted:
		fields["completed_at"] = time.Now().UTC()
	}
	return s.update(ctx, sessionID, fields)
}

// Touch bumps updated_at so the TTL sweeper sees activity.
func (s *SessionStore) Touch(ctx context.Context, sessionID string) error {
	return s.update(ctx, sessionID, map[string]any{"updated_at": time.Now().UTC()})
}

func (s *SessionStore) update(ctx context.Context, sessionID string, fields map[string]any) error {
	res := s.db.WithContext(ctx).Model(&SessionRow{}).Where("id = ?", sessionID).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("failed to update session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// ListExpired returns sessions in an active status whose updated_at + ttl
// lies before now. The sweeper parks these.
func (s *SessionStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Session, error) {
	var rows []SessionRow
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{models.SessionStatusRunning, models.SessionStatusWaitingUser, models.SessionStatusIdle}).
		Where("updated_at + make_interval(secs => ttl_seconds) < ?", now).
		Order("updated_at").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}

	sessions := make([]*models.Session, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, row.toModel())
	}
	return sessions, nil
}
