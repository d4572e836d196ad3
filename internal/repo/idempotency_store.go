package repo

import (
	"context"
	"time"

	"gorm.io/datatypes"

	"rootauth/internal/models"
)

// ReserveIdempotency вставляет незакоммиченную бронь. Уже существующий кортеж → ErrDuplicate.
func (s *Store) ReserveIdempotency(ctx context.Context, e *models.IdempotencyEntry) error {
	return translate(s.db.WithContext(ctx).Create(e).Error)
}

func (s *Store) FindIdempotency(ctx context.Context, key, method, path, principal, bodyHash string) (*models.IdempotencyEntry, error) {
	var e models.IdempotencyEntry
	err := s.db.WithContext(ctx).
		Where("idempotency_key = ? AND method = ? AND path = ? AND principal_id = ? AND body_hash = ?",
			key, method, path, principal, bodyHash).
		First(&e).Error
	if err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (s *Store) DeleteIdempotency(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.IdempotencyEntry{}).Error
}

// CommitIdempotency фиксирует ответ и продлевает запись с аренды брони до полного TTL.
func (s *Store) CommitIdempotency(ctx context.Context, id uint, response []byte, status int, expiresAt time.Time) error {
	return s.db.WithContext(ctx).Model(&models.IdempotencyEntry{}).Where("id = ?", id).
		Updates(map[string]any{
			"response_json": datatypes.JSON(response),
			"status_code":   status,
			"committed":     true,
			"expires_at":    expiresAt,
		}).Error
}
