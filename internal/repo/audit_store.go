package repo

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"rootauth/internal/models"
)

func (s *Store) AppendAudit(ctx context.Context, r *models.AuditRecord) error {
	return translate(s.db.WithContext(ctx).Create(r).Error)
}

type AuditFilter struct {
	SubnetID string
	Since    time.Time
	Limit    int
}

// ListAudit отдаёт записи в порядке появления (event_id — UUIDv7).
func (s *Store) ListAudit(ctx context.Context, f AuditFilter) ([]models.AuditRecord, error) {
	var out []models.AuditRecord
	// "timestamp" — ключевое слово в части диалектов, поэтому колонка всегда через clause (с кавычками)
	ts := clause.Column{Name: "timestamp"}
	q := s.db.WithContext(ctx).Model(&models.AuditRecord{})
	if f.SubnetID != "" {
		q = q.Where("subnet_id = ?", f.SubnetID)
	}
	if !f.Since.IsZero() {
		q = q.Where(clause.Gte{Column: ts, Value: f.Since})
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	err := q.Order(clause.OrderByColumn{Column: ts}).Order("event_id").Find(&out).Error
	return out, err
}
