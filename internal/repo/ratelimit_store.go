package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rootauth/internal/models"
)

// HitRateCounter увеличивает счётчик окна одним upsert-ом (сбрасывая окно, начатое не позже
// now-window) и возвращает его состояние. Параллельные попадания сериализуются на строке.
func (s *Store) HitRateCounter(ctx context.Context, category, key string, now time.Time, window time.Duration) (*models.RateCounter, error) {
	stale := now.Add(-window)
	var out models.RateCounter
	err := s.Tx(ctx, func(tx *Store) error {
		db := tx.db.WithContext(ctx)
		rc := models.RateCounter{Category: category, CounterKey: key, WindowStart: now, Count: 1}
		// count идёт первым: mysql применяет присваивания по порядку
		err := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "category"}, {Name: "counter_key"}},
			DoUpdates: clause.Set{
				{Column: clause.Column{Name: "count"}, Value: gorm.Expr(
					"CASE WHEN rate_counters.window_start <= ? THEN 1 ELSE rate_counters.count + 1 END", stale)},
				{Column: clause.Column{Name: "window_start"}, Value: gorm.Expr(
					"CASE WHEN rate_counters.window_start <= ? THEN ? ELSE rate_counters.window_start END", stale, now)},
			},
		}).Create(&rc).Error
		if err != nil {
			return translate(err)
		}
		return db.Where("category = ? AND counter_key = ?", category, key).First(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
