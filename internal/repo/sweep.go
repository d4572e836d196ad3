package repo

import (
	"context"
	"time"

	"rootauth/internal/models"
)

type SweepResult struct {
	DeviceCodes int64
	QRSessions  int64
	Challenges  int64
	Idempotency int64
	Tokens      int64
	HubChannels int64
	Denylist    int64
}

func (r SweepResult) Total() int64 {
	return r.DeviceCodes + r.QRSessions + r.Challenges + r.Idempotency + r.Tokens + r.HubChannels + r.Denylist
}

// Sweep удаляет просроченные строки по индексам expires_at.
func (s *Store) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult
	db := s.db.WithContext(ctx)
	steps := []struct {
		model any
		where string
		dst   *int64
	}{
		{&models.DeviceCode{}, "expires_at <= ?", &res.DeviceCodes},
		{&models.QRSession{}, "expires_at <= ?", &res.QRSessions},
		{&models.BrowserChallenge{}, "expires_at <= ?", &res.Challenges},
		{&models.IdempotencyEntry{}, "expires_at <= ?", &res.Idempotency},
		{&models.Token{}, "expires_at <= ?", &res.Tokens},
		{&models.HubChannel{}, "expires_at <= ?", &res.HubChannels},
		{&models.DenylistEntry{}, "expires_at IS NOT NULL AND expires_at <= ?", &res.Denylist},
	}
	for _, st := range steps {
		r := db.Where(st.where, now).Delete(st.model)
		if r.Error != nil {
			return res, r.Error
		}
		*st.dst = r.RowsAffected
	}
	return res, nil
}
