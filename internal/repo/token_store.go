package repo

import (
	"context"
	"time"

	"rootauth/internal/models"
)

func (s *Store) CreateTokens(ctx context.Context, toks ...*models.Token) error {
	db := s.db.WithContext(ctx)
	for _, t := range toks {
		if err := db.Create(t).Error; err != nil {
			return translate(err)
		}
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context, token string) (*models.Token, error) {
	var t models.Token
	if err := s.db.WithContext(ctx).Where("token = ?", token).First(&t).Error; err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (s *Store) DeleteToken(ctx context.Context, token string) error {
	return s.db.WithContext(ctx).Where("token = ?", token).Delete(&models.Token{}).Error
}

// RevokeToken помечает токен отозванным; false — его уже отозвал кто-то другой.
func (s *Store) RevokeToken(ctx context.Context, token string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Token{}).
		Where("token = ? AND revoked = ?", token, false).
		Update("revoked", true)
	return res.RowsAffected == 1, res.Error
}

// RevokeDeviceTokens отзывает все непросроченные токены устройства.
func (s *Store) RevokeDeviceTokens(ctx context.Context, deviceID string, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Token{}).
		Where("device_id = ? AND revoked = ? AND expires_at > ?", deviceID, false, now).
		Update("revoked", true)
	return res.RowsAffected, res.Error
}

// -------- hub channels --------

func (s *Store) CreateHubChannel(ctx context.Context, hc *models.HubChannel) error {
	return translate(s.db.WithContext(ctx).Create(hc).Error)
}

func (s *Store) GetHubChannel(ctx context.Context, token string) (*models.HubChannel, error) {
	var hc models.HubChannel
	if err := s.db.WithContext(ctx).Where("token = ?", token).First(&hc).Error; err != nil {
		return nil, translate(err)
	}
	return &hc, nil
}

// RotateHubChannel гасит учётку при ротации; false — её уже заменил параллельный вызов.
func (s *Store) RotateHubChannel(ctx context.Context, token string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.HubChannel{}).
		Where("token = ? AND revoked = ?", token, false).
		Updates(map[string]any{"revoked": true, "rotated_at": now})
	return res.RowsAffected == 1, res.Error
}

// RevokeHubChannels гасит все живые канальные учётки узла.
func (s *Store) RevokeHubChannels(ctx context.Context, nodeID string, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.HubChannel{}).
		Where("node_id = ? AND revoked = ?", nodeID, false).
		Updates(map[string]any{"revoked": true, "rotated_at": now})
	return res.RowsAffected, res.Error
}
