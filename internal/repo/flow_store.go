package repo

import (
	"context"

	"rootauth/internal/models"
)

// -------- device codes --------

func (s *Store) CreateDeviceCode(ctx context.Context, dc *models.DeviceCode) error {
	return translate(s.db.WithContext(ctx).Create(dc).Error)
}

func (s *Store) GetDeviceCode(ctx context.Context, code string) (*models.DeviceCode, error) {
	var dc models.DeviceCode
	if err := s.db.WithContext(ctx).Where("device_code = ?", code).First(&dc).Error; err != nil {
		return nil, translate(err)
	}
	return &dc, nil
}

func (s *Store) GetDeviceCodeByUserCode(ctx context.Context, userCode string) (*models.DeviceCode, error) {
	var dc models.DeviceCode
	if err := s.db.WithContext(ctx).Where("user_code = ?", userCode).First(&dc).Error; err != nil {
		return nil, translate(err)
	}
	return &dc, nil
}

// TransitionDeviceCode — атомарный переход статуса: обновляет строку, только если статус ещё from.
func (s *Store) TransitionDeviceCode(ctx context.Context, dc *models.DeviceCode, from string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.DeviceCode{}).
		Where("device_code = ? AND status = ?", dc.DeviceCode, from).
		Updates(map[string]any{
			"status":        dc.Status,
			"subnet_id":     dc.SubnetID,
			"device_id":     dc.DeviceID,
			"response_json": dc.ResponseJSON,
		})
	return res.RowsAffected == 1, res.Error
}

// -------- QR sessions --------

func (s *Store) CreateQRSession(ctx context.Context, q *models.QRSession) error {
	return translate(s.db.WithContext(ctx).Create(q).Error)
}

func (s *Store) GetQRSession(ctx context.Context, id string) (*models.QRSession, error) {
	var q models.QRSession
	if err := s.db.WithContext(ctx).Where("session_id = ?", id).First(&q).Error; err != nil {
		return nil, translate(err)
	}
	return &q, nil
}

func (s *Store) TransitionQRSession(ctx context.Context, q *models.QRSession, from string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.QRSession{}).
		Where("session_id = ? AND status = ?", q.SessionID, from).
		Updates(map[string]any{
			"status":        q.Status,
			"subnet_id":     q.SubnetID,
			"device_id":     q.DeviceID,
			"response_json": q.ResponseJSON,
		})
	return res.RowsAffected == 1, res.Error
}

// -------- browser challenges --------

// PutChallenge перезаписывает открытый вызов устройства.
func (s *Store) PutChallenge(ctx context.Context, c *models.BrowserChallenge) error {
	return translate(s.db.WithContext(ctx).Save(c).Error)
}

func (s *Store) GetChallenge(ctx context.Context, deviceID string) (*models.BrowserChallenge, error) {
	var c models.BrowserChallenge
	if err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&c).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

// ConsumeChallenge удаляет вызов, только если nonce совпадает; false — вызов уже использован.
func (s *Store) ConsumeChallenge(ctx context.Context, deviceID, nonce string) (bool, error) {
	res := s.db.WithContext(ctx).Where("device_id = ? AND nonce = ?", deviceID, nonce).
		Delete(&models.BrowserChallenge{})
	return res.RowsAffected == 1, res.Error
}
