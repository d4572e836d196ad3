package repo

import (
	"context"
	"time"

	"rootauth/internal/models"
)

// -------- подсети --------

func (s *Store) CreateSubnet(ctx context.Context, sn *models.Subnet) error {
	return translate(s.db.WithContext(ctx).Create(sn).Error)
}

func (s *Store) GetSubnet(ctx context.Context, id string) (*models.Subnet, error) {
	var sn models.Subnet
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&sn).Error; err != nil {
		return nil, translate(err)
	}
	return &sn, nil
}

func (s *Store) GetSubnetByOwner(ctx context.Context, ownerDeviceID string) (*models.Subnet, error) {
	var sn models.Subnet
	if err := s.db.WithContext(ctx).Where("owner_device_id = ?", ownerDeviceID).First(&sn).Error; err != nil {
		return nil, translate(err)
	}
	return &sn, nil
}

// -------- устройства --------

func (s *Store) CreateDevice(ctx context.Context, d *models.Device) error {
	return translate(s.db.WithContext(ctx).Create(d).Error)
}

func (s *Store) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	var d models.Device
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&d).Error; err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (s *Store) SaveDevice(ctx context.Context, d *models.Device) error {
	return translate(s.db.WithContext(ctx).Save(d).Error)
}

// ReplaceAliases перезаписывает алиасы устройства. Занятый в подсети алиас → ErrDuplicate.
func (s *Store) ReplaceAliases(ctx context.Context, subnetID, deviceID string, aliases []string) error {
	db := s.db.WithContext(ctx)
	if err := db.Where("device_id = ?", deviceID).Delete(&models.DeviceAlias{}).Error; err != nil {
		return err
	}
	for _, a := range aliases {
		row := models.DeviceAlias{SubnetID: subnetID, Alias: a, DeviceID: deviceID}
		if err := db.Create(&row).Error; err != nil {
			return translate(err)
		}
	}
	return nil
}

func (s *Store) AliasOwner(ctx context.Context, subnetID, alias string) (string, error) {
	var row models.DeviceAlias
	err := s.db.WithContext(ctx).Where("subnet_id = ? AND alias = ?", subnetID, alias).First(&row).Error
	if err != nil {
		return "", translate(err)
	}
	return row.DeviceID, nil
}

// -------- denylist --------

func (s *Store) AddDenylist(ctx context.Context, e *models.DenylistEntry) error {
	return translate(s.db.WithContext(ctx).Create(e).Error)
}

func (s *Store) IsDenied(ctx context.Context, entityType, entityID string, now time.Time) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.DenylistEntry{}).
		Where("entity_type = ? AND entity_id = ? AND (expires_at IS NULL OR expires_at > ?)", entityType, entityID, now).
		Count(&n).Error
	return n > 0, err
}
