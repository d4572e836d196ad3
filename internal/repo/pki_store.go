package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"rootauth/internal/models"
)

// GetOrCreateCA возвращает сохранённый CA или создаёт его через create.
// Гонку двух процессов решает первичный ключ name: проигравший перечитывает победителя.
func (s *Store) GetOrCreateCA(ctx context.Context, name string, create func() (*models.CertificateAuthority, error)) (*models.CertificateAuthority, error) {
	var ca models.CertificateAuthority
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&ca).Error
	if err == nil {
		return &ca, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	newCA, err := create()
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(newCA).Error; err != nil {
		if isDuplicate(err) {
			return s.GetCA(ctx, name)
		}
		return nil, err
	}
	return newCA, nil
}

func (s *Store) GetCA(ctx context.Context, name string) (*models.CertificateAuthority, error) {
	var ca models.CertificateAuthority
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&ca).Error; err != nil {
		return nil, translate(err)
	}
	return &ca, nil
}

// SaveCA заменяет запись (ротация промежуточного CA).
func (s *Store) SaveCA(ctx context.Context, ca *models.CertificateAuthority) error {
	return translate(s.db.WithContext(ctx).Save(ca).Error)
}
