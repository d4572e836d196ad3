package repo

import (
	"context"

	"rootauth/internal/models"
)

// -------- узлы --------

func (s *Store) CreateNode(ctx context.Context, n *models.Node) error {
	return translate(s.db.WithContext(ctx).Create(n).Error)
}

func (s *Store) GetNode(ctx context.Context, id string) (*models.Node, error) {
	var n models.Node
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&n).Error; err != nil {
		return nil, translate(err)
	}
	return &n, nil
}

func (s *Store) SaveNode(ctx context.Context, n *models.Node) error {
	return translate(s.db.WithContext(ctx).Save(n).Error)
}

// -------- согласия и CSR --------

func (s *Store) CreateConsent(ctx context.Context, c *models.Consent, csr *models.PendingCSR) error {
	db := s.db.WithContext(ctx)
	if err := db.Create(c).Error; err != nil {
		return translate(err)
	}
	return translate(db.Create(csr).Error)
}

func (s *Store) GetConsent(ctx context.Context, id string) (*models.Consent, error) {
	var c models.Consent
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (s *Store) ListConsents(ctx context.Context, subnetID, status string) ([]models.Consent, error) {
	var out []models.Consent
	q := s.db.WithContext(ctx).Where("subnet_id = ?", subnetID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Order("created_at, id").Find(&out).Error
	return out, err
}

// ResolveConsent переводит согласие из pending; false — его уже разрешили параллельно.
func (s *Store) ResolveConsent(ctx context.Context, c *models.Consent) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Consent{}).
		Where("id = ? AND status = ?", c.ID, models.ConsentPending).
		Updates(map[string]any{"status": c.Status, "resolved_at": c.ResolvedAt, "owner_id": c.OwnerID})
	return res.RowsAffected == 1, res.Error
}

func (s *Store) GetPendingCSR(ctx context.Context, consentID string) (*models.PendingCSR, error) {
	var p models.PendingCSR
	if err := s.db.WithContext(ctx).Where("consent_id = ?", consentID).First(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *Store) DeletePendingCSR(ctx context.Context, consentID string) error {
	return s.db.WithContext(ctx).Where("consent_id = ?", consentID).Delete(&models.PendingCSR{}).Error
}

// -------- выпущенные сертификаты --------

func (s *Store) SaveIssuedCertificate(ctx context.Context, ic *models.IssuedCertificate) error {
	return translate(s.db.WithContext(ctx).Create(ic).Error)
}

func (s *Store) GetIssuedByConsent(ctx context.Context, consentID string) (*models.IssuedCertificate, error) {
	var ic models.IssuedCertificate
	if err := s.db.WithContext(ctx).Where("consent_id = ?", consentID).First(&ic).Error; err != nil {
		return nil, translate(err)
	}
	return &ic, nil
}

func (s *Store) GetIssuedByFingerprint(ctx context.Context, fp string) (*models.IssuedCertificate, error) {
	var ic models.IssuedCertificate
	if err := s.db.WithContext(ctx).Where("fingerprint = ?", fp).First(&ic).Error; err != nil {
		return nil, translate(err)
	}
	return &ic, nil
}

func (s *Store) CreateDelegation(ctx context.Context, d *models.SubnetCADelegation) error {
	return translate(s.db.WithContext(ctx).Create(d).Error)
}
