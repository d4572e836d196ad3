package models

import "time"

const (
	CARoot         = "root"
	CAIntermediate = "intermediate"
)

type CertificateAuthority struct {
	Name      string    `gorm:"primaryKey;size:32"`
	KeyPEM    string    `gorm:"column:key_pem;type:text;not null"`
	CertPEM   string    `gorm:"column:cert_pem;type:text;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

func (CertificateAuthority) TableName() string { return "certificate_authorities" }

type IssuedCertificate struct {
	Serial      string `gorm:"primaryKey;size:64"`
	ConsentID   string `gorm:"size:36;not null;uniqueIndex"`
	NodeID      string `gorm:"size:36;not null;index"`
	SubnetID    string `gorm:"size:36;not null;index"`
	Role        Role   `gorm:"size:16;not null"`
	Fingerprint string `gorm:"size:64;not null;uniqueIndex"`
	CertPEM     string `gorm:"column:cert_pem;type:text;not null"`
	ChainPEM    string `gorm:"column:chain_pem;type:text;not null"`
	NotBefore   time.Time
	NotAfter    time.Time `gorm:"column:expires_at;not null;index"`
	CreatedAt   time.Time `gorm:"autoCreateTime:false"`
}

func (IssuedCertificate) TableName() string { return "issued_certificates" }

type SubnetCADelegation struct {
	ID          string    `gorm:"primaryKey;size:36"`
	SubnetID    string    `gorm:"size:36;not null;index"`
	HubNodeID   string    `gorm:"size:36;not null;index"`
	Serial      string    `gorm:"size:64;not null"`
	Fingerprint string    `gorm:"size:64;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime:false"`
	ExpiresAt   time.Time `gorm:"not null;index"`
}

func (SubnetCADelegation) TableName() string { return "subnet_ca_delegations" }
