package models

import (
	"time"

	"gorm.io/datatypes"
)

// IdempotencyEntry — уникальность кортежа (key, method, path, principal, body_hash)
// и есть межпроцессная защита от повторного исполнения.
type IdempotencyEntry struct {
	ID             uint           `gorm:"primaryKey;autoIncrement"`
	IdempotencyKey string         `gorm:"size:255;not null;uniqueIndex:uniq_idempotency_tuple,priority:1"`
	Method         string         `gorm:"size:16;not null;uniqueIndex:uniq_idempotency_tuple,priority:2"`
	Path           string         `gorm:"size:255;not null;uniqueIndex:uniq_idempotency_tuple,priority:3"`
	PrincipalID    string         `gorm:"size:64;not null;uniqueIndex:uniq_idempotency_tuple,priority:4"`
	BodyHash       string         `gorm:"size:64;not null;uniqueIndex:uniq_idempotency_tuple,priority:5"`
	ResponseJSON   datatypes.JSON `gorm:"column:response_json"`
	StatusCode     *int
	Committed      bool      `gorm:"not null;default:false"`
	CreatedAt      time.Time `gorm:"autoCreateTime:false"`
	ExpiresAt      time.Time `gorm:"not null;index"`
}

func (IdempotencyEntry) TableName() string { return "idempotency_cache" }

// RateCounter — фиксированное окно на пару (category, key).
type RateCounter struct {
	Category    string    `gorm:"primaryKey;size:16"`
	CounterKey  string    `gorm:"primaryKey;size:128"`
	WindowStart time.Time `gorm:"not null"`
	Count       int       `gorm:"not null"`
}

func (RateCounter) TableName() string { return "rate_counters" }

// All — полный набор таблиц для миграции.
func All() []any {
	return []any{
		&Subnet{}, &Node{}, &Device{}, &DeviceAlias{}, &Consent{}, &PendingCSR{},
		&IdempotencyEntry{}, &DenylistEntry{}, &AuditRecord{}, &IssuedCertificate{},
		&CertificateAuthority{}, &SubnetCADelegation{}, &QRSession{}, &DeviceCode{},
		&Token{}, &HubChannel{}, &BrowserChallenge{}, &RateCounter{},
	}
}
