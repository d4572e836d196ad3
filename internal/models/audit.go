package models

import (
	"time"

	"gorm.io/datatypes"
)

// AuditRecord — только append. Signature = HMAC канонического JSON всех остальных полей.
type AuditRecord struct {
	EventID   string                      `gorm:"primaryKey;size:36"`
	TraceID   string                      `gorm:"size:64;index"`
	SubnetID  string                      `gorm:"size:36;index"`
	ActorID   *string                     `gorm:"size:36"`
	SubjectID *string                     `gorm:"size:64"`
	Action    string                      `gorm:"size:64;not null"`
	ACL       datatypes.JSONSlice[string] `gorm:"column:acl_json"`
	TTL       int64                       `gorm:"not null"` // секунды хранения
	Payload   datatypes.JSON              `gorm:"column:payload_json"`
	Timestamp time.Time                   `gorm:"not null;index"`
	Signature string                      `gorm:"size:64;not null"`
}

func (AuditRecord) TableName() string { return "audit_records" }
