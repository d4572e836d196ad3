package models

import (
	"time"

	"gorm.io/datatypes"
)

// TokenPayload — то, что возвращает интроспекция.
type TokenPayload struct {
	DeviceID string    `json:"device_id"`
	SubnetID string    `json:"subnet_id"`
	Role     Role      `json:"role"`
	Kind     TokenKind `json:"kind"`
	Scopes   []string  `json:"scopes"`
	HubNode  string    `json:"hub_node,omitempty"`
}

type Token struct {
	Token     string                           `gorm:"primaryKey;size:64"`
	DeviceID  string                           `gorm:"size:36;not null;index"`
	Kind      TokenKind                        `gorm:"size:16;not null"`
	CnfThumb  string                           `gorm:"size:64;not null"`
	SubnetID  string                           `gorm:"size:36;not null;index"`
	Payload   datatypes.JSONType[TokenPayload] `gorm:"column:payload_json"`
	CreatedAt time.Time                        `gorm:"autoCreateTime:false"`
	ExpiresAt time.Time                        `gorm:"not null;index"`
	Revoked   bool                             `gorm:"not null;default:false"`
}

func (Token) TableName() string { return "tokens" }

// HubChannel — одна живая канальная учётка на хаб, привязанная к отпечатку его сертификата.
type HubChannel struct {
	Token           string    `gorm:"primaryKey;size:64"`
	NodeID          string    `gorm:"size:36;not null;index"`
	SubnetID        string    `gorm:"size:36;not null"`
	CertFingerprint string    `gorm:"size:64;not null"`
	CreatedAt       time.Time `gorm:"autoCreateTime:false"`
	ExpiresAt       time.Time `gorm:"not null;index"`
	RotatedAt       *time.Time
	Revoked         bool `gorm:"not null;default:false"`
}

func (HubChannel) TableName() string { return "hub_channels" }
