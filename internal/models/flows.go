package models

import (
	"time"

	"gorm.io/datatypes"
)

// DeviceCode — запись device-flow. Хэши контекста и init_thumb фиксируются на старте.
type DeviceCode struct {
	DeviceCode      string                      `gorm:"primaryKey;size:64"`
	UserCode        string                      `gorm:"size:16;not null;uniqueIndex"`
	SubnetID        string                      `gorm:"size:36"`
	Role            Role                        `gorm:"size:16;not null"`
	ScopesRequested datatypes.JSONSlice[string] `gorm:"column:scopes_requested_json"`
	OriginHash      string                      `gorm:"size:64;not null"`
	IPHash          string                      `gorm:"size:64;not null"`
	UAHash          string                      `gorm:"size:64;not null"`
	InitThumb       string                      `gorm:"size:64;not null"`
	PublicKeyPEM    string                      `gorm:"type:text"`
	Status          string                      `gorm:"size:16;not null;index"`
	DeviceID        *string                     `gorm:"size:36"`
	ResponseJSON    datatypes.JSON              `gorm:"column:response_json"`
	CreatedAt       time.Time                   `gorm:"autoCreateTime:false"`
	ExpiresAt       time.Time                   `gorm:"not null;index"`
}

func (DeviceCode) TableName() string { return "device_codes" }

// QRSession — тот же контракт, но по session_id/nonce и только для BROWSER_IO.
type QRSession struct {
	SessionID       string                      `gorm:"primaryKey;size:64"`
	Nonce           string                      `gorm:"size:64;not null"`
	SubnetID        string                      `gorm:"size:36"`
	Role            Role                        `gorm:"size:16;not null"`
	ScopesRequested datatypes.JSONSlice[string] `gorm:"column:scopes_requested_json"`
	OriginHash      string                      `gorm:"size:64;not null"`
	IPHash          string                      `gorm:"size:64;not null"`
	UAHash          string                      `gorm:"size:64;not null"`
	InitThumb       string                      `gorm:"size:64;not null"`
	PublicKeyPEM    string                      `gorm:"type:text"`
	Status          string                      `gorm:"size:16;not null;index"`
	DeviceID        *string                     `gorm:"size:36"`
	ResponseJSON    datatypes.JSON              `gorm:"column:response_json"`
	CreatedAt       time.Time                   `gorm:"autoCreateTime:false"`
	ExpiresAt       time.Time                   `gorm:"not null;index"`
}

func (QRSession) TableName() string { return "qr_sessions" }

// BrowserChallenge — не более одного открытого вызова на устройство.
type BrowserChallenge struct {
	DeviceID  string    `gorm:"primaryKey;size:36"`
	Nonce     string    `gorm:"size:64;not null"`
	Audience  string    `gorm:"size:255;not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

func (BrowserChallenge) TableName() string { return "browser_challenges" }
