package models

import (
	"time"

	"gorm.io/datatypes"
)

// Subnet — граница арендатора; ровно одна на устройство-владельца.
type Subnet struct {
	ID            string         `gorm:"primaryKey;size:36"`
	OwnerDeviceID string         `gorm:"size:36;not null;uniqueIndex"`
	Settings      datatypes.JSON `gorm:"column:settings_json"`
	CreatedAt     time.Time      `gorm:"autoCreateTime:false"`
}

func (Subnet) TableName() string { return "subnets" }

// Device никогда не удаляется физически: отзыв — флаг + строка в denylist.
type Device struct {
	ID            string                      `gorm:"primaryKey;size:36"`
	Role          Role                        `gorm:"size:16;not null;index"`
	SubnetID      string                      `gorm:"size:36;not null;index"`
	NodeID        *string                     `gorm:"size:36;index"`
	Aliases       datatypes.JSONSlice[string] `gorm:"column:aliases_json"`
	Capabilities  datatypes.JSONSlice[string] `gorm:"column:capabilities_json"`
	Scopes        datatypes.JSONSlice[string] `gorm:"column:scopes_json"`
	JWKThumbprint string                      `gorm:"column:jwk_thumbprint;size:64;index"`
	PublicKeyPEM  string                      `gorm:"column:public_key_pem;type:text"`
	Revoked       bool                        `gorm:"not null;default:false"`
	CreatedAt     time.Time                   `gorm:"autoCreateTime:false"`
	UpdatedAt     time.Time                   `gorm:"autoUpdateTime:false"`
}

func (Device) TableName() string { return "devices" }

// DeviceAlias — уникальность алиаса в пределах подсети держит первичный ключ.
type DeviceAlias struct {
	SubnetID string `gorm:"primaryKey;size:36"`
	Alias    string `gorm:"primaryKey;size:128"`
	DeviceID string `gorm:"size:36;not null;index"`
}

func (DeviceAlias) TableName() string { return "device_aliases" }

// Node — долгоживущий узел (хаб/участник), получающий X.509 идентичность.
type Node struct {
	ID              string    `gorm:"primaryKey;size:36"`
	SubnetID        string    `gorm:"size:36;not null;index"`
	Role            Role      `gorm:"size:16;not null"`
	Status          string    `gorm:"size:16;not null;index"`
	CertFingerprint string    `gorm:"size:64;index"`
	CreatedAt       time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime:false"`
}

func (Node) TableName() string { return "nodes" }

type DenylistEntry struct {
	ID         string     `gorm:"primaryKey;size:36"`
	EntityType string     `gorm:"size:32;not null"`
	EntityID   string     `gorm:"size:64;not null;index"`
	SubnetID   string     `gorm:"size:36;index"`
	Reason     string     `gorm:"size:255"`
	CreatedAt  time.Time  `gorm:"autoCreateTime:false"`
	ExpiresAt  *time.Time `gorm:"index"`
}

func (DenylistEntry) TableName() string { return "denylist" }
