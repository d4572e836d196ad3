package models

import (
	"time"

	"gorm.io/datatypes"
)

type Consent struct {
	ID              string                      `gorm:"primaryKey;size:36"`
	Type            ConsentType                 `gorm:"size:16;not null"`
	RequesterID     string                      `gorm:"size:36;not null;index"`
	SubnetID        string                      `gorm:"size:36;not null;index"`
	ScopesRequested datatypes.JSONSlice[string] `gorm:"column:scopes_requested_json"`
	Status          string                      `gorm:"size:16;not null;index"`
	CreatedAt       time.Time                   `gorm:"autoCreateTime:false"`
	ResolvedAt      *time.Time
	OwnerID         *string `gorm:"size:36"`
}

func (Consent) TableName() string { return "consents" }

// PendingCSR потребляется один раз при одобрении согласия.
type PendingCSR struct {
	ConsentID string                      `gorm:"primaryKey;size:36"`
	CSRPEM    string                      `gorm:"column:csr_pem;type:text;not null"`
	NodeID    string                      `gorm:"size:36;not null"`
	Role      Role                        `gorm:"size:16;not null"`
	Scopes    datatypes.JSONSlice[string] `gorm:"column:scopes_json"`
}

func (PendingCSR) TableName() string { return "pending_csrs" }
