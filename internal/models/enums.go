package models

import "slices"

type Role string

const (
	RoleOwner     Role = "OWNER"
	RoleHub       Role = "HUB"
	RoleMember    Role = "MEMBER"
	RoleBrowserIO Role = "BROWSER_IO"
	RoleService   Role = "SERVICE" // делегированный subnet-CA, не физический узел
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleHub, RoleMember, RoleBrowserIO, RoleService:
		return true
	}
	return false
}

// Статусы device-code / QR сессий.
const (
	FlowPending  = "pending"
	FlowApproved = "approved"
	FlowDenied   = "denied"
	FlowIssued   = "issued"
)

// Статусы согласий (consents).
const (
	ConsentPending  = "pending"
	ConsentApproved = "approved"
	ConsentDenied   = "denied"
)

type ConsentType string

const (
	ConsentMember ConsentType = "MEMBER" // выпуск сертификата HUB/MEMBER
	ConsentDevice ConsentType = "DEVICE" // делегирование subnet-CA хабу
)

// Статусы узлов.
const (
	NodePending  = "pending"
	NodeActive   = "active"
	NodeRejected = "rejected"
	NodeRevoked  = "revoked"
)

type TokenKind string

const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
	TokenChannel TokenKind = "channel"
)

// Каталог скоупов. Владелец подсети получает все.
const (
	ScopeManageMembers   = "MANAGE_MEMBERS"
	ScopeManageIODevices = "MANAGE_IO_DEVICES"
	ScopeManageHubs      = "MANAGE_HUBS"
	ScopeReadAudit       = "READ_AUDIT"
	ScopeSubnetRead      = "SUBNET_READ"
	ScopeSubnetWrite     = "SUBNET_WRITE"
	ScopeChannelConnect  = "CHANNEL_CONNECT"
	ScopeIORead          = "IO_READ"
	ScopeIOWrite         = "IO_WRITE"
)

func AllScopes() []string {
	return []string{
		ScopeManageMembers, ScopeManageIODevices, ScopeManageHubs, ScopeReadAudit,
		ScopeSubnetRead, ScopeSubnetWrite, ScopeChannelConnect, ScopeIORead, ScopeIOWrite,
	}
}

func HasScope(scopes []string, s string) bool { return slices.Contains(scopes, s) }
