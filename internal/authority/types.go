package authority

import (
	"encoding/json"
	"time"

	"rootauth/internal/models"
)

// Envelope — общая часть каждого успешного ответа. При идемпотентном повторе
// возвращается исходный Envelope, а не новый.
type Envelope struct {
	EventID    string    `json:"event_id"`
	ServerTime time.Time `json:"server_time_utc"`
}

// CallerContext — anti-relay контекст сетевого вызова.
type CallerContext struct {
	Origin    string `json:"origin" validate:"required"`
	ClientIP  string `json:"client_ip" validate:"required,ip"`
	UserAgent string `json:"user_agent" validate:"required"`
}

// Principal — аутентифицированный на границе вызывающий (устройство владельца или администратора).
type Principal struct {
	DeviceID string `json:"device_id" validate:"required,max=36"`
}

// -------- device flow --------

type DeviceStartRequest struct {
	IdempotencyKey string        `json:"-"`
	Caller         CallerContext `json:"caller"`
	PublicKeyPEM   string        `json:"public_key_pem" validate:"required"`
	Role           models.Role   `json:"role" validate:"required"`
	SubnetID       string        `json:"subnet_id,omitempty" validate:"omitempty,max=36"`
	Scopes         []string      `json:"scopes,omitempty" validate:"dive,required"`
}

type DeviceStartResponse struct {
	DeviceCode string    `json:"device_code"`
	UserCode   string    `json:"user_code"`
	ExpiresAt  time.Time `json:"expires_at"`
	Interval   int       `json:"interval"`
	Envelope
}

type DeviceConfirmRequest struct {
	IdempotencyKey string   `json:"-"`
	UserCode       string   `json:"user_code" validate:"required"`
	Scopes         []string `json:"scopes,omitempty" validate:"dive,required"`
	Aliases        []string `json:"aliases,omitempty" validate:"dive,required,max=128"`
	Capabilities   []string `json:"capabilities,omitempty" validate:"dive,required"`
}

type DeviceConfirmResponse struct {
	DeviceID string      `json:"device_id"`
	SubnetID string      `json:"subnet_id"`
	Role     models.Role `json:"role"`
	Scopes   []string    `json:"scopes"`
	Aliases  []string    `json:"aliases"`
	Status   string      `json:"status"`
	Envelope
}

type DeviceDenyRequest struct {
	IdempotencyKey string `json:"-"`
	UserCode       string `json:"user_code" validate:"required"`
}

type DeviceDenyResponse struct {
	UserCode string `json:"user_code"`
	Status   string `json:"status"`
	Envelope
}

type DeviceTokenRequest struct {
	Caller     CallerContext `json:"caller"`
	DeviceCode string        `json:"device_code" validate:"required"`
	Assertion  string        `json:"assertion" validate:"required"`
}

// TokenBundle — тройка токенов одного события аутентификации.
type TokenBundle struct {
	DeviceID         string    `json:"device_id"`
	SubnetID         string    `json:"subnet_id"`
	TokenType        string    `json:"token_type"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	ChannelToken     string    `json:"channel_token"`
	ChannelExpiresAt time.Time `json:"channel_expires_at"`
	Scopes           []string  `json:"scopes"`
	Envelope
}

// -------- QR --------

type QRStartRequest struct {
	IdempotencyKey string        `json:"-"`
	Caller         CallerContext `json:"caller"`
	PublicKeyPEM   string        `json:"public_key_pem" validate:"required"`
	SubnetID       string        `json:"subnet_id,omitempty" validate:"omitempty,max=36"`
	Scopes         []string      `json:"scopes,omitempty" validate:"dive,required"`
}

type QRStartResponse struct {
	SessionID string    `json:"session_id"`
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
	Envelope
}

type QRApproveRequest struct {
	IdempotencyKey string   `json:"-"`
	SessionID      string   `json:"session_id" validate:"required"`
	Nonce          string   `json:"nonce" validate:"required"`
	Scopes         []string `json:"scopes,omitempty" validate:"dive,required"`
	Aliases        []string `json:"aliases,omitempty" validate:"dive,required,max=128"`
	Capabilities   []string `json:"capabilities,omitempty" validate:"dive,required"`
}

type QRApproveResponse struct {
	DeviceID string      `json:"device_id"`
	SubnetID string      `json:"subnet_id"`
	Role     models.Role `json:"role"`
	Scopes   []string    `json:"scopes"`
	Aliases  []string    `json:"aliases"`
	Envelope
}

// -------- browser holder-of-key --------

type ChallengeRequest struct {
	IdempotencyKey string        `json:"-"`
	Caller         CallerContext `json:"caller"`
	DeviceID       string        `json:"device_id" validate:"required,max=36"`
	Audience       string        `json:"audience,omitempty" validate:"max=255"`
}

type ChallengeResponse struct {
	Nonce     string    `json:"nonce"`
	Audience  string    `json:"aud"`
	ExpiresAt time.Time `json:"expires_at"`
	Envelope
}

type CompleteRequest struct {
	IdempotencyKey string        `json:"-"`
	Caller         CallerContext `json:"caller"`
	DeviceID       string        `json:"device_id" validate:"required,max=36"`
	Assertion      string        `json:"assertion" validate:"required"`
}

// -------- tokens --------

type RefreshRequest struct {
	IdempotencyKey string `json:"-"`
	RefreshToken   string `json:"refresh_token" validate:"required"`
	Assertion      string `json:"assertion" validate:"required"`
}

type IntrospectRequest struct {
	Token     string `json:"token" validate:"required"`
	Assertion string `json:"assertion" validate:"required"`
}

type IntrospectResponse struct {
	Active    bool                `json:"active"`
	Payload   models.TokenPayload `json:"payload"`
	ExpiresAt time.Time           `json:"expires_at"`
	Envelope
}

type ChannelRequest struct {
	IdempotencyKey string `json:"-"`
	Token          string `json:"token" validate:"required"`
	Assertion      string `json:"assertion" validate:"required"`
	HubNodeID      string `json:"hub_node_id,omitempty" validate:"max=36"`
}

type ChannelResponse struct {
	ChannelToken string    `json:"channel_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Rotated      bool      `json:"rotated"`
	SubnetID     string    `json:"subnet_id"`
	Scopes       []string  `json:"scopes"`
	Envelope
}

type HubChannelRequest struct {
	IdempotencyKey string `json:"-"`
	CertPEM        string `json:"cert_pem" validate:"required"`
	Assertion      string `json:"assertion" validate:"required"`
}

type HubChannelResponse struct {
	NodeID       string    `json:"node_id"`
	SubnetID     string    `json:"subnet_id"`
	ChannelToken string    `json:"channel_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Envelope
}

// -------- devices --------

type RevokeRequest struct {
	IdempotencyKey string `json:"-"`
	DeviceID       string `json:"device_id" validate:"required,max=36"`
	Reason         string `json:"reason,omitempty" validate:"max=255"`
}

type RevokeResponse struct {
	DeviceID      string `json:"device_id"`
	Revoked       bool   `json:"revoked"`
	TokensRevoked int64  `json:"tokens_revoked"`
	Envelope
}

type RotateRequest struct {
	IdempotencyKey  string `json:"-"`
	DeviceID        string `json:"device_id" validate:"required,max=36"`
	NewPublicKeyPEM string `json:"new_public_key_pem" validate:"required"`
	Assertion       string `json:"assertion" validate:"required"`
}

type RotateResponse struct {
	DeviceID      string `json:"device_id"`
	JWKThumbprint string `json:"jwk_thumbprint"`
	Envelope
}

type UpdateDeviceRequest struct {
	IdempotencyKey string   `json:"-"`
	DeviceID       string   `json:"device_id" validate:"required,max=36"`
	Aliases        []string `json:"aliases" validate:"dive,required,max=128"`
	Capabilities   []string `json:"capabilities" validate:"dive,required"`
}

type DeviceView struct {
	DeviceID     string      `json:"device_id"`
	SubnetID     string      `json:"subnet_id"`
	Role         models.Role `json:"role"`
	NodeID       string      `json:"node_id,omitempty"`
	Aliases      []string    `json:"aliases"`
	Capabilities []string    `json:"capabilities"`
	Scopes       []string    `json:"scopes"`
	Revoked      bool        `json:"revoked"`
	Envelope
}

// -------- CSR / consent --------

type CSRRequest struct {
	IdempotencyKey string      `json:"-"`
	CSRPEM         string      `json:"csr_pem" validate:"required"`
	Role           models.Role `json:"role" validate:"required"`
	NodeID         string      `json:"node_id,omitempty" validate:"max=36"` // хаб для SERVICE
	Scopes         []string    `json:"scopes,omitempty" validate:"dive,required"`
}

type CSRResponse struct {
	ConsentID string `json:"consent_id"`
	NodeID    string `json:"node_id"`
	Status    string `json:"status"`
	Envelope
}

type ResolveRequest struct {
	IdempotencyKey string `json:"-"`
	ConsentID      string `json:"consent_id" validate:"required,max=36"`
	Approve        bool   `json:"approve"`
}

type ResolveResponse struct {
	ConsentID   string `json:"consent_id"`
	Status      string `json:"status"`
	NodeID      string `json:"node_id"`
	Serial      string `json:"serial,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Envelope
}

type CertificateResponse struct {
	ConsentID   string      `json:"consent_id"`
	NodeID      string      `json:"node_id"`
	Role        models.Role `json:"role"`
	CertPEM     string      `json:"cert_pem"`
	ChainPEM    string      `json:"chain_pem"`
	RootPEM     string      `json:"root_pem"`
	Serial      string      `json:"serial"`
	Fingerprint string      `json:"fingerprint"`
	NotAfter    time.Time   `json:"not_after"`
	Envelope
}

type ConsentView struct {
	ID              string             `json:"id"`
	Type            models.ConsentType `json:"type"`
	RequesterID     string             `json:"requester_id"`
	ScopesRequested []string           `json:"scopes_requested"`
	Status          string             `json:"status"`
	CreatedAt       time.Time          `json:"created_at"`
	ResolvedAt      *time.Time         `json:"resolved_at,omitempty"`
}

type ConsentList struct {
	Consents []ConsentView `json:"consents"`
	Envelope
}

// -------- audit --------

type AuditQuery struct {
	Since time.Time `json:"since,omitempty"`
	Limit int       `json:"limit,omitempty" validate:"min=0,max=10000"`
}

type AuditEntry struct {
	EventID   string          `json:"event_id"`
	TraceID   string          `json:"trace_id"`
	SubnetID  string          `json:"subnet_id"`
	ActorID   *string         `json:"actor_id,omitempty"`
	SubjectID *string         `json:"subject_id,omitempty"`
	Action    string          `json:"action"`
	ACL       []string        `json:"acl"`
	TTL       int64           `json:"ttl"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Signature string          `json:"signature"`
}

type AuditExport struct {
	Records []AuditEntry `json:"records"`
	Envelope
}
