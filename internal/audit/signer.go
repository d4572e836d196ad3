// Package audit подписывает записи журнала HMAC-SHA256 поверх канонического JSON.
package audit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"rootauth/internal/clock"
	"rootauth/internal/ids"
	"rootauth/internal/logs"
	"rootauth/internal/models"
)

var hkdfInfo = []byte("rootauth.audit.hmac.v1")

// Signer держит производный ключ; исходный секрет из конфигурации в памяти не хранится.
type Signer struct {
	key []byte
	clk clock.Clock
	ttl time.Duration
}

func NewSigner(secret string, clk clock.Clock, ttl time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("audit: empty secret")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("audit: derive key: %w", err)
	}
	return &Signer{key: key, clk: clk, ttl: ttl}, nil
}

// Entry — то, что фиксирует вызывающий; остальное заполняет Record.
type Entry struct {
	SubnetID  string
	ActorID   string
	SubjectID string
	Action    string
	ACL       []string
	Payload   any
}

// Record собирает подписанную запись. trace_id берётся из контекста запроса.
func (s *Signer) Record(ctx context.Context, e Entry) (*models.AuditRecord, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("audit payload: %w", err)
	}
	rec := &models.AuditRecord{
		EventID:   ids.New(),
		TraceID:   logs.TraceID(ctx),
		SubnetID:  e.SubnetID,
		ActorID:   optional(e.ActorID),
		SubjectID: optional(e.SubjectID),
		Action:    e.Action,
		ACL:       e.ACL,
		TTL:       int64(s.ttl / time.Second),
		Payload:   payload,
		// микросекунды: точнее не хранит postgres
		Timestamp: s.clk.Now().Truncate(time.Microsecond),
	}
	if rec.TraceID == "" {
		rec.TraceID = rec.EventID
	}
	if err := s.Sign(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Signer) Sign(rec *models.AuditRecord) error {
	sig, err := s.mac(rec)
	if err != nil {
		return err
	}
	rec.Signature = sig
	return nil
}

func (s *Signer) Verify(rec *models.AuditRecord) bool {
	sig, err := s.mac(rec)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(rec.Signature))
}

// CorruptedError — запись, не прошедшая проверку подписи.
type CorruptedError struct{ EventID string }

func (e *CorruptedError) Error() string { return "audit record " + e.EventID + " failed verification" }

// VerifyAll проверяет все записи и останавливается на первой испорченной.
func (s *Signer) VerifyAll(recs []models.AuditRecord) error {
	for i := range recs {
		if !s.Verify(&recs[i]) {
			return &CorruptedError{EventID: recs[i].EventID}
		}
	}
	return nil
}

func (s *Signer) mac(rec *models.AuditRecord) (string, error) {
	b, err := Canonical(rec)
	if err != nil {
		return "", err
	}
	m := hmac.New(sha256.New, s.key)
	m.Write(b)
	return hex.EncodeToString(m.Sum(nil)), nil
}

type canonicalRecord struct {
	EventID   string          `json:"event_id"`
	TraceID   string          `json:"trace_id"`
	SubnetID  string          `json:"subnet_id"`
	ActorID   *string         `json:"actor_id"`
	SubjectID *string         `json:"subject_id"`
	Action    string          `json:"action"`
	ACL       []string        `json:"acl"`
	TTL       int64           `json:"ttl"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// Canonical — все поля кроме подписи; ключи payload отсортированы, числа сохранены как есть.
func Canonical(rec *models.AuditRecord) ([]byte, error) {
	payload, err := canonicalJSON(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("audit payload: %w", err)
	}
	acl := []string(rec.ACL)
	if acl == nil {
		acl = []string{}
	}
	return json.Marshal(canonicalRecord{
		EventID:   rec.EventID,
		TraceID:   rec.TraceID,
		SubnetID:  rec.SubnetID,
		ActorID:   rec.ActorID,
		SubjectID: rec.SubjectID,
		Action:    rec.Action,
		ACL:       acl,
		TTL:       rec.TTL,
		Payload:   payload,
		Timestamp: rec.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

func canonicalJSON(raw []byte) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	// encoding/json сортирует ключи map при сериализации
	return json.Marshal(v)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
