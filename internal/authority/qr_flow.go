package authority

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"

	"rootauth/internal/apierr"
	"rootauth/internal/audit"
	"rootauth/internal/ids"
	"rootauth/internal/models"
	"rootauth/internal/ratelimit"
	"rootauth/internal/repo"
)

// QRStart — браузер открывает QR-сессию; владелец сканирует session_id/nonce и одобряет.
func (b *Backend) QRStart(ctx context.Context, req QRStartRequest) (QRStartResponse, error) {
	c := call{
		name: "qr.start", key: req.IdempotencyKey, principal: ids.Hash(req.PublicKeyPEM), body: req,
		limit: ratelimit.QR, limitKey: req.Caller.ClientIP,
	}
	return mutate(ctx, b, c, func(ctx context.Context, env Envelope) (QRStartResponse, error) {
		thumb, pubPEM, err := normalizeKey(req.PublicKeyPEM)
		if err != nil {
			return QRStartResponse{}, err
		}
		h := hashCaller(req.Caller)
		now := b.clk.Now()
		q := &models.QRSession{
			SessionID:       ids.Opaque(24),
			Nonce:           ids.Opaque(24),
			SubnetID:        req.SubnetID,
			Role:            models.RoleBrowserIO,
			ScopesRequested: dedupe(req.Scopes),
			OriginHash:      h.origin,
			IPHash:          h.ip,
			UAHash:          h.ua,
			InitThumb:       thumb,
			PublicKeyPEM:    pubPEM,
			Status:          models.FlowPending,
			CreatedAt:       now,
			ExpiresAt:       now.Add(b.cfg.QRTTL),
		}
		err = b.store.Tx(ctx, func(tx *repo.Store) error {
			if err := tx.CreateQRSession(ctx, q); err != nil {
				return fmt.Errorf("create qr session: %w", err)
			}
			return b.record(ctx, tx, audit.Entry{
				SubnetID: req.SubnetID, SubjectID: thumb, Action: "qr.start",
				Payload: map[string]any{"session_id": q.SessionID, "scopes": q.ScopesRequested},
			})
		})
		if err != nil {
			return QRStartResponse{}, err
		}
		return QRStartResponse{SessionID: q.SessionID, Nonce: q.Nonce, ExpiresAt: q.ExpiresAt, Envelope: env}, nil
	})
}

// QRApprove — владелец одобряет сессию: в одном вызове создаётся BROWSER_IO устройство.
// Токены браузер затем получает через AuthChallenge/AuthComplete своим ключом.
func (b *Backend) QRApprove(ctx context.Context, p Principal, req QRApproveRequest) (QRApproveResponse, error) {
	c := call{name: "qr.approve", key: req.IdempotencyKey, actor: &p, body: req}
	return mutate(ctx, b, c, func(ctx context.Context, env Envelope) (QRApproveResponse, error) {
		var out QRApproveResponse
		err := b.store.Tx(ctx, func(tx *repo.Store) error {
			q, err := tx.GetQRSession(ctx, req.SessionID)
			if errors.Is(err, repo.ErrNotFound) {
				return apierr.New(apierr.CodeUnknownSession, "unknown qr session")
			}
			if err != nil {
				return err
			}
			if subtle.ConstantTimeCompare([]byte(q.Nonce), []byte(req.Nonce)) != 1 {
				return apierr.New(apierr.CodeChallengeMismatch, "qr nonce does not match session")
			}
			switch q.Status {
			case models.FlowApproved, models.FlowIssued:
				if err := b.replayer(ctx, tx, p, models.ScopeManageIODevices, q.SubnetID,
					apierr.New(apierr.CodeUnknownSession, "unknown qr session")); err != nil {
					return err
				}
				if len(q.ResponseJSON) == 0 {
					return fmt.Errorf("qr session %s approved without cached response", q.SessionID)
				}
				return json.Unmarshal(q.ResponseJSON, &out)
			case models.FlowDenied:
				return apierr.New(apierr.CodeAccessDenied, "qr session was denied")
			}
			if !b.clk.Now().Before(q.ExpiresAt) {
				return apierr.New(apierr.CodeExpiredSession, "qr session expired").WithHint("show a fresh QR code")
			}

			owner, sn, err := b.approver(ctx, tx, p, models.ScopeManageIODevices, true)
			if err != nil {
				return err
			}
			if q.SubnetID != "" && q.SubnetID != sn.ID {
				return apierr.New(apierr.CodeOwnerConflict, "qr session targets a subnet the principal does not own")
			}
			scopes := dedupe(req.Scopes)
			if len(scopes) == 0 {
				scopes = q.ScopesRequested
			}
			scopes = nonNil(scopes)
			if err := grantable(owner, scopes); err != nil {
				return err
			}
			d, err := b.createDevice(ctx, tx, newDevice{
				role: models.RoleBrowserIO, subnetID: sn.ID, scopes: scopes,
				aliases: dedupe(req.Aliases), capabilities: dedupe(req.Capabilities),
				thumb: q.InitThumb, pubPEM: q.PublicKeyPEM,
			})
			if err != nil {
				return err
			}
			out = QRApproveResponse{
				DeviceID: d.ID, SubnetID: sn.ID, Role: d.Role,
				Scopes: nonNil(d.Scopes), Aliases: nonNil(d.Aliases), Envelope: env,
			}
			raw, err := json.Marshal(out)
			if err != nil {
				return err
			}
			q.Status, q.SubnetID, q.DeviceID, q.ResponseJSON = models.FlowApproved, sn.ID, &d.ID, raw
			ok, err := tx.TransitionQRSession(ctx, q, models.FlowPending)
			if err != nil {
				return err
			}
			if !ok {
				return apierr.New(apierr.CodeRequestInProgress, "qr session changed concurrently").WithRetryAfter(1)
			}
			return b.record(ctx, tx, audit.Entry{
				SubnetID: sn.ID, ActorID: owner.ID, SubjectID: d.ID, Action: "qr.approve", ACL: scopes,
				Payload: map[string]any{"session_id": q.SessionID, "scopes": scopes},
			})
		})
		return out, err
	})
}
