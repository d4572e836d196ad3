package authority

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"rootauth/internal/apierr"
	"rootauth/internal/audit"
	"rootauth/internal/ids"
	"rootauth/internal/logs"
	"rootauth/internal/models"
	"rootauth/internal/proof"
	"rootauth/internal/repo"
)

// RevokeDevice: флаг, строка denylist, отзыв всех живых токенов и канальных учёток узла
// — одной транзакцией вместе с записью аудита.
func (b *Backend) RevokeDevice(ctx context.Context, p Principal, req RevokeRequest) (RevokeResponse, error) {
	c := call{name: "device.revoke", key: req.IdempotencyKey, actor: &p, body: req}
	return mutate(ctx, b, c, func(ctx context.Context, env Envelope) (RevokeResponse, error) {
		out := RevokeResponse{DeviceID: req.DeviceID, Revoked: true, Envelope: env}
		err := b.store.Tx(ctx, func(tx *repo.Store) error {
			owner, sn, err := b.approver(ctx, tx, p, models.ScopeManageMembers, false)
			if err != nil {
				return err
			}
			d, err := b.subnetDevice(ctx, tx, sn.ID, req.DeviceID)
			if err != nil {
				return err
			}
			if d.ID == sn.OwnerDeviceID {
				return apierr.New(apierr.CodeOwnerConflict, "the subnet owner cannot be revoked")
			}
			if d.Revoked {
				return nil
			}
			now := b.clk.Now()
			d.Revoked, d.UpdatedAt = true, now
			if err := tx.SaveDevice(ctx, d); err != nil {
				return err
			}
			if err := tx.AddDenylist(ctx, &models.DenylistEntry{
				ID: ids.New(), EntityType: denyDevice, EntityID: d.ID, SubnetID: d.SubnetID,
				Reason: req.Reason, CreatedAt: now,
			}); err != nil {
				return err
			}
			if out.TokensRevoked, err = tx.RevokeDeviceTokens(ctx, d.ID, now); err != nil {
				return err
			}
			if d.NodeID != nil {
				if err := b.retireNode(ctx, tx, *d.NodeID, now); err != nil {
					return err
				}
			}
			logs.From(ctx).WithFields(logrus.Fields{
				"subnet_id": d.SubnetID, "device_id": d.ID, "tokens": out.TokensRevoked,
			}).Info("device revoked")
			return b.record(ctx, tx, audit.Entry{
				SubnetID: d.SubnetID, ActorID: owner.ID, SubjectID: d.ID, Action: "device.revoke",
				Payload: map[string]any{"reason": req.Reason, "tokens_revoked": out.TokensRevoked},
			})
		})
		return out, err
	})
}

func (b *Backend) retireNode(ctx context.Context, tx *repo.Store, nodeID string, now time.Time) error {
	node, err := tx.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	node.Status, node.UpdatedAt = models.NodeRevoked, now
	if err := tx.SaveNode(ctx, node); err != nil {
		return err
	}
	_, err = tx.RevokeHubChannels(ctx, node.ID, now)
	return err
}

// RotateDevice — смена ключа устройства. JWS подписан старым ключом и связывает
// новый отпечаток (nonce) с подсетью; скоупы и токены не трогаются.
func (b *Backend) RotateDevice(ctx context.Context, req RotateRequest) (RotateResponse, error) {
	c := call{name: "device.rotate", key: req.IdempotencyKey, principal: "device:" + req.DeviceID, body: req}
	return mutate(ctx, b, c, func(ctx context.Context, env Envelope) (RotateResponse, error) {
		newThumb, newPEM, err := normalizeKey(req.NewPublicKeyPEM)
		if err != nil {
			return RotateResponse{}, err
		}
		var out RotateResponse
		err = b.store.Tx(ctx, func(tx *repo.Store) error {
			d, err := b.activeDevice(ctx, tx, req.DeviceID)
			if err != nil {
				return err
			}
			if err := b.proveDevice(d, req.Assertion, proof.Expect{
				Nonce: newThumb, Audience: subnetAudience(d.SubnetID),
			}); err != nil {
				return err
			}
			old := d.JWKThumbprint
			d.JWKThumbprint, d.PublicKeyPEM, d.UpdatedAt = newThumb, newPEM, b.clk.Now()
			if err := tx.SaveDevice(ctx, d); err != nil {
				return err
			}
			out = RotateResponse{DeviceID: d.ID, JWKThumbprint: newThumb, Envelope: env}
			return b.record(ctx, tx, audit.Entry{
				SubnetID: d.SubnetID, ActorID: d.ID, SubjectID: d.ID, Action: "device.rotate",
				Payload: map[string]any{"old_jkt": old, "new_jkt": newThumb},
			})
		})
		return out, err
	})
}

// UpdateDevice заменяет алиасы (уникальны в подсети) и возможности устройства.
// Менять может само устройство или администратор подсети с MANAGE_MEMBERS.
func (b *Backend) UpdateDevice(ctx context.Context, p Principal, req UpdateDeviceRequest) (DeviceView, error) {
	c := call{name: "device.update", key: req.IdempotencyKey, actor: &p, body: req}
	return mutate(ctx, b, c, func(ctx context.Context, env Envelope) (DeviceView, error) {
		var out DeviceView
		err := b.store.Tx(ctx, func(tx *repo.Store) error {
			scope := models.ScopeManageMembers
			if p.DeviceID == req.DeviceID {
				scope = ""
			}
			actor, sn, err := b.approver(ctx, tx, p, scope, false)
			if err != nil {
				return err
			}
			d, err := b.subnetDevice(ctx, tx, sn.ID, req.DeviceID)
			if err != nil {
				return err
			}
			if d.Revoked {
				return apierr.New(apierr.CodeDeviceRevoked, "device is revoked")
			}
			aliases := dedupe(req.Aliases)
			if err := b.setAliases(ctx, tx, d, aliases); err != nil {
				return err
			}
			d.Aliases, d.Capabilities, d.UpdatedAt = aliases, dedupe(req.Capabilities), b.clk.Now()
			if err := tx.SaveDevice(ctx, d); err != nil {
				return err
			}
			out = deviceView(d, env)
			return b.record(ctx, tx, audit.Entry{
				SubnetID: d.SubnetID, ActorID: actor.ID, SubjectID: d.ID, Action: "device.update",
				Payload: map[string]any{"aliases": aliases, "capabilities": d.Capabilities},
			})
		})
		return out, err
	})
}

// subnetDevice — устройство той же подсети, что и вызывающий; чужие устройства неотличимы от несуществующих.
func (b *Backend) subnetDevice(ctx context.Context, tx *repo.Store, subnetID, id string) (*models.Device, error) {
	d, err := tx.GetDevice(ctx, id)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if d == nil || d.SubnetID != subnetID {
		return nil, apierr.New(apierr.CodeUnknownDevice, "unknown device")
	}
	return d, nil
}

func deviceView(d *models.Device, env Envelope) DeviceView {
	v := DeviceView{
		DeviceID: d.ID, SubnetID: d.SubnetID, Role: d.Role,
		Aliases: nonNil(d.Aliases), Capabilities: nonNil(d.Capabilities), Scopes: nonNil(d.Scopes),
		Revoked: d.Revoked, Envelope: env,
	}
	if d.NodeID != nil {
		v.NodeID = *d.NodeID
	}
	return v
}
