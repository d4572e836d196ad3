package authority

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"rootauth/internal/apierr"
	"rootauth/internal/audit"
	"rootauth/internal/ids"
	"rootauth/internal/logs"
	"rootauth/internal/metrics"
	"rootauth/internal/models"
	"rootauth/internal/pki"
	"rootauth/internal/proof"
	"rootauth/internal/repo"
)

// liveToken находит токен нужного вида и проверяет, что он не отозван и не просрочен.
// Просроченный токен удаляется при обращении.
func (b *Backend) liveToken(ctx context.Context, value string, kind models.TokenKind) (*models.Token, error) {
	t, err := b.store.GetToken(ctx, value)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, apierr.New(apierr.CodeInvalidToken, "unknown token")
	}
	if err != nil {
		return nil, err
	}
	if kind != "" && t.Kind != kind {
		return nil, apierr.Newf(apierr.CodeInvalidToken, "expected a %s token", kind)
	}
	if !b.clk.Now().Before(t.ExpiresAt) {
		if err := b.store.DeleteToken(ctx, t.Token); err != nil {
			logs.From(ctx).WithError(err).Warn("purge expired token")
		}
		return nil, apierr.New(apierr.CodeTokenExpired, "token expired")
	}
	if t.Revoked {
		return nil, apierr.New(apierr.CodeTokenRevoked, "token revoked")
	}
	return t, nil
}

// TokenRefresh — полная ротация: все токены устройства гасятся, выдаётся новая тройка.
func (b *Backend) TokenRefresh(ctx context.Context, req RefreshRequest) (TokenBundle, error) {
	c := call{name: "token.refresh", key: req.IdempotencyKey, principal: ids.Hash(req.RefreshToken), body: req}
	return mutate(ctx, b, c, func(ctx context.Context, env Envelope) (TokenBundle, error) {
		t, err := b.liveToken(ctx, req.RefreshToken, models.TokenRefresh)
		if err != nil {
			return TokenBundle{}, err
		}
		d, err := b.activeDevice(ctx, b.store, t.DeviceID)
		if err != nil {
			return TokenBundle{}, err
		}
		if err := b.proveDevice(d, req.Assertion, proof.Expect{
			Nonce: t.Token, Audience: subnetAudience(t.SubnetID), Thumbprint: t.CnfThumb,
		}); err != nil {
			return TokenBundle{}, err
		}

		var out TokenBundle
		err = b.store.Tx(ctx, func(tx *repo.Store) error {
			ok, err := tx.RevokeToken(ctx, t.Token)
			if err != nil {
				return err
			}
			if !ok {
				return apierr.New(apierr.CodeTokenRevoked, "refresh token already used")
			}
			n, err := tx.RevokeDeviceTokens(ctx, d.ID, b.clk.Now())
			if err != nil {
				return err
			}
			out, err = b.mintTokens(ctx, tx, d, env)
			if err != nil {
				return err
			}
			return b.record(ctx, tx, audit.Entry{
				SubnetID: d.SubnetID, ActorID: d.ID, SubjectID: d.ID, Action: "token.refresh", ACL: d.Scopes,
				Payload: map[string]any{"revoked": n + 1},
			})
		})
		return out, err
	})
}

// IntrospectToken — JWS должен быть связан с самим токеном (nonce=token).
func (b *Backend) IntrospectToken(ctx context.Context, req IntrospectRequest) (IntrospectResponse, error) {
	return query(ctx, b, call{name: "token.introspect", body: req}, func(ctx context.Context, env Envelope) (IntrospectResponse, error) {
		t, err := b.liveToken(ctx, req.Token, "")
		if err != nil {
			return IntrospectResponse{}, err
		}
		d, err := b.activeDevice(ctx, b.store, t.DeviceID)
		if err != nil {
			return IntrospectResponse{}, err
		}
		if err := b.proveDevice(d, req.Assertion, proof.Expect{
			Nonce: t.Token, Audience: subnetAudience(t.SubnetID), Thumbprint: t.CnfThumb,
		}); err != nil {
			return IntrospectResponse{}, err
		}
		return IntrospectResponse{Active: true, Payload: t.Payload.Data(), ExpiresAt: t.ExpiresAt, Envelope: env}, nil
	})
}

// AuthorizeChannel проверяет канальный токен по aud wss:subnet:<id>[|hub:<node>] и,
// если прошло не меньше ChannelRotateRatio срока жизни, атомарно заменяет его новым.
// С hub_node_id принимается и канальная учётка хаба из IssueHubChannel.
func (b *Backend) AuthorizeChannel(ctx context.Context, req ChannelRequest) (ChannelResponse, error) {
	c := call{name: "channel.authorize", key: req.IdempotencyKey, principal: ids.Hash(req.Token), body: req}
	return mutate(ctx, b, c, func(ctx context.Context, env Envelope) (ChannelResponse, error) {
		if req.HubNodeID != "" {
			hc, err := b.store.GetHubChannel(ctx, req.Token)
			switch {
			case err == nil:
				return b.authorizeHubChannel(ctx, req, hc, env)
			case !errors.Is(err, repo.ErrNotFound):
				return ChannelResponse{}, err
			}
		}
		t, err := b.liveToken(ctx, req.Token, models.TokenChannel)
		if err != nil {
			return ChannelResponse{}, err
		}
		d, err := b.activeDevice(ctx, b.store, t.DeviceID)
		if err != nil {
			return ChannelResponse{}, err
		}
		if err := b.proveDevice(d, req.Assertion, proof.Expect{
			Nonce: t.Token, Audience: channelAudience(t.SubnetID, req.HubNodeID), Thumbprint: t.CnfThumb,
		}); err != nil {
			return ChannelResponse{}, err
		}
		payload := t.Payload.Data()
		out := ChannelResponse{
			ChannelToken: t.Token, ExpiresAt: t.ExpiresAt, SubnetID: t.SubnetID,
			Scopes: nonNil(payload.Scopes), Envelope: env,
		}
		now := b.clk.Now()
		lifetime := t.ExpiresAt.Sub(t.CreatedAt)
		if now.Sub(t.CreatedAt) < time.Duration(float64(lifetime)*b.cfg.ChannelRotateRatio) {
			return out, nil
		}

		err = b.store.Tx(ctx, func(tx *repo.Store) error {
			ok, err := tx.RevokeToken(ctx, t.Token)
			if err != nil {
				return err
			}
			if !ok {
				return apierr.New(apierr.CodeTokenRevoked, "channel token already rotated")
			}
			next := b.newToken(d, models.TokenChannel, req.HubNodeID, now, b.cfg.ChannelTTL)
			if err := tx.CreateTokens(ctx, next); err != nil {
				return err
			}
			metrics.TokensIssued.WithLabelValues(string(models.TokenChannel)).Inc()
			out.ChannelToken, out.ExpiresAt, out.Rotated = next.Token, next.ExpiresAt, true
			return b.record(ctx, tx, audit.Entry{
				SubnetID: d.SubnetID, ActorID: d.ID, SubjectID: d.ID, Action: "channel.rotate",
				Payload: map[string]any{"hub_node_id": req.HubNodeID, "expires_at": next.ExpiresAt},
			})
		})
		return out, err
	})
}

// authorizeHubChannel: учётка хаба подтверждается JWS ключом действующего сертификата узла
// {nonce=token, aud=wss:subnet:<id>|hub:<node>} и ротируется по тому же порогу.
func (b *Backend) authorizeHubChannel(ctx context.Context, req ChannelRequest, hc *models.HubChannel, env Envelope) (ChannelResponse, error) {
	if hc.NodeID != req.HubNodeID {
		return ChannelResponse{}, apierr.New(apierr.CodeInvalidToken, "token is not bound to this hub")
	}
	now := b.clk.Now()
	if !now.Before(hc.ExpiresAt) {
		return ChannelResponse{}, apierr.New(apierr.CodeTokenExpired, "token expired")
	}
	if hc.Revoked {
		return ChannelResponse{}, apierr.New(apierr.CodeTokenRevoked, "token revoked")
	}
	node, err := b.store.GetNode(ctx, hc.NodeID)
	if errors.Is(err, repo.ErrNotFound) {
		return ChannelResponse{}, apierr.New(apierr.CodeUnknownNode, "unknown hub node")
	}
	if err != nil {
		return ChannelResponse{}, err
	}
	if node.Status != models.NodeActive || node.CertFingerprint != hc.CertFingerprint {
		return ChannelResponse{}, apierr.New(apierr.CodeTokenRevoked, "hub identity changed since the channel was issued")
	}
	ic, err := b.store.GetIssuedByFingerprint(ctx, hc.CertFingerprint)
	if err != nil {
		return ChannelResponse{}, fmt.Errorf("hub certificate %s: %w", hc.CertFingerprint, err)
	}
	cert, err := pki.ParseCertificatePEM(ic.CertPEM)
	if err != nil {
		return ChannelResponse{}, err
	}
	pub, err := certKey(cert)
	if err != nil {
		return ChannelResponse{}, err
	}
	thumb, err := proof.Thumbprint(pub)
	if err != nil {
		return ChannelResponse{}, err
	}
	if _, err := b.verifier.Verify(req.Assertion, pub, proof.Expect{
		Nonce: hc.Token, Audience: channelAudience(hc.SubnetID, hc.NodeID), Thumbprint: thumb,
	}); err != nil {
		return ChannelResponse{}, err
	}
	scopes, err := pki.ScopesFromCertificate(cert)
	if err != nil {
		return ChannelResponse{}, err
	}

	out := ChannelResponse{
		ChannelToken: hc.Token, ExpiresAt: hc.ExpiresAt, SubnetID: hc.SubnetID,
		Scopes: nonNil(scopes), Envelope: env,
	}
	lifetime := hc.ExpiresAt.Sub(hc.CreatedAt)
	if now.Sub(hc.CreatedAt) < time.Duration(float64(lifetime)*b.cfg.ChannelRotateRatio) {
		return out, nil
	}
	err = b.store.Tx(ctx, func(tx *repo.Store) error {
		ok, err := tx.RotateHubChannel(ctx, hc.Token, now)
		if err != nil {
			return err
		}
		if !ok {
			return apierr.New(apierr.CodeTokenRevoked, "hub channel already rotated")
		}
		next := &models.HubChannel{
			Token:           ids.Opaque(32),
			NodeID:          hc.NodeID,
			SubnetID:        hc.SubnetID,
			CertFingerprint: hc.CertFingerprint,
			CreatedAt:       now,
			ExpiresAt:       now.Add(b.cfg.ChannelTTL),
		}
		if err := tx.CreateHubChannel(ctx, next); err != nil {
			return err
		}
		metrics.TokensIssued.WithLabelValues("hub_channel").Inc()
		out.ChannelToken, out.ExpiresAt, out.Rotated = next.Token, next.ExpiresAt, true
		return b.record(ctx, tx, audit.Entry{
			SubnetID: hc.SubnetID, ActorID: hc.NodeID, SubjectID: hc.NodeID, Action: "channel.hub.rotate",
			Payload: map[string]any{"fingerprint": hc.CertFingerprint, "expires_at": next.ExpiresAt},
		})
	})
	return out, err
}

// IssueHubChannel — хаб предъявляет свой сертификат и JWS ключом сертификата
// {nonce=fingerprint, aud=wss:subnet:<id>|hub:<node>}. Прежняя канальная учётка хаба гасится.
func (b *Backend) IssueHubChannel(ctx context.Context, req HubChannelRequest) (HubChannelResponse, error) {
	c := call{name: "channel.hub", key: req.IdempotencyKey, principal: ids.Hash(req.CertPEM), body: req}
	return mutate(ctx, b, c, func(ctx context.Context, env Envelope) (HubChannelResponse, error) {
		cert, err := pki.ParseCertificatePEM(req.CertPEM)
		if err != nil {
			return HubChannelResponse{}, apierr.Wrap(apierr.CodeInvalidRequest, "malformed hub certificate", err)
		}
		fp := pki.Fingerprint(cert)
		ic, err := b.store.GetIssuedByFingerprint(ctx, fp)
		if errors.Is(err, repo.ErrNotFound) {
			return HubChannelResponse{}, apierr.New(apierr.CodeUnknownNode, "certificate was not issued by this authority")
		}
		if err != nil {
			return HubChannelResponse{}, err
		}
		if ic.Role != models.RoleHub {
			return HubChannelResponse{}, apierr.New(apierr.CodeForbidden, "certificate is not a hub identity")
		}
		if err := b.ca.VerifyChain(cert, ic.ChainPEM); err != nil {
			return HubChannelResponse{}, apierr.Wrap(apierr.CodeForbidden, "hub certificate does not verify", err)
		}
		node, err := b.store.GetNode(ctx, ic.NodeID)
		if errors.Is(err, repo.ErrNotFound) {
			return HubChannelResponse{}, apierr.New(apierr.CodeUnknownNode, "unknown hub node")
		}
		if err != nil {
			return HubChannelResponse{}, err
		}
		if node.Status != models.NodeActive || node.CertFingerprint != fp {
			return HubChannelResponse{}, apierr.New(apierr.CodeForbidden, "certificate is not the active identity of this hub")
		}
		pub, err := certKey(cert)
		if err != nil {
			return HubChannelResponse{}, err
		}
		thumb, err := proof.Thumbprint(pub)
		if err != nil {
			return HubChannelResponse{}, err
		}
		if _, err := b.verifier.Verify(req.Assertion, pub, proof.Expect{
			Nonce: fp, Audience: channelAudience(node.SubnetID, node.ID), Thumbprint: thumb,
		}); err != nil {
			return HubChannelResponse{}, err
		}

		now := b.clk.Now()
		hc := &models.HubChannel{
			Token:           ids.Opaque(32),
			NodeID:          node.ID,
			SubnetID:        node.SubnetID,
			CertFingerprint: fp,
			CreatedAt:       now,
			ExpiresAt:       now.Add(b.cfg.ChannelTTL),
		}
		err = b.store.Tx(ctx, func(tx *repo.Store) error {
			n, err := tx.RevokeHubChannels(ctx, node.ID, now)
			if err != nil {
				return err
			}
			if err := tx.CreateHubChannel(ctx, hc); err != nil {
				return err
			}
			metrics.TokensIssued.WithLabelValues("hub_channel").Inc()
			logs.From(ctx).WithFields(logrus.Fields{"node_id": node.ID, "replaced": n}).Info("hub channel issued")
			return b.record(ctx, tx, audit.Entry{
				SubnetID: node.SubnetID, ActorID: node.ID, SubjectID: node.ID, Action: "channel.hub",
				Payload: map[string]any{"fingerprint": fp, "replaced": n},
			})
		})
		if err != nil {
			return HubChannelResponse{}, err
		}
		return HubChannelResponse{
			NodeID: node.ID, SubnetID: node.SubnetID, ChannelToken: hc.Token, ExpiresAt: hc.ExpiresAt, Envelope: env,
		}, nil
	})
}
