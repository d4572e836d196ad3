package authority

import (
	"context"
	"errors"

	"rootauth/internal/apierr"
	"rootauth/internal/audit"
	"rootauth/internal/ids"
	"rootauth/internal/logs"
	"rootauth/internal/models"
	"rootauth/internal/proof"
	"rootauth/internal/ratelimit"
	"rootauth/internal/repo"
)

// AuthChallenge выдаёт одноразовый nonce; прежний открытый вызов устройства перезаписывается.
func (b *Backend) AuthChallenge(ctx context.Context, req ChallengeRequest) (ChallengeResponse, error) {
	c := call{
		name: "auth.challenge", key: req.IdempotencyKey, principal: "device:" + req.DeviceID, body: req,
		limit: ratelimit.Auth, limitKey: req.DeviceID,
	}
	return mutate(ctx, b, c, func(ctx context.Context, env Envelope) (ChallengeResponse, error) {
		var out ChallengeResponse
		err := b.store.Tx(ctx, func(tx *repo.Store) error {
			d, err := b.activeDevice(ctx, tx, req.DeviceID)
			if err != nil {
				return err
			}
			if d.JWKThumbprint == "" {
				return apierr.New(apierr.CodeInvalidRequest, "device has no bound key")
			}
			aud := req.Audience
			if aud == "" {
				aud = subnetAudience(d.SubnetID)
			}
			ch := &models.BrowserChallenge{
				DeviceID:  d.ID,
				Nonce:     ids.Opaque(24),
				Audience:  aud,
				ExpiresAt: b.clk.Now().Add(b.cfg.ChallengeTTL),
			}
			if err := tx.PutChallenge(ctx, ch); err != nil {
				return err
			}
			out = ChallengeResponse{Nonce: ch.Nonce, Audience: ch.Audience, ExpiresAt: ch.ExpiresAt, Envelope: env}
			return b.record(ctx, tx, audit.Entry{
				SubnetID: d.SubnetID, ActorID: d.ID, SubjectID: d.ID, Action: "auth.challenge",
				Payload: map[string]any{"aud": aud},
			})
		})
		return out, err
	})
}

// AuthComplete проверяет JWS по открытому вызову, гасит вызов и выдаёт свежую тройку токенов.
func (b *Backend) AuthComplete(ctx context.Context, req CompleteRequest) (TokenBundle, error) {
	c := call{
		name: "auth.complete", key: req.IdempotencyKey, principal: "device:" + req.DeviceID, body: req,
		limit: ratelimit.Auth, limitKey: req.DeviceID,
	}
	return mutate(ctx, b, c, func(ctx context.Context, env Envelope) (TokenBundle, error) {
		d, err := b.activeDevice(ctx, b.store, req.DeviceID)
		if err != nil {
			return TokenBundle{}, err
		}
		ch, err := b.store.GetChallenge(ctx, d.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return TokenBundle{}, apierr.New(apierr.CodeChallengeExpired, "no outstanding challenge").
				WithHint("request a new challenge")
		}
		if err != nil {
			return TokenBundle{}, err
		}
		if !b.clk.Now().Before(ch.ExpiresAt) {
			if _, err := b.store.ConsumeChallenge(ctx, d.ID, ch.Nonce); err != nil {
				logs.From(ctx).WithError(err).WithField("device_id", d.ID).Warn("purge expired challenge")
			}
			return TokenBundle{}, apierr.New(apierr.CodeChallengeExpired, "challenge expired").
				WithHint("request a new challenge")
		}
		if err := b.proveDevice(d, req.Assertion, proof.Expect{Nonce: ch.Nonce, Audience: ch.Audience}); err != nil {
			return TokenBundle{}, err
		}

		var out TokenBundle
		err = b.store.Tx(ctx, func(tx *repo.Store) error {
			// гасим именно проверенный nonce: параллельный вызов или новый challenge его уже заменили
			ok, err := tx.ConsumeChallenge(ctx, d.ID, ch.Nonce)
			if err != nil {
				return err
			}
			if !ok {
				return apierr.New(apierr.CodeChallengeExpired, "challenge already used")
			}
			out, err = b.mintTokens(ctx, tx, d, env)
			if err != nil {
				return err
			}
			return b.record(ctx, tx, audit.Entry{
				SubnetID: d.SubnetID, ActorID: d.ID, SubjectID: d.ID, Action: "token.issue", ACL: d.Scopes,
				Payload: map[string]any{"flow": "browser_challenge", "aud": ch.Audience},
			})
		})
		return out, err
	})
}
