package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"rootauth/internal/apierr"
	"rootauth/internal/audit"
	"rootauth/internal/ids"
	"rootauth/internal/logs"
	"rootauth/internal/models"
	"rootauth/internal/proof"
	"rootauth/internal/ratelimit"
	"rootauth/internal/repo"
)

// flowCache — response_json записи device-code: ответ подтверждения и, после выдачи, пакет токенов.
type flowCache struct {
	Confirm *DeviceConfirmResponse `json:"confirm,omitempty"`
	Tokens  *TokenBundle           `json:"tokens,omitempty"`
}

func decodeFlowCache(raw []byte) (flowCache, error) {
	var c flowCache
	if len(raw) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("decode device code cache: %w", err)
	}
	return c, nil
}

// onboardingRoles — роли, которые устройство может запросить в device-code потоке.
var onboardingRoles = []models.Role{models.RoleHub, models.RoleMember, models.RoleBrowserIO}

type contextHashes struct{ origin, ip, ua string }

func hashCaller(c CallerContext) contextHashes {
	return contextHashes{origin: ids.Hash(c.Origin), ip: ids.Hash(c.ClientIP), ua: ids.Hash(c.UserAgent)}
}

// DeviceStart открывает device-code поток и фиксирует anti-relay хэши и отпечаток ключа.
func (b *Backend) DeviceStart(ctx context.Context, req DeviceStartRequest) (DeviceStartResponse, error) {
	c := call{
		name: "device.start", key: req.IdempotencyKey, principal: ids.Hash(req.PublicKeyPEM), body: req,
		limit: ratelimit.Device, limitKey: req.Caller.ClientIP,
	}
	return mutate(ctx, b, c, func(ctx context.Context, env Envelope) (DeviceStartResponse, error) {
		if !slices.Contains(onboardingRoles, req.Role) {
			return DeviceStartResponse{}, apierr.Newf(apierr.CodeInvalidRole, "role %q cannot be onboarded by device code", req.Role)
		}
		thumb, pubPEM, err := normalizeKey(req.PublicKeyPEM)
		if err != nil {
			return DeviceStartResponse{}, err
		}
		h := hashCaller(req.Caller)
		now := b.clk.Now()
		dc := &models.DeviceCode{
			DeviceCode:      ids.Opaque(32),
			SubnetID:        req.SubnetID,
			Role:            req.Role,
			ScopesRequested: dedupe(req.Scopes),
			OriginHash:      h.origin,
			IPHash:          h.ip,
			UAHash:          h.ua,
			InitThumb:       thumb,
			PublicKeyPEM:    pubPEM,
			Status:          models.FlowPending,
			CreatedAt:       now,
			ExpiresAt:       now.Add(b.cfg.DeviceCodeTTL),
		}
		err = b.store.Tx(ctx, func(tx *repo.Store) error {
			// user_code короткий: при редкой коллизии пробуем ещё раз
			for attempt := 0; ; attempt++ {
				dc.UserCode = ids.UserCode()
				err := tx.CreateDeviceCode(ctx, dc)
				if err == nil {
					break
				}
				if !errors.Is(err, repo.ErrDuplicate) || attempt >= 3 {
					return fmt.Errorf("create device code: %w", err)
				}
			}
			return b.record(ctx, tx, audit.Entry{
				SubnetID: req.SubnetID, SubjectID: thumb, Action: "device.start",
				Payload: map[string]any{"role": req.Role, "scopes": dc.ScopesRequested, "user_code": dc.UserCode},
			})
		})
		if err != nil {
			return DeviceStartResponse{}, err
		}
		return DeviceStartResponse{
			DeviceCode: dc.DeviceCode,
			UserCode:   dc.UserCode,
			ExpiresAt:  dc.ExpiresAt,
			Interval:   int(b.cfg.PollInterval.Seconds()),
			Envelope:   env,
		}, nil
	})
}

// DeviceConfirm — владелец подтверждает user_code: создаётся устройство, код переходит в approved.
// Повторное подтверждение из той же подсети возвращает сохранённый ответ, даже если запрошены
// другие скоупы.
func (b *Backend) DeviceConfirm(ctx context.Context, p Principal, req DeviceConfirmRequest) (DeviceConfirmResponse, error) {
	req.UserCode = ids.NormalizeUserCode(req.UserCode)
	c := call{name: "device.confirm", key: req.IdempotencyKey, actor: &p, body: req}
	return mutate(ctx, b, c, func(ctx context.Context, env Envelope) (DeviceConfirmResponse, error) {
		var out DeviceConfirmResponse
		err := b.store.Tx(ctx, func(tx *repo.Store) error {
			dc, err := tx.GetDeviceCodeByUserCode(ctx, req.UserCode)
			if errors.Is(err, repo.ErrNotFound) {
				return apierr.New(apierr.CodeUnknownDeviceCode, "unknown user code")
			}
			if err != nil {
				return err
			}
			switch dc.Status {
			case models.FlowApproved, models.FlowIssued:
				if err := b.replayer(ctx, tx, p, models.ScopeManageMembers, dc.SubnetID,
					apierr.New(apierr.CodeUnknownDeviceCode, "unknown user code")); err != nil {
					return err
				}
				cache, err := decodeFlowCache(dc.ResponseJSON)
				if err != nil {
					return err
				}
				if cache.Confirm == nil {
					return fmt.Errorf("device code %s approved without cached response", dc.UserCode)
				}
				if len(req.Scopes) > 0 && !sameSet(req.Scopes, cache.Confirm.Scopes) {
					logs.From(ctx).WithFields(logrus.Fields{
						"device_id": cache.Confirm.DeviceID, "requested": req.Scopes, "granted": cache.Confirm.Scopes,
					}).Warn("device confirm replay with different scopes; returning original grant")
				}
				out = *cache.Confirm
				return nil
			case models.FlowDenied:
				return apierr.New(apierr.CodeAccessDenied, "device code was denied")
			}
			if !b.clk.Now().Before(dc.ExpiresAt) {
				return apierr.New(apierr.CodeExpiredDeviceCode, "device code expired").WithHint("restart the device flow")
			}

			owner, sn, err := b.approver(ctx, tx, p, models.ScopeManageMembers, true)
			if err != nil {
				return err
			}
			if dc.SubnetID != "" && dc.SubnetID != sn.ID {
				return apierr.New(apierr.CodeOwnerConflict, "device code targets a subnet the principal does not own")
			}
			scopes := dedupe(req.Scopes)
			if len(scopes) == 0 {
				scopes = dc.ScopesRequested
			}
			scopes = nonNil(scopes)
			if err := grantable(owner, scopes); err != nil {
				return err
			}
			d, err := b.createDevice(ctx, tx, newDevice{
				role: dc.Role, subnetID: sn.ID, scopes: scopes,
				aliases: dedupe(req.Aliases), capabilities: dedupe(req.Capabilities),
				thumb: dc.InitThumb, pubPEM: dc.PublicKeyPEM,
			})
			if err != nil {
				return err
			}

			out = DeviceConfirmResponse{
				DeviceID: d.ID, SubnetID: sn.ID, Role: d.Role,
				Scopes: nonNil(d.Scopes), Aliases: nonNil(d.Aliases), Status: models.FlowApproved, Envelope: env,
			}
			raw, err := json.Marshal(flowCache{Confirm: &out})
			if err != nil {
				return err
			}
			dc.Status, dc.SubnetID, dc.DeviceID, dc.ResponseJSON = models.FlowApproved, sn.ID, &d.ID, raw
			ok, err := tx.TransitionDeviceCode(ctx, dc, models.FlowPending)
			if err != nil {
				return err
			}
			if !ok {
				return apierr.New(apierr.CodeRequestInProgress, "device code changed concurrently").WithRetryAfter(1)
			}
			return b.record(ctx, tx, audit.Entry{
				SubnetID: sn.ID, ActorID: owner.ID, SubjectID: d.ID, Action: "device.confirm", ACL: scopes,
				Payload: map[string]any{"role": d.Role, "scopes": scopes, "aliases": d.Aliases, "user_code": dc.UserCode},
			})
		})
		return out, err
	})
}

// DeviceDeny — владелец отклоняет ожидающий код.
func (b *Backend) DeviceDeny(ctx context.Context, p Principal, req DeviceDenyRequest) (DeviceDenyResponse, error) {
	req.UserCode = ids.NormalizeUserCode(req.UserCode)
	c := call{name: "device.deny", key: req.IdempotencyKey, actor: &p, body: req}
	return mutate(ctx, b, c, func(ctx context.Context, env Envelope) (DeviceDenyResponse, error) {
		out := DeviceDenyResponse{UserCode: req.UserCode, Status: models.FlowDenied, Envelope: env}
		err := b.store.Tx(ctx, func(tx *repo.Store) error {
			dc, err := tx.GetDeviceCodeByUserCode(ctx, req.UserCode)
			if errors.Is(err, repo.ErrNotFound) {
				return apierr.New(apierr.CodeUnknownDeviceCode, "unknown user code")
			}
			if err != nil {
				return err
			}
			owner, sn, err := b.approver(ctx, tx, p, models.ScopeManageMembers, false)
			if err != nil {
				return err
			}
			if dc.SubnetID != "" && dc.SubnetID != sn.ID {
				return apierr.New(apierr.CodeOwnerConflict, "device code targets a subnet the principal does not own")
			}
			switch dc.Status {
			case models.FlowDenied:
				return nil
			case models.FlowApproved, models.FlowIssued:
				return apierr.New(apierr.CodeInvalidRequest, "device code is already approved").
					WithHint("revoke the device instead")
			}
			dc.Status = models.FlowDenied
			ok, err := tx.TransitionDeviceCode(ctx, dc, models.FlowPending)
			if err != nil {
				return err
			}
			if !ok {
				return apierr.New(apierr.CodeRequestInProgress, "device code changed concurrently").WithRetryAfter(1)
			}
			return b.record(ctx, tx, audit.Entry{
				SubnetID: sn.ID, ActorID: owner.ID, SubjectID: dc.UserCode, Action: "device.deny",
				Payload: map[string]any{"user_code": dc.UserCode},
			})
		})
		return out, err
	})
}

// DeviceToken — опрос устройства. Требует тот же anti-relay контекст, что и DeviceStart,
// и JWS {nonce=device_code, aud=subnet:<id>}. После выдачи возвращает тот же пакет токенов.
func (b *Backend) DeviceToken(ctx context.Context, req DeviceTokenRequest) (TokenBundle, error) {
	c := call{name: "device.token", body: req}
	return query(ctx, b, c, func(ctx context.Context, env Envelope) (TokenBundle, error) {
		dc, err := b.store.GetDeviceCode(ctx, req.DeviceCode)
		if errors.Is(err, repo.ErrNotFound) {
			return TokenBundle{}, apierr.New(apierr.CodeUnknownDeviceCode, "unknown device code")
		}
		if err != nil {
			return TokenBundle{}, err
		}
		if err := b.antiRelay(ctx, hashCaller(req.Caller), contextHashes{dc.OriginHash, dc.IPHash, dc.UAHash}); err != nil {
			return TokenBundle{}, err
		}
		if dc.Status != models.FlowIssued && !b.clk.Now().Before(dc.ExpiresAt) {
			return TokenBundle{}, apierr.New(apierr.CodeExpiredDeviceCode, "device code expired")
		}
		switch dc.Status {
		case models.FlowPending:
			return TokenBundle{}, apierr.New(apierr.CodeAuthorizationPending, "waiting for owner approval").
				WithRetryAfter(int(b.cfg.PollInterval.Seconds()))
		case models.FlowDenied:
			return TokenBundle{}, apierr.New(apierr.CodeAccessDenied, "device code was denied")
		}
		if dc.DeviceID == nil {
			return TokenBundle{}, fmt.Errorf("device code %s approved without device", dc.UserCode)
		}
		d, err := b.activeDevice(ctx, b.store, *dc.DeviceID)
		if err != nil {
			return TokenBundle{}, err
		}
		if d.JWKThumbprint != dc.InitThumb {
			return TokenBundle{}, apierr.New(apierr.CodeAntiRelayBlocked, "device key changed since flow start")
		}
		if err := b.proveDevice(d, req.Assertion, proof.Expect{
			Nonce: dc.DeviceCode, Audience: subnetAudience(d.SubnetID), Thumbprint: dc.InitThumb,
		}); err != nil {
			return TokenBundle{}, err
		}

		if dc.Status == models.FlowIssued {
			return cachedTokens(dc)
		}

		var out TokenBundle
		raced := errors.New("raced")
		err = b.store.Tx(ctx, func(tx *repo.Store) error {
			cache, err := decodeFlowCache(dc.ResponseJSON)
			if err != nil {
				return err
			}
			out, err = b.mintTokens(ctx, tx, d, env)
			if err != nil {
				return err
			}
			cache.Tokens = &out
			raw, err := json.Marshal(cache)
			if err != nil {
				return err
			}
			dc.Status, dc.ResponseJSON = models.FlowIssued, raw
			ok, err := tx.TransitionDeviceCode(ctx, dc, models.FlowApproved)
			if err != nil {
				return err
			}
			if !ok {
				return raced
			}
			return b.record(ctx, tx, audit.Entry{
				SubnetID: d.SubnetID, ActorID: d.ID, SubjectID: d.ID, Action: "token.issue", ACL: d.Scopes,
				Payload: map[string]any{"flow": "device_code", "access_expires_at": out.AccessExpiresAt},
			})
		})
		if errors.Is(err, raced) {
			// параллельный опрос уже выдал токены
			fresh, err := b.store.GetDeviceCode(ctx, req.DeviceCode)
			if err != nil {
				return TokenBundle{}, err
			}
			return cachedTokens(fresh)
		}
		return out, err
	})
}

func cachedTokens(dc *models.DeviceCode) (TokenBundle, error) {
	cache, err := decodeFlowCache(dc.ResponseJSON)
	if err != nil {
		return TokenBundle{}, err
	}
	if cache.Tokens == nil {
		return TokenBundle{}, fmt.Errorf("device code %s issued without cached tokens", dc.UserCode)
	}
	return *cache.Tokens, nil
}

func (b *Backend) antiRelay(ctx context.Context, got, want contextHashes) error {
	if got == want {
		return nil
	}
	logs.From(ctx).WithFields(logrus.Fields{
		"origin_match": got.origin == want.origin, "ip_match": got.ip == want.ip, "ua_match": got.ua == want.ua,
	}).Warn("anti-relay check failed")
	return apierr.New(apierr.CodeAntiRelayBlocked, "caller context differs from flow start").
		WithHint("complete the flow from the device that started it")
}

// normalizeKey разбирает PEM ключа устройства и возвращает отпечаток и каноничный PEM.
func normalizeKey(pemStr string) (thumb, canonical string, err error) {
	pub, err := proof.ParsePublicKeyPEM(pemStr)
	if err != nil {
		return "", "", apierr.Wrap(apierr.CodeInvalidRequest, "public key must be a P-256 PEM", err)
	}
	thumb, err = proof.Thumbprint(pub)
	if err != nil {
		return "", "", err
	}
	canonical, err = proof.EncodePublicKeyPEM(pub)
	if err != nil {
		return "", "", err
	}
	return thumb, canonical, nil
}

type newDevice struct {
	role         models.Role
	subnetID     string
	scopes       []string
	aliases      []string
	capabilities []string
	thumb        string
	pubPEM       string
}

func (b *Backend) createDevice(ctx context.Context, tx *repo.Store, nd newDevice) (*models.Device, error) {
	now := b.clk.Now()
	d := &models.Device{
		ID:            ids.New(),
		Role:          nd.role,
		SubnetID:      nd.subnetID,
		Aliases:       nonNil(nd.aliases),
		Capabilities:  nonNil(nd.capabilities),
		Scopes:        nonNil(nd.scopes),
		JWKThumbprint: nd.thumb,
		PublicKeyPEM:  nd.pubPEM,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.CreateDevice(ctx, d); err != nil {
		return nil, fmt.Errorf("create device: %w", err)
	}
	if err := b.setAliases(ctx, tx, d, nd.aliases); err != nil {
		return nil, err
	}
	return d, nil
}

func (b *Backend) setAliases(ctx context.Context, tx *repo.Store, d *models.Device, aliases []string) error {
	err := tx.ReplaceAliases(ctx, d.SubnetID, d.ID, aliases)
	if errors.Is(err, repo.ErrDuplicate) {
		return apierr.New(apierr.CodeAliasConflict, "alias already used in this subnet")
	}
	return err
}

func sameSet(a, b []string) bool {
	x, y := dedupe(a), dedupe(b)
	if len(x) != len(y) {
		return false
	}
	for _, v := range x {
		if !slices.Contains(y, v) {
			return false
		}
	}
	return true
}
