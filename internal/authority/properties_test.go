package authority

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"rootauth/internal/apierr"
	"rootauth/internal/models"
	"rootauth/internal/pki"
)

func TestDeviceTokenAntiRelay(t *testing.T) {
	cases := map[string]func(c *CallerContext){
		"origin":     func(c *CallerContext) { c.Origin = "https://evil.example" },
		"client ip":  func(c *CallerContext) { c.ClientIP = "198.51.100.9" },
		"user agent": func(c *CallerContext) { c.UserAgent = "curl/8.0" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			k := newDeviceKey(t)
			start, err := h.b.DeviceStart(h.ctx, DeviceStartRequest{
				IdempotencyKey: key(), Caller: caller, PublicKeyPEM: k.pem, Role: models.RoleMember,
			})
			require.NoError(t, err)
			confirm, err := h.b.DeviceConfirm(h.ctx, owner, DeviceConfirmRequest{IdempotencyKey: key(), UserCode: start.UserCode})
			require.NoError(t, err)

			relayed := caller
			mutate(&relayed)
			_, err = h.b.DeviceToken(h.ctx, DeviceTokenRequest{
				Caller: relayed, DeviceCode: start.DeviceCode,
				Assertion: h.prove(k, start.DeviceCode, "subnet:"+confirm.SubnetID),
			})
			requireCode(t, err, apierr.CodeAntiRelayBlocked)
			require.EqualValues(t, 0, count(t, h, &models.Token{}, ""))
		})
	}
}

func TestDeviceTokenRejectsForeignKey(t *testing.T) {
	h := newHarness(t)
	k := newDeviceKey(t)
	start, err := h.b.DeviceStart(h.ctx, DeviceStartRequest{
		IdempotencyKey: key(), Caller: caller, PublicKeyPEM: k.pem, Role: models.RoleMember,
	})
	require.NoError(t, err)
	confirm, err := h.b.DeviceConfirm(h.ctx, owner, DeviceConfirmRequest{IdempotencyKey: key(), UserCode: start.UserCode})
	require.NoError(t, err)

	other := newDeviceKey(t)
	_, err = h.b.DeviceToken(h.ctx, DeviceTokenRequest{
		Caller: caller, DeviceCode: start.DeviceCode,
		Assertion: h.prove(other, start.DeviceCode, "subnet:"+confirm.SubnetID),
	})
	requireCode(t, err, apierr.CodeHOKMismatch)

	_, err = h.b.DeviceToken(h.ctx, DeviceTokenRequest{
		Caller: caller, DeviceCode: start.DeviceCode,
		Assertion: h.prove(k, "another-nonce", "subnet:"+confirm.SubnetID),
	})
	requireCode(t, err, apierr.CodeChallengeMismatch)
}

func TestDeviceCodeExpiryAndDeny(t *testing.T) {
	h := newHarness(t)
	k := newDeviceKey(t)

	start, err := h.b.DeviceStart(h.ctx, DeviceStartRequest{
		IdempotencyKey: key(), Caller: caller, PublicKeyPEM: k.pem, Role: models.RoleMember,
	})
	require.NoError(t, err)
	h.clk.Advance(h.b.Config().DeviceCodeTTL)
	_, err = h.b.DeviceConfirm(h.ctx, owner, DeviceConfirmRequest{IdempotencyKey: key(), UserCode: start.UserCode})
	requireCode(t, err, apierr.CodeExpiredDeviceCode)
	_, err = h.b.DeviceToken(h.ctx, DeviceTokenRequest{Caller: caller, DeviceCode: start.DeviceCode, Assertion: "a.b.c"})
	requireCode(t, err, apierr.CodeExpiredDeviceCode)

	// владелец появляется только при первом успешном одобрении
	_, err = h.store.GetDevice(h.ctx, owner.DeviceID)
	require.Error(t, err)

	m := h.onboard(owner, models.RoleMember, nil)
	require.NotEmpty(t, m.tokens.AccessToken)

	start, err = h.b.DeviceStart(h.ctx, DeviceStartRequest{
		IdempotencyKey: key(), Caller: caller, PublicKeyPEM: newDeviceKey(t).pem, Role: models.RoleMember,
	})
	require.NoError(t, err)
	// формат user_code при вводе человеком не важен
	denied, err := h.b.DeviceDeny(h.ctx, owner, DeviceDenyRequest{
		IdempotencyKey: key(), UserCode: " " + lowerNoDash(start.UserCode) + " ",
	})
	require.NoError(t, err)
	require.Equal(t, models.FlowDenied, denied.Status)
	_, err = h.b.DeviceToken(h.ctx, DeviceTokenRequest{Caller: caller, DeviceCode: start.DeviceCode, Assertion: "a.b.c"})
	requireCode(t, err, apierr.CodeAccessDenied)
	_, err = h.b.DeviceConfirm(h.ctx, owner, DeviceConfirmRequest{IdempotencyKey: key(), UserCode: start.UserCode})
	requireCode(t, err, apierr.CodeAccessDenied)
}

func lowerNoDash(code string) string {
	out := make([]byte, 0, len(code))
	for i := 0; i < len(code); i++ {
		c := code[i]
		if c == '-' {
			continue
		}
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

func TestDeviceStartValidation(t *testing.T) {
	h := newHarness(t)
	k := newDeviceKey(t)

	_, err := h.b.DeviceStart(h.ctx, DeviceStartRequest{Caller: caller, PublicKeyPEM: k.pem, Role: models.RoleHub})
	requireCode(t, err, apierr.CodeMissingIdempotencyKey)
	e := apierr.As(err)
	require.NotEmpty(t, e.EventID)
	require.False(t, e.ServerTime.IsZero())

	_, err = h.b.DeviceStart(h.ctx, DeviceStartRequest{IdempotencyKey: key(), Caller: caller, PublicKeyPEM: k.pem, Role: models.RoleOwner})
	requireCode(t, err, apierr.CodeInvalidRole)

	_, err = h.b.DeviceStart(h.ctx, DeviceStartRequest{IdempotencyKey: key(), Caller: caller, PublicKeyPEM: "not a key", Role: models.RoleHub})
	requireCode(t, err, apierr.CodeInvalidRequest)

	bad := caller
	bad.ClientIP = "not-an-ip"
	_, err = h.b.DeviceStart(h.ctx, DeviceStartRequest{IdempotencyKey: key(), Caller: bad, PublicKeyPEM: k.pem, Role: models.RoleHub})
	requireCode(t, err, apierr.CodeInvalidRequest)
}

func TestIdempotentConfirmReplay(t *testing.T) {
	h := newHarness(t)
	k := newDeviceKey(t)
	start, err := h.b.DeviceStart(h.ctx, DeviceStartRequest{
		IdempotencyKey: key(), Caller: caller, PublicKeyPEM: k.pem, Role: models.RoleMember,
		Scopes: []string{models.ScopeSubnetRead},
	})
	require.NoError(t, err)

	req := DeviceConfirmRequest{IdempotencyKey: key(), UserCode: start.UserCode, Aliases: []string{"desk"}}
	first, err := h.b.DeviceConfirm(h.ctx, owner, req)
	require.NoError(t, err)
	second, err := h.b.DeviceConfirm(h.ctx, owner, req)
	require.NoError(t, err)

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	require.JSONEq(t, string(a), string(b))
	require.Equal(t, string(a), string(b))

	require.EqualValues(t, 2, count(t, h, &models.Device{}, "subnet_id = ?", first.SubnetID)) // владелец + новое
	require.EqualValues(t, 1, count(t, h, &models.AuditRecord{}, "action = ?", "device.confirm"))
	require.EqualValues(t, 1, count(t, h, &models.IdempotencyEntry{}, "path = ?", "device.confirm"))
}

func TestConfirmReplayKeepsOriginalGrant(t *testing.T) {
	h := newHarness(t)
	k := newDeviceKey(t)
	start, err := h.b.DeviceStart(h.ctx, DeviceStartRequest{
		IdempotencyKey: key(), Caller: caller, PublicKeyPEM: k.pem, Role: models.RoleMember,
		Scopes: []string{models.ScopeSubnetRead},
	})
	require.NoError(t, err)
	first, err := h.b.DeviceConfirm(h.ctx, owner, DeviceConfirmRequest{IdempotencyKey: key(), UserCode: start.UserCode})
	require.NoError(t, err)

	// другой ключ и более широкие скоупы: возвращается исходное одобрение
	wider, err := h.b.DeviceConfirm(h.ctx, owner, DeviceConfirmRequest{
		IdempotencyKey: key(), UserCode: start.UserCode,
		Scopes: []string{models.ScopeSubnetRead, models.ScopeSubnetWrite},
	})
	require.NoError(t, err)
	require.Equal(t, first.DeviceID, wider.DeviceID)
	require.Equal(t, []string{models.ScopeSubnetRead}, wider.Scopes)
	require.Equal(t, first.EventID, wider.EventID)

	d, err := h.store.GetDevice(h.ctx, first.DeviceID)
	require.NoError(t, err)
	require.Equal(t, []string{models.ScopeSubnetRead}, []string(d.Scopes))
}

func TestApprovedFlowHiddenFromOtherSubnets(t *testing.T) {
	h := newHarness(t)
	m := h.onboard(owner, models.RoleMember, nil)
	other := Principal{DeviceID: "owner-device-0002"}
	h.onboard(other, models.RoleMember, nil)
	stranger := Principal{DeviceID: "stranger-device"}

	replay := func(p Principal) error {
		_, err := h.b.DeviceConfirm(h.ctx, p, DeviceConfirmRequest{IdempotencyKey: key(), UserCode: m.start.UserCode})
		return err
	}
	requireCode(t, replay(other), apierr.CodeUnknownDeviceCode)
	requireCode(t, replay(stranger), apierr.CodeUnknownDevice)
	require.NoError(t, replay(owner))

	k := newDeviceKey(t)
	qr, err := h.b.QRStart(h.ctx, QRStartRequest{IdempotencyKey: key(), Caller: caller, PublicKeyPEM: k.pem})
	require.NoError(t, err)
	approved, err := h.b.QRApprove(h.ctx, owner, QRApproveRequest{IdempotencyKey: key(), SessionID: qr.SessionID, Nonce: qr.Nonce})
	require.NoError(t, err)
	_, err = h.b.QRApprove(h.ctx, other, QRApproveRequest{IdempotencyKey: key(), SessionID: qr.SessionID, Nonce: qr.Nonce})
	requireCode(t, err, apierr.CodeUnknownSession)
	again, err := h.b.QRApprove(h.ctx, owner, QRApproveRequest{IdempotencyKey: key(), SessionID: qr.SessionID, Nonce: qr.Nonce})
	require.NoError(t, err)
	require.Equal(t, approved.DeviceID, again.DeviceID)

	// чужой владелец не создаёт себе подсеть повтором
	require.EqualValues(t, 0, count(t, h, &models.Subnet{}, "owner_device_id = ?", stranger.DeviceID))
}

func TestConcurrentRevokeRunsOnce(t *testing.T) {
	h := newHarness(t)
	m := h.onboard(owner, models.RoleMember, nil)

	req := RevokeRequest{IdempotencyKey: key(), DeviceID: m.confirm.DeviceID}
	var wg sync.WaitGroup
	results := make([]RevokeResponse, 6)
	errs := make([]error, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.b.RevokeDevice(h.ctx, owner, req)
		}(i)
	}
	wg.Wait()
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].EventID, results[i].EventID)
	}
	require.EqualValues(t, 1, count(t, h, &models.AuditRecord{}, "action = ?", "device.revoke"))
	require.EqualValues(t, 1, count(t, h, &models.DenylistEntry{}, ""))
}

func TestRefreshInvalidatesEverything(t *testing.T) {
	h := newHarness(t)
	m := h.onboard(owner, models.RoleMember, []string{models.ScopeIORead})
	sn := m.confirm.SubnetID

	next, err := h.b.TokenRefresh(h.ctx, RefreshRequest{
		IdempotencyKey: key(), RefreshToken: m.tokens.RefreshToken,
		Assertion: h.prove(m.key, m.tokens.RefreshToken, "subnet:"+sn),
	})
	require.NoError(t, err)
	require.Equal(t, []string{models.ScopeIORead}, next.Scopes)

	for _, tok := range []string{m.tokens.AccessToken, m.tokens.RefreshToken, m.tokens.ChannelToken} {
		_, err := h.introspect(m.key, tok, sn)
		requireCode(t, err, apierr.CodeTokenRevoked)
	}

	// повторное использование старого refresh с новым ключом идемпотентности
	_, err = h.b.TokenRefresh(h.ctx, RefreshRequest{
		IdempotencyKey: key(), RefreshToken: m.tokens.RefreshToken,
		Assertion: h.prove(m.key, m.tokens.RefreshToken, "subnet:"+sn),
	})
	requireCode(t, err, apierr.CodeTokenRevoked)

	// access-токен не годится как refresh
	_, err = h.b.TokenRefresh(h.ctx, RefreshRequest{
		IdempotencyKey: key(), RefreshToken: next.AccessToken,
		Assertion: h.prove(m.key, next.AccessToken, "subnet:"+sn),
	})
	requireCode(t, err, apierr.CodeInvalidToken)
}

func TestIntrospectPurgesExpired(t *testing.T) {
	h := newHarness(t)
	m := h.onboard(owner, models.RoleMember, nil)

	h.clk.Advance(h.b.Config().AccessTTL)
	_, err := h.introspect(m.key, m.tokens.AccessToken, m.confirm.SubnetID)
	requireCode(t, err, apierr.CodeTokenExpired)
	_, err = h.store.GetToken(h.ctx, m.tokens.AccessToken)
	require.Error(t, err)

	_, err = h.introspect(m.key, m.tokens.AccessToken, m.confirm.SubnetID)
	requireCode(t, err, apierr.CodeInvalidToken)

	_, err = h.b.IntrospectToken(h.ctx, IntrospectRequest{Token: m.tokens.RefreshToken, Assertion: "garbage"})
	requireCode(t, err, apierr.CodeInvalidAssertion)
}

func TestChannelRotation(t *testing.T) {
	h := newHarness(t)
	m := h.onboard(owner, models.RoleMember, []string{models.ScopeChannelConnect})
	sn := m.confirm.SubnetID
	authorize := func(tok string) (ChannelResponse, error) {
		return h.b.AuthorizeChannel(h.ctx, ChannelRequest{
			IdempotencyKey: key(), Token: tok, Assertion: h.prove(m.key, tok, "wss:subnet:"+sn),
		})
	}

	lifetime := h.b.Config().ChannelTTL
	h.clk.Advance(lifetime*8/10 - time.Second)
	early, err := authorize(m.tokens.ChannelToken)
	require.NoError(t, err)
	require.False(t, early.Rotated)
	require.Equal(t, m.tokens.ChannelToken, early.ChannelToken)

	h.clk.Advance(time.Second)
	rotated, err := authorize(m.tokens.ChannelToken)
	require.NoError(t, err)
	require.True(t, rotated.Rotated)
	require.NotEqual(t, m.tokens.ChannelToken, rotated.ChannelToken)
	require.True(t, h.clk.Now().Add(lifetime).Equal(rotated.ExpiresAt))

	_, err = authorize(m.tokens.ChannelToken)
	requireCode(t, err, apierr.CodeTokenRevoked)

	fresh, err := authorize(rotated.ChannelToken)
	require.NoError(t, err)
	require.False(t, fresh.Rotated)

	// aud канала не совпадает с aud подсети
	_, err = h.b.AuthorizeChannel(h.ctx, ChannelRequest{
		IdempotencyKey: key(), Token: rotated.ChannelToken, Assertion: h.prove(m.key, rotated.ChannelToken, "subnet:"+sn),
	})
	requireCode(t, err, apierr.CodeChallengeMismatch)
}

func TestAuditTamperDetected(t *testing.T) {
	h := newHarness(t)
	m := h.onboard(owner, models.RoleMember, nil)

	_, err := h.b.ExportAudit(h.ctx, owner, AuditQuery{})
	require.NoError(t, err)

	var rec models.AuditRecord
	require.NoError(t, h.store.DB().Where("action = ?", "device.confirm").First(&rec).Error)
	require.NoError(t, h.store.DB().Model(&models.AuditRecord{}).Where("event_id = ?", rec.EventID).
		Update("payload_json", datatypes.JSON(`{"role":"OWNER"}`)).Error)

	_, err = h.b.ExportAudit(h.ctx, owner, AuditQuery{})
	requireCode(t, err, apierr.CodeAuditCorrupted)
	require.True(t, apierr.CodeOf(err).Fatal())
	_, err = h.b.VerifyAudit(h.ctx)
	requireCode(t, err, apierr.CodeAuditCorrupted)

	// участник без READ_AUDIT журнал не видит
	_, err = h.b.ExportAudit(h.ctx, Principal{DeviceID: m.confirm.DeviceID}, AuditQuery{})
	requireCode(t, err, apierr.CodeForbidden)
}

func TestBrowserChallengeSingleUse(t *testing.T) {
	h := newHarness(t)
	m := h.onboard(owner, models.RoleBrowserIO, nil)
	id := m.confirm.DeviceID

	ch, err := h.b.AuthChallenge(h.ctx, ChallengeRequest{IdempotencyKey: key(), Caller: caller, DeviceID: id, Audience: "app:console"})
	require.NoError(t, err)
	jws := h.prove(m.key, ch.Nonce, "app:console")
	_, err = h.b.AuthComplete(h.ctx, CompleteRequest{IdempotencyKey: key(), Caller: caller, DeviceID: id, Assertion: jws})
	require.NoError(t, err)
	_, err = h.b.AuthComplete(h.ctx, CompleteRequest{IdempotencyKey: key(), Caller: caller, DeviceID: id, Assertion: jws})
	requireCode(t, err, apierr.CodeChallengeExpired)

	// новый вызов перезаписывает прежний
	old, err := h.b.AuthChallenge(h.ctx, ChallengeRequest{IdempotencyKey: key(), Caller: caller, DeviceID: id})
	require.NoError(t, err)
	cur, err := h.b.AuthChallenge(h.ctx, ChallengeRequest{IdempotencyKey: key(), Caller: caller, DeviceID: id})
	require.NoError(t, err)
	_, err = h.b.AuthComplete(h.ctx, CompleteRequest{
		IdempotencyKey: key(), Caller: caller, DeviceID: id, Assertion: h.prove(m.key, old.Nonce, old.Audience),
	})
	requireCode(t, err, apierr.CodeChallengeMismatch)

	h.clk.Advance(h.b.Config().ChallengeTTL)
	_, err = h.b.AuthComplete(h.ctx, CompleteRequest{
		IdempotencyKey: key(), Caller: caller, DeviceID: id, Assertion: h.prove(m.key, cur.Nonce, cur.Audience),
	})
	requireCode(t, err, apierr.CodeChallengeExpired)
	// просроченный вызов удаляется при первой же попытке
	require.EqualValues(t, 0, count(t, h, &models.BrowserChallenge{}, "device_id = ?", id))
}

func TestQRFlow(t *testing.T) {
	h := newHarness(t)
	k := newDeviceKey(t)
	qr, err := h.b.QRStart(h.ctx, QRStartRequest{IdempotencyKey: key(), Caller: caller, PublicKeyPEM: k.pem})
	require.NoError(t, err)

	_, err = h.b.QRApprove(h.ctx, owner, QRApproveRequest{IdempotencyKey: key(), SessionID: qr.SessionID, Nonce: "wrong"})
	requireCode(t, err, apierr.CodeChallengeMismatch)
	_, err = h.b.QRApprove(h.ctx, owner, QRApproveRequest{IdempotencyKey: key(), SessionID: "missing", Nonce: qr.Nonce})
	requireCode(t, err, apierr.CodeUnknownSession)

	first, err := h.b.QRApprove(h.ctx, owner, QRApproveRequest{IdempotencyKey: key(), SessionID: qr.SessionID, Nonce: qr.Nonce})
	require.NoError(t, err)
	again, err := h.b.QRApprove(h.ctx, owner, QRApproveRequest{IdempotencyKey: key(), SessionID: qr.SessionID, Nonce: qr.Nonce})
	require.NoError(t, err)
	require.Equal(t, first.DeviceID, again.DeviceID)
	require.EqualValues(t, 1, count(t, h, &models.Device{}, "role = ?", models.RoleBrowserIO))

	// браузер получает токены своим ключом
	ch, err := h.b.AuthChallenge(h.ctx, ChallengeRequest{IdempotencyKey: key(), Caller: caller, DeviceID: first.DeviceID})
	require.NoError(t, err)
	tokens, err := h.b.AuthComplete(h.ctx, CompleteRequest{
		IdempotencyKey: key(), Caller: caller, DeviceID: first.DeviceID, Assertion: h.prove(k, ch.Nonce, ch.Audience),
	})
	require.NoError(t, err)
	require.Equal(t, first.SubnetID, tokens.SubnetID)

	late, err := h.b.QRStart(h.ctx, QRStartRequest{IdempotencyKey: key(), Caller: caller, PublicKeyPEM: newDeviceKey(t).pem})
	require.NoError(t, err)
	h.clk.Advance(h.b.Config().QRTTL)
	_, err = h.b.QRApprove(h.ctx, owner, QRApproveRequest{IdempotencyKey: key(), SessionID: late.SessionID, Nonce: late.Nonce})
	requireCode(t, err, apierr.CodeExpiredSession)
}

func TestScopeDelegation(t *testing.T) {
	h := newHarness(t)
	admin := h.onboard(owner, models.RoleMember, []string{models.ScopeManageMembers, models.ScopeSubnetRead})
	ap := Principal{DeviceID: admin.confirm.DeviceID}

	k := newDeviceKey(t)
	start, err := h.b.DeviceStart(h.ctx, DeviceStartRequest{
		IdempotencyKey: key(), Caller: caller, PublicKeyPEM: k.pem, Role: models.RoleMember,
	})
	require.NoError(t, err)

	_, err = h.b.DeviceConfirm(h.ctx, ap, DeviceConfirmRequest{
		IdempotencyKey: key(), UserCode: start.UserCode, Scopes: []string{models.ScopeIOWrite},
	})
	requireCode(t, err, apierr.CodeForbiddenScope)

	ok, err := h.b.DeviceConfirm(h.ctx, ap, DeviceConfirmRequest{
		IdempotencyKey: key(), UserCode: start.UserCode, Scopes: []string{models.ScopeSubnetRead},
	})
	require.NoError(t, err)
	require.Equal(t, admin.confirm.SubnetID, ok.SubnetID)

	// без MANAGE_MEMBERS одобрять нельзя
	plain := h.onboard(owner, models.RoleMember, nil)
	start, err = h.b.DeviceStart(h.ctx, DeviceStartRequest{
		IdempotencyKey: key(), Caller: caller, PublicKeyPEM: newDeviceKey(t).pem, Role: models.RoleMember,
	})
	require.NoError(t, err)
	_, err = h.b.DeviceConfirm(h.ctx, Principal{DeviceID: plain.confirm.DeviceID}, DeviceConfirmRequest{
		IdempotencyKey: key(), UserCode: start.UserCode,
	})
	requireCode(t, err, apierr.CodeForbidden)

	// владелец неотзываем, чужая подсеть: owner_conflict
	_, err = h.b.RevokeDevice(h.ctx, ap, RevokeRequest{IdempotencyKey: key(), DeviceID: owner.DeviceID})
	requireCode(t, err, apierr.CodeOwnerConflict)

	start, err = h.b.DeviceStart(h.ctx, DeviceStartRequest{
		IdempotencyKey: key(), Caller: caller, PublicKeyPEM: newDeviceKey(t).pem, Role: models.RoleMember,
		SubnetID: admin.confirm.SubnetID,
	})
	require.NoError(t, err)
	_, err = h.b.DeviceConfirm(h.ctx, Principal{DeviceID: "second-owner"}, DeviceConfirmRequest{
		IdempotencyKey: key(), UserCode: start.UserCode,
	})
	requireCode(t, err, apierr.CodeOwnerConflict)
	_, err = h.store.GetDevice(h.ctx, "second-owner")
	require.Error(t, err, "bootstrap must roll back with the failed confirm")
}

func TestRotateDevice(t *testing.T) {
	h := newHarness(t)
	m := h.onboard(owner, models.RoleMember, nil)
	id := m.confirm.DeviceID
	sn := m.confirm.SubnetID
	next := newDeviceKey(t)

	// подпись новым ключом не доказывает владение старым
	_, err := h.b.RotateDevice(h.ctx, RotateRequest{
		IdempotencyKey: key(), DeviceID: id, NewPublicKeyPEM: next.pem, Assertion: h.prove(next, next.thumb, "subnet:"+sn),
	})
	requireCode(t, err, apierr.CodeHOKMismatch)

	res, err := h.b.RotateDevice(h.ctx, RotateRequest{
		IdempotencyKey: key(), DeviceID: id, NewPublicKeyPEM: next.pem, Assertion: h.prove(m.key, next.thumb, "subnet:"+sn),
	})
	require.NoError(t, err)
	require.Equal(t, next.thumb, res.JWKThumbprint)

	d, err := h.store.GetDevice(h.ctx, id)
	require.NoError(t, err)
	require.Equal(t, next.thumb, d.JWKThumbprint)

	ch, err := h.b.AuthChallenge(h.ctx, ChallengeRequest{IdempotencyKey: key(), Caller: caller, DeviceID: id})
	require.NoError(t, err)
	_, err = h.b.AuthComplete(h.ctx, CompleteRequest{
		IdempotencyKey: key(), Caller: caller, DeviceID: id, Assertion: h.prove(m.key, ch.Nonce, ch.Audience),
	})
	requireCode(t, err, apierr.CodeHOKMismatch)
	_, err = h.b.AuthComplete(h.ctx, CompleteRequest{
		IdempotencyKey: key(), Caller: caller, DeviceID: id, Assertion: h.prove(next, ch.Nonce, ch.Audience),
	})
	require.NoError(t, err)
}

func TestRateLimitedStart(t *testing.T) {
	h := newHarness(t)
	limit := 10
	for i := 0; i < limit; i++ {
		_, err := h.b.DeviceStart(h.ctx, DeviceStartRequest{
			IdempotencyKey: key(), Caller: caller, PublicKeyPEM: newDeviceKey(t).pem, Role: models.RoleMember,
		})
		require.NoError(t, err)
	}
	_, err := h.b.DeviceStart(h.ctx, DeviceStartRequest{
		IdempotencyKey: key(), Caller: caller, PublicKeyPEM: newDeviceKey(t).pem, Role: models.RoleMember,
	})
	requireCode(t, err, apierr.CodeRateLimited)
	require.Positive(t, apierr.As(err).RetryAfter)

	other := caller
	other.ClientIP = "2001:db8::1"
	_, err = h.b.DeviceStart(h.ctx, DeviceStartRequest{
		IdempotencyKey: key(), Caller: other, PublicKeyPEM: newDeviceKey(t).pem, Role: models.RoleMember,
	})
	require.NoError(t, err)

	h.clk.Advance(time.Minute)
	_, err = h.b.DeviceStart(h.ctx, DeviceStartRequest{
		IdempotencyKey: key(), Caller: caller, PublicKeyPEM: newDeviceKey(t).pem, Role: models.RoleMember,
	})
	require.NoError(t, err)
}

func TestReplayDoesNotSpendRateBudget(t *testing.T) {
	h := newHarness(t)
	req := DeviceStartRequest{IdempotencyKey: key(), Caller: caller, PublicKeyPEM: newDeviceKey(t).pem, Role: models.RoleMember}
	first, err := h.b.DeviceStart(h.ctx, req)
	require.NoError(t, err)
	for i := 1; i < 10; i++ {
		_, err := h.b.DeviceStart(h.ctx, DeviceStartRequest{
			IdempotencyKey: key(), Caller: caller, PublicKeyPEM: newDeviceKey(t).pem, Role: models.RoleMember,
		})
		require.NoError(t, err)
	}

	// бюджет окна исчерпан, но повтор по тому же ключу отдаёт сохранённый ответ
	again, err := h.b.DeviceStart(h.ctx, req)
	require.NoError(t, err)
	require.Equal(t, first.DeviceCode, again.DeviceCode)
	require.Equal(t, first.EventID, again.EventID)

	_, err = h.b.DeviceStart(h.ctx, DeviceStartRequest{
		IdempotencyKey: key(), Caller: caller, PublicKeyPEM: newDeviceKey(t).pem, Role: models.RoleMember,
	})
	requireCode(t, err, apierr.CodeRateLimited)
}

func TestCSRValidation(t *testing.T) {
	h := newHarness(t)
	m := h.onboard(owner, models.RoleHub, nil)
	p := Principal{DeviceID: m.confirm.DeviceID}
	csr, _ := newCSR(t)

	_, err := h.b.SubmitCSR(h.ctx, p, CSRRequest{IdempotencyKey: key(), CSRPEM: csr, Role: models.RoleBrowserIO})
	requireCode(t, err, apierr.CodeInvalidRole)
	_, err = h.b.SubmitCSR(h.ctx, p, CSRRequest{IdempotencyKey: key(), CSRPEM: "-----BEGIN NOTHING-----", Role: models.RoleHub})
	requireCode(t, err, apierr.CodeInvalidCSR)
	_, err = h.b.SubmitCSR(h.ctx, p, CSRRequest{IdempotencyKey: key(), CSRPEM: csr, Role: models.RoleService, NodeID: "no-such-node"})
	requireCode(t, err, apierr.CodeUnknownNode)

	// pending хаб ещё не может принимать делегирование
	sub, err := h.b.SubmitCSR(h.ctx, p, CSRRequest{IdempotencyKey: key(), CSRPEM: csr, Role: models.RoleHub})
	require.NoError(t, err)
	_, err = h.b.SubmitCSR(h.ctx, p, CSRRequest{IdempotencyKey: key(), CSRPEM: csr, Role: models.RoleService, NodeID: sub.NodeID})
	requireCode(t, err, apierr.CodeUnknownNode)

	_, err = h.b.CollectCertificate(h.ctx, p, "no-such-consent")
	requireCode(t, err, apierr.CodeUnknownConsent)
}

func TestResolveConsentOnce(t *testing.T) {
	h := newHarness(t)
	m := h.onboard(owner, models.RoleMember, nil)
	p := Principal{DeviceID: m.confirm.DeviceID}
	csr, _ := newCSR(t)

	sub, err := h.b.SubmitCSR(h.ctx, p, CSRRequest{IdempotencyKey: key(), CSRPEM: csr, Role: models.RoleMember})
	require.NoError(t, err)
	first, err := h.b.ResolveConsent(h.ctx, owner, ResolveRequest{IdempotencyKey: key(), ConsentID: sub.ConsentID, Approve: true})
	require.NoError(t, err)
	second, err := h.b.ResolveConsent(h.ctx, owner, ResolveRequest{IdempotencyKey: key(), ConsentID: sub.ConsentID, Approve: false})
	require.NoError(t, err)
	require.Equal(t, models.ConsentApproved, second.Status)
	require.Equal(t, first.Serial, second.Serial)
	require.EqualValues(t, 1, count(t, h, &models.IssuedCertificate{}, ""))
	require.EqualValues(t, 0, count(t, h, &models.PendingCSR{}, ""))

	d, err := h.store.GetDevice(h.ctx, p.DeviceID)
	require.NoError(t, err)
	require.NotNil(t, d.NodeID)
	require.Equal(t, sub.NodeID, *d.NodeID)

	// отказ
	denyCSR, _ := newCSR(t)
	sub2, err := h.b.SubmitCSR(h.ctx, p, CSRRequest{IdempotencyKey: key(), CSRPEM: denyCSR, Role: models.RoleMember})
	require.NoError(t, err)
	res, err := h.b.ResolveConsent(h.ctx, owner, ResolveRequest{IdempotencyKey: key(), ConsentID: sub2.ConsentID})
	require.NoError(t, err)
	require.Equal(t, models.ConsentDenied, res.Status)
	_, err = h.b.CollectCertificate(h.ctx, p, sub2.ConsentID)
	requireCode(t, err, apierr.CodeAccessDenied)
	// отказ в перевыпуске не трогает действующий узел
	require.Equal(t, sub.NodeID, sub2.NodeID)
	node, err := h.store.GetNode(h.ctx, sub2.NodeID)
	require.NoError(t, err)
	require.Equal(t, models.NodeActive, node.Status)
	require.Equal(t, first.Fingerprint, node.CertFingerprint)

	// отказ по новому узлу отклоняет его
	fresh := h.onboard(owner, models.RoleMember, nil)
	fp := Principal{DeviceID: fresh.confirm.DeviceID}
	sub3, err := h.b.SubmitCSR(h.ctx, fp, CSRRequest{IdempotencyKey: key(), CSRPEM: denyCSR, Role: models.RoleMember})
	require.NoError(t, err)
	_, err = h.b.ResolveConsent(h.ctx, owner, ResolveRequest{IdempotencyKey: key(), ConsentID: sub3.ConsentID})
	require.NoError(t, err)
	node, err = h.store.GetNode(h.ctx, sub3.NodeID)
	require.NoError(t, err)
	require.Equal(t, models.NodeRejected, node.Status)
}

func TestIntermediateRotatesUnderSigning(t *testing.T) {
	h := newHarness(t)
	m := h.onboard(owner, models.RoleHub, nil)
	p := Principal{DeviceID: m.confirm.DeviceID}
	before := h.ca.IntermediateNotAfter()

	h.clk.Set(before.Add(-h.ca.Config().RotationMargin))
	csr, _ := newCSR(t)
	sub, err := h.b.SubmitCSR(h.ctx, p, CSRRequest{IdempotencyKey: key(), CSRPEM: csr, Role: models.RoleHub})
	require.NoError(t, err)
	_, err = h.b.ResolveConsent(h.ctx, owner, ResolveRequest{IdempotencyKey: key(), ConsentID: sub.ConsentID, Approve: true})
	require.NoError(t, err)

	after := h.ca.IntermediateNotAfter()
	require.True(t, after.After(before))
	bundle, err := h.b.CollectCertificate(h.ctx, p, sub.ConsentID)
	require.NoError(t, err)
	cert, err := pki.ParseCertificatePEM(bundle.CertPEM)
	require.NoError(t, err)
	require.NoError(t, h.ca.VerifyChain(cert, bundle.ChainPEM))
	require.True(t, h.clk.Now().Add(h.ca.Config().HubTTL).Equal(cert.NotAfter))
}

func TestSweepRemovesExpired(t *testing.T) {
	h := newHarness(t)
	m := h.onboard(owner, models.RoleMember, nil)
	_, err := h.b.QRStart(h.ctx, QRStartRequest{IdempotencyKey: key(), Caller: caller, PublicKeyPEM: newDeviceKey(t).pem})
	require.NoError(t, err)

	res, err := h.b.Sweep(h.ctx)
	require.NoError(t, err)
	require.Zero(t, res.Total())

	h.clk.Advance(h.b.Config().RefreshTTL + 25*time.Hour)
	res, err = h.b.Sweep(h.ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, res.DeviceCodes)
	require.EqualValues(t, 1, res.QRSessions)
	require.EqualValues(t, 3, res.Tokens)
	require.Positive(t, res.Idempotency)
	require.EqualValues(t, 0, count(t, h, &models.Token{}, "device_id = ?", m.confirm.DeviceID))
}
