package authority

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/require"

	"rootauth/internal/apierr"
	"rootauth/internal/models"
	"rootauth/internal/pki"
	"rootauth/internal/repo"
)

func TestEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := h.ctx

	// device-start → confirm → token
	hubKey := newDeviceKey(t)
	start, err := h.b.DeviceStart(ctx, DeviceStartRequest{
		IdempotencyKey: key(), Caller: caller, PublicKeyPEM: hubKey.pem, Role: models.RoleHub,
		Scopes: []string{models.ScopeChannelConnect, models.ScopeSubnetRead},
	})
	require.NoError(t, err)
	require.NotEmpty(t, start.DeviceCode)
	require.Len(t, start.UserCode, 9)
	require.Equal(t, 5, start.Interval)

	_, err = h.b.DeviceToken(ctx, DeviceTokenRequest{Caller: caller, DeviceCode: start.DeviceCode, Assertion: "x.y.z"})
	requireCode(t, err, apierr.CodeAuthorizationPending)
	require.Equal(t, 5, apierr.As(err).RetryAfter)

	confirm, err := h.b.DeviceConfirm(ctx, owner, DeviceConfirmRequest{
		IdempotencyKey: key(), UserCode: start.UserCode, Aliases: []string{"hub-main"},
	})
	require.NoError(t, err)
	require.Equal(t, models.RoleHub, confirm.Role)
	require.ElementsMatch(t, []string{models.ScopeChannelConnect, models.ScopeSubnetRead}, confirm.Scopes)
	subnet := confirm.SubnetID

	sn, err := h.store.GetSubnet(ctx, subnet)
	require.NoError(t, err)
	require.Equal(t, owner.DeviceID, sn.OwnerDeviceID)
	ownerDev, err := h.store.GetDevice(ctx, owner.DeviceID)
	require.NoError(t, err)
	require.Equal(t, models.RoleOwner, ownerDev.Role)
	require.ElementsMatch(t, models.AllScopes(), []string(ownerDev.Scopes))

	tokens, err := h.b.DeviceToken(ctx, DeviceTokenRequest{
		Caller: caller, DeviceCode: start.DeviceCode,
		Assertion: h.prove(hubKey, start.DeviceCode, "subnet:"+subnet),
	})
	require.NoError(t, err)
	require.Equal(t, "HoK", tokens.TokenType)
	require.True(t, tokens.AccessExpiresAt.Before(tokens.RefreshExpiresAt))

	again, err := h.b.DeviceToken(ctx, DeviceTokenRequest{
		Caller: caller, DeviceCode: start.DeviceCode,
		Assertion: h.prove(hubKey, start.DeviceCode, "subnet:"+subnet),
	})
	require.NoError(t, err)
	require.Equal(t, tokens.AccessToken, again.AccessToken)
	require.Equal(t, tokens.EventID, again.EventID)

	// introspection
	info, err := h.introspect(hubKey, tokens.AccessToken, subnet)
	require.NoError(t, err)
	require.True(t, info.Active)
	require.Equal(t, confirm.DeviceID, info.Payload.DeviceID)
	require.Equal(t, models.TokenAccess, info.Payload.Kind)

	// refresh гасит прежнюю тройку
	refreshed, err := h.b.TokenRefresh(ctx, RefreshRequest{
		IdempotencyKey: key(), RefreshToken: tokens.RefreshToken,
		Assertion: h.prove(hubKey, tokens.RefreshToken, "subnet:"+subnet),
	})
	require.NoError(t, err)
	require.NotEqual(t, tokens.AccessToken, refreshed.AccessToken)
	_, err = h.introspect(hubKey, tokens.AccessToken, subnet)
	requireCode(t, err, apierr.CodeTokenRevoked)
	_, err = h.introspect(hubKey, refreshed.AccessToken, subnet)
	require.NoError(t, err)

	// browser holder-of-key
	ch, err := h.b.AuthChallenge(ctx, ChallengeRequest{IdempotencyKey: key(), Caller: caller, DeviceID: confirm.DeviceID})
	require.NoError(t, err)
	require.Equal(t, "subnet:"+subnet, ch.Audience)
	browserTokens, err := h.b.AuthComplete(ctx, CompleteRequest{
		IdempotencyKey: key(), Caller: caller, DeviceID: confirm.DeviceID,
		Assertion: h.prove(hubKey, ch.Nonce, ch.Audience),
	})
	require.NoError(t, err)
	require.NotEmpty(t, browserTokens.AccessToken)

	// QR
	browserKey := newDeviceKey(t)
	qr, err := h.b.QRStart(ctx, QRStartRequest{
		IdempotencyKey: key(), Caller: caller, PublicKeyPEM: browserKey.pem, Scopes: []string{models.ScopeIORead},
	})
	require.NoError(t, err)
	approved, err := h.b.QRApprove(ctx, owner, QRApproveRequest{
		IdempotencyKey: key(), SessionID: qr.SessionID, Nonce: qr.Nonce, Aliases: []string{"kitchen-tablet"},
	})
	require.NoError(t, err)
	require.Equal(t, models.RoleBrowserIO, approved.Role)
	require.Equal(t, subnet, approved.SubnetID)
	require.Equal(t, []string{models.ScopeIORead}, approved.Scopes)

	// алиасы
	view, err := h.b.UpdateDevice(ctx, owner, UpdateDeviceRequest{
		IdempotencyKey: key(), DeviceID: approved.DeviceID,
		Aliases: []string{"kitchen"}, Capabilities: []string{"display"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"kitchen"}, view.Aliases)
	_, err = h.b.UpdateDevice(ctx, owner, UpdateDeviceRequest{
		IdempotencyKey: key(), DeviceID: confirm.DeviceID, Aliases: []string{"kitchen"},
	})
	requireCode(t, err, apierr.CodeAliasConflict)
	_, err = h.store.AliasOwner(ctx, subnet, "kitchen-tablet")
	require.ErrorIs(t, err, repo.ErrNotFound)
	holder, err := h.store.AliasOwner(ctx, subnet, "hub-main")
	require.NoError(t, err)
	require.Equal(t, confirm.DeviceID, holder)

	// CSR для HUB
	hubDev := Principal{DeviceID: confirm.DeviceID}
	hubCSR, hubCertKey := newCSR(t)
	sub, err := h.b.SubmitCSR(ctx, hubDev, CSRRequest{
		IdempotencyKey: key(), CSRPEM: hubCSR, Role: models.RoleHub, Scopes: []string{models.ScopeChannelConnect},
	})
	require.NoError(t, err)
	require.Equal(t, models.ConsentPending, sub.Status)

	_, err = h.b.CollectCertificate(ctx, hubDev, sub.ConsentID)
	requireCode(t, err, apierr.CodeCSRPending)

	pending, err := h.b.ListConsents(ctx, owner, models.ConsentPending)
	require.NoError(t, err)
	require.Len(t, pending.Consents, 1)
	require.Equal(t, models.ConsentMember, pending.Consents[0].Type)

	res, err := h.b.ResolveConsent(ctx, owner, ResolveRequest{IdempotencyKey: key(), ConsentID: sub.ConsentID, Approve: true})
	require.NoError(t, err)
	require.Equal(t, models.ConsentApproved, res.Status)
	require.Equal(t, sub.NodeID, res.NodeID)

	hubBundle, err := h.b.CollectCertificate(ctx, hubDev, sub.ConsentID)
	require.NoError(t, err)
	require.Equal(t, res.Fingerprint, hubBundle.Fingerprint)
	hubCert, err := pki.ParseCertificatePEM(hubBundle.CertPEM)
	require.NoError(t, err)
	require.False(t, hubCert.IsCA)
	require.Zero(t, hubCert.KeyUsage&x509.KeyUsageCertSign)
	require.Contains(t, uriStrings(hubCert), "urn:adaos:role=HUB")
	require.Contains(t, uriStrings(hubCert), "urn:adaos:node="+sub.NodeID)
	require.NoError(t, h.ca.VerifyChain(hubCert, hubBundle.ChainPEM))

	node, err := h.store.GetNode(ctx, sub.NodeID)
	require.NoError(t, err)
	require.Equal(t, models.NodeActive, node.Status)
	require.Equal(t, hubBundle.Fingerprint, node.CertFingerprint)

	// канальная учётка хаба по сертификату
	certKey := keyFrom(t, hubCertKey)
	hubChan, err := h.b.IssueHubChannel(ctx, HubChannelRequest{
		IdempotencyKey: key(), CertPEM: hubBundle.CertPEM,
		Assertion: h.prove(certKey, hubBundle.Fingerprint, "wss:subnet:"+subnet+"|hub:"+sub.NodeID),
	})
	require.NoError(t, err)
	require.Equal(t, sub.NodeID, hubChan.NodeID)

	// CSR для SERVICE: делегирование subnet-CA хабу
	svcCSR, _ := newCSR(t)
	svc, err := h.b.SubmitCSR(ctx, hubDev, CSRRequest{
		IdempotencyKey: key(), CSRPEM: svcCSR, Role: models.RoleService, NodeID: sub.NodeID,
	})
	require.NoError(t, err)
	require.Equal(t, sub.NodeID, svc.NodeID)
	_, err = h.b.ResolveConsent(ctx, owner, ResolveRequest{IdempotencyKey: key(), ConsentID: svc.ConsentID, Approve: true})
	require.NoError(t, err)
	svcBundle, err := h.b.CollectCertificate(ctx, hubDev, svc.ConsentID)
	require.NoError(t, err)
	require.Equal(t, models.RoleService, svcBundle.Role)
	svcCert, err := pki.ParseCertificatePEM(svcBundle.CertPEM)
	require.NoError(t, err)
	require.True(t, svcCert.IsCA)
	require.Zero(t, svcCert.MaxPathLen)
	require.True(t, svcCert.MaxPathLenZero)
	require.NotZero(t, svcCert.KeyUsage&x509.KeyUsageCertSign)
	require.Equal(t, 1, int(count(t, h, &models.SubnetCADelegation{}, "hub_node_id = ?", sub.NodeID)))

	// отзыв
	rev, err := h.b.RevokeDevice(ctx, owner, RevokeRequest{IdempotencyKey: key(), DeviceID: confirm.DeviceID, Reason: "lost"})
	require.NoError(t, err)
	require.True(t, rev.Revoked)
	require.Positive(t, rev.TokensRevoked)

	for _, tok := range []string{refreshed.AccessToken, browserTokens.AccessToken, browserTokens.ChannelToken} {
		_, err = h.introspect(hubKey, tok, subnet)
		requireCode(t, err, apierr.CodeTokenRevoked)
	}
	require.EqualValues(t, 1, count(t, h, &models.DenylistEntry{}, "entity_id = ?", confirm.DeviceID))
	require.EqualValues(t, 0, count(t, h, &models.HubChannel{}, "node_id = ? AND revoked = ?", sub.NodeID, false))
	node, err = h.store.GetNode(ctx, sub.NodeID)
	require.NoError(t, err)
	require.Equal(t, models.NodeRevoked, node.Status)

	_, err = h.b.IssueHubChannel(ctx, HubChannelRequest{
		IdempotencyKey: key(), CertPEM: hubBundle.CertPEM,
		Assertion: h.prove(certKey, hubBundle.Fingerprint, "wss:subnet:"+subnet+"|hub:"+sub.NodeID),
	})
	requireCode(t, err, apierr.CodeForbidden)

	// подписанный журнал
	export, err := h.b.ExportAudit(ctx, owner, AuditQuery{})
	require.NoError(t, err)
	actions := map[string]int{}
	for _, r := range export.Records {
		require.Equal(t, subnet, r.SubnetID)
		require.Len(t, r.Signature, 64)
		actions[r.Action]++
	}
	for _, a := range []string{
		"subnet.create", "device.confirm", "token.issue", "token.refresh", "auth.challenge", "qr.approve",
		"device.update", "csr.submit", "consent.approve", "channel.hub", "device.revoke",
	} {
		require.Positive(t, actions[a], a)
	}
	require.Equal(t, 2, actions["consent.approve"])

	total, err := h.b.VerifyAudit(ctx)
	require.NoError(t, err)
	require.Greater(t, total, len(export.Records))
}

func uriStrings(c *x509.Certificate) []string {
	out := make([]string, 0, len(c.URIs))
	for _, u := range c.URIs {
		out = append(out, u.String())
	}
	return out
}
