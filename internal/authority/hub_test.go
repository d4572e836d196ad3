package authority

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rootauth/internal/apierr"
	"rootauth/internal/models"
)

type enrolledHub struct {
	p       Principal
	subnet  string
	nodeID  string
	certPEM string
	fp      string
	certKey deviceKey
}

// enrollHub: HUB-устройство проходит CSR, одобрение владельцем и забирает сертификат.
func (h *harness) enrollHub(m onboarded) enrolledHub {
	h.t.Helper()
	p := Principal{DeviceID: m.confirm.DeviceID}
	csr, priv := newCSR(h.t)
	sub, err := h.b.SubmitCSR(h.ctx, p, CSRRequest{
		IdempotencyKey: key(), CSRPEM: csr, Role: models.RoleHub, Scopes: []string{models.ScopeChannelConnect},
	})
	require.NoError(h.t, err)
	_, err = h.b.ResolveConsent(h.ctx, owner, ResolveRequest{IdempotencyKey: key(), ConsentID: sub.ConsentID, Approve: true})
	require.NoError(h.t, err)
	bundle, err := h.b.CollectCertificate(h.ctx, p, sub.ConsentID)
	require.NoError(h.t, err)
	return enrolledHub{
		p: p, subnet: m.confirm.SubnetID, nodeID: sub.NodeID,
		certPEM: bundle.CertPEM, fp: bundle.Fingerprint, certKey: keyFrom(h.t, priv),
	}
}

func (h *harness) hubChannel(e enrolledHub) (HubChannelResponse, error) {
	return h.b.IssueHubChannel(h.ctx, HubChannelRequest{
		IdempotencyKey: key(), CertPEM: e.certPEM,
		Assertion: h.prove(e.certKey, e.fp, "wss:subnet:"+e.subnet+"|hub:"+e.nodeID),
	})
}

func TestHubReenrollmentReusesNode(t *testing.T) {
	h := newHarness(t)
	m := h.onboard(owner, models.RoleHub, []string{models.ScopeChannelConnect})
	first := h.enrollHub(m)
	ch, err := h.hubChannel(first)
	require.NoError(t, err)
	require.Equal(t, first.nodeID, ch.NodeID)

	// чужой node_id для перевыпуска не принимается
	csr, _ := newCSR(t)
	_, err = h.b.SubmitCSR(h.ctx, first.p, CSRRequest{
		IdempotencyKey: key(), CSRPEM: csr, Role: models.RoleHub, NodeID: "some-other-node",
	})
	requireCode(t, err, apierr.CodeUnknownNode)

	second := h.enrollHub(m)
	require.Equal(t, first.nodeID, second.nodeID)
	require.NotEqual(t, first.fp, second.fp)
	require.EqualValues(t, 1, count(t, h, &models.Node{}, "role = ?", models.RoleHub))
	require.EqualValues(t, 0, count(t, h, &models.HubChannel{}, "node_id = ? AND revoked = ?", first.nodeID, false))

	node, err := h.store.GetNode(h.ctx, first.nodeID)
	require.NoError(t, err)
	require.Equal(t, models.NodeActive, node.Status)
	require.Equal(t, second.fp, node.CertFingerprint)

	// прежний сертификат больше не даёт канал, новый даёт
	_, err = h.hubChannel(first)
	requireCode(t, err, apierr.CodeForbidden)
	_, err = h.hubChannel(second)
	require.NoError(t, err)

	// старый канал не принимается и при авторизации
	_, err = h.b.AuthorizeChannel(h.ctx, ChannelRequest{
		IdempotencyKey: key(), Token: ch.ChannelToken, HubNodeID: first.nodeID,
		Assertion: h.prove(first.certKey, ch.ChannelToken, "wss:subnet:"+first.subnet+"|hub:"+first.nodeID),
	})
	requireCode(t, err, apierr.CodeTokenRevoked)
}

func TestHubReenrollmentDenialKeepsActiveNode(t *testing.T) {
	h := newHarness(t)
	m := h.onboard(owner, models.RoleHub, []string{models.ScopeChannelConnect})
	e := h.enrollHub(m)
	ch, err := h.hubChannel(e)
	require.NoError(t, err)

	csr, _ := newCSR(t)
	sub, err := h.b.SubmitCSR(h.ctx, e.p, CSRRequest{IdempotencyKey: key(), CSRPEM: csr, Role: models.RoleHub})
	require.NoError(t, err)
	require.Equal(t, e.nodeID, sub.NodeID)
	res, err := h.b.ResolveConsent(h.ctx, owner, ResolveRequest{IdempotencyKey: key(), ConsentID: sub.ConsentID})
	require.NoError(t, err)
	require.Equal(t, models.ConsentDenied, res.Status)

	node, err := h.store.GetNode(h.ctx, e.nodeID)
	require.NoError(t, err)
	require.Equal(t, models.NodeActive, node.Status)
	require.Equal(t, e.fp, node.CertFingerprint)
	require.EqualValues(t, 1, count(t, h, &models.HubChannel{}, "token = ? AND revoked = ?", ch.ChannelToken, false))
}

func TestHubChannelAuthorizeAndRotate(t *testing.T) {
	h := newHarness(t)
	m := h.onboard(owner, models.RoleHub, []string{models.ScopeChannelConnect})
	e := h.enrollHub(m)
	ch, err := h.hubChannel(e)
	require.NoError(t, err)
	aud := "wss:subnet:" + e.subnet + "|hub:" + e.nodeID
	authorize := func(k deviceKey, tok, node string) (ChannelResponse, error) {
		return h.b.AuthorizeChannel(h.ctx, ChannelRequest{
			IdempotencyKey: key(), Token: tok, HubNodeID: node, Assertion: h.prove(k, tok, aud),
		})
	}

	lifetime := h.b.Config().ChannelTTL
	h.clk.Advance(lifetime*8/10 - time.Second)
	early, err := authorize(e.certKey, ch.ChannelToken, e.nodeID)
	require.NoError(t, err)
	require.False(t, early.Rotated)
	require.Equal(t, ch.ChannelToken, early.ChannelToken)
	require.Equal(t, e.subnet, early.SubnetID)
	require.Equal(t, []string{models.ScopeChannelConnect}, early.Scopes)

	// учётка привязана к своему узлу и к ключу сертификата
	_, err = authorize(e.certKey, ch.ChannelToken, "another-hub")
	requireCode(t, err, apierr.CodeInvalidToken)
	_, err = authorize(newDeviceKey(t), ch.ChannelToken, e.nodeID)
	require.Error(t, err)
	require.NotEqual(t, apierr.CodeInternal, apierr.CodeOf(err))

	h.clk.Advance(time.Second)
	rotated, err := authorize(e.certKey, ch.ChannelToken, e.nodeID)
	require.NoError(t, err)
	require.True(t, rotated.Rotated)
	require.NotEqual(t, ch.ChannelToken, rotated.ChannelToken)
	require.True(t, h.clk.Now().Add(lifetime).Equal(rotated.ExpiresAt))

	_, err = authorize(e.certKey, ch.ChannelToken, e.nodeID)
	requireCode(t, err, apierr.CodeTokenRevoked)
	require.EqualValues(t, 1, count(t, h, &models.HubChannel{}, "node_id = ? AND revoked = ?", e.nodeID, false))

	fresh, err := authorize(e.certKey, rotated.ChannelToken, e.nodeID)
	require.NoError(t, err)
	require.False(t, fresh.Rotated)

	h.clk.Advance(lifetime)
	_, err = authorize(e.certKey, rotated.ChannelToken, e.nodeID)
	requireCode(t, err, apierr.CodeTokenExpired)
}
