package authority

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rootauth/internal/apierr"
	"rootauth/internal/audit"
	"rootauth/internal/clock"
	"rootauth/internal/db/dbtest"
	"rootauth/internal/idempotency"
	"rootauth/internal/ids"
	"rootauth/internal/models"
	"rootauth/internal/pki"
	"rootauth/internal/proof"
	"rootauth/internal/ratelimit"
	"rootauth/internal/repo"
)

var (
	t0     = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	caller = CallerContext{Origin: "https://app.adaos.local", ClientIP: "203.0.113.7", UserAgent: "adaos-hub/1.4"}
	owner  = Principal{DeviceID: "owner-device-0001"}
)

type harness struct {
	t     *testing.T
	ctx   context.Context
	b     *Backend
	store *repo.Store
	clk   *clock.Fake
	ca    *pki.Authority
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := repo.New(dbtest.Open(t))
	clk := clock.NewFake(t0)
	ca := pki.New(store, clk, pki.DefaultConfig())
	require.NoError(t, ca.Load(context.Background()))
	signer, err := audit.NewSigner("test-audit-secret", clk, 90*24*time.Hour)
	require.NoError(t, err)

	b := New(Deps{
		Store:       store,
		CA:          ca,
		Audit:       signer,
		Limiter:     ratelimit.New(store, clk, ratelimit.DefaultConfig()),
		Idempotency: idempotency.NewGuard(store, clk, idempotency.DefaultConfig()),
		Clock:       clk,
	}, DefaultConfig())
	return &harness{t: t, ctx: context.Background(), b: b, store: store, clk: clk, ca: ca}
}

type deviceKey struct {
	priv  *ecdsa.PrivateKey
	pem   string
	thumb string
}

func newDeviceKey(t *testing.T) deviceKey {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	p, err := proof.EncodePublicKeyPEM(&priv.PublicKey)
	require.NoError(t, err)
	th, err := proof.Thumbprint(&priv.PublicKey)
	require.NoError(t, err)
	return deviceKey{priv: priv, pem: p, thumb: th}
}

// prove: JWS ключом k для (nonce, aud), действительный минуту.
func (h *harness) prove(k deviceKey, nonce, aud string) string {
	h.t.Helper()
	jws, err := proof.Sign(k.priv, proof.NewClaims(nonce, aud, k.thumb, h.clk.Now().Add(time.Minute)))
	require.NoError(h.t, err)
	return jws
}

func key() string { return ids.New() }

type onboarded struct {
	key     deviceKey
	start   DeviceStartResponse
	confirm DeviceConfirmResponse
	tokens  TokenBundle
}

// onboard проводит устройство через device-code поток целиком.
func (h *harness) onboard(approver Principal, role models.Role, scopes []string, aliases ...string) onboarded {
	h.t.Helper()
	k := newDeviceKey(h.t)
	start, err := h.b.DeviceStart(h.ctx, DeviceStartRequest{
		IdempotencyKey: key(), Caller: caller, PublicKeyPEM: k.pem, Role: role, Scopes: scopes,
	})
	require.NoError(h.t, err)
	confirm, err := h.b.DeviceConfirm(h.ctx, approver, DeviceConfirmRequest{
		IdempotencyKey: key(), UserCode: start.UserCode, Aliases: aliases,
	})
	require.NoError(h.t, err)
	tokens, err := h.b.DeviceToken(h.ctx, DeviceTokenRequest{
		Caller: caller, DeviceCode: start.DeviceCode,
		Assertion: h.prove(k, start.DeviceCode, "subnet:"+confirm.SubnetID),
	})
	require.NoError(h.t, err)
	return onboarded{key: k, start: start, confirm: confirm, tokens: tokens}
}

func (h *harness) introspect(k deviceKey, token, subnetID string) (IntrospectResponse, error) {
	return h.b.IntrospectToken(h.ctx, IntrospectRequest{Token: token, Assertion: h.prove(k, token, "subnet:"+subnetID)})
}

func newCSR(t *testing.T) (string, *ecdsa.PrivateKey) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: "adaos-node"},
	}, priv)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})), priv
}

func requireCode(t *testing.T, err error, code apierr.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, apierr.CodeOf(err), "error: %v", err)
}

func count(t *testing.T, h *harness, model any, where string, args ...any) int64 {
	t.Helper()
	var n int64
	q := h.store.DB().Model(model)
	if where != "" {
		q = q.Where(where, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

func keyFrom(t *testing.T, priv *ecdsa.PrivateKey) deviceKey {
	t.Helper()
	p, err := proof.EncodePublicKeyPEM(&priv.PublicKey)
	require.NoError(t, err)
	th, err := proof.Thumbprint(&priv.PublicKey)
	require.NoError(t, err)
	return deviceKey{priv: priv, pem: p, thumb: th}
}
