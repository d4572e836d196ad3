package api_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rootauth/internal/api"
	"rootauth/internal/apierr"
	"rootauth/internal/audit"
	"rootauth/internal/authority"
	"rootauth/internal/clock"
	"rootauth/internal/db/dbtest"
	"rootauth/internal/idempotency"
	"rootauth/internal/ids"
	"rootauth/internal/pki"
	"rootauth/internal/proof"
	"rootauth/internal/ratelimit"
	"rootauth/internal/repo"
)

const edgeSecret = "edge-test-secret"

type env struct {
	t   *testing.T
	r   *mux.Router
	clk *clock.Fake
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := repo.New(dbtest.Open(t))
	clk := clock.NewFake(time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC))
	ca := pki.New(store, clk, pki.DefaultConfig())
	require.NoError(t, ca.Load(context.Background()))
	signer, err := audit.NewSigner("test-audit-secret", clk, 90*24*time.Hour)
	require.NoError(t, err)
	b := authority.New(authority.Deps{
		Store:       store,
		CA:          ca,
		Audit:       signer,
		Limiter:     ratelimit.New(store, clk, ratelimit.DefaultConfig()),
		Idempotency: idempotency.NewGuard(store, clk, idempotency.DefaultConfig()),
		Clock:       clk,
	}, authority.DefaultConfig())

	r := mux.NewRouter()
	api.RegisterRoutes(r, b, edgeSecret)
	return &env{t: t, r: r, clk: clk}
}

type call struct {
	method, path string
	body         any
	principal    string
	idem         string
}

func (e *env) do(c call) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if c.body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(c.body))
	}
	req := httptest.NewRequest(c.method, c.path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://app.adaos.local")
	req.Header.Set("User-Agent", "adaos-hub/1.4")
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if c.principal != "" {
		req.Header.Set("Authorization", "Bearer "+edgeSecret)
		req.Header.Set("X-Principal-Id", c.principal)
	}
	if c.idem != "" {
		req.Header.Set("Idempotency-Key", c.idem)
	}
	rec := httptest.NewRecorder()
	e.r.ServeHTTP(rec, req)
	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func deviceKey(t *testing.T) (*ecdsa.PrivateKey, string, string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	p, err := proof.EncodePublicKeyPEM(&priv.PublicKey)
	require.NoError(t, err)
	th, err := proof.Thumbprint(&priv.PublicKey)
	require.NoError(t, err)
	return priv, p, th
}

func TestDeviceFlowOverHTTP(t *testing.T) {
	e := newEnv(t)
	priv, pubPEM, thumb := deviceKey(t)

	rec := e.do(call{method: http.MethodPost, path: "/v1/device/start", idem: ids.New(),
		body: map[string]any{"public_key_pem": pubPEM, "role": "HUB"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	start := decodeAs[authority.DeviceStartResponse](t, rec)
	assert.NotEmpty(t, start.EventID)

	// до подтверждения: authorization_pending с Retry-After
	rec = e.do(call{method: http.MethodPost, path: "/v1/device/token",
		body: map[string]any{"device_code": start.DeviceCode, "assertion": "a.b.c"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	eb := decodeAs[apierr.Body](t, rec)
	assert.Equal(t, apierr.CodeAuthorizationPending, eb.Code)
	assert.Equal(t, 5, eb.RetryAfter)

	rec = e.do(call{method: http.MethodPost, path: "/v1/device/confirm", idem: ids.New(),
		principal: "owner-device-0001", body: map[string]any{"user_code": start.UserCode}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	conf := decodeAs[authority.DeviceConfirmResponse](t, rec)

	jws, err := proof.Sign(priv, proof.NewClaims(start.DeviceCode, "subnet:"+conf.SubnetID, thumb, e.clk.Now().Add(time.Minute)))
	require.NoError(t, err)
	rec = e.do(call{method: http.MethodPost, path: "/v1/device/token",
		body: map[string]any{"device_code": start.DeviceCode, "assertion": jws}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bundle := decodeAs[authority.TokenBundle](t, rec)
	assert.Equal(t, conf.DeviceID, bundle.DeviceID)
	assert.NotEmpty(t, bundle.AccessToken)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestOwnerRoutesRequireEdgeSecret(t *testing.T) {
	e := newEnv(t)

	rec := e.do(call{method: http.MethodPost, path: "/v1/device/confirm", idem: ids.New(),
		body: map[string]any{"user_code": "ABCD-EFGH"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, apierr.CodeForbidden, decodeAs[apierr.Body](t, rec).Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/audit", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	req.Header.Set("X-Principal-Id", "owner-device-0001")
	out := httptest.NewRecorder()
	e.r.ServeHTTP(out, req)
	assert.Equal(t, http.StatusForbidden, out.Code)
}

func TestMalformedBody(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/device/start", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	e.r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apierr.CodeInvalidRequest, decodeAs[apierr.Body](t, rec).Code)
}

func TestMissingIdempotencyKey(t *testing.T) {
	e := newEnv(t)
	_, pubPEM, _ := deviceKey(t)
	rec := e.do(call{method: http.MethodPost, path: "/v1/device/start",
		body: map[string]any{"public_key_pem": pubPEM, "role": "HUB"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apierr.CodeMissingIdempotencyKey, decodeAs[apierr.Body](t, rec).Code)
}

func TestAuditQueryValidation(t *testing.T) {
	e := newEnv(t)
	rec := e.do(call{method: http.MethodGet, path: "/v1/audit?limit=ten", principal: "owner-device-0001"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, apierr.CodeInvalidRequest, decodeAs[apierr.Body](t, rec).Code)
}
