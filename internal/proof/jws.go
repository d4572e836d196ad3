// Package proof — holder-of-key доказательства: компактный JWS ES256, чей payload
// связывает {nonce, aud, exp, cnf.jkt} с ключом вызывающего.
package proof

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"rootauth/internal/apierr"
	"rootauth/internal/clock"
)

type Confirmation struct {
	JKT string `json:"jkt"`
}

type Claims struct {
	Nonce string       `json:"nonce"`
	Cnf   Confirmation `json:"cnf"`
	jwt.RegisteredClaims
}

func NewClaims(nonce, audience, jkt string, exp time.Time) Claims {
	return Claims{
		Nonce: nonce,
		Cnf:   Confirmation{JKT: jkt},
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
}

// Expect — чем должно быть связано доказательство.
type Expect struct {
	Nonce      string
	Audience   string
	Thumbprint string
}

type Verifier struct {
	clk    clock.Clock
	leeway time.Duration
}

func NewVerifier(clk clock.Clock, leeway time.Duration) *Verifier {
	return &Verifier{clk: clk, leeway: leeway}
}

// Verify проверяет подпись (r‖s или DER), exp, aud, nonce и cnf.jkt.
func (v *Verifier) Verify(compact string, pub *ecdsa.PublicKey, want Expect) (*Claims, error) {
	parts := strings.Split(compact, ".")
	if len(parts) != 3 {
		return nil, apierr.New(apierr.CodeInvalidAssertion, "assertion is not a compact JWS")
	}
	parser := jwt.NewParser()
	var claims Claims
	tok, _, err := parser.ParseUnverified(compact, &claims)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInvalidAssertion, "malformed assertion", err)
	}
	if tok.Method.Alg() != jwt.SigningMethodES256.Alg() {
		return nil, apierr.Newf(apierr.CodeInvalidAssertion, "unsupported alg %q", tok.Method.Alg())
	}
	if kid, _ := tok.Header["kid"].(string); kid != want.Thumbprint {
		return nil, apierr.New(apierr.CodeHOKMismatch, "assertion kid does not match bound key")
	}
	sig, err := parser.DecodeSegment(parts[2])
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInvalidAssertion, "malformed signature", err)
	}
	if !verifySignature(pub, parts[0]+"."+parts[1], sig) {
		return nil, apierr.New(apierr.CodeInvalidAssertion, "assertion signature invalid")
	}

	val := jwt.NewValidator(
		jwt.WithTimeFunc(v.clk.Now),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithAudience(want.Audience),
	)
	if err := val.Validate(claims); err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, apierr.Wrap(apierr.CodeAssertionExpired, "assertion expired", err)
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, apierr.Newf(apierr.CodeChallengeMismatch, "assertion audience must be %q", want.Audience)
		}
		return nil, apierr.Wrap(apierr.CodeInvalidAssertion, "assertion claims invalid", err)
	}
	if subtle.ConstantTimeCompare([]byte(claims.Nonce), []byte(want.Nonce)) != 1 {
		return nil, apierr.New(apierr.CodeChallengeMismatch, "assertion nonce mismatch")
	}
	if claims.Cnf.JKT != want.Thumbprint {
		return nil, apierr.New(apierr.CodeHOKMismatch, "cnf.jkt does not match bound key")
	}
	return &claims, nil
}

func verifySignature(pub *ecdsa.PublicKey, input string, sig []byte) bool {
	if len(sig) == 64 && jwt.SigningMethodES256.Verify(input, sig, pub) == nil {
		return true
	}
	h := sha256.Sum256([]byte(input))
	return ecdsa.VerifyASN1(pub, h[:], sig)
}

// Sign выпускает доказательство от имени ключа priv (клиенты, CLI, тесты).
func Sign(priv *ecdsa.PrivateKey, c Claims) (string, error) {
	thumb, err := Thumbprint(&priv.PublicKey)
	if err != nil {
		return "", err
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, c)
	tok.Header["kid"] = thumb
	return tok.SignedString(priv)
}
