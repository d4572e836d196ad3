package pki

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"rootauth/internal/metrics"
	"rootauth/internal/models"
)

// OIDScopes — приватное расширение с JSON {"scopes":[...]} для разбора скоупов без SAN.
var OIDScopes = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 57264, 1}

// Profile — что вшивается в выпускаемый сертификат.
type Profile struct {
	Role     models.Role
	SubnetID string
	NodeID   string
	Scopes   []string
}

type Issued struct {
	Cert        *x509.Certificate
	CertPEM     string
	ChainPEM    string // промежуточный + корень, на момент выпуска
	Serial      string
	Fingerprint string
	NotBefore   time.Time
	NotAfter    time.Time
}

// SignEndEntity — конечный сертификат узла (HUB/MEMBER): CA=false, без key_cert_sign.
func (a *Authority) SignEndEntity(ctx context.Context, csr *x509.CertificateRequest, p Profile) (*Issued, error) {
	return a.sign(ctx, csr, p, false)
}

// SignSubnetCA — делегированный CA подсети (роль SERVICE): CA=true, pathlen=0, key_cert_sign.
func (a *Authority) SignSubnetCA(ctx context.Context, csr *x509.CertificateRequest, p Profile) (*Issued, error) {
	return a.sign(ctx, csr, p, true)
}

func (a *Authority) sign(ctx context.Context, csr *x509.CertificateRequest, p Profile, isCA bool) (*Issued, error) {
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("csr signature: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.rotateIfNeededLocked(ctx); err != nil {
		return nil, err
	}

	ext, err := scopesExtension(p.Scopes)
	if err != nil {
		return nil, err
	}
	now := a.clk.Now()
	nb, na := now.Add(-5*time.Minute), now.Add(a.cfg.TTLFor(p.Role))
	if na.After(a.inter.cert.NotAfter) {
		na = a.inter.cert.NotAfter
	}
	tpl := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject: pkix.Name{
			CommonName:         subjectCN(p, isCA),
			Organization:       []string{a.cfg.Organization},
			OrganizationalUnit: []string{string(p.Role)},
		},
		NotBefore: nb, NotAfter: na,
		URIs:                  sanURIs(p),
		ExtraExtensions:       []pkix.Extension{ext},
		BasicConstraintsValid: true,
	}
	if isCA {
		tpl.IsCA = true
		tpl.MaxPathLen, tpl.MaxPathLenZero = 0, true
		tpl.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	} else {
		tpl.KeyUsage = x509.KeyUsageDigitalSignature
		tpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth}
	}

	der, err := x509.CreateCertificate(rand.Reader, tpl, a.inter.cert, csr.PublicKey, a.inter.key)
	if err != nil {
		return nil, fmt.Errorf("sign certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	metrics.CertificatesIssued.WithLabelValues(string(p.Role)).Inc()
	return &Issued{
		Cert:        cert,
		CertPEM:     string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		ChainPEM:    a.inter.certPEM + a.root.certPEM,
		Serial:      cert.SerialNumber.Text(16),
		Fingerprint: Fingerprint(cert),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
	}, nil
}

func subjectCN(p Profile, isCA bool) string {
	if isCA {
		return "subnet-ca " + p.SubnetID
	}
	return p.NodeID
}

func sanURIs(p Profile) []*url.URL {
	opaque := []string{
		"adaos:role=" + string(p.Role),
		"adaos:subnet=" + p.SubnetID,
		"adaos:node=" + p.NodeID,
		"adaos:scopes=" + strings.Join(p.Scopes, ","),
	}
	out := make([]*url.URL, 0, len(opaque))
	for _, o := range opaque {
		out = append(out, &url.URL{Scheme: "urn", Opaque: o})
	}
	return out
}

type scopesBlob struct {
	Scopes []string `json:"scopes"`
}

func scopesExtension(scopes []string) (pkix.Extension, error) {
	if scopes == nil {
		scopes = []string{}
	}
	v, err := json.Marshal(scopesBlob{Scopes: scopes})
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: OIDScopes, Value: v}, nil
}

// ScopesFromCertificate читает приватное расширение скоупов.
func ScopesFromCertificate(cert *x509.Certificate) ([]string, error) {
	for _, e := range cert.Extensions {
		if e.Id.Equal(OIDScopes) {
			var b scopesBlob
			if err := json.Unmarshal(e.Value, &b); err != nil {
				return nil, fmt.Errorf("scopes extension: %w", err)
			}
			return b.Scopes, nil
		}
	}
	return nil, errors.New("scopes extension not present")
}

// SANValue достаёт значение urn:adaos:<key>=... из SAN.
func SANValue(cert *x509.Certificate, key string) (string, bool) {
	prefix := "adaos:" + key + "="
	for _, u := range cert.URIs {
		if u.Scheme == "urn" && strings.HasPrefix(u.Opaque, prefix) {
			return strings.TrimPrefix(u.Opaque, prefix), true
		}
	}
	return "", false
}

func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

func ParseCertificatePEM(s string) (*x509.Certificate, error) {
	b, _ := pem.Decode([]byte(s))
	if b == nil || b.Type != "CERTIFICATE" {
		return nil, errors.New("certificate: no PEM block")
	}
	return x509.ParseCertificate(b.Bytes)
}

// ParseCSR разбирает и проверяет подпись запроса; принимаются только ключи ECDSA P-256.
func ParseCSR(s string) (*x509.CertificateRequest, error) {
	b, _ := pem.Decode([]byte(s))
	if b == nil || b.Type != "CERTIFICATE REQUEST" {
		return nil, errors.New("csr: no PEM block")
	}
	csr, err := x509.ParseCertificateRequest(b.Bytes)
	if err != nil {
		return nil, fmt.Errorf("csr: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("csr signature: %w", err)
	}
	pub, ok := csr.PublicKey.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, errors.New("csr: only ECDSA P-256 keys are accepted")
	}
	return csr, nil
}

// VerifyChain проверяет, что сертификат выпущен иерархией (цепочка на момент выпуска + текущий корень).
func (a *Authority) VerifyChain(cert *x509.Certificate, chainPEM string) error {
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM([]byte(a.RootPEM())) {
		return errors.New("pki: root not loaded")
	}
	inters := x509.NewCertPool()
	inters.AppendCertsFromPEM([]byte(chainPEM))
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: inters,
		CurrentTime:   a.clk.Now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}
