package pki

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"rootauth/internal/clock"
	"rootauth/internal/logs"
	"rootauth/internal/metrics"
	"rootauth/internal/models"
	"rootauth/internal/repo"
)

type Config struct {
	Organization    string
	RootTTL         time.Duration
	IntermediateTTL time.Duration
	RotationMargin  time.Duration
	HubTTL          time.Duration
	MemberTTL       time.Duration
	SubnetCATTL     time.Duration
	DefaultTTL      time.Duration
}

func DefaultConfig() Config {
	day := 24 * time.Hour
	return Config{
		Organization:    "AdaOS Root Authority",
		RootTTL:         3650 * day,
		IntermediateTTL: 180 * day,
		RotationMargin:  30 * day,
		HubTTL:          30 * day,
		MemberTTL:       21 * day,
		SubnetCATTL:     7 * day,
		DefaultTTL:      30 * day,
	}
}

// TTLFor — срок жизни сертификата в зависимости от роли.
func (c Config) TTLFor(role models.Role) time.Duration {
	switch role {
	case models.RoleHub:
		return c.HubTTL
	case models.RoleMember:
		return c.MemberTTL
	case models.RoleService:
		return c.SubnetCATTL
	}
	return c.DefaultTTL
}

// Store — то, что иерархии нужно от хранилища.
type Store interface {
	GetOrCreateCA(ctx context.Context, name string, create func() (*models.CertificateAuthority, error)) (*models.CertificateAuthority, error)
	GetCA(ctx context.Context, name string) (*models.CertificateAuthority, error)
	SaveCA(ctx context.Context, ca *models.CertificateAuthority) error
}

type issuer struct {
	cert    *x509.Certificate
	key     *ecdsa.PrivateKey
	certPEM string
}

// Authority — офлайн-корень + ротируемый промежуточный CA. Корневой ключ подписывает
// только промежуточные сертификаты.
type Authority struct {
	store Store
	clk   clock.Clock
	cfg   Config

	mu    sync.Mutex
	root  *issuer
	inter *issuer
}

func New(store Store, clk clock.Clock, cfg Config) *Authority {
	return &Authority{store: store, clk: clk, cfg: cfg}
}

func (a *Authority) Config() Config { return a.cfg }

// Load поднимает корень (создаёт один раз) и промежуточный CA, затем проверяет ротацию.
func (a *Authority) Load(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rootRow, err := a.store.GetOrCreateCA(ctx, models.CARoot, a.mintRoot)
	if err != nil {
		return fmt.Errorf("root ca: %w", err)
	}
	root, err := decodeIssuer(rootRow)
	if err != nil {
		return fmt.Errorf("root ca: %w", err)
	}
	a.root = root

	interRow, err := a.store.GetCA(ctx, models.CAIntermediate)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		if err := a.rotateLocked(ctx); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("intermediate ca: %w", err)
	default:
		inter, err := decodeIssuer(interRow)
		if err != nil {
			return fmt.Errorf("intermediate ca: %w", err)
		}
		// промежуточный от другого корня (корень пересоздан) — выпускаем заново
		if inter.cert.CheckSignatureFrom(root.cert) != nil {
			if err := a.rotateLocked(ctx); err != nil {
				return err
			}
		} else {
			a.inter = inter
		}
	}
	_, err = a.rotateIfNeededLocked(ctx)
	return err
}

func (a *Authority) Loaded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.root != nil && a.inter != nil
}

// RotateIfNeeded выпускает новый промежуточный CA, если now + margin >= not_after.
// Вызывается перед каждой подписью; старый промежуточный остаётся валидным до своего срока.
func (a *Authority) RotateIfNeeded(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rotateIfNeededLocked(ctx)
}

func (a *Authority) rotateIfNeededLocked(ctx context.Context) (bool, error) {
	if a.root == nil {
		return false, errors.New("pki: authority not loaded")
	}
	if a.inter != nil && a.clk.Now().Add(a.cfg.RotationMargin).Before(a.inter.cert.NotAfter) {
		return false, nil
	}
	if err := a.rotateLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Authority) rotateLocked(ctx context.Context) error {
	row, err := a.mintIntermediate()
	if err != nil {
		return fmt.Errorf("mint intermediate: %w", err)
	}
	if err := a.store.SaveCA(ctx, row); err != nil {
		return fmt.Errorf("save intermediate: %w", err)
	}
	inter, err := decodeIssuer(row)
	if err != nil {
		return err
	}
	prev := "none"
	if a.inter != nil {
		prev = a.inter.cert.NotAfter.Format(time.RFC3339)
	}
	a.inter = inter
	metrics.IntermediateRotations.Inc()
	logs.Logger.WithFields(logrus.Fields{
		"serial":         inter.cert.SerialNumber.Text(16),
		"not_after":      inter.cert.NotAfter.Format(time.RFC3339),
		"prev_not_after": prev,
	}).Info("intermediate CA rotated")
	return nil
}

func (a *Authority) mintRoot() (*models.CertificateAuthority, error) {
	now := a.clk.Now()
	nb, na := now.Add(-time.Hour), now.Add(a.cfg.RootTTL)
	sk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tpl := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject:      pkix.Name{CommonName: a.cfg.Organization + " Root CA", Organization: []string{a.cfg.Organization}},
		NotBefore:    nb, NotAfter: na,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true, IsCA: true, MaxPathLen: 1,
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &sk.PublicKey, sk)
	if err != nil {
		return nil, err
	}
	return encodeCA(models.CARoot, der, sk, now, na)
}

func (a *Authority) mintIntermediate() (*models.CertificateAuthority, error) {
	now := a.clk.Now()
	nb, na := now.Add(-time.Hour), now.Add(a.cfg.IntermediateTTL)
	if na.After(a.root.cert.NotAfter) {
		na = a.root.cert.NotAfter
	}
	sk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tpl := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject: pkix.Name{
			CommonName:   fmt.Sprintf("%s Intermediate CA %s", a.cfg.Organization, now.Format("2006-01-02")),
			Organization: []string{a.cfg.Organization},
		},
		NotBefore: nb, NotAfter: na,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true, IsCA: true, MaxPathLen: 0, MaxPathLenZero: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, a.root.cert, &sk.PublicKey, a.root.key)
	if err != nil {
		return nil, err
	}
	return encodeCA(models.CAIntermediate, der, sk, now, na)
}

// RootPEM / IntermediatePEM — текущие сертификаты иерархии.
func (a *Authority) RootPEM() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.root == nil {
		return ""
	}
	return a.root.certPEM
}

func (a *Authority) IntermediatePEM() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inter == nil {
		return ""
	}
	return a.inter.certPEM
}

func (a *Authority) IntermediateNotAfter() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inter == nil {
		return time.Time{}
	}
	return a.inter.cert.NotAfter
}

func encodeCA(name string, der []byte, sk *ecdsa.PrivateKey, created, expires time.Time) (*models.CertificateAuthority, error) {
	derKey, err := x509.MarshalECPrivateKey(sk)
	if err != nil {
		return nil, err
	}
	return &models.CertificateAuthority{
		Name:      name,
		CertPEM:   string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		KeyPEM:    string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: derKey})),
		CreatedAt: created,
		ExpiresAt: expires,
	}, nil
}

func decodeIssuer(row *models.CertificateAuthority) (*issuer, error) {
	cert, err := ParseCertificatePEM(row.CertPEM)
	if err != nil {
		return nil, err
	}
	kb, _ := pem.Decode([]byte(row.KeyPEM))
	if kb == nil {
		return nil, errors.New("ca key: no PEM block")
	}
	key, err := x509.ParseECPrivateKey(kb.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ca key: %w", err)
	}
	return &issuer{cert: cert, key: key, certPEM: row.CertPEM}, nil
}

func newSerial() *big.Int {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		panic("pki: crypto/rand failed: " + err.Error())
	}
	return serial
}
