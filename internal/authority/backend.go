// Package authority — корневой сервис доверия: онбординг устройств (device-code, QR,
// holder-of-key вызов браузера), жизненный цикл токенов, выпуск сертификатов через
// согласия, отзыв и подписанный журнал аудита.
package authority

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"rootauth/internal/apierr"
	"rootauth/internal/audit"
	"rootauth/internal/clock"
	"rootauth/internal/idempotency"
	"rootauth/internal/ids"
	"rootauth/internal/logs"
	"rootauth/internal/metrics"
	"rootauth/internal/models"
	"rootauth/internal/pki"
	"rootauth/internal/proof"
	"rootauth/internal/ratelimit"
	"rootauth/internal/repo"
)

type Config struct {
	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	ChannelTTL         time.Duration
	ChannelRotateRatio float64 // доля срока жизни канального токена, после которой он ротируется
	DeviceCodeTTL      time.Duration
	QRTTL              time.Duration
	ChallengeTTL       time.Duration
	PollInterval       time.Duration
	ProofLeeway        time.Duration
}

func DefaultConfig() Config {
	return Config{
		AccessTTL:          15 * time.Minute,
		RefreshTTL:         30 * 24 * time.Hour,
		ChannelTTL:         time.Hour,
		ChannelRotateRatio: 0.8,
		DeviceCodeTTL:      10 * time.Minute,
		QRTTL:              5 * time.Minute,
		ChallengeTTL:       120 * time.Second,
		PollInterval:       5 * time.Second,
		ProofLeeway:        5 * time.Second,
	}
}

// Deps — коллабораторы сервиса; все создаются снаружи (server.App, тесты).
type Deps struct {
	Store       *repo.Store
	CA          *pki.Authority
	Audit       *audit.Signer
	Limiter     *ratelimit.Limiter
	Idempotency *idempotency.Guard
	Clock       clock.Clock
}

type Backend struct {
	store    *repo.Store
	ca       *pki.Authority
	audit    *audit.Signer
	limiter  *ratelimit.Limiter
	idem     *idempotency.Guard
	clk      clock.Clock
	verifier *proof.Verifier
	validate *validator.Validate
	cfg      Config
}

func New(d Deps, cfg Config) *Backend {
	return &Backend{
		store:    d.Store,
		ca:       d.CA,
		audit:    d.Audit,
		limiter:  d.Limiter,
		idem:     d.Idempotency,
		clk:      d.Clock,
		verifier: proof.NewVerifier(d.Clock, cfg.ProofLeeway),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cfg:      cfg,
	}
}

func (b *Backend) Config() Config { return b.cfg }

// -------- обёртки операций --------

func (b *Backend) envelope() Envelope {
	return Envelope{EventID: ids.New(), ServerTime: b.clk.Now()}
}

// withTrace гарантирует trace id в контексте: без входящего запроса им становится event_id операции.
func withTrace(ctx context.Context, env Envelope) context.Context {
	if logs.TraceID(ctx) == "" {
		return logs.WithTraceID(ctx, env.EventID)
	}
	return ctx
}

// call — описание одного вызова для обёрток mutate/query.
type call struct {
	name      string
	key       string // Idempotency-Key; только для mutate
	principal string // кто вызывает: устройство или хэш ключа анонимного клиента
	body      any    // валидируется и (для mutate) хэшируется
	actor     *Principal
	limit     ratelimit.Category
	limitKey  string
}

func (b *Backend) admit(ctx context.Context, c call) error {
	if c.actor != nil {
		if err := b.check(c.actor); err != nil {
			return apierr.New(apierr.CodeForbidden, "authenticated principal required")
		}
	}
	return b.check(c.body)
}

// limit засчитывает вызов в окне лимитера; повтор по Idempotency-Key сюда не доходит.
func (b *Backend) limit(ctx context.Context, c call) error {
	if c.limit == "" {
		return nil
	}
	return b.limiter.Allow(ctx, c.limit, c.limitKey)
}

// mutate — изменяющая операция под идемпотентной бронью.
func mutate[T any](ctx context.Context, b *Backend, c call, fn func(ctx context.Context, env Envelope) (T, error)) (T, error) {
	env := b.envelope()
	ctx = withTrace(ctx, env)
	var out T
	if err := b.admit(ctx, c); err != nil {
		return out, b.fail(ctx, env, c.name, err)
	}
	principal := c.principal
	if c.actor != nil {
		principal = "device:" + c.actor.DeviceID
	}
	out, _, err := idempotency.Do(ctx, b.idem, idempotency.Request{
		Key: c.key, Method: "POST", Path: c.name, Principal: principal, Body: c.body,
	}, func() (T, error) {
		if err := b.limit(ctx, c); err != nil {
			var zero T
			return zero, err
		}
		return fn(ctx, env)
	})
	if err != nil {
		return out, b.fail(ctx, env, c.name, err)
	}
	return out, nil
}

// query — операция без идемпотентного ключа (чтение, опрос, интроспекция).
func query[T any](ctx context.Context, b *Backend, c call, fn func(ctx context.Context, env Envelope) (T, error)) (T, error) {
	env := b.envelope()
	ctx = withTrace(ctx, env)
	var out T
	if err := b.admit(ctx, c); err != nil {
		return out, b.fail(ctx, env, c.name, err)
	}
	if err := b.limit(ctx, c); err != nil {
		return out, b.fail(ctx, env, c.name, err)
	}
	out, err := fn(ctx, env)
	if err != nil {
		return out, b.fail(ctx, env, c.name, err)
	}
	return out, nil
}

// fail приводит ошибку к таксономии и ставит на неё event_id/server_time операции.
func (b *Backend) fail(ctx context.Context, env Envelope, op string, err error) error {
	e := apierr.As(err)
	if e.EventID == "" {
		e.EventID = env.EventID
		e.ServerTime = env.ServerTime
	}
	entry := logs.From(ctx).WithFields(logrus.Fields{"op": op, "code": e.Code, "event_id": e.EventID})
	switch {
	case e.Code.Fatal():
		entry.WithError(err).Error("operation failed")
	case e.Code == apierr.CodeInternal:
		entry.WithError(err).Error("operation failed")
	default:
		entry.Debug(e.Message)
	}
	return e
}

func (b *Backend) check(v any) error {
	if err := b.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Namespace()+" ("+fe.Tag()+")")
			}
			return apierr.New(apierr.CodeInvalidRequest, "invalid fields: "+strings.Join(fields, ", "))
		}
		return apierr.Wrap(apierr.CodeInvalidRequest, "invalid request", err)
	}
	return nil
}

// -------- общие помощники --------

// approver загружает вызывающего владельца/администратора и его подсеть.
// bootstrap=true: неизвестный принципал становится владельцем новой подсети в той же транзакции.
func (b *Backend) approver(ctx context.Context, tx *repo.Store, p Principal, scope string, bootstrap bool) (*models.Device, *models.Subnet, error) {
	d, err := tx.GetDevice(ctx, p.DeviceID)
	switch {
	case errors.Is(err, repo.ErrNotFound) && bootstrap:
		return b.bootstrapOwner(ctx, tx, p)
	case errors.Is(err, repo.ErrNotFound):
		return nil, nil, apierr.New(apierr.CodeUnknownDevice, "principal is not a registered device")
	case err != nil:
		return nil, nil, err
	}
	if d.Revoked {
		return nil, nil, apierr.New(apierr.CodeDeviceRevoked, "principal device is revoked")
	}
	if d.Role != models.RoleOwner && scope != "" && !models.HasScope(d.Scopes, scope) {
		return nil, nil, apierr.Newf(apierr.CodeForbidden, "principal lacks %s", scope)
	}
	sn, err := tx.GetSubnet(ctx, d.SubnetID)
	if err != nil {
		return nil, nil, fmt.Errorf("load subnet: %w", err)
	}
	return d, sn, nil
}

// replayer допускает повтор уже одобренного потока только из подсети, в которую он одобрен.
// Чужой подсети отвечаем так же, как на неизвестный код.
func (b *Backend) replayer(ctx context.Context, tx *repo.Store, p Principal, scope, subnetID string, unknown *apierr.Error) error {
	_, sn, err := b.approver(ctx, tx, p, scope, false)
	if err != nil {
		return err
	}
	if sn.ID != subnetID {
		return unknown
	}
	return nil
}

func (b *Backend) bootstrapOwner(ctx context.Context, tx *repo.Store, p Principal) (*models.Device, *models.Subnet, error) {
	now := b.clk.Now()
	sn := &models.Subnet{ID: ids.New(), OwnerDeviceID: p.DeviceID, Settings: []byte("{}"), CreatedAt: now}
	if err := tx.CreateSubnet(ctx, sn); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, nil, apierr.New(apierr.CodeOwnerConflict, "principal already owns a subnet")
		}
		return nil, nil, err
	}
	d := &models.Device{
		ID: p.DeviceID, Role: models.RoleOwner, SubnetID: sn.ID,
		Aliases: []string{}, Capabilities: []string{}, Scopes: models.AllScopes(),
		CreatedAt: now, UpdatedAt: now,
	}
	if err := tx.CreateDevice(ctx, d); err != nil {
		return nil, nil, err
	}
	if err := b.record(ctx, tx, audit.Entry{
		SubnetID: sn.ID, ActorID: d.ID, SubjectID: sn.ID, Action: "subnet.create",
		Payload: map[string]any{"owner_device_id": d.ID},
	}); err != nil {
		return nil, nil, err
	}
	logs.From(ctx).WithFields(logrus.Fields{"subnet_id": sn.ID, "device_id": d.ID}).Info("subnet created")
	return d, sn, nil
}

// grantable проверяет, что одобряющий сам держит каждый выдаваемый скоуп.
func grantable(approver *models.Device, scopes []string) error {
	for _, s := range scopes {
		if !models.HasScope(approver.Scopes, s) {
			return apierr.Newf(apierr.CodeForbiddenScope, "scope %s cannot be granted by this principal", s).
				WithHint("approver must hold every granted scope")
		}
	}
	return nil
}

// activeDevice — устройство, которое ещё может аутентифицироваться.
func (b *Backend) activeDevice(ctx context.Context, tx *repo.Store, id string) (*models.Device, error) {
	d, err := tx.GetDevice(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, apierr.New(apierr.CodeUnknownDevice, "unknown device")
	}
	if err != nil {
		return nil, err
	}
	if d.Revoked {
		return nil, apierr.New(apierr.CodeDeviceRevoked, "device is revoked")
	}
	denied, err := tx.IsDenied(ctx, denyDevice, d.ID, b.clk.Now())
	if err != nil {
		return nil, err
	}
	if denied {
		return nil, apierr.New(apierr.CodeDeviceRevoked, "device is denylisted")
	}
	return d, nil
}

const denyDevice = "device"

// proveDevice проверяет JWS устройства его сохранённым ключом.
func (b *Backend) proveDevice(d *models.Device, assertion string, want proof.Expect) error {
	pub, err := proof.ParsePublicKeyPEM(d.PublicKeyPEM)
	if err != nil {
		return apierr.Wrap(apierr.CodeInvalidAssertion, "device has no usable key", err)
	}
	if want.Thumbprint == "" {
		want.Thumbprint = d.JWKThumbprint
	}
	_, err = b.verifier.Verify(assertion, pub, want)
	return err
}

func subnetAudience(subnetID string) string { return "subnet:" + subnetID }

func channelAudience(subnetID, hubNode string) string {
	aud := "wss:subnet:" + subnetID
	if hubNode != "" {
		aud += "|hub:" + hubNode
	}
	return aud
}

// mintTokens выпускает тройку access/refresh/channel, связанную с ключом устройства.
func (b *Backend) mintTokens(ctx context.Context, tx *repo.Store, d *models.Device, env Envelope) (TokenBundle, error) {
	now := b.clk.Now()
	mk := func(kind models.TokenKind, ttl time.Duration) *models.Token {
		return b.newToken(d, kind, "", now, ttl)
	}
	access := mk(models.TokenAccess, b.cfg.AccessTTL)
	refresh := mk(models.TokenRefresh, b.cfg.RefreshTTL)
	channel := mk(models.TokenChannel, b.cfg.ChannelTTL)
	if err := tx.CreateTokens(ctx, access, refresh, channel); err != nil {
		return TokenBundle{}, fmt.Errorf("create tokens: %w", err)
	}
	for _, t := range []*models.Token{access, refresh, channel} {
		metrics.TokensIssued.WithLabelValues(string(t.Kind)).Inc()
	}
	return TokenBundle{
		DeviceID:         d.ID,
		SubnetID:         d.SubnetID,
		TokenType:        "HoK",
		AccessToken:      access.Token,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshToken:     refresh.Token,
		RefreshExpiresAt: refresh.ExpiresAt,
		ChannelToken:     channel.Token,
		ChannelExpiresAt: channel.ExpiresAt,
		Scopes:           nonNil(d.Scopes),
		Envelope:         env,
	}, nil
}

func (b *Backend) newToken(d *models.Device, kind models.TokenKind, hubNode string, now time.Time, ttl time.Duration) *models.Token {
	t := &models.Token{
		Token:     ids.Opaque(32),
		DeviceID:  d.ID,
		Kind:      kind,
		CnfThumb:  d.JWKThumbprint,
		SubnetID:  d.SubnetID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	t.Payload = datatypes.NewJSONType(models.TokenPayload{
		DeviceID: d.ID, SubnetID: d.SubnetID, Role: d.Role, Kind: kind, Scopes: nonNil(d.Scopes), HubNode: hubNode,
	})
	return t
}

// record подписывает и добавляет запись аудита в текущую транзакцию.
func (b *Backend) record(ctx context.Context, tx *repo.Store, e audit.Entry) error {
	rec, err := b.audit.Record(ctx, e)
	if err != nil {
		return err
	}
	if err := tx.AppendAudit(ctx, rec); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	metrics.AuditRecords.WithLabelValues(e.Action).Inc()
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// dedupe убирает пустые и повторяющиеся значения, сохраняя порядок.
func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
