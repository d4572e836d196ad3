package authority

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"

	"rootauth/internal/apierr"
	"rootauth/internal/audit"
	"rootauth/internal/logs"
	"rootauth/internal/metrics"
	"rootauth/internal/models"
	"rootauth/internal/repo"
)

// ExportAudit отдаёт журнал подсети вызывающего, предварительно проверив подпись каждой записи.
// Хотя бы одна испорченная запись — фатальная ошибка audit_corrupted, частичной выдачи нет.
func (b *Backend) ExportAudit(ctx context.Context, p Principal, q AuditQuery) (AuditExport, error) {
	c := call{name: "audit.export", actor: &p, body: q}
	return query(ctx, b, c, func(ctx context.Context, env Envelope) (AuditExport, error) {
		_, sn, err := b.approver(ctx, b.store, p, models.ScopeReadAudit, false)
		if err != nil {
			return AuditExport{}, err
		}
		recs, err := b.verifiedAudit(ctx, repo.AuditFilter{SubnetID: sn.ID, Since: q.Since, Limit: q.Limit})
		if err != nil {
			return AuditExport{}, err
		}
		out := AuditExport{Records: make([]AuditEntry, 0, len(recs)), Envelope: env}
		for _, r := range recs {
			out.Records = append(out.Records, AuditEntry{
				EventID: r.EventID, TraceID: r.TraceID, SubnetID: r.SubnetID, ActorID: r.ActorID,
				SubjectID: r.SubjectID, Action: r.Action, ACL: nonNil(r.ACL), TTL: r.TTL,
				Payload: json.RawMessage(r.Payload), Timestamp: r.Timestamp.UTC(), Signature: r.Signature,
			})
		}
		return out, nil
	})
}

// VerifyAudit проверяет весь журнал без привязки к подсети (обслуживание, CLI).
func (b *Backend) VerifyAudit(ctx context.Context) (int, error) {
	env := b.envelope()
	ctx = withTrace(ctx, env)
	recs, err := b.verifiedAudit(ctx, repo.AuditFilter{})
	if err != nil {
		return 0, b.fail(ctx, env, "audit.verify", err)
	}
	return len(recs), nil
}

func (b *Backend) verifiedAudit(ctx context.Context, f repo.AuditFilter) ([]models.AuditRecord, error) {
	recs, err := b.store.ListAudit(ctx, f)
	if err != nil {
		return nil, err
	}
	if err := b.audit.VerifyAll(recs); err != nil {
		var ce *audit.CorruptedError
		if errors.As(err, &ce) {
			logs.From(ctx).WithFields(logrus.Fields{"event_id": ce.EventID, "subnet_id": f.SubnetID}).
				Error("audit record failed signature verification")
			return nil, apierr.Wrap(apierr.CodeAuditCorrupted, "audit trail failed verification", err).
				WithHint("record " + ce.EventID + " was modified outside the authority")
		}
		return nil, err
	}
	return recs, nil
}

// Sweep удаляет просроченные записи потоков, токены, брони идемпотентности и denylist.
func (b *Backend) Sweep(ctx context.Context) (repo.SweepResult, error) {
	res, err := b.store.Sweep(ctx, b.clk.Now())
	if err != nil {
		return res, err
	}
	if n := res.Total(); n > 0 {
		metrics.SweptRows.Add(float64(n))
		logs.From(ctx).WithFields(logrus.Fields{
			"device_codes": res.DeviceCodes, "qr_sessions": res.QRSessions, "challenges": res.Challenges,
			"idempotency": res.Idempotency, "tokens": res.Tokens, "hub_channels": res.HubChannels,
			"denylist": res.Denylist,
		}).Info("sweep")
	}
	return res, nil
}
