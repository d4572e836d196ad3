package authority

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"rootauth/internal/apierr"
	"rootauth/internal/audit"
	"rootauth/internal/ids"
	"rootauth/internal/logs"
	"rootauth/internal/models"
	"rootauth/internal/pki"
	"rootauth/internal/repo"
)

// SubmitCSR регистрирует запрос сертификата за согласием владельца.
// HUB/MEMBER перевыпускают сертификат узла, уже привязанного к устройству, либо получают
// новый узел в статусе pending. SERVICE — делегирование subnet-CA активному хабу (node_id обязателен).
func (b *Backend) SubmitCSR(ctx context.Context, p Principal, req CSRRequest) (CSRResponse, error) {
	c := call{name: "csr.submit", key: req.IdempotencyKey, actor: &p, body: req}
	return mutate(ctx, b, c, func(ctx context.Context, env Envelope) (CSRResponse, error) {
		ctype := models.ConsentMember
		switch req.Role {
		case models.RoleHub, models.RoleMember:
		case models.RoleService:
			ctype = models.ConsentDevice
			if req.NodeID == "" {
				return CSRResponse{}, apierr.New(apierr.CodeInvalidRequest, "SERVICE requires the hub node_id")
			}
		default:
			return CSRResponse{}, apierr.Newf(apierr.CodeInvalidRole, "role %q cannot request a certificate", req.Role).
				WithHint("use HUB, MEMBER or SERVICE")
		}
		if _, err := pki.ParseCSR(req.CSRPEM); err != nil {
			return CSRResponse{}, apierr.Wrap(apierr.CodeInvalidCSR, "csr rejected", err)
		}

		var out CSRResponse
		err := b.store.Tx(ctx, func(tx *repo.Store) error {
			requester, err := b.activeDevice(ctx, tx, p.DeviceID)
			if err != nil {
				return err
			}
			now := b.clk.Now()
			nodeID := req.NodeID
			if req.Role == models.RoleService {
				hub, err := tx.GetNode(ctx, nodeID)
				if errors.Is(err, repo.ErrNotFound) || (err == nil && hub.SubnetID != requester.SubnetID) {
					return apierr.New(apierr.CodeUnknownNode, "unknown hub node")
				}
				if err != nil {
					return err
				}
				if hub.Role != models.RoleHub || hub.Status != models.NodeActive {
					return apierr.New(apierr.CodeUnknownNode, "node is not an active hub")
				}
			} else {
				nodeID, err = b.enrollmentNode(ctx, tx, requester, req, now)
				if err != nil {
					return err
				}
			}
			scopes := nonNil(dedupe(req.Scopes))
			consent := &models.Consent{
				ID: ids.New(), Type: ctype, RequesterID: requester.ID, SubnetID: requester.SubnetID,
				ScopesRequested: scopes, Status: models.ConsentPending, CreatedAt: now,
			}
			if err := tx.CreateConsent(ctx, consent, &models.PendingCSR{
				ConsentID: consent.ID, CSRPEM: req.CSRPEM, NodeID: nodeID, Role: req.Role, Scopes: scopes,
			}); err != nil {
				return err
			}
			out = CSRResponse{ConsentID: consent.ID, NodeID: nodeID, Status: consent.Status, Envelope: env}
			return b.record(ctx, tx, audit.Entry{
				SubnetID: requester.SubnetID, ActorID: requester.ID, SubjectID: consent.ID, Action: "csr.submit",
				ACL: scopes, Payload: map[string]any{"role": req.Role, "node_id": nodeID, "type": ctype},
			})
		})
		return out, err
	})
}

// ResolveConsent — одобрение или отказ. Уже разрешённое согласие возвращает свой статус без
// повторной подписи. Подпись идёт вне транзакции, запись результата — условным переходом pending→*.
func (b *Backend) ResolveConsent(ctx context.Context, p Principal, req ResolveRequest) (ResolveResponse, error) {
	c := call{name: "consent.resolve", key: req.IdempotencyKey, actor: &p, body: req}
	return mutate(ctx, b, c, func(ctx context.Context, env Envelope) (ResolveResponse, error) {
		consent, err := b.store.GetConsent(ctx, req.ConsentID)
		if errors.Is(err, repo.ErrNotFound) {
			return ResolveResponse{}, apierr.New(apierr.CodeUnknownConsent, "unknown consent")
		}
		if err != nil {
			return ResolveResponse{}, err
		}
		scope := models.ScopeManageMembers
		if consent.Type == models.ConsentDevice {
			scope = models.ScopeManageIODevices
		}
		owner, sn, err := b.approver(ctx, b.store, p, scope, false)
		if err != nil {
			return ResolveResponse{}, err
		}
		if consent.SubnetID != sn.ID {
			return ResolveResponse{}, apierr.New(apierr.CodeUnknownConsent, "unknown consent")
		}
		if consent.Status != models.ConsentPending {
			return b.resolved(ctx, consent, env)
		}
		pcsr, err := b.store.GetPendingCSR(ctx, consent.ID)
		if err != nil {
			return ResolveResponse{}, fmt.Errorf("pending csr for %s: %w", consent.ID, err)
		}

		now := b.clk.Now()
		consent.ResolvedAt, consent.OwnerID = &now, &owner.ID
		raced := errors.New("raced")

		if !req.Approve {
			consent.Status = models.ConsentDenied
			err = b.store.Tx(ctx, func(tx *repo.Store) error {
				ok, err := tx.ResolveConsent(ctx, consent)
				if err != nil {
					return err
				}
				if !ok {
					return raced
				}
				if pcsr.Role != models.RoleService {
					if err := b.rejectPendingNode(ctx, tx, pcsr.NodeID, now); err != nil {
						return err
					}
				}
				if err := tx.DeletePendingCSR(ctx, consent.ID); err != nil {
					return err
				}
				return b.record(ctx, tx, audit.Entry{
					SubnetID: sn.ID, ActorID: owner.ID, SubjectID: consent.ID, Action: "consent.deny",
					Payload: map[string]any{"role": pcsr.Role, "node_id": pcsr.NodeID},
				})
			})
			if err != nil && !errors.Is(err, raced) {
				return ResolveResponse{}, err
			}
			return b.reloadResolved(ctx, consent.ID, env)
		}

		if err := grantable(owner, pcsr.Scopes); err != nil {
			return ResolveResponse{}, err
		}
		csr, err := pki.ParseCSR(pcsr.CSRPEM)
		if err != nil {
			return ResolveResponse{}, apierr.Wrap(apierr.CodeInvalidCSR, "stored csr rejected", err)
		}
		profile := pki.Profile{Role: pcsr.Role, SubnetID: sn.ID, NodeID: pcsr.NodeID, Scopes: pcsr.Scopes}
		var iss *pki.Issued
		if pcsr.Role == models.RoleService {
			iss, err = b.ca.SignSubnetCA(ctx, csr, profile)
		} else {
			iss, err = b.ca.SignEndEntity(ctx, csr, profile)
		}
		if err != nil {
			return ResolveResponse{}, fmt.Errorf("sign %s certificate: %w", pcsr.Role, err)
		}

		consent.Status = models.ConsentApproved
		err = b.store.Tx(ctx, func(tx *repo.Store) error {
			ok, err := tx.ResolveConsent(ctx, consent)
			if err != nil {
				return err
			}
			if !ok {
				return raced
			}
			if err := tx.SaveIssuedCertificate(ctx, &models.IssuedCertificate{
				Serial: iss.Serial, ConsentID: consent.ID, NodeID: pcsr.NodeID, SubnetID: sn.ID, Role: pcsr.Role,
				Fingerprint: iss.Fingerprint, CertPEM: iss.CertPEM, ChainPEM: iss.ChainPEM,
				NotBefore: iss.NotBefore, NotAfter: iss.NotAfter, CreatedAt: now,
			}); err != nil {
				return err
			}
			if err := tx.DeletePendingCSR(ctx, consent.ID); err != nil {
				return err
			}
			switch pcsr.Role {
			case models.RoleService:
				if err := tx.CreateDelegation(ctx, &models.SubnetCADelegation{
					ID: ids.New(), SubnetID: sn.ID, HubNodeID: pcsr.NodeID, Serial: iss.Serial,
					Fingerprint: iss.Fingerprint, CreatedAt: now, ExpiresAt: iss.NotAfter,
				}); err != nil {
					return err
				}
			default:
				if err := b.setNodeStatus(ctx, tx, pcsr.NodeID, models.NodeActive, iss.Fingerprint, now); err != nil {
					return err
				}
				if err := b.bindNode(ctx, tx, consent.RequesterID, pcsr.NodeID, now); err != nil {
					return err
				}
				if pcsr.Role == models.RoleHub {
					// старая канальная учётка не должна пережить смену сертификата хаба
					if _, err := tx.RevokeHubChannels(ctx, pcsr.NodeID, now); err != nil {
						return err
					}
				}
			}
			return b.record(ctx, tx, audit.Entry{
				SubnetID: sn.ID, ActorID: owner.ID, SubjectID: consent.ID, Action: "consent.approve", ACL: pcsr.Scopes,
				Payload: map[string]any{
					"role": pcsr.Role, "node_id": pcsr.NodeID, "serial": iss.Serial,
					"fingerprint": iss.Fingerprint, "not_after": iss.NotAfter,
				},
			})
		})
		if errors.Is(err, raced) {
			logs.From(ctx).WithFields(logrus.Fields{"consent_id": consent.ID, "serial": iss.Serial}).
				Warn("consent resolved concurrently; discarding signed certificate")
			return b.reloadResolved(ctx, consent.ID, env)
		}
		if err != nil {
			return ResolveResponse{}, err
		}
		return ResolveResponse{
			ConsentID: consent.ID, Status: consent.Status, NodeID: pcsr.NodeID,
			Serial: iss.Serial, Fingerprint: iss.Fingerprint, Envelope: env,
		}, nil
	})
}

func (b *Backend) reloadResolved(ctx context.Context, id string, env Envelope) (ResolveResponse, error) {
	consent, err := b.store.GetConsent(ctx, id)
	if err != nil {
		return ResolveResponse{}, err
	}
	return b.resolved(ctx, consent, env)
}

// resolved — ответ по уже разрешённому согласию.
func (b *Backend) resolved(ctx context.Context, consent *models.Consent, env Envelope) (ResolveResponse, error) {
	out := ResolveResponse{ConsentID: consent.ID, Status: consent.Status, Envelope: env}
	if consent.Status != models.ConsentApproved {
		return out, nil
	}
	ic, err := b.store.GetIssuedByConsent(ctx, consent.ID)
	if err != nil {
		return ResolveResponse{}, fmt.Errorf("issued certificate for %s: %w", consent.ID, err)
	}
	out.NodeID, out.Serial, out.Fingerprint = ic.NodeID, ic.Serial, ic.Fingerprint
	return out, nil
}

// enrollmentNode выбирает узел для HUB/MEMBER CSR. Устройство с привязанным узлом той же роли
// перевыпускает его сертификат; чужой node_id в запросе отклоняется.
func (b *Backend) enrollmentNode(ctx context.Context, tx *repo.Store, requester *models.Device, req CSRRequest, now time.Time) (string, error) {
	if requester.NodeID != nil {
		cur, err := tx.GetNode(ctx, *requester.NodeID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
		case err != nil:
			return "", err
		case cur.Role == req.Role && (cur.Status == models.NodeActive || cur.Status == models.NodePending):
			if req.NodeID != "" && req.NodeID != cur.ID {
				return "", apierr.New(apierr.CodeUnknownNode, "node is not bound to the requesting device")
			}
			return cur.ID, nil
		}
	}
	if req.NodeID != "" {
		return "", apierr.New(apierr.CodeUnknownNode, "node is not bound to the requesting device")
	}
	node := &models.Node{
		ID: ids.New(), SubnetID: requester.SubnetID, Role: req.Role, Status: models.NodePending,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := tx.CreateNode(ctx, node); err != nil {
		return "", err
	}
	return node.ID, nil
}

// rejectPendingNode: отказ по перевыпуску не трогает действующий узел.
func (b *Backend) rejectPendingNode(ctx context.Context, tx *repo.Store, nodeID string, now time.Time) error {
	node, err := tx.GetNode(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("node %s: %w", nodeID, err)
	}
	if node.Status != models.NodePending {
		return nil
	}
	node.Status, node.UpdatedAt = models.NodeRejected, now
	return tx.SaveNode(ctx, node)
}

func (b *Backend) setNodeStatus(ctx context.Context, tx *repo.Store, nodeID, status, fingerprint string, now time.Time) error {
	node, err := tx.GetNode(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("node %s: %w", nodeID, err)
	}
	node.Status, node.UpdatedAt = status, now
	if fingerprint != "" {
		node.CertFingerprint = fingerprint
	}
	return tx.SaveNode(ctx, node)
}

// bindNode привязывает узел к устройству-заявителю.
func (b *Backend) bindNode(ctx context.Context, tx *repo.Store, deviceID, nodeID string, now time.Time) error {
	d, err := tx.GetDevice(ctx, deviceID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	d.NodeID, d.UpdatedAt = &nodeID, now
	return tx.SaveDevice(ctx, d)
}

// CollectCertificate — выдача результата; до одобрения csr_pending.
func (b *Backend) CollectCertificate(ctx context.Context, p Principal, consentID string) (CertificateResponse, error) {
	body := struct {
		ConsentID string `validate:"required,max=36"`
	}{consentID}
	c := call{name: "csr.collect", actor: &p, body: body}
	return query(ctx, b, c, func(ctx context.Context, env Envelope) (CertificateResponse, error) {
		caller, err := b.activeDevice(ctx, b.store, p.DeviceID)
		if err != nil {
			return CertificateResponse{}, err
		}
		consent, err := b.store.GetConsent(ctx, consentID)
		if errors.Is(err, repo.ErrNotFound) || (err == nil && consent.SubnetID != caller.SubnetID) {
			return CertificateResponse{}, apierr.New(apierr.CodeUnknownConsent, "unknown consent")
		}
		if err != nil {
			return CertificateResponse{}, err
		}
		switch consent.Status {
		case models.ConsentPending:
			return CertificateResponse{}, apierr.New(apierr.CodeCSRPending, "certificate not issued yet").
				WithRetryAfter(int(b.cfg.PollInterval.Seconds()))
		case models.ConsentDenied:
			return CertificateResponse{}, apierr.New(apierr.CodeAccessDenied, "certificate request was denied")
		}
		ic, err := b.store.GetIssuedByConsent(ctx, consent.ID)
		if err != nil {
			return CertificateResponse{}, fmt.Errorf("issued certificate for %s: %w", consent.ID, err)
		}
		return CertificateResponse{
			ConsentID: consent.ID, NodeID: ic.NodeID, Role: ic.Role,
			CertPEM: ic.CertPEM, ChainPEM: ic.ChainPEM, RootPEM: b.ca.RootPEM(),
			Serial: ic.Serial, Fingerprint: ic.Fingerprint, NotAfter: ic.NotAfter, Envelope: env,
		}, nil
	})
}

// ListConsents — согласия подсети вызывающего, опционально по статусу.
func (b *Backend) ListConsents(ctx context.Context, p Principal, status string) (ConsentList, error) {
	body := struct {
		Status string `validate:"omitempty,oneof=pending approved denied"`
	}{status}
	c := call{name: "consent.list", actor: &p, body: body}
	return query(ctx, b, c, func(ctx context.Context, env Envelope) (ConsentList, error) {
		_, sn, err := b.approver(ctx, b.store, p, models.ScopeManageMembers, false)
		if err != nil {
			return ConsentList{}, err
		}
		rows, err := b.store.ListConsents(ctx, sn.ID, status)
		if err != nil {
			return ConsentList{}, err
		}
		out := ConsentList{Consents: make([]ConsentView, 0, len(rows)), Envelope: env}
		for _, r := range rows {
			out.Consents = append(out.Consents, ConsentView{
				ID: r.ID, Type: r.Type, RequesterID: r.RequesterID, ScopesRequested: nonNil(r.ScopesRequested),
				Status: r.Status, CreatedAt: r.CreatedAt, ResolvedAt: r.ResolvedAt,
			})
		}
		return out, nil
	})
}

func certKey(c *x509.Certificate) (*ecdsa.PublicKey, error) {
	pub, ok := c.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, apierr.New(apierr.CodeInvalidRequest, "certificate key is not ECDSA")
	}
	return pub, nil
}
