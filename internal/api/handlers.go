package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"rootauth/internal/apierr"
	"rootauth/internal/authority"
)

type Handler struct {
	b *authority.Backend
}

func NewHandler(b *authority.Backend) *Handler { return &Handler{b: b} }

// op — одна операция бэкенда поверх HTTP: разбор тела, вызов, ответ или ошибка.
func op[Req any, Resp any](call func(r *http.Request, req *Req) (Resp, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Req
		if err := decode(r, &req); err != nil {
			apierr.Write(w, err)
			return
		}
		resp, err := call(r, &req)
		if err != nil {
			apierr.Write(w, err)
			return
		}
		apierr.WriteJSON(w, http.StatusOK, resp)
	}
}

func decode(r *http.Request, v any) error {
	if r.Body == nil || r.Method == http.MethodGet {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apierr.Wrap(apierr.CodeInvalidRequest, "malformed JSON body", err)
}

func idemKey(r *http.Request) string { return r.Header.Get("Idempotency-Key") }

type none struct{}

// -------- device flow --------

func (h *Handler) DeviceStart(r *http.Request, req *authority.DeviceStartRequest) (authority.DeviceStartResponse, error) {
	req.IdempotencyKey, req.Caller = idemKey(r), callerContext(r)
	return h.b.DeviceStart(r.Context(), *req)
}

func (h *Handler) DeviceConfirm(r *http.Request, req *authority.DeviceConfirmRequest) (authority.DeviceConfirmResponse, error) {
	req.IdempotencyKey = idemKey(r)
	return h.b.DeviceConfirm(r.Context(), principal(r), *req)
}

func (h *Handler) DeviceDeny(r *http.Request, req *authority.DeviceDenyRequest) (authority.DeviceDenyResponse, error) {
	req.IdempotencyKey = idemKey(r)
	return h.b.DeviceDeny(r.Context(), principal(r), *req)
}

func (h *Handler) DeviceToken(r *http.Request, req *authority.DeviceTokenRequest) (authority.TokenBundle, error) {
	req.Caller = callerContext(r)
	return h.b.DeviceToken(r.Context(), *req)
}

// -------- QR / browser --------

func (h *Handler) QRStart(r *http.Request, req *authority.QRStartRequest) (authority.QRStartResponse, error) {
	req.IdempotencyKey, req.Caller = idemKey(r), callerContext(r)
	return h.b.QRStart(r.Context(), *req)
}

func (h *Handler) QRApprove(r *http.Request, req *authority.QRApproveRequest) (authority.QRApproveResponse, error) {
	req.IdempotencyKey = idemKey(r)
	return h.b.QRApprove(r.Context(), principal(r), *req)
}

func (h *Handler) AuthChallenge(r *http.Request, req *authority.ChallengeRequest) (authority.ChallengeResponse, error) {
	req.IdempotencyKey, req.Caller = idemKey(r), callerContext(r)
	return h.b.AuthChallenge(r.Context(), *req)
}

func (h *Handler) AuthComplete(r *http.Request, req *authority.CompleteRequest) (authority.TokenBundle, error) {
	req.IdempotencyKey, req.Caller = idemKey(r), callerContext(r)
	return h.b.AuthComplete(r.Context(), *req)
}

// -------- tokens / channels --------

func (h *Handler) TokenRefresh(r *http.Request, req *authority.RefreshRequest) (authority.TokenBundle, error) {
	req.IdempotencyKey = idemKey(r)
	return h.b.TokenRefresh(r.Context(), *req)
}

func (h *Handler) Introspect(r *http.Request, req *authority.IntrospectRequest) (authority.IntrospectResponse, error) {
	return h.b.IntrospectToken(r.Context(), *req)
}

func (h *Handler) AuthorizeChannel(r *http.Request, req *authority.ChannelRequest) (authority.ChannelResponse, error) {
	req.IdempotencyKey = idemKey(r)
	return h.b.AuthorizeChannel(r.Context(), *req)
}

func (h *Handler) HubChannel(r *http.Request, req *authority.HubChannelRequest) (authority.HubChannelResponse, error) {
	req.IdempotencyKey = idemKey(r)
	return h.b.IssueHubChannel(r.Context(), *req)
}

// -------- devices --------

func (h *Handler) RevokeDevice(r *http.Request, req *authority.RevokeRequest) (authority.RevokeResponse, error) {
	req.IdempotencyKey, req.DeviceID = idemKey(r), mux.Vars(r)["id"]
	return h.b.RevokeDevice(r.Context(), principal(r), *req)
}

func (h *Handler) RotateDevice(r *http.Request, req *authority.RotateRequest) (authority.RotateResponse, error) {
	req.IdempotencyKey, req.DeviceID = idemKey(r), mux.Vars(r)["id"]
	return h.b.RotateDevice(r.Context(), *req)
}

func (h *Handler) UpdateDevice(r *http.Request, req *authority.UpdateDeviceRequest) (authority.DeviceView, error) {
	req.IdempotencyKey, req.DeviceID = idemKey(r), mux.Vars(r)["id"]
	return h.b.UpdateDevice(r.Context(), principal(r), *req)
}

// -------- CSR / consents --------

func (h *Handler) SubmitCSR(r *http.Request, req *authority.CSRRequest) (authority.CSRResponse, error) {
	req.IdempotencyKey = idemKey(r)
	return h.b.SubmitCSR(r.Context(), principal(r), *req)
}

func (h *Handler) ResolveConsent(r *http.Request, req *authority.ResolveRequest) (authority.ResolveResponse, error) {
	req.IdempotencyKey, req.ConsentID = idemKey(r), mux.Vars(r)["id"]
	return h.b.ResolveConsent(r.Context(), principal(r), *req)
}

func (h *Handler) Certificate(r *http.Request, _ *none) (authority.CertificateResponse, error) {
	return h.b.CollectCertificate(r.Context(), principal(r), mux.Vars(r)["id"])
}

func (h *Handler) Consents(r *http.Request, _ *none) (authority.ConsentList, error) {
	return h.b.ListConsents(r.Context(), principal(r), r.URL.Query().Get("status"))
}

// -------- audit --------

func (h *Handler) Audit(r *http.Request, _ *none) (authority.AuditExport, error) {
	q, err := auditQuery(r)
	if err != nil {
		return authority.AuditExport{}, err
	}
	return h.b.ExportAudit(r.Context(), principal(r), q)
}

func auditQuery(r *http.Request) (authority.AuditQuery, error) {
	var q authority.AuditQuery
	v := r.URL.Query()
	if s := v.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return q, apierr.Wrap(apierr.CodeInvalidRequest, "since must be RFC3339", err)
		}
		q.Since = t
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return q, apierr.Wrap(apierr.CodeInvalidRequest, "limit must be an integer", err)
		}
		q.Limit = n
	}
	return q, nil
}
