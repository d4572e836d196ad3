package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"rootauth/internal/authority"
)

// RegisterRoutes вешает операции бэкенда под /v1. Потоки устройств открыты (их защищают
// JWS-доказательства и anti-relay); операции владельца — за EdgeAuth.
func RegisterRoutes(r *mux.Router, b *authority.Backend, edgeSecret string) {
	h := NewHandler(b)

	pub := r.PathPrefix("/v1").Subrouter()
	pub.HandleFunc("/device/start", op(h.DeviceStart)).Methods(http.MethodPost)
	pub.HandleFunc("/device/token", op(h.DeviceToken)).Methods(http.MethodPost)
	pub.HandleFunc("/qr/start", op(h.QRStart)).Methods(http.MethodPost)
	pub.HandleFunc("/auth/challenge", op(h.AuthChallenge)).Methods(http.MethodPost)
	pub.HandleFunc("/auth/complete", op(h.AuthComplete)).Methods(http.MethodPost)
	pub.HandleFunc("/token/refresh", op(h.TokenRefresh)).Methods(http.MethodPost)
	pub.HandleFunc("/token/introspect", op(h.Introspect)).Methods(http.MethodPost)
	pub.HandleFunc("/channel/authorize", op(h.AuthorizeChannel)).Methods(http.MethodPost)
	pub.HandleFunc("/channel/hub", op(h.HubChannel)).Methods(http.MethodPost)
	pub.HandleFunc("/devices/{id}/rotate", op(h.RotateDevice)).Methods(http.MethodPost)

	own := r.PathPrefix("/v1").Subrouter()
	own.Use(EdgeAuth(edgeSecret))
	own.HandleFunc("/device/confirm", op(h.DeviceConfirm)).Methods(http.MethodPost)
	own.HandleFunc("/device/deny", op(h.DeviceDeny)).Methods(http.MethodPost)
	own.HandleFunc("/qr/approve", op(h.QRApprove)).Methods(http.MethodPost)
	own.HandleFunc("/devices/{id}", op(h.UpdateDevice)).Methods(http.MethodPatch)
	own.HandleFunc("/devices/{id}/revoke", op(h.RevokeDevice)).Methods(http.MethodPost)
	own.HandleFunc("/csr", op(h.SubmitCSR)).Methods(http.MethodPost)
	own.HandleFunc("/consents", op(h.Consents)).Methods(http.MethodGet)
	own.HandleFunc("/consents/{id}/resolve", op(h.ResolveConsent)).Methods(http.MethodPost)
	own.HandleFunc("/consents/{id}/certificate", op(h.Certificate)).Methods(http.MethodGet)
	own.HandleFunc("/audit", op(h.Audit)).Methods(http.MethodGet)
}
