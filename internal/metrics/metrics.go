// Package metrics — счётчики Prometheus корневого сервиса.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TokensIssued — выданные токены по виду: access, refresh, channel, hub_channel.
	TokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rootauth_tokens_issued_total",
		Help: "Total number of issued tokens",
	}, []string{"kind"})

	CertificatesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rootauth_certificates_issued_total",
		Help: "Total number of issued certificates",
	}, []string{"role"})

	IntermediateRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rootauth_intermediate_rotations_total",
		Help: "Total number of intermediate CA rotations",
	})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rootauth_rate_limited_total",
		Help: "Total number of requests rejected by the rate limiter",
	}, []string{"category"})

	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rootauth_idempotent_replays_total",
		Help: "Total number of responses served from the idempotency cache",
	})

	AuditRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rootauth_audit_records_total",
		Help: "Total number of appended audit records",
	}, []string{"action"})

	SweptRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rootauth_swept_rows_total",
		Help: "Total number of expired rows removed by the sweeper",
	})
)
