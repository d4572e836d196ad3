// Package ratelimit — фиксированное окно на пару (category, key), счётчики в rate_counters.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"rootauth/internal/apierr"
	"rootauth/internal/clock"
	"rootauth/internal/logs"
	"rootauth/internal/metrics"
	"rootauth/internal/models"
)

type Category string

const (
	Device Category = "device" // device_start, ключ — IP клиента
	QR     Category = "qr"     // qr_start, ключ — IP клиента
	Auth   Category = "auth"   // challenge/complete, ключ — device id
)

type Config struct {
	Window time.Duration
	Limits map[Category]int
}

func DefaultConfig() Config {
	return Config{
		Window: time.Minute,
		Limits: map[Category]int{Device: 10, QR: 10, Auth: 30},
	}
}

// Counter — то, что лимитеру нужно от хранилища.
type Counter interface {
	HitRateCounter(ctx context.Context, category, key string, now time.Time, window time.Duration) (*models.RateCounter, error)
}

type Limiter struct {
	store Counter
	clk   clock.Clock
	cfg   Config
}

func New(store Counter, clk clock.Clock, cfg Config) *Limiter {
	return &Limiter{store: store, clk: clk, cfg: cfg}
}

// Allow засчитывает вызов; сверх потолка — rate_limited с retry_after до конца окна.
// Категория без потолка не ограничивается.
func (l *Limiter) Allow(ctx context.Context, cat Category, key string) error {
	limit, ok := l.cfg.Limits[cat]
	if !ok || limit <= 0 {
		return nil
	}
	now := l.clk.Now()
	rc, err := l.store.HitRateCounter(ctx, string(cat), key, now, l.cfg.Window)
	if err != nil {
		return fmt.Errorf("rate counter: %w", err)
	}
	if rc.Count <= limit {
		return nil
	}
	remaining := rc.WindowStart.Add(l.cfg.Window).Sub(now)
	metrics.RateLimited.WithLabelValues(string(cat)).Inc()
	logs.From(ctx).WithFields(logrus.Fields{"category": cat, "count": rc.Count}).Warn("rate limited")
	return apierr.Newf(apierr.CodeRateLimited, "too many %s requests", cat).
		WithRetryAfter(int(math.Ceil(remaining.Seconds())))
}
