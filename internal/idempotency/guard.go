// Package idempotency — двухфазная бронь (reserve → commit) повторяемых запросов.
//
// Кортеж (key, method, path, principal, body_hash) уникален в idempotency_cache: это и есть
// межпроцессная гарантия. Мьютекс Guard лишь сериализует check-then-insert внутри процесса.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"rootauth/internal/apierr"
	"rootauth/internal/clock"
	"rootauth/internal/ids"
	"rootauth/internal/logs"
	"rootauth/internal/metrics"
	"rootauth/internal/models"
	"rootauth/internal/repo"
)

type Config struct {
	TTL     time.Duration // срок хранения закоммиченного ответа
	Wait    time.Duration // пауза между проверками брони, занятой параллельным запросом
	MaxWait time.Duration // после этого — request_in_progress
}

func DefaultConfig() Config {
	return Config{TTL: 24 * time.Hour, Wait: 25 * time.Millisecond, MaxWait: 5 * time.Second}
}

// Request — идентичность вызова. Body сериализуется в JSON и хэшируется.
type Request struct {
	Key       string
	Method    string
	Path      string
	Principal string
	Body      any
}

type Guard struct {
	store *repo.Store
	clk   clock.Clock
	cfg   Config
	mu    sync.Mutex
}

func NewGuard(store *repo.Store, clk clock.Clock, cfg Config) *Guard {
	return &Guard{store: store, clk: clk, cfg: cfg}
}

// Do исполняет fn не более одного раза для кортежа запроса. Повтор после коммита
// возвращает сохранённый ответ (replayed=true) без побочных эффектов.
// Ошибка fn снимает бронь, чтобы повтор с тем же ключом мог пройти заново.
func Do[T any](ctx context.Context, g *Guard, req Request, fn func() (T, error)) (out T, replayed bool, err error) {
	if req.Key == "" {
		return out, false, apierr.New(apierr.CodeMissingIdempotencyKey, "idempotency key is required").
			WithHint("send a unique Idempotency-Key per logical operation")
	}
	body, err := json.Marshal(req.Body)
	if err != nil {
		return out, false, apierr.Wrap(apierr.CodeInvalidRequest, "request body is not serialisable", err)
	}
	bodyHash := ids.Hash(string(body))

	entry, cached, err := g.reserve(ctx, req, bodyHash)
	if err != nil {
		return out, false, err
	}
	if cached != nil {
		if err := json.Unmarshal(cached.ResponseJSON, &out); err != nil {
			return out, false, fmt.Errorf("decode cached response: %w", err)
		}
		metrics.IdempotentReplays.Inc()
		return out, true, nil
	}

	out, err = fn()
	if err != nil {
		if derr := g.store.DeleteIdempotency(context.WithoutCancel(ctx), entry.ID); derr != nil {
			logs.From(ctx).WithError(derr).Error("idempotency: release reservation")
		}
		return out, false, err
	}

	resp, err := json.Marshal(out)
	if err != nil {
		return out, false, fmt.Errorf("encode response: %w", err)
	}
	// побочные эффекты уже зафиксированы: ошибку коммита только логируем
	if cerr := g.store.CommitIdempotency(context.WithoutCancel(ctx), entry.ID, resp, http.StatusOK, g.clk.Now().Add(g.cfg.TTL)); cerr != nil {
		logs.From(ctx).WithError(cerr).WithFields(logrus.Fields{
			"idempotency_key": req.Key, "path": req.Path,
		}).Error("idempotency: commit response")
	}
	return out, false, nil
}

// lease — срок незакоммиченной брони: брошенная упавшим процессом бронь освобождается сама.
func (g *Guard) lease() time.Duration {
	if l := 2 * g.cfg.MaxWait; l > time.Minute {
		return l
	}
	return time.Minute
}

// reserve возвращает либо новую бронь, либо закоммиченную запись для повтора.
func (g *Guard) reserve(ctx context.Context, req Request, bodyHash string) (*models.IdempotencyEntry, *models.IdempotencyEntry, error) {
	deadline := time.Now().Add(g.cfg.MaxWait)
	for {
		entry, existing, err := g.tryReserve(ctx, req, bodyHash)
		if err != nil {
			return nil, nil, err
		}
		if entry != nil {
			return entry, nil, nil
		}
		if existing != nil && existing.Committed {
			return nil, existing, nil
		}
		// параллельный запрос с тем же кортежем ещё исполняется
		if !time.Now().Before(deadline) {
			return nil, nil, apierr.New(apierr.CodeRequestInProgress, "a request with this idempotency key is in progress").
				WithRetryAfter(int(g.cfg.Wait.Seconds()) + 1)
		}
		// ожидание по стенным часам: это планирование, а не доменное время
		t := time.NewTimer(g.cfg.Wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (g *Guard) tryReserve(ctx context.Context, req Request, bodyHash string) (*models.IdempotencyEntry, *models.IdempotencyEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		now := g.clk.Now()
		e := &models.IdempotencyEntry{
			IdempotencyKey: req.Key,
			Method:         req.Method,
			Path:           req.Path,
			PrincipalID:    req.Principal,
			BodyHash:       bodyHash,
			CreatedAt:      now,
			ExpiresAt:      now.Add(g.lease()),
		}
		err := g.store.ReserveIdempotency(ctx, e)
		if err == nil {
			return e, nil, nil
		}
		if !errors.Is(err, repo.ErrDuplicate) {
			return nil, nil, fmt.Errorf("reserve idempotency key: %w", err)
		}
		existing, err := g.store.FindIdempotency(ctx, req.Key, req.Method, req.Path, req.Principal, bodyHash)
		if errors.Is(err, repo.ErrNotFound) {
			continue // бронь сняли между insert и select
		}
		if err != nil {
			return nil, nil, err
		}
		if !now.Before(existing.ExpiresAt) {
			if err := g.store.DeleteIdempotency(ctx, existing.ID); err != nil {
				return nil, nil, err
			}
			continue
		}
		return nil, existing, nil
	}
}
