package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"rootauth/config"
	"rootauth/internal/api"
	"rootauth/internal/audit"
	"rootauth/internal/authority"
	"rootauth/internal/clock"
	"rootauth/internal/db"
	"rootauth/internal/health"
	"rootauth/internal/idempotency"
	"rootauth/internal/logs"
	"rootauth/internal/middleware"
	"rootauth/internal/pki"
	"rootauth/internal/ratelimit"
	"rootauth/internal/repo"
)

// Core — собранный бэкенд без HTTP; им пользуются и сервер, и служебные команды CLI.
type Core struct {
	DB      *gorm.DB
	Store   *repo.Store
	CA      *pki.Authority
	Backend *authority.Backend
}

// NewCore: DB → миграции → CA → аудит → бэкенд.
func NewCore(ctx context.Context, cfg *config.Config, clk clock.Clock) (*Core, error) {
	d, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("db open failed: %w", err)
	}
	if err := db.Migrate(d); err != nil {
		return nil, err
	}
	store := repo.New(d)

	ca := pki.New(store, clk, pkiConfig(cfg))
	if err := ca.Load(ctx); err != nil {
		return nil, fmt.Errorf("ca load failed: %w", err)
	}
	signer, err := audit.NewSigner(cfg.Audit.Secret, clk, cfg.Audit.TTL)
	if err != nil {
		return nil, err
	}

	b := authority.New(authority.Deps{
		Store:       store,
		CA:          ca,
		Audit:       signer,
		Limiter:     ratelimit.New(store, clk, rateLimitConfig(cfg)),
		Idempotency: idempotency.NewGuard(store, clk, idempotencyConfig(cfg)),
		Clock:       clk,
	}, authorityConfig(cfg))
	return &Core{DB: d, Store: store, CA: ca, Backend: b}, nil
}

func (c *Core) Close() error {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type App struct {
	cfg        *config.Config
	core       *Core
	Router     *mux.Router
	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

func (a *App) Initialize(cfg *config.Config) error {
	a.cfg = cfg

	/* 1) Логи */
	if err := logs.Init(logOptions(cfg)); err != nil {
		return err
	}

	/* 2) DB + CA + бэкенд */
	core, err := NewCore(context.Background(), cfg, clock.Real())
	if err != nil {
		return err
	}
	a.core = core

	/* 3) Router + middleware */
	a.Router = mux.NewRouter().StrictSlash(true)
	a.Router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.LoggerMW,
	)

	/* 4) Health + метрики */
	health.RegisterRoutesWithProbes(a.Router,
		health.Probe{Name: "database", Check: core.Store.Ping},
		health.Probe{Name: "ca", Check: func(context.Context) error {
			if !core.CA.Loaded() {
				return errors.New("ca not loaded")
			}
			return nil
		}},
	)
	a.Router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	/* 5) API */
	api.RegisterRoutes(a.Router, core.Backend, cfg.Edge.SharedSecret)

	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, err := rt.GetPathTemplate()
		if err != nil {
			return nil
		}
		methods, _ := rt.GetMethods()
		if len(methods) == 0 {
			methods = []string{"ANY"}
		}
		logs.Logger.Debugf("route: %-6v %s", methods, path)
		return nil
	})
	return nil
}

// sweeper периодически чистит просроченные строки и проверяет ротацию промежуточного CA.
func (a *App) sweeper(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := a.core.Backend.Sweep(ctx); err != nil {
				logs.Logger.WithError(err).Warn("sweep failed")
			}
			if rotated, err := a.core.CA.RotateIfNeeded(ctx); err != nil {
				logs.Logger.WithError(err).Error("intermediate rotation failed")
			} else if rotated {
				logs.Logger.WithFields(logrus.Fields{"not_after": a.core.CA.IntermediateNotAfter()}).
					Info("intermediate rotated by sweeper")
			}
		}
	}
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return fmt.Errorf("server not initialized")
	}
	defer a.core.Close()

	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	defer a.cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sigs:
			logs.Logger.Infof("shutdown signal: %s", s)
			a.cancel()
		case <-a.ctx.Done():
		}
	}()

	if every := a.cfg.Sweep.Interval; every > 0 {
		go a.sweeper(a.ctx, every)
	}

	a.httpServer = &http.Server{
		Addr:              bind,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logs.Logger.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var runErr error
	select {
	case <-a.ctx.Done():
	case runErr = <-errc:
		runErr = fmt.Errorf("http server error: %w", runErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		logs.Logger.Errorf("http shutdown: %v", err)
	}
	return runErr
}
