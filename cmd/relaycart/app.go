package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaycart/internal/authrefresh"
	"github.com/agentworkforce/relaycart/internal/cartsession"
	"github.com/agentworkforce/relaycart/internal/cartstore"
	"github.com/agentworkforce/relaycart/internal/config"
	"github.com/agentworkforce/relaycart/internal/gateway"
	"github.com/agentworkforce/relaycart/internal/session"
)

// app is one client: a storage slot, a session, the authenticated HTTP stack and
// the cart controller on top.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	slot     cartstore.Slot
	store    *cartstore.LocalStore
	session  *session.Session
	coord    *authrefresh.Coordinator
	gateway  *gateway.HTTPClient
	ctrl     *cartsession.Controller
	registry *prometheus.Registry
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, notifier cartsession.Notifier) (*app, error) {
	slot, err := cartstore.BuildSlotFromDSN(cfg.Storage.DSN, logger.Named("slot"))
	if err != nil {
		return nil, fmt.Errorf("open storage %q: %w", cfg.Storage.DSN, err)
	}
	a := &app{cfg: cfg, logger: logger, slot: slot, registry: prometheus.NewRegistry()}
	if err := a.init(ctx, notifier); err != nil {
		_ = slot.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context, notifier cartsession.Notifier) error {
	var err error
	a.store, err = cartstore.NewLocalStore(a.slot, cartstore.LocalStoreOptions{
		Key:        a.cfg.Storage.CartKey,
		Expiration: a.cfg.Storage.Expiration,
		Logger:     a.logger.Named("local"),
	})
	if err != nil {
		return err
	}
	a.session, err = session.New(a.slot, session.Options{Logger: a.logger.Named("session")})
	if err != nil {
		return err
	}
	if err := a.session.Load(ctx); err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	a.session.OnSignInRequired(func(reason error) {
		a.logger.Warn("sign-in required; run `relaycart login`", zap.Error(reason))
	})

	a.registry.MustRegister(collectors.NewGoCollector())
	a.coord, err = authrefresh.New(authrefresh.Options{
		Credentials:    a.session,
		Resetter:       a.session,
		RefreshTimeout: a.cfg.API.Timeout,
		Logger:         a.logger.Named("auth"),
		Metrics:        authrefresh.NewMetrics(a.registry),
	})
	if err != nil {
		return err
	}
	httpClient := &http.Client{Transport: a.coord, Timeout: a.cfg.API.Timeout}
	a.coord.SetRefresher(authrefresh.NewHTTPRefresher(a.cfg.API.BaseURL, a.cfg.API.RefreshPath, httpClient))

	maxRetries := a.cfg.API.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}
	a.gateway = gateway.NewHTTPClient(gateway.Options{
		BaseURL:    a.cfg.API.BaseURL,
		HTTPClient: httpClient,
		Logger:     a.logger.Named("gateway"),
		MaxRetries: maxRetries,
	})

	if notifier == nil {
		notifier = cartsession.LogNotifier{Logger: a.logger}
	}
	interval := a.cfg.Storage.MaintenanceInterval
	if interval <= 0 {
		interval = -1
	}
	a.ctrl, err = cartsession.New(cartsession.Options{
		Store:               a.store,
		Gateway:             a.gateway,
		Auth:                a.session,
		Notifier:            notifier,
		Logger:              a.logger.Named("cart"),
		MaintenanceInterval: interval,
		MaintenanceJitter:   a.cfg.Storage.MaintenanceJitter,
	})
	return err
}

func (a *app) start(ctx context.Context) error {
	return a.ctrl.Start(ctx)
}

func (a *app) close() error {
	return errors.Join(a.ctrl.Close(), a.slot.Close())
}

// serveMetrics exposes the registry on addr until ctx is done.
func (a *app) serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	a.logger.Info("serving metrics", zap.String("addr", addr))
}
