package main

import (
	"context"
	"time"

	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/backend"
	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/session"
	"github.com/CLTSG/CLT-CLEVER-KVM-sub001/pkg/settings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// app wires the backend client, config reconciler and session controller
type app struct {
	cfg    *Config
	logger *zap.Logger
	client *backend.Client
	store  *settings.Store
	rec    *settings.Reconciler
	ctrl   *session.Controller
}

func newApp(cfg *Config, logger *zap.Logger) (*app, error) {
	store, err := settings.NewStore(cfg.Settings.Path)
	if err != nil {
		return nil, errors.Wrap(err, "locate settings file")
	}

	saved, err := store.Load()
	if err != nil {
		logger.Warn("could not read settings, using defaults", zap.String("path", store.Path()), zap.Error(err))
	}

	rec := settings.NewReconciler(settings.DefaultCatalog)
	rec.Restore(saved.ServerConfig, saved.MonitorPinned)
	rec.OnChange(func(p settings.Persisted) {
		if err := store.Save(p); err != nil {
			logger.Warn("could not save settings", zap.String("path", store.Path()), zap.Error(err))
		}
	})

	client := backend.NewClient(cfg.Backend.URL, cfg.Backend.Timeout, logger)
	ctrl := session.NewController(client, session.Options{
		PollInterval: cfg.Poll.Interval,
		RecheckDelay: cfg.Poll.Recheck,
		OnMonitors:   rec.SyncMonitors,
		Logger:       logger,
	})

	return &app{
		cfg:    cfg,
		logger: logger,
		client: client,
		store:  store,
		rec:    rec,
		ctrl:   ctrl,
	}, nil
}

// ensureBackend launches the configured backend binary when the command
// endpoint is unreachable
func (a *app) ensureBackend(ctx context.Context) error {
	if a.cfg.Backend.Binary == "" {
		return nil
	}
	_, err := backend.EnsureRunning(ctx, a.client.Ping, backend.LaunchOptions{
		Binary: a.cfg.Backend.Binary,
		Args:   a.cfg.Backend.Args,
	}, a.cfg.Backend.Wait, a.logger)
	return errors.Wrap(err, "launch backend")
}

// withController runs the controller loop while fn executes. The first
// poll has completed (successfully or not) when fn is called.
func (a *app) withController(ctx context.Context, fn func(ctx context.Context) error) error {
	defer a.client.Close()

	if err := a.ensureBackend(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.ctrl.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		pollCtx, pollCancel := context.WithTimeout(gctx, a.cfg.Backend.Timeout+time.Second)
		defer pollCancel()
		// A failed first poll is reported through Status
		_ = a.ctrl.Poll(pollCtx)
		return fn(gctx)
	})

	return g.Wait()
}
