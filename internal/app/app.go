// Package app wires the daemon's subsystems together and owns the run loop.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/proxyfleet/proxyfleet/internal/adapter/httpserver"
	"github.com/proxyfleet/proxyfleet/internal/artifacts"
	"github.com/proxyfleet/proxyfleet/internal/config"
	"github.com/proxyfleet/proxyfleet/internal/engine"
	"github.com/proxyfleet/proxyfleet/internal/genconf"
	"github.com/proxyfleet/proxyfleet/internal/metrics"
	"github.com/proxyfleet/proxyfleet/internal/ports"
	"github.com/proxyfleet/proxyfleet/internal/probe"
	"github.com/proxyfleet/proxyfleet/internal/store"
	"github.com/proxyfleet/proxyfleet/internal/supervisor"
)

// App is the top-level application.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	engine     *engine.Engine
	sup        *supervisor.Supervisor
	httpServer *httpserver.Server
	sweeper    *cron.Cron
}

// New creates and wires all subsystems.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	st, err := store.New(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	layout := artifacts.NewLayout(cfg.DataDir)
	sup := supervisor.New(cfg.StopTimeout, logger)
	m := metrics.New()

	eng := engine.New(engine.Deps{
		Store:   st,
		Ports:   ports.NewAllocator(cfg.PortRangeLow, cfg.PortRangeHigh),
		Layout:  layout,
		Sup:     sup,
		Forward: genconf.NewForwardRenderer(layout),
		Tunnel:  genconf.NewTunnelRenderer(layout),
		Creds:   artifacts.NewCredentialProvider(layout),
		Certs:   artifacts.NewCertificateProvider(layout),
		Prober:  probe.New(logger),
		Metrics: m,
		Binaries: engine.Binaries{
			Forward: cfg.ForwardBinary,
			Tunnel:  cfg.TunnelBinary,
		},
		Logger: logger,
	})

	api := httpserver.NewAPI(eng, m, logger)
	srv := httpserver.NewServer(cfg.Listen, cfg.APIKey, api, logger)

	return &App{
		cfg:        cfg,
		logger:     logger,
		engine:     eng,
		sup:        sup,
		httpServer: srv,
	}, nil
}

// Run reconciles persisted state, starts the sweep and the control API, and
// blocks until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	// User intent must be restored before any external request is accepted.
	if err := a.engine.ReconcileOnBoot(ctx); err != nil {
		return fmt.Errorf("boot reconciliation: %w", err)
	}

	if a.cfg.SweepInterval != "" {
		sweeper, err := a.engine.StartSweep(a.cfg.SweepInterval)
		if err != nil {
			return fmt.Errorf("start liveness sweep: %w", err)
		}
		a.sweeper = sweeper
	}

	a.logger.Info("proxyfleetd ready",
		"version", config.Version,
		"listen", a.cfg.Listen,
		"port_range", fmt.Sprintf("%d-%d", a.cfg.PortRangeLow, a.cfg.PortRangeHigh),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.httpServer.Run()
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
		return a.shutdown()
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if a.sweeper != nil {
		a.sweeper.Stop()
	}

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.logger.Error("http server shutdown error", "err", err)
	}

	// Children are stopped without touching desired state; the next boot
	// reconciliation brings the running-desired set back.
	a.engine.Shutdown()

	a.logger.Info("proxyfleetd stopped")
	return nil
}
