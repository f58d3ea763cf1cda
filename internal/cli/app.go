package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/geebatch/internal/batch"
	"github.com/ChuLiYu/geebatch/internal/controller"
	"github.com/ChuLiYu/geebatch/internal/engine"
	"github.com/ChuLiYu/geebatch/internal/launcher"
	"github.com/ChuLiYu/geebatch/internal/logging"
	"github.com/ChuLiYu/geebatch/internal/metrics"
	"github.com/ChuLiYu/geebatch/internal/monitor"
	"github.com/ChuLiYu/geebatch/internal/snapshot"
	"github.com/ChuLiYu/geebatch/internal/store"
)

// app holds the resources one command invocation works with.
type app struct {
	cfg      *Config
	logger   zerolog.Logger
	engine   engine.Engine
	store    *store.Store
	snapshot *snapshot.Manager
	registry *prometheus.Registry
	metrics  *metrics.Collector
	closers  []func() error
}

// newApp builds the logger, engine, ledger and snapshot from cfg. Call
// close when done.
func newApp(cfg *Config) (*app, error) {
	lg, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:      cfg,
		logger:   lg.Logger,
		snapshot: snapshot.NewManager(cfg.Snapshot.Path),
		registry: prometheus.NewRegistry(),
	}
	a.closers = append(a.closers, lg.Close)
	a.metrics = metrics.NewCollector(a.registry)

	if err := a.openEngine(); err != nil {
		a.close()
		return nil, err
	}
	if err := a.openStore(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) openEngine() error {
	switch a.cfg.Engine.Mode {
	case ModeGRPC:
		c, err := engine.Dial(a.cfg.Engine.Address)
		if err != nil {
			return err
		}
		a.engine = c
		a.closers = append(a.closers, c.Close)
		a.logger.Debug().Str("address", a.cfg.Engine.Address).Msg("Using remote engine")
	default:
		sim, err := a.newSimulator()
		if err != nil {
			return err
		}
		a.engine = sim
		a.closers = append(a.closers, sim.Close)
		a.logger.Debug().Msg("Using simulated engine")
	}
	return nil
}

func (a *app) newSimulator() (*engine.Simulator, error) {
	return engine.NewSimulator(a.cfg.Engine.SimulatorConfig,
		engine.WithSimulatorLogger(logging.Component(a.logger, "simulator")))
}

func (a *app) openStore() error {
	if a.cfg.Store.Path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(a.cfg.Store.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create ledger dir: %w", err)
	}
	st, err := store.Open(a.cfg.Store.Path)
	if err != nil {
		return err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	return nil
}

// controller wires the configured launcher, monitor and runner.
func (a *app) controller() *controller.Controller {
	l := a.logger
	opts := []controller.Option{
		controller.WithLogger(logging.Component(l, "controller")),
		controller.WithLauncher(launcher.New(a.engine,
			launcher.WithPause(a.cfg.Launcher.Pause),
			launcher.WithLogger(logging.Component(l, "launcher")),
			launcher.WithMetrics(a.metrics))),
		controller.WithMonitorOptions(
			monitor.WithPollInterval(a.cfg.Monitor.PollInterval),
			monitor.WithConcurrency(a.cfg.Monitor.Concurrency),
			monitor.WithMaxSweeps(a.cfg.Monitor.MaxSweeps),
			monitor.WithLogger(logging.Component(l, "monitor")),
			monitor.WithMetrics(a.metrics)),
		controller.WithRunner(batch.NewRunner(
			batch.WithPause(a.cfg.Batch.Pause),
			batch.WithLogger(logging.Component(l, "batch")),
			batch.WithMetrics(a.metrics))),
		controller.WithSnapshot(a.snapshot),
		controller.WithSnapshotBackups(a.cfg.Snapshot.Backups),
	}
	if a.store != nil {
		opts = append(opts, controller.WithStore(a.store))
	}
	return controller.New(a.engine, opts...)
}

// serveMetrics exposes the registry until ctx is done, if enabled.
func (a *app) serveMetrics(ctx context.Context) {
	if !a.cfg.Metrics.Enabled {
		return
	}
	addr := fmt.Sprintf(":%d", a.cfg.Metrics.Port)
	go func() {
		a.logger.Info().Str("addr", addr).Msg("Serving metrics")
		if err := metrics.Serve(ctx, addr, a.registry); err != nil {
			a.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// close releases resources in reverse order of acquisition.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
