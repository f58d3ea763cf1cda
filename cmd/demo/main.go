// Command demo runs a grid and a time series against an in-process
// simulated engine and prints both reports.
//
//	go run ./cmd/demo            # grid, then periods
//	go run ./cmd/demo handoff    # launch, "crash", monitor from the snapshot
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/geebatch/internal/batch"
	"github.com/ChuLiYu/geebatch/internal/controller"
	"github.com/ChuLiYu/geebatch/internal/engine"
	"github.com/ChuLiYu/geebatch/internal/geo"
	"github.com/ChuLiYu/geebatch/internal/launcher"
	"github.com/ChuLiYu/geebatch/internal/logging"
	"github.com/ChuLiYu/geebatch/internal/monitor"
	"github.com/ChuLiYu/geebatch/internal/report"
	"github.com/ChuLiYu/geebatch/internal/snapshot"
	"github.com/ChuLiYu/geebatch/internal/store"
	"github.com/ChuLiYu/geebatch/internal/temporal"
	"github.com/ChuLiYu/geebatch/pkg/types"
)

func main() {
	mode := "all"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	lg, err := logging.New(logging.Config{Level: "info", Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, mode, lg.Logger); err != nil {
		lg.Error().Err(err).Msg("Demo failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, mode string, log zerolog.Logger) error {
	sim, err := engine.NewSimulator(engine.SimulatorConfig{
		Workers:         4,
		Latency:         300 * time.Millisecond,
		Jitter:          300 * time.Millisecond,
		FailureRate:     0.1,
		StatusErrorRate: 0.05,
	}, engine.WithSimulatorLogger(logging.Component(log, "simulator")))
	if err != nil {
		return err
	}
	defer sim.Close()

	dir, err := os.MkdirTemp("", "geebatch-demo-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "ledger.db"))
	if err != nil {
		return err
	}
	defer st.Close()
	snap := snapshot.NewManager(filepath.Join(dir, "jobs.json"))

	newController := func() *controller.Controller {
		return controller.New(sim,
			controller.WithLogger(logging.Component(log, "controller")),
			controller.WithLauncher(launcher.New(sim,
				launcher.WithPause(50*time.Millisecond),
				launcher.WithLogger(logging.Component(log, "launcher")))),
			controller.WithMonitorOptions(
				monitor.WithPollInterval(250*time.Millisecond),
				monitor.WithLogger(logging.Component(log, "monitor"))),
			controller.WithRunner(batch.NewRunner(batch.WithPause(0))),
			controller.WithStore(st),
			controller.WithSnapshot(snap),
		)
	}

	switch mode {
	case "handoff":
		return handoff(ctx, newController)
	case "all":
		return gridThenPeriods(ctx, newController())
	default:
		return fmt.Errorf("unknown mode %q (want all or handoff)", mode)
	}
}

func gridThenPeriods(ctx context.Context, c *controller.Controller) error {
	region, err := geo.Rectangle(-122.6, 37.2, -121.6, 38.0)
	if err != nil {
		return err
	}
	res, err := c.RunGrid(ctx, region, 0.25, controller.TileJob(types.KindImageExport, map[string]interface{}{"scale": 30.0}))
	if err != nil {
		return err
	}
	printReport("grid", res.Report)

	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC)
	res, err = c.RunTimeSeries(ctx, start, end, 30, controller.PeriodJob(types.KindCompute, nil))
	if err != nil {
		return err
	}
	printReport("periods", res.Report)
	return nil
}

// handoff launches with one controller and monitors with another, the way
// `geebatch launch` and `geebatch monitor` split the work.
func handoff(ctx context.Context, newController func() *controller.Controller) error {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	periods, err := temporal.Partition(start, start.AddDate(1, 0, 0), 60)
	if err != nil {
		return err
	}
	mapping := controller.PeriodJob(types.KindVideoExport, nil)
	configs := make([]types.JobConfig, len(periods))
	for i, p := range periods {
		configs[i] = mapping(p)
	}

	launched, err := newController().Launch(ctx, configs)
	if err != nil {
		return err
	}
	fmt.Printf("launched %d jobs in run %s; monitoring from the snapshot\n", len(launched.Jobs), launched.RunID)

	res, err := newController().Monitor(ctx, launched.RunID)
	if err != nil {
		return err
	}
	printReport("handoff", res.Report)
	return nil
}

func printReport(title string, rep *types.Report) {
	s := report.Summarize(rep)
	fmt.Printf("\n== %s ==\n", title)
	fmt.Printf("units: %d  succeeded: %d  failed: %d  (%.0f%%)\n", s.Units, s.Succeeded, s.Failed, s.SuccessRate*100)
	fmt.Printf("total time: %s\n", s.TotalDuration.Round(time.Millisecond))
	for _, e := range report.Failures(rep) {
		fmt.Printf("  ✗ %s: %s\n", e.UnitID, e.Error)
	}
}
