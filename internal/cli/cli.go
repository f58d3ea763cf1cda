// ============================================================================
// geebatch CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands over the partitioners and the controller
//
// Command Structure:
//   geebatch                       # Root command
//   ├── grid                       # Print the tiles covering a region
//   ├── periods                    # Print the periods covering a date range
//   ├── run                        # Launch one job per unit and wait for all
//   ├── launch                     # Launch only; jobs go to the snapshot
//   ├── monitor                    # Wait for the jobs in the snapshot
//   ├── batches                    # Run [0, total) as one remote job per batch
//   ├── cancel                     # Cancel jobs by id or everything outstanding
//   ├── serve                      # Host a simulated engine over gRPC
//   ├── status                     # Snapshot job counts and recent runs
//   └── --config, -c               # Config file (default: configs/default.yaml)
//
// Configuration:
//   YAML, see config.go. A missing file at the default path means defaults;
//   a missing file passed with --config is an error.
//
// Signal Handling:
//   SIGINT and SIGTERM cancel the command context. Launching and monitoring
//   stop, the run is recorded as interrupted and the snapshot keeps the
//   jobs for a later `geebatch monitor`.
//
// Output:
//   Reports render as a lipgloss box on a terminal and as plain lines
//   otherwise. --json prints the machine-readable form.
//
// Examples:
//   geebatch grid --bbox 0,0,4,2 --cell 1
//   geebatch run --units periods --start 2024-01-01 --end 2024-04-01 --step 30
//   geebatch launch --region aoi.geojson --cell 0.5 -p scale=30
//   geebatch monitor --run 7d0c...
//   geebatch serve --addr :50051
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/geebatch/internal/controller"
	"github.com/ChuLiYu/geebatch/internal/logging"
	"github.com/ChuLiYu/geebatch/internal/report"
	"github.com/ChuLiYu/geebatch/internal/server"
	"github.com/ChuLiYu/geebatch/pkg/types"
)

// Version is reported by --version.
var Version = "0.1.0"

// BuildCLI assembles the root command.
func BuildCLI() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "geebatch",
		Short: "geebatch: batch orchestration for a remote geospatial engine",
		Long: `geebatch splits large geospatial workloads into units and runs them
as asynchronous jobs on a remote engine:
- spatial tiles over a region, or fixed-length periods over a date range
- throttled launching, concurrent status polling, per-unit reports
- a run ledger (SQLite) and a job snapshot for resuming monitoring`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "config file path")

	env := &cmdEnv{configPath: &configPath}
	rootCmd.AddCommand(
		buildGridCommand(),
		buildPeriodsCommand(),
		buildRunCommand(env),
		buildLaunchCommand(env),
		buildMonitorCommand(env),
		buildBatchesCommand(env),
		buildCancelCommand(env),
		buildServeCommand(env),
		buildStatusCommand(env),
	)
	return rootCmd
}

// cmdEnv gives commands access to the root flags.
type cmdEnv struct {
	configPath *string
}

// config resolves the configuration for cmd.
func (e *cmdEnv) config(cmd *cobra.Command) (*Config, error) {
	return resolveConfig(*e.configPath, cmd.Flags().Changed("config"))
}

// withApp loads the config, builds the app and runs fn under a context that
// is cancelled on SIGINT or SIGTERM.
func (e *cmdEnv) withApp(cmd *cobra.Command, tweak func(*Config), fn func(ctx context.Context, a *app) error) error {
	cfg, err := e.config(cmd)
	if err != nil {
		return err
	}
	if tweak != nil {
		tweak(cfg)
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a.serveMetrics(ctx)

	return fn(ctx, a)
}

func buildGridCommand() *cobra.Command {
	var u unitFlags
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "grid",
		Short: "Print the tiles covering a region",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tiles, err := u.tiles()
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, tiles)
			}
			return renderTiles(cmd.OutOrStdout(), tiles)
		},
	}
	u.addGrid(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func buildPeriodsCommand() *cobra.Command {
	var u unitFlags
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "periods",
		Short: "Print the periods covering a date range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			periods, err := u.periods()
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, periods)
			}
			return renderPeriods(cmd.OutOrStdout(), periods)
		},
	}
	u.addPeriods(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func buildRunCommand(env *cmdEnv) *cobra.Command {
	var u unitFlags
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Launch one job per unit and wait until every job is terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, params, err := u.jobParams()
			if err != nil {
				return err
			}
			return env.withApp(cmd, nil, func(ctx context.Context, a *app) error {
				ctrl := a.controller()
				var res *controller.Result
				switch u.units {
				case unitsGrid:
					region, err := u.loadRegion()
					if err != nil {
						return err
					}
					res, err = ctrl.RunGrid(ctx, region, u.cell, controller.TileJob(kind, params))
					if res == nil {
						return err
					}
					return finishRun(cmd, res, err, asJSON)
				case unitsPeriods:
					start, end, err := u.dateRange()
					if err != nil {
						return err
					}
					res, err = ctrl.RunTimeSeries(ctx, start, end, u.step, controller.PeriodJob(kind, params))
					if res == nil {
						return err
					}
					return finishRun(cmd, res, err, asJSON)
				default:
					return fmt.Errorf("invalid --units %q (want %s or %s)", u.units, unitsGrid, unitsPeriods)
				}
			})
		},
	}
	u.addAll(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

func buildLaunchCommand(env *cmdEnv) *cobra.Command {
	var u unitFlags

	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch one job per unit without waiting",
		Long: `Launch starts the jobs and stores them in the snapshot.
Use "geebatch monitor --run <id>" to wait for them later.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configs, err := u.configs()
			if err != nil {
				return err
			}
			return env.withApp(cmd, nil, func(ctx context.Context, a *app) error {
				res, err := a.controller().Launch(ctx, configs)
				if res == nil {
					return err
				}
				out := cmd.OutOrStdout()
				if rerr := renderJobs(out, res.Jobs); rerr != nil {
					return rerr
				}
				fmt.Fprintf(out, "run %s: %d jobs launched, snapshot %s\n", res.RunID, len(res.Jobs), a.snapshot.GetPath())
				return err
			})
		},
	}
	u.addAll(cmd)
	return cmd
}

func buildMonitorCommand(env *cmdEnv) *cobra.Command {
	var runID string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Wait for the jobs in the snapshot to finish",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.withApp(cmd, nil, func(ctx context.Context, a *app) error {
				res, err := a.controller().Monitor(ctx, runID)
				if res == nil {
					return err
				}
				return finishRun(cmd, res, err, asJSON)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "Ledger run id to update")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

func buildBatchesCommand(env *cmdEnv) *cobra.Command {
	var u unitFlags
	var total, size int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "batches",
		Short: "Process [0, total) in batches, one remote job per batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, params, err := u.jobParams()
			if err != nil {
				return err
			}
			return env.withApp(cmd, nil, func(ctx context.Context, a *app) error {
				ctrl := a.controller()
				res, err := ctrl.RunBatches(ctx, total, size, ctrl.BatchJob(kind, params))
				if res == nil || res.Report == nil {
					return err
				}
				return finishRun(cmd, res, err, asJSON)
			})
		},
	}
	u.addJob(cmd)
	cmd.Flags().IntVar(&total, "total", 0, "Number of items")
	cmd.Flags().IntVar(&size, "size", 100, "Items per batch")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

func buildCancelCommand(env *cmdEnv) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "cancel [job-id...]",
		Short: "Cancel remote jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return errors.New("pass job ids or --all, not both")
			}
			return env.withApp(cmd, nil, func(ctx context.Context, a *app) error {
				ids := make([]types.JobID, 0, len(args))
				for _, arg := range args {
					ids = append(ids, types.JobID(arg))
				}
				if all {
					data, err := a.snapshot.Load()
					if err != nil {
						return err
					}
					for _, id := range data.Order {
						if j, ok := data.Jobs[id]; ok && !j.State.IsTerminal() {
							ids = append(ids, id)
						}
					}
				}
				err := a.controller().Cancel(ctx, ids)
				fmt.Fprintf(cmd.OutOrStdout(), "cancel requested for %d jobs\n", len(ids))
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Cancel every outstanding job in the snapshot")
	return cmd
}

func buildServeCommand(env *cmdEnv) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a simulated engine over gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tweak := func(cfg *Config) {
				cfg.Engine.Mode = ModeSimulate
				cfg.Store.Path = ""
				if addr == "" {
					addr = cfg.Engine.Address
				}
			}
			return env.withApp(cmd, tweak, func(ctx context.Context, a *app) error {
				srv := server.NewServer(a.engine, logging.Component(a.logger, "server"))
				return srv.ListenAndServe(ctx, addr)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default: engine.address)")
	return cmd
}

func buildStatusCommand(env *cmdEnv) *cobra.Command {
	var recent int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show snapshot job counts and recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.withApp(cmd, nil, func(ctx context.Context, a *app) error {
				st, err := a.controller().Status(ctx, recent)
				if err != nil {
					return err
				}
				return renderStatus(cmd.OutOrStdout(), st)
			})
		},
	}
	cmd.Flags().IntVar(&recent, "recent", 10, "Number of runs to list")
	return cmd
}

// finishRun prints the report and passes runErr through.
func finishRun(cmd *cobra.Command, res *controller.Result, runErr error, asJSON bool) error {
	out := cmd.OutOrStdout()
	var err error
	if asJSON {
		err = report.WriteJSON(out, res.Report)
	} else {
		err = renderReport(out, "run "+res.RunID, res.Report)
	}
	return errors.Join(runErr, err)
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
