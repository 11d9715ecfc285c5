package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tdulcet/Distributed-Computing-Scripts/internal/config"
	"github.com/tdulcet/Distributed-Computing-Scripts/internal/core/services"
)

// Exit codes: 0 clean, 1 non-fatal issues were recorded, 2 fatal error.
const (
	exitOK     = 0
	exitIssues = 1
	exitFatal  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	opts := config.Defaults()
	var exit int

	root := &cobra.Command{
		Use:           "primenet",
		Short:         "PrimeNet assignment manager for Mlucas, GpuOwl and CUDALucas",
		Long:          "Registers this computer with PrimeNet, keeps each worker's work file topped up with assignments, reports results and progress back, and uploads PRP proof artifacts.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.WorkDir, "workdir", "w", opts.WorkDir, "working directory")
	pf.StringVarP(&opts.WorkFile, "workfile", "i", opts.WorkFile, "work file name")
	pf.StringVarP(&opts.ResultsFile, "resultsfile", "r", opts.ResultsFile, "results file name")
	pf.StringVarP(&opts.LocalFile, "localfile", "l", opts.LocalFile, "local state file name")
	pf.StringVar(&opts.LogFile, "logfile", opts.LogFile, "engine progress/log file name (engine default when empty)")
	pf.StringVar(&opts.WorkersFile, "workers", opts.WorkersFile, "YAML file describing multiple workers")
	pf.StringVarP(&opts.Username, "username", "u", opts.Username, "GIMPS/PrimeNet user name (use ANONYMOUS to contribute anonymously)")
	pf.StringVarP(&opts.WorkType, "worktype", "T", opts.WorkType, "preferred work type, numeric code or mnemonic")
	pf.IntVarP(&opts.NumCache, "num_cache", "n", opts.NumCache, "assignments to queue ahead of the current one")
	pf.Float64VarP(&opts.DaysOfWork, "days_work", "L", opts.DaysOfWork, "target days of queued work before requesting more")
	pf.IntVar(&opts.NumWorkers, "num_workers", opts.NumWorkers, "number of worker slots")
	pf.IntVarP(&opts.Timeout, "timeout", "t", opts.Timeout, "seconds between passes, 0 for a single pass")
	pf.StringVar(&opts.Engine, "engine", opts.Engine, "compute engine: mlucas, gpuowl or cudalucas")
	pf.StringVarP(&opts.Hostname, "hostname", "H", opts.Hostname, "computer name reported to the server")
	pf.StringVar(&opts.CPUModel, "cpu_model", opts.CPUModel, "CPU model string reported to the server")
	pf.StringVar(&opts.Features, "features", opts.Features, "CPU feature list reported to the server")
	pf.IntVar(&opts.FrequencyMHz, "frequency", opts.FrequencyMHz, "CPU frequency in MHz")
	pf.IntVarP(&opts.MemoryMiB, "memory", "m", opts.MemoryMiB, "memory in MiB")
	pf.IntVar(&opts.L1CacheKiB, "L1", opts.L1CacheKiB, "L1 cache size in KiB")
	pf.IntVar(&opts.L2CacheKiB, "L2", opts.L2CacheKiB, "L2 cache size in KiB")
	pf.IntVar(&opts.Cores, "np", opts.Cores, "number of physical cores")
	pf.IntVar(&opts.Hyperthreads, "hp", opts.Hyperthreads, "threads per core, 0 if hyperthreading is off")
	pf.BoolVarP(&opts.Debug, "debug", "d", false, "verbose logging")
	pf.BoolVar(&opts.Parallel, "parallel", false, "run worker passes concurrently")

	runC := runCmd(&opts, root, &exit)
	root.AddCommand(
		runC,
		statusCmd(&opts, root),
		recoverCmd(&opts, root),
		unreserveCmd(&opts, root),
		registerCmd(&opts, root),
	)
	root.RunE = runC.RunE // bare invocation runs the manager

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "primenet:", err)
		return exitFatal
	}
	return exit
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runCmd(opts *config.Options, root *cobra.Command, exit *int) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Report results, top up work queues, loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			app, err := newApp(*opts, root.PersistentFlags().Changed)
			if err != nil {
				return err
			}
			defer app.Close()

			if _, err := app.instance.EnsureRegistered(ctx); err != nil {
				return err
			}

			sched := services.NewScheduler(app.logger, app.managers,
				time.Duration(opts.Timeout)*time.Second, opts.Parallel)
			if err := sched.Run(ctx); err != nil {
				return err
			}
			if n := sched.Issues(); n > 0 {
				app.logger.Warn("finished with recorded issues", "count", n)
				*exit = exitIssues
			}
			return nil
		},
	}
}

func statusCmd(opts *config.Options, root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print queued work, expected completion dates and prime odds",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(*opts, root.PersistentFlags().Changed)
			if err != nil {
				return err
			}
			defer app.Close()

			for _, m := range app.managers {
				if err := m.Status(os.Stdout); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func recoverCmd(opts *config.Options, root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Rebuild the work files from the server's reservation list",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			app, err := newApp(*opts, root.PersistentFlags().Changed)
			if err != nil {
				return err
			}
			defer app.Close()

			if _, err := app.instance.EnsureRegistered(ctx); err != nil {
				return err
			}
			for _, m := range app.managers {
				if err := m.Recover(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func unreserveCmd(opts *config.Options, root *cobra.Command) *cobra.Command {
	var aid string
	cmd := &cobra.Command{
		Use:   "unreserve",
		Short: "Release queued assignments back to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			app, err := newApp(*opts, root.PersistentFlags().Changed)
			if err != nil {
				return err
			}
			defer app.Close()

			if _, err := app.instance.EnsureRegistered(ctx); err != nil {
				return err
			}
			if aid != "" {
				for _, m := range app.managers {
					if m.HasQueued(aid) {
						return m.UnreserveOne(ctx, aid)
					}
				}
				return fmt.Errorf("assignment %s is not in any work file", aid)
			}
			for _, m := range app.managers {
				if err := m.UnreserveAll(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&aid, "aid", "", "release only this assignment ID (default: all)")
	return cmd
}

func registerCmd(opts *config.Options, root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Register or update this computer with the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			app, err := newApp(*opts, root.PersistentFlags().Changed)
			if err != nil {
				return err
			}
			defer app.Close()

			guid, registered := app.instance.GUID()
			if registered {
				guid, err = app.instance.Reregister(ctx)
			} else {
				guid, err = app.instance.EnsureRegistered(ctx)
			}
			if err != nil {
				return err
			}
			fmt.Println("registered, instance id", guid)
			return nil
		},
	}
}

func newLogger(debug bool) *slog.Logger {
	if debug {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}
