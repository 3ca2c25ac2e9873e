package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/enrichd/enrichd/internal/api"
	"github.com/enrichd/enrichd/internal/app"
	"github.com/enrichd/enrichd/internal/enrich"
	"github.com/enrichd/enrichd/internal/enrichers"
	"github.com/enrichd/enrichd/internal/governor"
	"github.com/enrichd/enrichd/internal/manager"
	"github.com/enrichd/enrichd/internal/picker"
	"github.com/enrichd/enrichd/internal/queue"
)

type startFlags struct {
	batchSize  int
	intervalS  int
	localOnly  bool
	extensions []string
	priority   int
	runTimeS   int
	statsFile  string
	foreground bool
}

// newStartCmd creates the 'start' subcommand: the picker+queue loop, running
// indefinitely or for --run-time seconds.
func newStartCmd() *cobra.Command {
	flags := &startFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the background enrichment drivers",
		Long: `Starts one extraction driver per enabled enrichment kind. Each driver
polls the metadata store for records still missing its attribute, throttles
against host resource pressure, and dispatches batches to a shared worker
pool. Progress is checkpointed after every batch and the run resumes where
it left off.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStart(cmd, flags)
		},
	}

	cmd.Flags().IntVar(&flags.batchSize, "batch-size", 0, "override batch size for every enabled kind")
	cmd.Flags().IntVar(&flags.intervalS, "interval", 0, "override poll interval in seconds for every enabled kind")
	cmd.Flags().BoolVar(&flags.localOnly, "local-only", false, "skip records whose volume is not currently reachable")
	cmd.Flags().StringSliceVar(&flags.extensions, "extensions", nil, "restrict to the given file extensions")
	cmd.Flags().IntVar(&flags.priority, "priority", 0, "override queue priority for every enabled kind")
	cmd.Flags().IntVar(&flags.runTimeS, "run-time", 0, "run for this many seconds then stop (0 = until interrupted)")
	cmd.Flags().StringVar(&flags.statsFile, "stats-file", "", "write aggregated statistics to this file on stop")
	cmd.Flags().BoolVar(&flags.foreground, "foreground", false, "process batches inline instead of via the worker pool")
	return cmd
}

func runStart(cmd *cobra.Command, flags *startFlags) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer services.Close()
	logger := services.Logger

	kinds, unknown := cfg.ResolveKinds()
	for _, name := range unknown {
		logger.Warn("unknown processor in config, skipping", zap.String("processor", name))
	}
	if len(kinds) == 0 {
		return fmt.Errorf("no usable processors configured")
	}
	kinds = applyFlagOverrides(kinds, flags)

	gov, err := governor.New(logger)
	if err != nil {
		return fmt.Errorf("initialize resource governor: %w", err)
	}

	q := queue.New(queue.Config{
		Capacity:  cfg.Queue.Capacity,
		Workers:   cfg.Queue.Workers,
		StopGrace: cfg.StopGrace(),
	}, services.Store, services.Monitor, logger)
	pick := picker.New(services.Store, services.Monitor, logger)

	mgr := manager.New(manager.Config{
		Kinds:               kinds,
		Funcs:               enrichers.Registry(),
		CheckpointPath:      cfg.CheckpointPath,
		RunTime:             time.Duration(flags.runTimeS) * time.Second,
		Foreground:          flags.foreground,
		LocalOnly:           flags.localOnly,
		StopGrace:           cfg.StopGrace(),
		MaxCPUPercent:       cfg.Governor.MaxCPUPercent,
		MaxMemoryMB:         cfg.Governor.MaxMemoryMB,
		DispatchesPerSecond: cfg.Governor.DispatchesPerSecond,
	}, pick, q, gov, services.Clock, logger)

	var statusServer *api.Server
	if cfg.API.Enabled {
		statusServer = api.New(cfg.API.Addr, mgr, services.Monitor, logger)
		statusServer.Start()
	}

	mgr.Start(ctx)
	mgr.Wait()

	// Either the run time elapsed or a termination signal arrived; both
	// funnel through the same shutdown path.
	mgr.Stop()

	if statusServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown failed", zap.Error(err))
		}
	}

	if flags.statsFile != "" {
		if err := mgr.SaveStatistics(flags.statsFile); err != nil {
			logger.Error("statistics snapshot failed", zap.Error(err))
		} else {
			logger.Info("statistics written", zap.String("path", flags.statsFile))
		}
	}
	logger.Info("enrichd stopped cleanly")
	return nil
}

// applyFlagOverrides applies the thin CLI layer on top of the resolved
// kinds. Flags apply uniformly to every enabled kind.
func applyFlagOverrides(kinds []enrich.Kind, flags *startFlags) []enrich.Kind {
	out := make([]enrich.Kind, 0, len(kinds))
	for _, kind := range kinds {
		if flags.batchSize > 0 {
			kind.BatchSize = flags.batchSize
		}
		if flags.intervalS > 0 {
			kind.Interval = time.Duration(flags.intervalS) * time.Second
		}
		if len(flags.extensions) > 0 {
			kind.Extensions = flags.extensions
		}
		if flags.priority > 0 {
			kind.Priority = flags.priority
		}
		out = append(out, kind)
	}
	return out
}
