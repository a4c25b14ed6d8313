// Package main provides the reconcile CLI, the operator-facing entry
// point for C12. By default it loops on schedule.market_check_interval,
// running the fixed seven-phase pipeline against one or every user on
// file each tick; -once runs it a single time and exits, for
// cron-driven invocation instead of an internal scheduler.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"

	"github.com/senextrader/lifecycle-engine/internal/broker"
	"github.com/senextrader/lifecycle-engine/internal/config"
	"github.com/senextrader/lifecycle-engine/internal/orchestrator"
	"github.com/senextrader/lifecycle-engine/internal/retry"
	"github.com/senextrader/lifecycle-engine/internal/status"
	"github.com/senextrader/lifecycle-engine/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath              string
		daysBack                int
		dryRun                  bool
		userID                  string
		positionID              string
		symbol                  string
		cancelOrphanedOrders    bool
		replaceCancelledTargets bool
		verbose                 bool
		report                  bool
		maxParallelUsers        int
		once                    bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.BoolVar(&once, "once", false, "Run the pipeline a single time and exit instead of looping on schedule.market_check_interval")
	flag.IntVar(&daysBack, "days-back", 0, "Lookback window for order/transaction sync (0 = use config)")
	flag.BoolVar(&dryRun, "dry-run", false, "Run every phase without writing any broker or store change")
	flag.StringVar(&userID, "user-id", "", "Restrict the run to one user")
	flag.StringVar(&positionID, "position-id", "", "Restrict the run to one position's user")
	flag.StringVar(&symbol, "symbol", "", "Restrict discovery/closure phases to one underlying symbol")
	flag.BoolVar(&cancelOrphanedOrders, "cancel-orphaned-orders", false, "Recorded in the run options; no phase reads it and no broker order is cancelled")
	flag.BoolVar(&replaceCancelledTargets, "replace-cancelled-targets", false, "Recorded in the run options; no phase reads it and cancelled profit targets are recreated either way")
	flag.BoolVar(&verbose, "verbose", false, "Log every phase, not just failures")
	flag.BoolVar(&report, "report", false, "Print a pretty-printed table of the run report to stdout")
	flag.IntVar(&maxParallelUsers, "max-parallel-users", 0, "Cap concurrent per-user pipelines (0 = unbounded)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("failed to load config: %v", err)
		return 1
	}

	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if lvl, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	if verbose || cfg.Reconcile.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	if cfg.Environment.Mode == "live" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	entry := logrus.NewEntry(logger)

	st, err := store.Open(context.Background(), cfg.Storage.Path)
	if err != nil {
		log.Printf("failed to open store: %v", err)
		return 1
	}
	defer st.Close()

	newBroker := func(_ context.Context, _ string) (broker.Broker, error) {
		client := broker.NewClient(cfg.Broker.APIKey, cfg.Broker.Sandbox)
		return broker.NewCircuitBreakerBroker(client), nil
	}

	o := orchestrator.New(st, newBroker, entry, retry.DefaultConfig)

	var recorder *status.Recorder
	if cfg.Status.Enabled {
		recorder = status.NewRecorder(0)
		statusServer := status.NewServer(cfg.Status.Port, recorder, entry.WithField("component", "status"))
		go func() {
			if err := statusServer.Start(); err != nil {
				entry.WithError(err).Error("status: server exited")
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := statusServer.Shutdown(shutdownCtx); err != nil {
				entry.WithError(err).Warn("status: shutdown error")
			}
		}()
	}

	opts := orchestrator.Options{
		DaysBack:                daysBack,
		DryRun:                  dryRun || cfg.Reconcile.DryRun,
		Verbose:                 verbose || cfg.Reconcile.Verbose,
		UserID:                  firstNonEmpty(userID, cfg.Reconcile.UserID),
		Symbol:                  firstNonEmpty(symbol, cfg.Reconcile.Symbol),
		CancelOrphanedOrders:    cancelOrphanedOrders || cfg.Reconcile.CancelOrphanedOrders,
		ReplaceCancelledTargets: replaceCancelledTargets || cfg.Reconcile.ReplaceCancelledTargets,
		MaxParallelUsers:        maxParallelUsers,
	}
	if opts.DaysBack <= 0 {
		opts.DaysBack = cfg.Reconcile.DaysBack
	}
	rawPositionID := firstNonEmpty(positionID, cfg.Reconcile.PositionID)
	if rawPositionID != "" {
		id, err := strconv.ParseInt(rawPositionID, 10, 64)
		if err != nil {
			log.Printf("invalid -position-id %q: %v", rawPositionID, err)
			return 1
		}
		opts.PositionID = id
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	stop := make(chan struct{})
	go func() {
		<-sigChan
		entry.Warn("reconcile: shutdown signal received")
		close(stop)
		cancel()
	}()

	runOnce := func() bool {
		runCtx, runCancel := context.WithCancel(ctx)
		defer runCancel()

		entry.WithFields(logrus.Fields{
			"days_back": opts.DaysBack, "dry_run": opts.DryRun, "user_id": opts.UserID,
		}).Info("reconcile: starting run")

		runReport := o.Run(runCtx, opts)

		if recorder != nil {
			recorder.Record(uuid.NewString(), runReport)
		}
		if report {
			printReport(runReport)
		}

		entry.WithFields(logrus.Fields{
			"success": runReport.Success, "users": len(runReport.Users),
			"duration": runReport.FinishedAt.Sub(runReport.StartedAt),
		}).Info("reconcile: run complete")

		return runReport.Success
	}

	if once {
		if !runOnce() {
			return 1
		}
		return 0
	}

	// Scheduled mode: loop on schedule.market_check_interval until a
	// shutdown signal arrives, the way cmd/bot's main loop ticks.
	interval := cfg.GetCheckInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	entry.WithField("interval", interval).Info("reconcile: entering scheduled loop")
	success := runOnce()
	for {
		select {
		case <-stop:
			return exitCode(success)
		case <-ctx.Done():
			return exitCode(success)
		case <-ticker.C:
			success = runOnce()
		}
	}
}

func exitCode(success bool) int {
	if success {
		return 0
	}
	return 1
}

// firstNonEmpty returns the first non-empty argument, letting a CLI
// flag override the config file's value.
func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// printReport renders one table per user, each row one phase of the
// fixed pipeline, to stdout.
func printReport(r orchestrator.RunReport) {
	fmt.Printf("Reconciliation run: %s -> %s (%v)\n",
		r.StartedAt.Format(time.RFC3339), r.FinishedAt.Format(time.RFC3339), r.FinishedAt.Sub(r.StartedAt))

	for _, u := range r.Users {
		fmt.Printf("\nUser %s / %s", u.User, u.TradingAccount)
		if u.Skipped != "" {
			fmt.Printf(" — SKIPPED (%s)\n", u.Skipped)
			continue
		}
		fmt.Printf(" — %s\n", successLabel(u.Success))

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Phase", "OK", "Processed", "Updated", "Created", "Errors", "Duration"})
		for _, name := range phaseDisplayOrder {
			res, ok := u.Phases[name]
			if !ok {
				continue
			}
			table.Append([]string{
				name,
				successLabel(res.Success),
				strconv.Itoa(res.ItemsProcessed),
				strconv.Itoa(res.ItemsUpdated),
				strconv.Itoa(res.ItemsCreated),
				strconv.Itoa(len(res.Errors)),
				res.Duration.Round(time.Millisecond).String(),
			})
		}
		table.Render()

		for _, name := range phaseDisplayOrder {
			res, ok := u.Phases[name]
			if !ok || len(res.Errors) == 0 {
				continue
			}
			for _, e := range res.Errors {
				fmt.Printf("  [%s] %s\n", name, e)
			}
		}
	}
}

var phaseDisplayOrder = []string{
	orchestrator.PhaseSyncOrderHistory,
	orchestrator.PhaseSyncTransactions,
	orchestrator.PhaseDiscoverPositions,
	orchestrator.PhaseSyncPositions,
	orchestrator.PhaseProcessClosures,
	orchestrator.PhaseReconcileTrades,
	orchestrator.PhaseFixProfitTargets,
}

func successLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "FAIL"
}
