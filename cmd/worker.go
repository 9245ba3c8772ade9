package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-enricher/internal/enrich"
	"github.com/sells-group/catalog-enricher/internal/monitoring"
	"github.com/sells-group/catalog-enricher/internal/store"
)

const (
	// workerUsersPerTick caps how many users one tick drains.
	workerUsersPerTick = 50
	pruneEvery         = time.Hour
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the background enrichment loop",
	Long:  "Every tick, finds users with due tasks and processes a batch for each. Expired no-match entries are pruned hourly.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "process")
		if err != nil {
			return err
		}
		defer env.Close()

		startMonitoring(ctx, env.Store)
		runWorker(ctx, env.Engine, workerInterval(), cfg.Batch.DefaultLimit)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func workerInterval() time.Duration {
	if cfg.Batch.WorkerIntervalSecs <= 0 {
		return time.Minute
	}
	return time.Duration(cfg.Batch.WorkerIntervalSecs) * time.Second
}

// startMonitoring runs the alert checker in the background when enabled.
func startMonitoring(ctx context.Context, st store.Store) {
	if !cfg.Monitoring.Enabled {
		return
	}
	caps := make(map[string]int)
	for name, lim := range enrich.LimitsFromConfig(cfg.Budget) {
		caps[name] = lim.GlobalDaily
	}
	checker := monitoring.NewChecker(
		monitoring.NewCollector(st, caps),
		monitoring.NewAlerter(cfg.Monitoring),
		monitoring.NewNotifier(cfg.Monitoring.WebhookURL),
		cfg.Monitoring,
	)
	go checker.Run(ctx)
}

// runWorker ticks until ctx is cancelled.
func runWorker(ctx context.Context, engine *enrich.Engine, interval time.Duration, limit int) {
	log := zap.L().With(zap.String("component", "worker"))
	log.Info("worker started", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastPrune := time.Time{}

	for {
		if time.Since(lastPrune) >= pruneEvery {
			if n, err := engine.PruneNoMatch(ctx); err != nil {
				log.Warn("prune no-match cache", zap.Error(err))
			} else {
				log.Debug("pruned no-match cache", zap.Int("removed", n))
				lastPrune = time.Now()
			}
		}

		if _, err := workerTick(ctx, engine, limit); err != nil && ctx.Err() == nil {
			log.Error("worker tick", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			log.Info("worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// workerTick runs one ProcessDue batch for every user with due work, one
// user after another, and returns the summed outcome.
func workerTick(ctx context.Context, engine *enrich.Engine, limit int) (enrich.Outcome, error) {
	var total enrich.Outcome

	users, err := engine.DueUsers(ctx, workerUsersPerTick)
	if err != nil {
		return total, err
	}

	for _, user := range users {
		if ctx.Err() != nil {
			break
		}
		o, err := engine.ProcessDue(ctx, user, limit)
		if err != nil {
			zap.L().Error("process due tasks", zap.String("user_id", user), zap.Error(err))
			continue
		}
		total.Claimed += o.Claimed
		total.Complete += o.Complete
		total.NeedsReview += o.NeedsReview
		total.Skipped += o.Skipped
		total.Failed += o.Failed
		total.Requeued += o.Requeued
		total.Deferred += o.Deferred
		total.Reclaimed += o.Reclaimed
	}
	return total, nil
}
