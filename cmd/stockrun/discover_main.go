package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/stockrun/internal/application"
	"github.com/sawpanic/stockrun/internal/config"
	"github.com/sawpanic/stockrun/internal/data/features"
	"github.com/sawpanic/stockrun/internal/domain"
	"github.com/sawpanic/stockrun/internal/infrastructure/db"
	"github.com/sawpanic/stockrun/internal/infrastructure/httpclient"
	redisinfra "github.com/sawpanic/stockrun/internal/infrastructure/redis"
	"github.com/sawpanic/stockrun/internal/metrics"
	"github.com/sawpanic/stockrun/internal/providers/learning"
	"github.com/sawpanic/stockrun/internal/providers/polygon"
)

func newDiscoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Run one discovery pass and print the result",
		Long: `Acquires the per-strategy run lock, pulls one bulk snapshot, runs the
staged pipeline, publishes the ranked candidates to the result store, and
prints the RunResult as JSON.

Exit code 0 on a completed run (including explanatory empty results);
exit code 1 when another holder owns the lock or the run is unrecoverable.`,
		RunE: runDiscover,
	}

	cmd.Flags().Int("limit", 0, "Cap the published candidate list (0 keeps the configured cap)")
	cmd.Flags().Bool("relaxed", false, "Apply the relaxed preset: wider stealth band, lower RVOL floor")
	cmd.Flags().Bool("trace", false, "Include the full stage trace in the printed result")
	cmd.Flags().String("preset", "", "Named preset overlay from the config document")
	return cmd
}

func runDiscover(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	relaxed, _ := cmd.Flags().GetBool("relaxed")
	printTrace, _ := cmd.Flags().GetBool("trace")
	preset, _ := cmd.Flags().GetString("preset")

	resolved, err := resolveConfig(cmd, config.Options{
		Preset:  preset,
		Relaxed: relaxed,
		Limit:   limit,
	})
	if err != nil {
		return err
	}

	logger := log.With().Str("strategy", resolved.App.Strategy).Logger()

	clock, err := domain.NewSessionClock(resolved.Sessions)
	if err != nil {
		return fmt.Errorf("session clock: %w", err)
	}

	if !resolved.Database.Enabled {
		return fmt.Errorf("volume store required: set PG_DSN or enable database in the config")
	}
	manager, err := db.NewManager(resolved.Database)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer manager.Close()

	redisClient, err := redisinfra.NewClient(resolved.Redis)
	if err != nil {
		return fmt.Errorf("result store: %w", err)
	}
	defer redisClient.Close()

	reg := metrics.NewRegistry()
	pool := httpclient.NewClientPool(httpclient.DefaultClientConfig())
	cache := features.NewAuto(resolved.TTLs)
	cache.OnLookup = reg.CacheLookupHook("features")
	defer func() {
		if err := cache.Drain(); err != nil {
			logger.Warn().Err(err).Msg("feature cache drain failed")
		}
	}()

	disc, err := application.New(resolved.App, application.Deps{
		Market:    polygon.New(resolved.Polygon, pool, logger),
		Volumes:   manager.Repository().Volumes,
		Features:  cache,
		Adaptive:  learning.New(resolved.Learning, pool, logger),
		Lock:      redisinfra.NewLock(redisClient, resolved.App.Strategy, resolved.Redis.LockTTL),
		Publisher: redisinfra.NewPublisher(redisClient, resolved.Redis.ResultTTL, logger),
		Clock:     clock,
		Metrics:   reg,
		Log:       logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Warn().Msg("interrupt received, cancelling run")
		cancel()
	}()

	result, err := disc.Run(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return fmt.Errorf("another discovery run holds the lock: %w", err)
		}
		return err
	}

	return printResult(cmd, result, printTrace)
}

// printResult writes the run result to stdout. The trace rides along only
// when asked for; the full elimination detail is always in the result store
// regardless.
func printResult(cmd *cobra.Command, result domain.RunResult, withTrace bool) error {
	var view any = result
	if !withTrace {
		view = struct {
			Strategy   string             `json:"strategy"`
			Timestamp  string             `json:"timestamp"`
			Candidates []domain.Candidate `json:"candidates"`
			Stats      domain.RunStats    `json:"stats"`
		}{
			Strategy:   result.Strategy,
			Timestamp:  result.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
			Candidates: result.Candidates,
			Stats:      result.Stats,
		}
	}

	out, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
