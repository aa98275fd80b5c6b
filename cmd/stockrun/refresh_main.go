package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/stockrun/internal/config"
	"github.com/sawpanic/stockrun/internal/infrastructure/db"
	"github.com/sawpanic/stockrun/internal/infrastructure/httpclient"
	"github.com/sawpanic/stockrun/internal/jobs"
	"github.com/sawpanic/stockrun/internal/providers/polygon"
)

func newRefreshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "refresh-volume-cache [all|stale|test]",
		Short:     "Rebuild the 20-day volume averages from daily bars",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"all", "stale", "test"},
		Long: `Rebuilds the volume-average store the discovery pipeline reads.

  all    every symbol in the latest bulk snapshot
  stale  only symbols whose stored average is older than --max-age-hours
  test   the first --sample symbols, for smoke-testing credentials

Symbols with missing or thin history are skipped, never defaulted.`,
		RunE: runRefresh,
	}

	cmd.Flags().Int("batch-size", 100, "Rows per upsert transaction")
	cmd.Flags().Duration("delay", 250*time.Millisecond, "Pause between per-symbol history calls")
	cmd.Flags().Int("max-age-hours", 24, "Staleness cutoff for the stale mode")
	cmd.Flags().Int("sample", jobs.DefaultSampleSize, "Symbols covered by the test mode")
	return cmd
}

func runRefresh(cmd *cobra.Command, args []string) error {
	mode := args[0]
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	delay, _ := cmd.Flags().GetDuration("delay")
	maxAgeHours, _ := cmd.Flags().GetInt("max-age-hours")
	sample, _ := cmd.Flags().GetInt("sample")

	resolved, err := resolveConfig(cmd, config.Options{})
	if err != nil {
		return err
	}

	if !resolved.Database.Enabled {
		return fmt.Errorf("volume store required: set PG_DSN or enable database in the config")
	}
	manager, err := db.NewManager(resolved.Database)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer manager.Close()

	pool := httpclient.NewClientPool(httpclient.DefaultClientConfig())
	market := polygon.New(resolved.Polygon, pool, log.Logger)
	refresher := jobs.NewRefresher(market, manager.Repository().Volumes, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Warn().Msg("interrupt received, stopping refresh")
		cancel()
	}()

	var report jobs.Report
	switch mode {
	case "all":
		report, err = refresher.RefreshAll(ctx, batchSize, delay)
	case "stale":
		report, err = refresher.RefreshStale(ctx, time.Duration(maxAgeHours)*time.Hour, batchSize, delay)
	case "test":
		report, err = refresher.RefreshSample(ctx, sample, delay)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
