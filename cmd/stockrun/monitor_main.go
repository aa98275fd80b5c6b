package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/stockrun/internal/config"
	"github.com/sawpanic/stockrun/internal/data/features"
	"github.com/sawpanic/stockrun/internal/infrastructure/db"
	redisinfra "github.com/sawpanic/stockrun/internal/infrastructure/redis"
	httpiface "github.com/sawpanic/stockrun/internal/interfaces/http"
	"github.com/sawpanic/stockrun/internal/metrics"
	"github.com/sawpanic/stockrun/internal/stream"
)

func newMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Serve the read-only health, status, and metrics endpoints",
		Long: `Starts the operational HTTP server: /health, /status (latest published
run), and /metrics (Prometheus). Optionally runs the live quote ingester,
which keeps the shared feature cache warm between discovery runs.`,
		RunE: runMonitor,
	}

	cmd.Flags().String("host", "", "Bind host (default from config, 127.0.0.1)")
	cmd.Flags().Int("port", 0, "Bind port (default from HTTP_PORT or 8080)")
	cmd.Flags().String("stream", "", "Stream endpoint name to ingest; empty disables the ingester")
	cmd.Flags().String("stream-endpoints", "config/stream.yaml", "Path to the stream endpoints document")
	return cmd
}

func runMonitor(cmd *cobra.Command, args []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	streamName, _ := cmd.Flags().GetString("stream")
	endpointsPath, _ := cmd.Flags().GetString("stream-endpoints")

	resolved, err := resolveConfig(cmd, config.Options{})
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	handlers := httpiface.NewHandlers(version)

	// The monitor degrades per component: a box without Redis or Postgres
	// still answers /health and /metrics.
	manager, err := db.NewManager(resolved.Database)
	if err != nil {
		log.Warn().Err(err).Msg("database unavailable, health will report it")
	} else {
		handlers.DB = manager.Health()
		defer manager.Close()
	}

	if redisClient, err := redisinfra.NewClient(resolved.Redis); err != nil {
		log.Warn().Err(err).Msg("result store unreachable, /status will be empty")
	} else {
		handlers.Reader = redisinfra.NewReader(redisClient)
		defer redisClient.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ingester *stream.Ingester
	if streamName != "" {
		streamCfg, err := loadStreamConfig(endpointsPath, streamName)
		if err != nil {
			return err
		}
		cache := features.NewAuto(resolved.TTLs)
		cache.OnLookup = reg.CacheLookupHook("features")
		ingester = stream.New(streamCfg, cache, log.Logger)
		ingester.OnEvent = reg.StreamHook()
		handlers.Stream = func() (int64, int64) {
			return ingester.Frames(), ingester.Dropped()
		}
		go func() {
			if err := ingester.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("stream ingester stopped")
			}
		}()
		defer ingester.Close()
	}

	serverCfg := httpiface.DefaultServerConfig()
	if host != "" {
		serverCfg.Host = host
	}
	if port > 0 {
		serverCfg.Port = port
	}

	server, err := httpiface.NewServer(serverCfg, handlers, reg, log.Logger)
	if err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	log.Info().
		Str("health", fmt.Sprintf("http://%s/health", server.GetAddress())).
		Str("status", fmt.Sprintf("http://%s/status", server.GetAddress())).
		Str("metrics", fmt.Sprintf("http://%s/metrics", server.GetAddress())).
		Msg("monitor endpoints available")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	log.Info().Msg("monitor shutdown complete")
	return nil
}

// loadStreamConfig resolves one named endpoint from the endpoints document,
// falling back to the built-in table when the file is absent.
func loadStreamConfig(path, name string) (stream.Config, error) {
	loader := stream.NewEndpointsLoader()
	if _, err := os.Stat(path); err == nil {
		if err := loader.LoadFromFile(path); err != nil {
			return stream.Config{}, err
		}
	} else if err := loader.LoadDefault(); err != nil {
		return stream.Config{}, err
	}
	return loader.Resolve(name)
}
