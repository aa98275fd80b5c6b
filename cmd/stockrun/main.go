package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/sawpanic/stockrun/internal/config"
)

const (
	appName = "stockrun"
	version = "v1.4.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Staged discovery engine for explosive US equity moves",
		Version: version,
		Long: `stockrun scans the full US equities snapshot through a staged filter
pipeline, scores the survivors with an 8-factor explosion-probability model,
and publishes ranked candidates with a full elimination trace.

Runs are singleton per strategy (distributed lock), deterministic for a given
snapshot, and never fabricate data: a symbol without real volume history or
fresh features is dropped with a recorded reason, not defaulted.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
				cmd.Flags().Visit(func(f *pflag.Flag) {
					log.Debug().Str("flag", f.Name).Str("value", f.Value.String()).Msg("flag set")
				})
			}
		},
	}

	rootCmd.PersistentFlags().String("config", "config/discovery.yaml", "Path to the discovery config document")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(newDiscoverCmd())
	rootCmd.AddCommand(newRefreshCmd())
	rootCmd.AddCommand(newMonitorCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// resolveConfig loads the document named by --config and resolves it with
// the given overlay options.
func resolveConfig(cmd *cobra.Command, opts config.Options) (config.Resolved, error) {
	path, _ := cmd.Flags().GetString("config")
	doc, err := config.Load(path)
	if err != nil {
		return config.Resolved{}, err
	}
	resolved, err := doc.Resolve(opts)
	if err != nil {
		return config.Resolved{}, err
	}
	if resolved.EmergencyRelaxed {
		log.Warn().Msg("emergency override active: relaxed preset forced")
	}
	return resolved, nil
}
