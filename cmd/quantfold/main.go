package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quantfold/quantfold/internal/config"
	"github.com/quantfold/quantfold/internal/driver"
	"github.com/quantfold/quantfold/internal/exec"
	"github.com/quantfold/quantfold/internal/venue"
)

const (
	appName = "quantfold"
	version = "v0.4.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Multi-timeframe paper-trading engine",
		Long:    "quantfold runs a closed per-bar pipeline: cohort flow, calibrated predictions,\nmulti-timeframe alignment, cost-aware guards, and simulated executions with\nfull per-bar PnL accounting.",
		Version: version,
	}

	var cfgPath string
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to YAML config (defaults apply when empty)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the live paper-trading loop",
		Long:  "Poll the venue per bar, drain cohort fills, decide, guard, size, and execute on paper until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cfgPath, "")
		},
	}

	var replayFile string
	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a recorded bar capture through the full pipeline",
		Long:  "Drive the engine from a JSONL bar file instead of the live venue. Useful for deterministic regression runs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if replayFile == "" {
				return fmt.Errorf("replay: --bars is required")
			}
			return runEngine(cfgPath, replayFile)
		},
	}
	replayCmd.Flags().StringVar(&replayFile, "bars", "", "JSONL file of bars to replay")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(runCmd, replayCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// runEngine loads config, builds the engine, and runs it under signal
// cancellation. A panic writes live_errors.log under the paper root and
// exits 1.
func runEngine(cfgPath, replayFile string) (err error) {
	cfg, cfgErr := config.Load(cfgPath)
	if cfgErr != nil {
		return cfgErr
	}

	defer func() {
		if r := recover(); r != nil {
			writeFatal(cfg.Emitter.Root, r)
			os.Exit(1)
		}
	}()

	var mdVenue venue.Venue
	if replayFile != "" {
		replay, rErr := venue.NewReplay(replayFile, exec.Filters{})
		if rErr != nil {
			return rErr
		}
		mdVenue = replay
	}

	eng, engErr := driver.NewEngine(cfg, mdVenue)
	if engErr != nil {
		return engErr
	}
	log.Info().
		Str("run_id", eng.RunID()).
		Str("symbol", cfg.Data.Symbol).
		Str("interval", cfg.Data.Interval).
		Bool("dry_run", cfg.Execution.DryRun).
		Msg("engine starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil {
		writeFatal(cfg.Emitter.Root, err)
		return err
	}
	log.Info().Msg("engine stopped cleanly")
	return nil
}

// writeFatal appends a traceback to live_errors.log under the paper root.
func writeFatal(root string, cause any) {
	os.MkdirAll(root, 0o755)
	path := filepath.Join(root, "live_errors.log")
	f, ferr := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if ferr != nil {
		log.Error().Interface("cause", cause).Msg("fatal error, live_errors.log unwritable")
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "[%s] fatal: %v\n%s\n", time.Now().UTC().Format(time.RFC3339), cause, debug.Stack())
	log.Error().Interface("cause", cause).Str("path", path).Msg("fatal error recorded")
}
