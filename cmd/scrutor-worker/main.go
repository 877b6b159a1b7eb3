// -----------------------------------------------------------------------
// scrutor-worker - queue worker process
// -----------------------------------------------------------------------

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scrutor/internal/app"
	"github.com/ternarybob/scrutor/internal/common"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	concurrency  = flag.Int("concurrency", 0, "Worker concurrency (overrides config)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")

	config *common.Config
	logger arbor.ILogger
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Scrutor worker version %s\n", common.GetVersion())
		os.Exit(0)
	}

	// Auto-discover config file if not specified; the worker reads the same
	// file as the server so queue names and TTLs cannot drift apart.
	if len(configFiles) == 0 {
		if _, err := os.Stat("scrutor.toml"); err == nil {
			configFiles = append(configFiles, "scrutor.toml")
		} else if _, err := os.Stat("deployments/local/scrutor.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/scrutor.toml")
		}
	}

	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	if *concurrency > 0 {
		config.Worker.Concurrency = *concurrency
	}

	logger = common.InitLogger(config)

	common.InstallCrashHandler("")
	defer func() {
		if r := recover(); r != nil {
			crashPath := common.WriteCrashFile(r, common.GetStackTrace())
			logger.Fatal().Str("crash_file", crashPath).Msgf("Fatal error: %v", r)
			os.Exit(1)
		}
	}()

	common.PrintBanner("Scrutor Worker", common.GetFullVersion())

	logger.Info().
		Str("environment", config.Environment).
		Str("redis", config.Redis.URL).
		Int("concurrency", config.Worker.Concurrency).
		Strs("queues", config.Worker.Queues).
		Msg("Starting worker process")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker, err := app.NewWorker(ctx, config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize worker")
		os.Exit(1)
	}

	if err := worker.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start worker pool")
		os.Exit(1)
	}

	logger.Info().Msg("Worker ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	if err := worker.Close(); err != nil {
		logger.Error().Err(err).Msg("Worker shutdown failed")
	}

	logger.Info().Msg("Worker stopped")
}
