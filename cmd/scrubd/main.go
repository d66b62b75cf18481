package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dray-io/sysscrub/internal/config"
	"github.com/dray-io/sysscrub/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	// Handle version flag before subcommand parsing
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Printf("scrubd version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "run":
		os.Exit(runWorkload(os.Args[2:]))
	case "version":
		fmt.Printf("scrubd version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: scrubd <command> [options]

Commands:
  run         Drive a synthetic allocation workload through the scrubber
  version     Print version information

Run 'scrubd <command> --help' for more information on a command.`)
}

// parseRunFlags loads the configuration and applies command line overrides.
func parseRunFlags(args []string) (*config.Config, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	metricsAddr := fs.String("metrics-addr", "", "Override metrics endpoint address (e.g., :9090)")
	duration := fs.Duration("duration", 0, "Override workload duration (e.g., 30s)")
	producers := fs.Int("producers", -1, "Override number of producer goroutines")
	disableAsync := fs.Bool("disable-async", false, "Clear synchronously (sets RmDisableAsyncSysmemScrub)")

	fs.Usage = func() {
		fmt.Println(`Usage: scrubd run [options]

Allocate, dirty and scrub-and-free regions until the duration elapses or
the process is interrupted, then verify every region was freed.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	// Apply CLI overrides
	if *metricsAddr != "" {
		cfg.Observability.MetricsAddr = *metricsAddr
	}
	if *duration > 0 {
		cfg.Workload.DurationMs = duration.Milliseconds()
	}
	if *producers >= 0 {
		cfg.Workload.Producers = *producers
	}
	if *disableAsync {
		v := true
		cfg.Scrub.DisableAsync = &v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runWorkload(args []string) int {
	cfg, err := parseRunFlags(args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	logger := logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	d, err := NewDaemon(DaemonOptions{
		Config:     cfg,
		Logger:     logger,
		InstanceID: uuid.New().String(),
		Version:    version,
	})
	if err != nil {
		logger.Errorf("failed to create daemon", map[string]any{"error": err.Error()})
		return 1
	}

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Infof("received shutdown signal", map[string]any{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	report, err := d.Run(ctx)
	if err != nil {
		logger.Errorf("workload failed", map[string]any{
			"error":   err.Error(),
			"elapsed": time.Since(start).String(),
		})
		return 1
	}

	fmt.Printf("submitted=%d freed=%d async=%d fallbacks=%d reclaimed=%d workers=%d coalesced=%d elapsed=%s\n",
		report.Submitted, report.Freed, report.Scrub.SubmittedAsync, report.Scrub.Fallbacks,
		report.Scrub.Reclaimed, report.Scrub.WorkersScheduled, report.Scrub.Coalesced,
		report.Elapsed.Round(time.Millisecond))
	return 0
}
