// openclaw-pulse is a telemetry egress agent. Local producers post records to
// its track endpoint; it batches, compresses and forwards them to the
// ingestion service, keeps undeliverable payloads in a local fallback store
// for later resend, and streams live metrics while a viewer is attached.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/kon-rad/openclaw-pulse/internal/app"
	"github.com/kon-rad/openclaw-pulse/internal/config"
	"github.com/kon-rad/openclaw-pulse/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var configFile string
	var showVersion bool

	flagSet := pflag.NewFlagSet("openclaw-pulse", pflag.ContinueOnError)
	flagSet.StringVar(&configFile, "config", "", "YAML config file (overridden by OCP_* environment variables)")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	flagSet.BoolP("help", "h", false, "show help")
	flagSet.Usage = func() {}

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			config.WriteHelp(os.Stdout, version)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		config.WriteHelp(os.Stdout, version)
		return nil
	}
	if showVersion {
		fmt.Println("openclaw-pulse", version)
		return nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, configFile)
	if err != nil {
		return err
	}
	logger, err := logging.SetupWriter(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	logger.Info("openclaw-pulse starting",
		"version", version,
		"port", cfg.Port,
		"ingestion_endpoint", cfg.IngestionEndpoint,
		"compression", cfg.Compression,
		"live_metrics", cfg.LiveMetricsEnabled,
		"fallback_store", cfg.StoragePath != "",
	)

	return app.New(cfg, logger, version).Run(ctx)
}
