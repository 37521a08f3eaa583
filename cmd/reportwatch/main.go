package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"reportwatch/internal/cli"
	"reportwatch/internal/config"
	"reportwatch/internal/logging"
	"reportwatch/internal/version"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags, err := cli.ParseRunFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}
	if flags.Help {
		return 0
	}
	if flags.Version {
		fmt.Fprintln(stdout, version.GetVersionInfo().String())
		return 0
	}

	overrides, err := flags.Overrides()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	settings, err := config.LoadSettings(flags.ConfigPath, overrides)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}

	level, ok := logging.ParseLevel(settings.Log.Level)
	if !ok {
		level = logging.LevelInfo
	}
	logger := logging.NewLoggerWithOutput(logging.NewLogBuffer(logging.DefaultBufferSize), level, stderr)
	if !ok {
		logger.Warn("unknown log level; using info", map[string]string{"level": settings.Log.Level})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signalCh := make(chan os.Signal, 2)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalCh)
	stopSignals := watchShutdownSignals(logger, cancel, signalCh)
	defer stopSignals()

	if err := runService(ctx, settings, logger); err != nil {
		logger.Error("reportwatch stopped", map[string]string{"error": err.Error()})
		return 1
	}
	return 0
}
