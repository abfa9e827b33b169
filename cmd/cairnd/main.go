// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// cairnd runs the unit manager: it loads unit definitions, boots the
// default target and processes jobs until a shutdown target activates
// or it is told to leave.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/lumberjack/v2"

	"github.com/canonical/cairn/core/version"
	internallogger "github.com/canonical/cairn/internal/logger"
)

func main() {
	os.Exit(Main(os.Args[1:]))
}

// Main parses the command line, applies the configuration and runs the
// daemon, returning the process exit code. Split from main so tests
// can drive it.
func Main(args []string) int {
	var (
		configPath    string
		dataDir       string
		unitsDir      string
		loggingConfig string
		logFile       string
		metricsAddr   string
		showVersion   bool
		showHelp      bool
	)
	f := gnuflag.NewFlagSet("cairnd", gnuflag.ContinueOnError)
	f.SetOutput(os.Stderr)
	f.StringVar(&configPath, "config", "", "Path to the daemon configuration file")
	f.StringVar(&dataDir, "data-dir", "", "Directory holding the state ledger")
	f.StringVar(&unitsDir, "units-dir", "", "Directory holding unit definition files")
	f.StringVar(&loggingConfig, "logging-config", "", "Initial logging configuration")
	f.StringVar(&logFile, "log-file", "", "File to send a rotated copy of the log to")
	f.StringVar(&metricsAddr, "metrics-addr", "", "Address to serve prometheus metrics on")
	f.BoolVar(&showVersion, "version", false, "Print the daemon version and exit")
	f.BoolVar(&showHelp, "h", false, "")
	f.BoolVar(&showHelp, "help", false, "Show this help and exit")
	if err := f.Parse(true, args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if showHelp {
		fmt.Fprintf(os.Stderr, "Usage: cairnd [options]\n\nOptions:\n")
		f.PrintDefaults()
		return 0
	}
	if showVersion {
		fmt.Fprintln(os.Stdout, version.Current)
		return 0
	}
	if len(f.Args()) != 0 {
		fmt.Fprintf(os.Stderr, "unrecognized args: %q\n", f.Args())
		return 2
	}

	cfg := DefaultConfig()
	if configPath != "" {
		if err := cfg.ReadConfig(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
	}
	// The command line wins over the file.
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if unitsDir != "" {
		cfg.UnitsDir = unitsDir
	}
	if loggingConfig != "" {
		cfg.LoggingConfig = loggingConfig
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	setupLogging(cfg)
	logger := internallogger.GetLogger("cairn")
	logger.Infof(context.Background(), "cairnd %s starting", version.Current)

	signals := make(chan os.Signal, 8)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR2)
	defer signal.Stop(signals)

	d := newDaemon(cfg, logger, clock.WallClock, signals)
	return d.Run(context.Background())
}

// setupLogging applies the configured logger levels and, when asked,
// tees the log stream into a rotating file.
func setupLogging(cfg Config) {
	if cfg.LoggingConfig != "" {
		loggo.DefaultContext().ResetLoggerLevels()
		if err := loggo.ConfigureLoggers(cfg.LoggingConfig); err != nil {
			fmt.Fprintf(os.Stderr, "setting logging config: %v\n", err)
		}
	}
	if cfg.LogFile != "" {
		writer := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    300, // megabytes
			MaxBackups: 2,
			Compress:   true,
		}
		err := loggo.DefaultContext().AddWriter(
			"file", loggo.NewSimpleWriter(writer, loggo.DefaultFormatter))
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuring file logging: %v\n", err)
		}
	}
}
