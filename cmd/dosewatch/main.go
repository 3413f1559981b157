package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/gmsas95/dosewatch/internal/app"
	"github.com/gmsas95/dosewatch/internal/config"
	"github.com/gmsas95/dosewatch/internal/store"
)

var version = "dev"

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve", "server":
		err = runServe(args)
	case "status":
		err = runStatus(args)
	case "history":
		err = runHistory(args, os.Stdout)
	case "adherence":
		err = runAdherence(args, os.Stdout)
	case "today":
		err = runToday(args, os.Stdout)
	case "replan":
		err = runReplan(args)
	case "version", "--version", "-v":
		fmt.Printf("dosewatch version %s\n", version)
	case "help", "--help", "-h":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printHelp()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// commonFlags are accepted by every subcommand.
type commonFlags struct {
	configPath string
	dataDir    string
}

func newFlagSet(name string) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	cf := &commonFlags{}
	fs.StringVar(&cf.configPath, "config", "", "Path to config file (or DOSEWATCH_CONFIG)")
	fs.StringVar(&cf.dataDir, "data", "", "Path to data directory (or DOSEWATCH_DATA_DIR)")
	return fs, cf
}

// newLogger uses the development encoder on a terminal and JSON otherwise.
func newLogger() *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	return logger
}

// openApp loads config, opens the store and builds the engine with state
// restored from disk.
func openApp(ctx context.Context, cf *commonFlags, logger *zap.Logger) (*app.App, error) {
	cfg, err := config.Load(cf.configPath, cf.dataDir)
	if err != nil {
		return nil, err
	}
	return buildApp(ctx, cfg, logger)
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app.App, error) {
	kv, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a, err := app.New(cfg, kv, nil, logger, version)
	if err != nil {
		kv.Close()
		return nil, err
	}
	return a, nil
}

func runServe(args []string) error {
	fs, cf := newFlagSet("serve")
	_ = fs.Parse(args)

	logger := newLogger()
	defer logger.Sync()
	logger.Info("Starting dosewatch", zap.String("version", version))

	ctx := context.Background()

	var current atomic.Pointer[app.App]
	cfg, err := config.Watch(cf.configPath, cf.dataDir,
		func(next *config.Config) {
			a := current.Load()
			if a == nil {
				return
			}
			if err := a.ApplyConfig(ctx, next); err != nil {
				logger.Warn("Reloaded configuration applied with errors", zap.Error(err))
			}
		},
		func(err error) {
			logger.Error("Ignoring invalid configuration change", zap.Error(err))
		},
	)
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	current.Store(a)

	return a.RunServer(ctx)
}

func printHelp() {
	fmt.Println(`dosewatch - medication reminders and missed-dose escalation

Usage:
  dosewatch [command] [flags]

Commands:
  serve       Run the scheduler, monitor and HTTP API (default)
  status      Show configuration and pending alerts
  history     Print dose history (--from, --to, --format json|yaml)
  adherence   Print adherence for a range (--from, --to)
  today       Print today's doses and their status
  replan      Rebuild every medication's alerts
  version     Print the version

Common flags:
  --config    Path to config file
  --data      Path to data directory`)
}
