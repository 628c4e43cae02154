// Command goldfix runs one Engine from a YAML configuration file: it
// registers every configured session, starts listeners/initiators, and
// optionally serves the read-only admin HTTP surface, blocking until
// interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/coreline/goldfix/internal/flog"
	"github.com/coreline/goldfix/internal/httpadmin"
	"github.com/coreline/goldfix/pkg/fixconfig"
	"github.com/coreline/goldfix/pkg/fixengine"
	"github.com/coreline/goldfix/pkg/fixsession"
)

func main() {
	var configPath string
	var logLevel string

	app := &cli.App{
		Name:  "goldfix",
		Usage: "FIX session engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to the engine's YAML configuration file",
				Destination: &configPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Aliases:     []string{"l"},
				Usage:       "Logging level (debug, info, warn, error)",
				Value:       "info",
				Destination: &logLevel,
			},
		},
		Action: func(c *cli.Context) error {
			return run(configPath, logLevel)
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, logLevel string) error {
	lvl, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	zerolog.SetGlobalLevel(lvl)
	log := flog.Default()

	cfg, err := fixconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	engine, err := fixengine.New(cfg.StoreDir, log)
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	for _, sc := range cfg.Sessions {
		if err := engine.AddSession(sc.ToSessionConfig(), fixsession.NopHandler{}); err != nil {
			return fmt.Errorf("registering session %s/%s/%s: %w", sc.BeginString, sc.SenderCompID, sc.TargetCompID, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	if cfg.AdminAddr != "" {
		admin := httpadmin.New(cfg.AdminAddr, engine, log)
		go func() {
			if err := admin.Run(ctx); err != nil {
				log.Log(flog.LevelError, "admin server exited", "err", err)
			}
		}()
	}

	log.Log(flog.LevelInfo, "goldfix engine running", "sessions", len(cfg.Sessions))
	<-ctx.Done()
	log.Log(flog.LevelInfo, "shutting down")
	return engine.Stop(context.Background())
}
