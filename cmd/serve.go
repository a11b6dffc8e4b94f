package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/clawbridge/internal/claudecli"
	"github.com/nextlevelbuilder/clawbridge/internal/config"
	"github.com/nextlevelbuilder/clawbridge/internal/history"
	"github.com/nextlevelbuilder/clawbridge/internal/logging"
	"github.com/nextlevelbuilder/clawbridge/internal/maintenance"
	"github.com/nextlevelbuilder/clawbridge/internal/security"
	"github.com/nextlevelbuilder/clawbridge/internal/store"
	"github.com/nextlevelbuilder/clawbridge/internal/telegram"
	"github.com/nextlevelbuilder/clawbridge/internal/telemetry"
	"github.com/nextlevelbuilder/clawbridge/internal/webhook"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bridge",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	if err := serve(); err != nil {
		fmt.Fprintf(os.Stderr, "clawbridge: %v\n", err)
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logging.Setup(cfg.Log, verbose)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	resolver := history.NewResolver(cfg.Claude.ConfigDir)

	builder := &claudecli.OptionsBuilder{
		Binary:         cfg.Claude.Binary,
		ConfigDir:      cfg.Claude.ConfigDir,
		DefaultModel:   cfg.Claude.Model,
		ConnectTimeout: cfg.Claude.ConnectTimeout(),
	}
	if cfg.Claude.EnforcePathBoundary {
		builder.Gate = security.NewValidator(cfg.Claude.ApprovedDirectories)
	} else {
		slog.Warn("path boundary enforcement disabled; agent tools may leave approved directories")
	}

	manager := claudecli.NewManager(claudecli.ManagerConfig{
		Builder:       builder,
		Store:         db.Sessions,
		Index:         resolver,
		IdleTimeout:   cfg.Claude.IdleTimeout(),
		ApprovedRoots: cfg.Claude.ApprovedDirectories,
	})

	channel, err := telegram.New(cfg, manager, db, resolver)
	if err != nil {
		return err
	}
	channel.SetTelemetry(tracer)

	sweeper, err := maintenance.NewSweeper(cfg.Cron.Schedule,
		time.Duration(cfg.Store.GCHorizonHours)*time.Hour, db.Sessions)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return channel.Start(gctx) })
	g.Go(func() error { return resolver.Watch(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })

	if cfg.Webhook.Enabled {
		hub := webhook.NewHub()
		channel.SetEventSink(hub)
		srv := webhook.NewServer(cfg.Webhook, cfg.Telegram.Allowed, channel, hub)
		g.Go(func() error { return srv.Start(gctx) })
	}

	slog.Info("clawbridge running", "version", Version,
		"directories", len(cfg.Claude.ApprovedDirectories),
		"webhook", cfg.Webhook.Enabled)

	err = g.Wait()

	// Orderly teardown: stop taking updates, kill agent subprocesses,
	// flush spans, then the deferred db.Close.
	channel.Stop()
	manager.DisconnectAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if terr := tracer.Shutdown(shutdownCtx); terr != nil {
		slog.Warn("telemetry shutdown failed", "error", terr)
	}

	if err != nil && ctx.Err() != nil {
		slog.Info("clawbridge stopped on signal")
		return nil
	}
	return err
}
