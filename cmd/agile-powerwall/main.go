package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"golang.org/x/sync/errgroup"

	"github.com/pulquero/agile-powerwall/pkg/config"
	"github.com/pulquero/agile-powerwall/pkg/controller"
	"github.com/pulquero/agile-powerwall/pkg/homeassistant"
	"github.com/pulquero/agile-powerwall/pkg/log"
	"github.com/pulquero/agile-powerwall/pkg/metrics"
	"github.com/pulquero/agile-powerwall/pkg/octopus"
	"github.com/pulquero/agile-powerwall/pkg/powerwall"
	"github.com/pulquero/agile-powerwall/pkg/server"
	"github.com/pulquero/agile-powerwall/pkg/storage"
)

func main() {
	// init packages
	settings := config.Configured()
	gateway := powerwall.Configured()
	db := storage.Configured()
	ha := homeassistant.Configured()
	feedCfg := octopus.Configured()
	srv := server.Configured()

	// parse flags
	lflag.Configure()

	// lflag sets llog's level, slog needs it too
	level, err := log.LevelFromLLog(llog.GetLevel())
	if err != nil {
		panic(err)
	}
	log.SetDefaultLogLevel(level)
	slog.Debug("logger configured", slog.String("level", level.String()))

	metrics.Init()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()

	var opts []controller.Option
	if ha.Enabled() {
		opts = append(opts, controller.WithStates(ha), controller.WithStatus(ha))
	}
	c := controller.New(*settings, gateway, db, opts...)
	if err := c.Restore(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "starting with an empty week store", slog.Any("error", err))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.RunRollover(ctx)
		return nil
	})
	if feedCfg.Enabled() {
		feed := octopus.NewFeed(nil, *feedCfg, settings.Location)
		g.Go(func() error {
			feed.Run(ctx, c, func(ctx context.Context) {
				// errors are logged and published by Refresh
				_, _ = c.Refresh(ctx)
			})
			return nil
		})
	}
	g.Go(func() error {
		return srv.Run(ctx, c)
	})

	if err := g.Wait(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
