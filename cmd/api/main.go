package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"fooocusbot/internal/app"
	httpapi "fooocusbot/internal/http"
	"fooocusbot/internal/http/handlers"
	"fooocusbot/internal/infra"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := app.Build(ctx, cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to build services")
	}
	defer svc.Close()

	api := &handlers.App{
		Runner:  svc.Runner,
		Backend: svc.Client,
		Health:  svc.Monitor,
		Logger:  &logger,
	}
	if svc.History != nil {
		api.History = svc.History
	}
	if svc.Archive != nil {
		api.Archive = svc.Archive
	}

	router := httpapi.NewRouter(api, httpapi.RouterOptions{
		Logger:               &logger,
		Requests:             svc.Metrics,
		Gatherer:             svc.Registry,
		AllowedOrigins:       cfg.AllowedOrigins,
		GenerationsPerMinute: cfg.GenerationRateLimit,
	})
	server := infra.NewHTTPServer(cfg, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Monitor.Run(gctx) })
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr()).Str("fooocus", svc.Client.BaseURL()).Msg("API listening")
		return server.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("api: stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("server stopped")
}
