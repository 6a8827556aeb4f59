package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"fooocusbot/internal/app"
	httpapi "fooocusbot/internal/http"
	"fooocusbot/internal/http/handlers"
	"fooocusbot/internal/infra"
	"fooocusbot/internal/telegram"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)
	if err := cfg.RequireBotToken(); err != nil {
		logger.Fatal().Err(err).Msg("bot: missing configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := app.Build(ctx, cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot: failed to build services")
	}
	defer svc.Close()

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot: telegram authorization failed")
	}
	api.Debug = cfg.AppEnv == "development"
	logger.Info().Str("username", api.Self.UserName).Str("fooocus", svc.Client.BaseURL()).Msg("bot: authorized")

	bot, err := telegram.New(telegram.Options{
		API:     api,
		Runner:  svc.Runner,
		Backend: svc.Client,
		Logger:  &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("bot: failed to configure")
	}

	ops := &handlers.App{
		Runner:  svc.Runner,
		Backend: svc.Client,
		Health:  svc.Monitor,
		Logger:  &logger,
	}
	if svc.History != nil {
		ops.History = svc.History
	}
	if svc.Archive != nil {
		ops.Archive = svc.Archive
	}
	router := httpapi.NewRouter(ops, httpapi.RouterOptions{
		Logger:               &logger,
		Requests:             svc.Metrics,
		Gatherer:             svc.Registry,
		AllowedOrigins:       cfg.AllowedOrigins,
		GenerationsPerMinute: cfg.GenerationRateLimit,
	})
	server := infra.NewHTTPServer(cfg, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bot.Run(gctx) })
	g.Go(func() error { return svc.Monitor.Run(gctx) })
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr()).Msg("bot: ops server listening")
		return server.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("bot: stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("bot: stopped")
}
