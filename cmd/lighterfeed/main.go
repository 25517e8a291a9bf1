package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/lighterfeed/lighterfeed/internal/broadcast"
	"github.com/lighterfeed/lighterfeed/internal/cache"
	"github.com/lighterfeed/lighterfeed/internal/config"
	"github.com/lighterfeed/lighterfeed/internal/errorlog"
	"github.com/lighterfeed/lighterfeed/internal/httpapi"
	"github.com/lighterfeed/lighterfeed/internal/registry"
	"github.com/lighterfeed/lighterfeed/internal/sink"
	"github.com/lighterfeed/lighterfeed/internal/supervisor"
	"github.com/lighterfeed/lighterfeed/internal/telemetry"
	"github.com/lighterfeed/lighterfeed/internal/version"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("starting lighterfeed", "version", version.Version, "commit", version.Commit)

	if err := config.LoadDotenv(".env"); err != nil {
		logger.Debug("no .env file loaded", "error", err)
	}

	cfg, err := config.LoadAndValidate(os.Getenv)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("configuration loaded", "accounts", len(cfg.Accounts), "host", cfg.Host, "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	c := cache.New()
	tel := telemetry.New()
	errs := errorlog.New()
	hub := broadcast.New()
	reg := registry.New(cfg.Accounts)

	var durableSink *sink.Sink
	if cfg.SinkEnabled() {
		durableSink, err = sink.Connect(ctx, cfg.SinkDatabaseURL, logger)
		if err != nil {
			logger.Warn("durable sink disabled: connect failed", "error", err)
			durableSink = &sink.Sink{}
		} else {
			durableSink.Start(ctx)
			logger.Info("durable sink connected")
		}
	} else {
		durableSink = &sink.Sink{}
	}

	sup, err := supervisor.New(supervisor.Config{
		Registry:       reg,
		Cache:          c,
		Telemetry:      tel,
		ErrorLog:       errs,
		Hub:            hub,
		RestSink:       durableSink,
		MergeSink:      durableSink,
		LighterBaseURL: cfg.LighterBaseURL,
		LighterWSURL:   cfg.LighterWSURL,
		PollInterval:   cfg.PollInterval,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to build supervisor", "error", err)
		os.Exit(1)
	}
	sup.Start(ctx)
	logger.Info("supervisor started", "accounts", reg.Len())

	api := httpapi.New(httpapi.Config{
		Cache:      c,
		Telemetry:  tel,
		ErrorLog:   errs,
		Hub:        hub,
		Registry:   reg,
		Supervisor: sup,
		Sink:       durableSink,
		RatePerSec: cfg.RateLimitPerSec,
		RateBurst:  cfg.RateLimitBurst,
		Logger:     logger,
	})
	addr := cfg.Host + ":" + strconv.Itoa(cfg.Port)
	api.Start(addr)
	logger.Info("http api listening", "addr", addr)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := api.Stop(shutdownCtx); err != nil {
		logger.Warn("http api shutdown error", "error", err)
	}
	sup.Stop()
	durableSink.Close(shutdownCtx)

	logger.Info("lighterfeed stopped")
}
