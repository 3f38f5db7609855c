package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/twquant/tvgateway/internal/app"
	"github.com/twquant/tvgateway/internal/config"
	"github.com/twquant/tvgateway/pkg/logger"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		bootLog := logger.New(logger.Config{Level: "info"})
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:   cfg.LogLevel,
		Console: cfg.LogConsole,
		File:    cfg.LogFile,
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Int("port", cfg.Port).
		Bool("tx_enabled", cfg.TX.LoginEnabled).
		Bool("btc_enabled", cfg.BTC.LoginEnabled).
		Msg("Starting trading gateway")

	if err := cfg.Validate(); err != nil {
		log.Warn().Err(err).Msg("No market enabled, serving status endpoints only")
	}

	core, err := app.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to assemble gateway")
	}

	ctx := context.Background()
	if err := core.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start gateway")
	}

	go func() {
		if err := core.Serve(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	log.Info().Msg("Gateway started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	core.Shutdown(shutdownCtx)
}
