package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"promptgate/internal/cache"
	"promptgate/internal/config"
	"promptgate/internal/db"
	httpapi "promptgate/internal/http"
	"promptgate/internal/logging"
	"promptgate/internal/services"
)

func main() {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "promptgate"})

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Warn().Err(err).Msg("load .env failed")
		}
	} else if !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("stat .env failed")
	}

	cfg := config.Load()
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "promptgate"})
	if cfg.JWTSecretKey == "" {
		log.Fatal().Msg("JWT_SECRET_KEY is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("apply schema failed")
	}

	svc := services.New(pool, cfg)

	var opts []httpapi.Option
	if cfg.RedisURL != "" {
		rc, err := cache.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connect failed")
		}
		defer rc.Close()
		opts = append(opts, httpapi.WithTokenStore(rc))
	} else {
		log.Warn().Msg("REDIS_URL not set, token revocation and webhook claims disabled")
	}
	if cfg.StripeWebhookSecret == "" {
		log.Warn().Msg("STRIPE_WEBHOOK_SECRET not set, webhook endpoint disabled")
	}

	server := httpapi.NewServer(svc, cfg, opts...)
	httpServer := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ServerAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
}
