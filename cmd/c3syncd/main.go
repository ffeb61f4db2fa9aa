package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/c3sync/internal/auth"
	"github.com/danmuck/c3sync/internal/config"
	"github.com/danmuck/c3sync/internal/coordinator"
	"github.com/danmuck/c3sync/internal/httpapi"
	"github.com/danmuck/c3sync/internal/observability"
)

func main() {
	logger := observability.InitLogger("c3syncd")
	configPath := flag.String("config", envOr("C3SYNC_CONFIG", "c3syncd.toml"), "path to the TOML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Info().Str("path", *configPath).Int("panels", len(cfg.Panels)).Str("store", cfg.Store.Driver).Msg("loaded config")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	coord, err := coordinator.New(ctx, cfg.CoordinatorConfig(st, st))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start coordinator")
	}
	defer coord.Close()
	for _, p := range cfg.Panels {
		if err := coord.AddPanel(ctx, p); err != nil {
			logger.Error().Err(err).Str("panel", p.ID).Msg("panel not added")
		}
	}

	var validator auth.Validator
	if cfg.Auth.TokenHash != "" {
		v, err := auth.NewHashedToken(cfg.Auth.TokenHash)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid auth config")
		}
		validator = v
	} else {
		logger.Warn().Msg("auth.token_hash not set; HTTP API is unauthenticated")
	}

	srv := httpapi.NewServer(httpapi.Dependencies{
		Name:        "c3syncd",
		Addr:        cfg.Server.Addr,
		CorsOrigins: cfg.Server.CorsOrigins,
		Auth:        validator,
		Backend:     coord,
	})
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
