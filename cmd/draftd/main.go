// Command draftd runs the development draft backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/drjoon/abuts.fit-sub008/internal/devserver"
	"github.com/drjoon/abuts.fit-sub008/internal/inference"
	dlog "github.com/drjoon/abuts.fit-sub008/internal/log"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("draftd exited")
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dlog.Configure(dlog.Config{Level: os.Getenv("LOG_LEVEL"), Service: "draftd"})
	logger := dlog.Base()

	rawHTTPAddr := env("DRAFTD_HTTP_BIND", ":8080")
	httpAddr := sanitizeListenAddr(rawHTTPAddr)
	if httpAddr != rawHTTPAddr {
		logger.Warn().
			Str("raw", rawHTTPAddr).
			Str("sanitized", httpAddr).
			Msg("sanitized DRAFTD_HTTP_BIND; remove inline comments from address")
	}

	cfg := devserver.ConfigFromEnv()
	cfg.Logger = logger
	if path := os.Getenv("DRAFTD_RULES_FILE"); path != "" {
		rules, err := inference.LoadRules(path)
		if err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		cfg.Rules = rules
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	var store devserver.Store
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		pg, err := devserver.OpenPostgres(ctx, dsn)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pg.Close()
		store = pg
		logger.Info().Msg("using postgres store")
	} else {
		store = devserver.NewMemoryStore()
		logger.Info().Msg("using in-memory store")
	}

	if len(cfg.APIKeys) == 0 {
		logger.Warn().Msg("DRAFTD_API_KEYS not set; every caller is " + devserver.DefaultUser)
	}

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/", devserver.New(cfg, store).Handler())

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpAddr).Msg("draftd HTTP listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// sanitizeListenAddr trims whitespace/comments so malformed env values (e.g. ":8080 # dev") do not break ListenAndServe.
func sanitizeListenAddr(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return trimmed
	}
	fields := strings.Fields(trimmed)
	if len(fields) > 0 {
		trimmed = fields[0]
	}
	return strings.Trim(trimmed, "\"'")
}
