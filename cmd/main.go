package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/unimail/unimail/pkg/config"
	"github.com/unimail/unimail/pkg/imappool"
	"github.com/unimail/unimail/pkg/storage"
	"github.com/unimail/unimail/pkg/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	pool := imappool.New(imappool.Options{
		MaxConnections: cfg.PoolMaxConnections,
		MaxIdleTime:    cfg.PoolMaxIdle,
		KeepAliveAfter: cfg.PoolKeepAlive,
		Dialer:         imappool.DialIMAP,
		Logger:         logger.With().Str("component", "imappool").Logger(),
	})
	defer pool.CloseAll()

	cache, err := storage.NewAttachmentCache(cfg.FilesRoot, cfg.CacheMaxSize)
	if err != nil {
		return fmt.Errorf("failed to open attachment cache: %w", err)
	}
	if info, err := cache.Info(); err == nil {
		logger.Info().
			Int("cached_attachments", info.EntryCount).
			Int64("cache_bytes", info.TotalSize).
			Msg("attachment cache ready")
	}

	hooks := webhook.NewServer(webhook.Options{
		Secret: []byte(cfg.WebhookSecret),
		Logger: logger.With().Str("component", "webhook").Logger(),
	})

	logger.Info().
		Str("listen", cfg.WebhookListen).
		Bool("gmail", cfg.GmailConfigured()).
		Bool("outlook", cfg.OutlookConfigured()).
		Int("pool_size", cfg.PoolMaxConnections).
		Msg("email transport started")

	srv := &http.Server{
		Addr:         cfg.WebhookListen,
		Handler:      hooks,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}
