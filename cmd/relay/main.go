package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/quiz-buzzer/internal/config"
	"github.com/park285/quiz-buzzer/internal/obslog"
	"github.com/park285/quiz-buzzer/internal/relay"
)

func main() {
	if err := obslog.InitFromEnv("relay"); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()
	logger := obslog.Named("main")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config_error", zap.Error(err))
	}
	if err := cfg.ValidateRelay(); err != nil {
		logger.Fatal("config_invalid", zap.Error(err))
	}

	sw := relay.New(relay.Options{AllowedOrigins: cfg.RelayAllowedOrigins})
	server := &http.Server{
		Addr:              cfg.RelayListenAddr,
		Handler:           sw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("relay_listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("relay_stopped", zap.Error(err))
		return
	}
	logger.Info("relay_shutdown_complete")
}
