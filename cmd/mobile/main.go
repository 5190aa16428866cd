package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/quiz-buzzer/internal/config"
	"github.com/park285/quiz-buzzer/internal/delivery"
	"github.com/park285/quiz-buzzer/internal/discovery"
	"github.com/park285/quiz-buzzer/internal/kvstore"
	"github.com/park285/quiz-buzzer/internal/msgcat"
	"github.com/park285/quiz-buzzer/internal/obslog"
	"github.com/park285/quiz-buzzer/internal/session"
	"github.com/park285/quiz-buzzer/internal/transport"
)

func main() {
	if err := obslog.InitFromEnv("mobile"); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()
	logger := obslog.Named("main")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config_error", zap.Error(err))
	}
	if err := cfg.ValidateMobile(); err != nil {
		logger.Fatal("config_invalid", zap.Error(err))
	}
	cat, err := msgcat.New(os.Getenv("BUZZER_MESSAGES_DIR"))
	if err != nil {
		logger.Fatal("messages_error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store kvstore.Store
	if cfg.RedisURL != "" {
		rs, err := kvstore.OpenRedis(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			logger.Fatal("store_open_error", zap.Error(err))
		}
		defer rs.Close()
		store = rs
	} else {
		store = kvstore.NewMemory(nil)
	}

	hostID := cfg.TargetHostID
	if cfg.RelayHTTPURL != "" {
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		info, err := discovery.NewClient(cfg.RelayHTTPURL, discovery.WithRetry(3)).FindHost(dctx, cfg.TargetHostID)
		cancel()
		if err != nil {
			logger.Fatal("host_discovery_error", zap.Error(err))
		}
		hostID = info.PeerID
		logger.Info("host_found", zap.String("host_id", info.PeerID), zap.String("name", info.Name), zap.Int("clients", info.Clients))
		fmt.Println(cat.Text("mobile.found_host", info))
	}

	name := cfg.DisplayName
	if name == "" {
		if h, err := os.Hostname(); err == nil {
			name = h
		} else {
			name = "player"
		}
	}

	connector := transport.NewConnector(transport.ConnectorOptions{
		SignalURL:    cfg.RelayURL,
		HostID:       hostID,
		DirectWindow: cfg.Session.DirectWindow,
	})
	client, err := session.NewClient(session.ClientOptions{
		DisplayName:          name,
		Store:                store,
		Dialer:               connector,
		HandshakeTimeout:     cfg.Session.HandshakeTimeout,
		HeartbeatInterval:    cfg.Session.HeartbeatInterval,
		ProbeInterval:        cfg.Session.ProbeInterval,
		MaxReconnectFailures: cfg.Session.MaxReconnectFailures,
		TeamCacheTTL:         cfg.Session.TeamCacheTTL,
		Queue: delivery.Options{
			Tick:        cfg.Queue.Tick,
			BaseDelay:   cfg.Queue.BaseDelay,
			MaxDelay:    cfg.Queue.MaxDelay,
			MaxAttempts: cfg.Queue.MaxAttempts,
		},
	})
	if err != nil {
		logger.Fatal("client_init_error", zap.Error(err))
	}
	defer client.Close()

	p := newPlayer(client, cat, os.Stdout)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.watch(gctx) })
	g.Go(func() error {
		if err := client.Connect(gctx); err != nil {
			// Transient failures keep retrying in the background.
			logger.Warn("connect_failed", zap.Error(err))
		}
		return p.run(gctx, os.Stdin)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) && !errors.Is(err, context.Canceled) {
		logger.Error("mobile_stopped", zap.Error(err))
		return
	}
	logger.Info("mobile_shutdown_complete")
}
