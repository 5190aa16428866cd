package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/quiz-buzzer/internal/buzzer"
	"github.com/park285/quiz-buzzer/internal/config"
	"github.com/park285/quiz-buzzer/internal/coordinator"
	"github.com/park285/quiz-buzzer/internal/gamepack"
	"github.com/park285/quiz-buzzer/internal/ledger"
	"github.com/park285/quiz-buzzer/internal/msgcat"
	"github.com/park285/quiz-buzzer/internal/obslog"
	"github.com/park285/quiz-buzzer/internal/protocol"
	"github.com/park285/quiz-buzzer/internal/session"
	"github.com/park285/quiz-buzzer/internal/transport"
)

const directPath = "/direct"

func main() {
	if err := obslog.InitFromEnv("host"); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()
	logger := obslog.Named("main")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config_error", zap.Error(err))
	}
	if err := cfg.ValidateHost(); err != nil {
		logger.Fatal("config_invalid", zap.Error(err))
	}
	cat, err := msgcat.New(os.Getenv("BUZZER_MESSAGES_DIR"))
	if err != nil {
		logger.Fatal("messages_error", zap.Error(err))
	}

	var pack *gamepack.Pack
	if cfg.GamePackPath != "" {
		pack, err = gamepack.Load(cfg.GamePackPath)
		if err != nil {
			logger.Fatal("game_pack_error", zap.Error(err))
		}
		logger.Info("game_pack_loaded", zap.String("path", cfg.GamePackPath), zap.Int("questions", pack.Len()))
	}

	hostID := cfg.HostID
	if hostID == "" {
		hostID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := coordinator.Options{
		Timers: buzzer.Config{
			ReadingTimePerLetter: cfg.Timers.ReadingTimePerLetter,
			ResponseWindow:       cfg.Timers.ResponseWindow,
			HandicapDelay:        cfg.Timers.HandicapDelay,
			CompleteHold:         cfg.Timers.CompleteHold,
		},
		Clash:             coordinator.ClashPolicy{Enabled: cfg.Clash.Enabled, Window: cfg.Clash.Window, Bias: cfg.Clash.Bias},
		TeamIdleTTL:       cfg.Session.TeamIdleTTL,
		BroadcastInterval: cfg.Session.BroadcastInterval,
		Tick:              cfg.Timers.Tick,
		Pack:              pack,
	}
	if cfg.DatabaseURL != "" {
		repo, err := ledger.Open(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("ledger_open_error", zap.Error(err))
		}
		defer repo.Close()
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = repo.EnsureSchema(sctx)
		cancel()
		if err != nil {
			logger.Fatal("ledger_schema_error", zap.Error(err))
		}
		opts.Ledger = repo
	}

	var coord *coordinator.Coordinator
	host := session.NewHost(session.HostOptions{
		HandshakeTimeout:  cfg.Session.HandshakeTimeout,
		StaleAfter:        cfg.Session.StaleAfter,
		DisconnectCleanup: cfg.Session.DisconnectCleanup,
		Roster:            func() []protocol.TeamInfo { return coord.Roster() },
	})
	coord = coordinator.New(host, opts)

	candidates := cfg.DirectAdvertise
	if len(candidates) == 0 {
		candidates = transport.LocalCandidates(cfg.DirectListenAddr, directPath)
	}
	listener := transport.NewListener(transport.ListenerOptions{
		SignalURL:      cfg.RelayURL,
		HostID:         hostID,
		HostName:       cfg.HostName,
		Candidates:     candidates,
		STUNServer:     cfg.STUNServer,
		ListenAddr:     cfg.DirectListenAddr,
		DirectPath:     directPath,
		OriginPatterns: cfg.RelayAllowedOrigins,
	})
	defer listener.Close()

	server := &http.Server{
		Addr:              cfg.DirectListenAddr,
		Handler:           newRouter(listener, host),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	con := &console{coord: coord, host: host, cat: cat, out: os.Stdout, join: protocol.JoinLink(cfg.RelayURL, hostID)}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listener.Run(gctx) })
	g.Go(func() error { return host.Run(gctx) })
	g.Go(func() error {
		host.Serve(gctx, listener.Accept())
		return nil
	})
	g.Go(func() error { return coord.Run(gctx, host.Events()) })
	g.Go(func() error {
		logger.Info("direct_listening", zap.String("addr", server.Addr), zap.Strings("candidates", candidates))
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
	g.Go(func() error {
		con.say("host.ready", map[string]any{"Name": cfg.HostName, "ID": hostID, "Version": host.SessionVersion()})
		return con.run(gctx, os.Stdin)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errQuit) {
		logger.Error("host_stopped", zap.Error(err))
		return
	}
	logger.Info("host_shutdown_complete")
}

// newRouter serves the direct-link websocket and a health probe.
func newRouter(direct http.Handler, host *session.Host) http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, directPath, direct)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"sessions": len(host.Sessions()),
			"version":  host.SessionVersion(),
		})
	})
	return r
}
