// OmniDesk - operator console for a remote computer-use agent.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/omnidesk/internal/api"
	"github.com/ashureev/omnidesk/internal/catalog"
	"github.com/ashureev/omnidesk/internal/config"
	"github.com/ashureev/omnidesk/internal/console"
	"github.com/ashureev/omnidesk/internal/health"
	"github.com/ashureev/omnidesk/internal/metrics"
	"github.com/ashureev/omnidesk/internal/middleware"
	"github.com/ashureev/omnidesk/internal/session"
	"github.com/ashureev/omnidesk/internal/settings"
	"github.com/ashureev/omnidesk/internal/store"
	"github.com/ashureev/omnidesk/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

//nolint:gocyclo // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "agent", cfg.StreamURL(), "dev", cfg.IsDevelopment())

	journal, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := journal.Close(); closeErr != nil {
			slog.Error("Failed to close journal", "error", closeErr)
		}
	}()
	if err := journal.Ping(context.Background()); err != nil {
		return err
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	m := metrics.New()
	cat := catalog.Default()
	recorder := store.NewConnectionRecorder(journal, logger, 64)
	defer recorder.Close()

	var healthSrv *health.Server
	if cfg.GRPCHealthAddr != "" {
		healthSrv = health.NewServer(logger)
	}

	transcript, err := console.NewConversationLogger(console.ConversationLogConfig{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := transcript.Close(); closeErr != nil {
			slog.Warn("Failed to close conversation logger", "error", closeErr)
		}
	}()

	// The state hook needs the transport and controller, which need the hook.
	var (
		transport *session.Transport
		ctrl      *console.Controller
	)
	onStateChange := func(s session.State) {
		m.ConnectionStateChanged(s)
		if healthSrv != nil {
			healthSrv.ConnectionChanged(s)
		}
		detail := ""
		if s == session.Disconnected && transport.Exhausted() {
			detail = "reconnect attempts exhausted"
		}
		recorder.ConnectionChanged(s, transport.Policy().AttemptsMade, detail)
		if ctrl != nil {
			ctrl.ConnectionChanged(s)
		}
	}

	transport = session.New(session.Options{
		URL:           cfg.StreamURL(),
		MaxAttempts:   cfg.ReconnectMaxAttempts,
		Delay:         cfg.ReconnectDelay,
		DialTimeout:   cfg.DialTimeout,
		Dialer:        session.WebSocketDialer{ReadLimit: cfg.WSReadLimit},
		Logger:        logger,
		Recorder:      m,
		OnStateChange: onStateChange,
	})
	ctrl = console.New(transport, console.Options{
		Logger:     logger,
		Recorder:   m,
		Transcript: transcript,
	})
	defer ctrl.Close()

	settingsClient := settings.NewClient(cfg.AgentAPIURL, nil, cat, logger)
	apiHandler := api.NewHandler(api.Options{
		Session:  ctrl,
		Settings: settingsClient,
		Journal:  journal,
		Catalog:  cat,
		SendRate: cfg.SendRateLimit,
		Logger:   logger,
	})

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(m.Middleware)
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	apiHandler.RegisterRoutes(r)
	r.Handle("/metrics", m.Handler())
	r.Handle("/*", web.SPAHandler())

	// SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	var healthLis net.Listener
	if healthSrv != nil {
		if healthLis, err = net.Listen("tcp", cfg.GRPCHealthAddr); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	retentionDone := store.StartRetentionWorker(gctx, journal, cfg.JournalRetention, store.DefaultRetentionInterval)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if healthLis != nil {
		g.Go(func() error { return healthSrv.Serve(healthLis) })
	}

	// A failed first dial schedules retries on its own.
	go func() {
		connectCtx, cancel := context.WithTimeout(gctx, cfg.DialTimeout)
		defer cancel()
		if err := transport.Connect(connectCtx); err != nil {
			slog.Warn("Initial connection to agent failed", "error", err)
		}
	}()

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		transport.Disconnect()
		apiHandler.Close()
		if healthSrv != nil {
			healthSrv.Stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
			return err
		}
		return nil
	})

	err = g.Wait()
	<-retentionDone
	return err
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
