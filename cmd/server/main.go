// IELTS AI Prep - Speaking Assessment Server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ieltsaiprep/speaking-server/internal/api"
	"github.com/ieltsaiprep/speaking-server/internal/config"
	"github.com/ieltsaiprep/speaking-server/internal/identity"
	"github.com/ieltsaiprep/speaking-server/internal/ledger"
	"github.com/ieltsaiprep/speaking-server/internal/live"
	"github.com/ieltsaiprep/speaking-server/internal/middleware"
	"github.com/ieltsaiprep/speaking-server/internal/routing"
	"github.com/ieltsaiprep/speaking-server/internal/session"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	store, err := ledger.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize entitlement ledger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			slog.Error("Failed to close entitlement ledger", "error", closeErr)
		}
	}()

	if err := store.Ping(context.Background()); err != nil {
		slog.Error("Ledger health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Entitlement ledger connected", "path", cfg.DBPath)

	dir, err := routing.LoadDirectory()
	if err != nil {
		slog.Error("Failed to load region catalog", "error", err)
		os.Exit(1)
	}
	if cfg.DefaultRegion != "" {
		if err := dir.SetDefaultRegion(cfg.DefaultRegion); err != nil {
			slog.Error("Invalid DEFAULT_REGION", "error", err)
			os.Exit(1)
		}
	}
	tracker := routing.NewHealthTracker(dir)
	selector := routing.NewSelector(dir, tracker, nil)
	slog.Info("Region catalog loaded",
		"regions", dir.Len(),
		"default_region", dir.DefaultRegion())

	creds := loadCredentials(cfg)
	dialer := live.NewWebSocketDialer(cfg.LiveEndpointTemplate, creds)

	sessions := session.NewManager()
	orch := session.NewOrchestrator(store, selector, tracker, dialer, sessions, session.Options{
		Ceiling:   cfg.SessionCeiling,
		VoiceName: cfg.VoiceName,
	})

	// Initialize handlers.
	baseHandler := api.NewHandler(store, dir, tracker)
	speakingHandler := api.NewSpeakingHandler(orch, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	baseHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/speaking", speakingHandler.ServeHTTP)

	// Create server. Live assessment websockets stay open for the full
	// session, so no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sessions.CloseAll(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// loadCredentials picks the configured credential source. A missing source
// is tolerated in development so the REST surface can run without the live
// service; session connects will fail until credentials are provided.
func loadCredentials(cfg *config.Config) *live.CredentialCache {
	if cfg.CredentialsPath != "" {
		return live.NewCredentialCache(live.FileSource{Path: cfg.CredentialsPath})
	}
	if os.Getenv(cfg.CredentialsEnvVar) != "" {
		return live.NewCredentialCache(live.EnvSource{Var: cfg.CredentialsEnvVar})
	}
	slog.Warn("No service account credentials configured, live sessions will be unauthenticated")
	return nil
}
