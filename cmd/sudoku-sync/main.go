// Sudoku session sync daemon.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/sudoku-sync/internal/api"
	"github.com/ashureev/sudoku-sync/internal/auth"
	"github.com/ashureev/sudoku-sync/internal/config"
	"github.com/ashureev/sudoku-sync/internal/domain"
	"github.com/ashureev/sudoku-sync/internal/identity"
	"github.com/ashureev/sudoku-sync/internal/middleware"
	"github.com/ashureev/sudoku-sync/internal/online"
	"github.com/ashureev/sudoku-sync/internal/remote"
	"github.com/ashureev/sudoku-sync/internal/sessions"
	"github.com/ashureev/sudoku-sync/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
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

	slog.Info("Starting sync daemon", "port", cfg.Port, "dev", cfg.IsDevelopment(), "app", cfg.App)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()

	// Local cache.
	cache, err := store.NewSQLite(cfg.DBPath, store.Options{
		QuotaBytes: cfg.QuotaBytes,
		Clock:      clock,
	})
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := cache.Close(); closeErr != nil {
			slog.Error("Failed to close local cache", "error", closeErr)
		}
	}()

	if err := cache.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	store.StartPurgeWorker(ctx, cache, store.PurgeWorkerInterval, cfg.PurgeAfter, nil)

	// Auth and connectivity.
	tokens, err := auth.NewManager(auth.Options{
		APIURL:   cfg.APIURL,
		Issuer:   cfg.AuthIssuer,
		ClientID: cfg.ClientID,
		Store:    cache,
		Clock:    clock,
	})
	if err != nil {
		slog.Error("Failed to initialize auth manager", "error", err)
		os.Exit(1)
	}

	monitor := online.NewMonitor(cfg.APIURL, &http.Client{Timeout: 10 * time.Second}, clock)
	monitor.ForceOffline(cfg.StartOffline)
	go monitor.Run(ctx, cfg.ProbeInterval)

	client := remote.NewClient(remote.Options{
		BaseURL:    cfg.APIURL,
		App:        cfg.App,
		HTTPClient: tokens.Client(),
		Auth:       tokens,
		Online:     monitor,
		Clock:      clock,
		RetryDelay: cfg.LoginRetryDelay,
	})

	// Reconciler.
	rec := sessions.New(sessions.Options{
		Puzzles: store.NewLocal[domain.GameState](cache, store.KindPuzzle, ""),
		Timers:  store.NewLocal[domain.Timer](cache, store.KindTimer, ""),
		Remote:  client,
		Prefix:  cache.Prefix(),
		Clock:   clock,
	})
	unsubscribe := tokens.Subscribe(func(state domain.AuthState) {
		sub := ""
		if state.User != nil {
			sub = state.User.Sub
		}
		rec.SetUser(sub)
	})
	defer unsubscribe()

	if err := tokens.Load(ctx); err != nil {
		slog.Error("Failed to restore auth state", "error", err)
	}

	rec.StartWorker(ctx, cfg.ReconcileInterval)

	// Handlers.
	streams := api.NewStreamManager()
	games := api.NewGames(ctx, api.GameDeps{
		Cache:   cache,
		Remote:  client,
		Friends: rec,
		Clock:   clock,
	})
	baseHandler := api.NewHandler(rec, tokens, client, cache, streams)
	healthHandler := api.NewHealthHandler(cache, monitor)
	streamHandler := api.NewStreamHandler(baseHandler, originPatterns(cfg.FrontendURL))

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	r.Use(identity.Middleware(tokens))

	healthHandler.RegisterHealth(r)
	api.NewSessionHandler(baseHandler).RegisterRoutes(r)
	api.NewAccountHandler(baseHandler).RegisterRoutes(r)
	api.NewPartyHandler(baseHandler, client).RegisterRoutes(r)
	api.NewPuzzleHandler(baseHandler, games).RegisterRoutes(r)
	streamHandler.RegisterRoutes(r)

	// Streams are long lived, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

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

	streams.CloseAll("server shutting down")
	games.CloseAll(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}

// originPatterns returns the WebSocket origin host patterns for the
// frontend. An empty result allows same-host origins only.
func originPatterns(frontendURL string) []string {
	if frontendURL == "" {
		return nil
	}
	u, err := url.Parse(frontendURL)
	if err != nil || u.Host == "" {
		slog.Warn("Ignoring invalid frontend URL for WebSocket origins", "frontend_url", frontendURL)
		return nil
	}
	return []string{u.Host}
}
