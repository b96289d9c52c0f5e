package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/pricebox/game-engine/internal/coeff"
	"github.com/pricebox/game-engine/internal/config"
	"github.com/pricebox/game-engine/internal/feed"
	"github.com/pricebox/game-engine/internal/game"
	"github.com/pricebox/game-engine/internal/metrics"
	"github.com/pricebox/game-engine/internal/model"
	"github.com/pricebox/game-engine/internal/quote"
	"github.com/pricebox/game-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration load failed", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Quote history ---
	var history store.QuoteHistory = store.NopHistory{}
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		history = store.NewRedisHistory(rdb, 0)
		slog.Info("Redis quote history enabled")
	}

	// --- Quote ingestor ---
	feedConfigs := []quote.FeedConfig{ingestorFeed(cfg.PrimaryFeed)}
	if cfg.SecondaryFeed.URL != "" {
		feedConfigs = append(feedConfigs, ingestorFeed(cfg.SecondaryFeed))
	}
	ingestor := quote.NewIngestor(feedConfigs, cfg.GraphPoints, history, logger)
	ingestor.StartHealthMonitor(cfg.HealthCheckInterval)
	defer ingestor.Stop()

	// --- Coefficient cache ---
	calc := coeff.NewHTTPCalculator(cfg.CoeffAPIURL)
	coeffEngineID := getEnv("ENGINE_ID", "box-game-engine")
	coeffCache := coeff.NewCache(calc, coeffEngineID, logger)

	// --- WebSocket hub ---
	wsHub := game.NewWSHub()
	go wsHub.Run()

	// --- Game engine ---
	sessions := game.NewSessionStore(cfg.SessionCacheCapacity, st, wsHub, logger)
	engine := game.NewEngine(ingestor, sessions, st, coeffCache, wsHub, logger, game.Options{
		AllowedInstruments: cfg.PrimaryFeed.AllowedInstruments,
		DefaultBoxSize: model.BoxSize{
			BoxesPerRow:    cfg.DefaultBoxesPerRow,
			BoxHeight:      cfg.DefaultBoxHeight,
			BoxWidth:       cfg.DefaultBoxWidth,
			TimeToFirstBox: cfg.DefaultTimeToFirstBox,
		},
		CoeffRefreshInterval: cfg.CoeffRefreshInterval,
	})
	ingestor.Subscribe(engine.OnPriceChanged)
	defer engine.Dispose()

	// --- Upstream feeds ---
	primary := feed.NewClient(cfg.PrimaryFeed.ID, cfg.PrimaryFeed.URL, ingestor, logger)
	primary.Start()
	defer primary.Stop()
	if cfg.SecondaryFeed.URL != "" {
		secondary := feed.NewClient(cfg.SecondaryFeed.ID, cfg.SecondaryFeed.URL, ingestor, logger)
		secondary.Start()
		defer secondary.Stop()
	}

	// --- Game service ---
	gameSvc := game.NewService(engine, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"game-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for per-user bet result delivery.
		r.Get("/ws/{userID}", gameSvc.HandleWS)

		// User session management.
		r.Post("/users/{userID}/init", gameSvc.InitUser)
		r.Get("/users/{userID}/balance", gameSvc.GetBalance)
		r.Put("/users/{userID}/balance", gameSvc.SetBalance)
		r.Post("/users/{userID}/events", gameSvc.PostUserEvent)

		// Bets.
		r.Post("/bets", gameSvc.PlaceBet)

		// Coefficient grid.
		r.Get("/coefficients/{instrument}", gameSvc.GetCoefficients)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("game-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down game-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("game-engine stopped")
}

func ingestorFeed(fc config.FeedConfig) quote.FeedConfig {
	return quote.FeedConfig{
		ID:                 fc.ID,
		AllowedInstruments: fc.AllowedInstruments,
		StalenessThreshold: fc.StalenessThreshold,
		ExclusionStart:     fc.ExclusionStart,
		ExclusionEnd:       fc.ExclusionEnd,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
