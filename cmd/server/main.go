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
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/defunds/fund-engine/internal/asset"
	"github.com/defunds/fund-engine/internal/authority"
	"github.com/defunds/fund-engine/internal/config"
	"github.com/defunds/fund-engine/internal/database"
	"github.com/defunds/fund-engine/internal/fund"
	"github.com/defunds/fund-engine/internal/logging"
	"github.com/defunds/fund-engine/internal/metrics"
	"github.com/defunds/fund-engine/internal/middleware"
	"github.com/defunds/fund-engine/internal/policy"
	"github.com/defunds/fund-engine/internal/store"
	"github.com/defunds/fund-engine/internal/swap"
)

func main() {
	cfg := config.Load()

	logger, logCloser, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		slog.Error("logger setup failed", "err", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		slog.Info("connected to PostgreSQL")

		if cfg.RunMigrations {
			applied, err := database.RunMigrations(ctx, pool, database.Migrations())
			if err != nil {
				slog.Error("migrations failed", "err", err)
				os.Exit(1)
			}
			slog.Info("migrations applied", "files", applied)
		}
		st = store.NewPostgresStore(pool)

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Authority, policy and routers ---
	if cfg.AuthorityKey == "" {
		slog.Warn("AUTHORITY_KEY not set, capability proofs use a random per-process key")
	}
	auth := authority.NewTable([]byte(cfg.AuthorityKey))
	pol := policy.New(cfg.RouterAllowlist...)
	delegate := swap.NewDelegate(pol, auth)

	if cfg.RoutersFile != "" {
		if err := registerRouters(cfg.RoutersFile, pol, delegate); err != nil {
			slog.Error("router setup failed", "err", err)
			os.Exit(1)
		}
	}
	slog.Info("router allow-list", "targets", pol.AllowList())

	// --- WebSocket hub ---
	wsHub := fund.NewWSHub()
	go wsHub.Run(ctx)

	// --- Fund service ---
	svc := fund.NewService(st, auth, pol, delegate, wsHub, fund.Options{
		Treasury:       cfg.TreasuryAddress,
		AllowDevCredit: cfg.AllowDevCredit,
	})
	if cfg.AllowDevCredit {
		slog.Warn("development credit endpoint enabled")
	}

	authenticator := middleware.NewAuthenticator(middleware.AuthConfig{
		HMACSecret: cfg.JWTSecret,
		Issuer:     cfg.JWTIssuer,
	})
	if authenticator.DevMode() {
		slog.Warn("JWT_SECRET not set, callers identified by header", "header", middleware.DevCallerHeader)
	}

	limiter := middleware.NewRateLimiter(middleware.RateLimit{
		RequestsPerMinute: float64(cfg.RateLimitRPM),
		Burst:             cfg.RateLimitBurst,
	})
	go limiter.Run(ctx, time.Minute)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+middleware.DevCallerHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"fund-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for committed fund events. Outside the timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(30 * time.Second))
			r.Use(authenticator.Middleware)
			r.Use(limiter.Middleware)
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("fund-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down fund-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("fund-engine stopped")
}

// registerRouters loads the router file, registers one quote router per
// entry and adds the allowed ones to the policy allow-list.
func registerRouters(path string, pol *policy.Policy, delegate *swap.Delegate) error {
	rf, err := config.LoadRouters(path)
	if err != nil {
		return err
	}
	allowed := pol.AllowList()
	for _, spec := range rf.Routers {
		prices, err := spec.SwapPrices()
		if err != nil {
			return err
		}
		router := swap.NewQuoteRouter(spec.Name, prices...)
		delegate.Register(spec.Name, router)
		if spec.Allowed {
			allowed = append(allowed, asset.Target(spec.Name))
		}
		slog.Info("quote router registered",
			"name", spec.Name,
			"target", asset.Target(spec.Name),
			"reserve", router.Reserve(),
			"pairs", len(prices),
			"allowed", spec.Allowed,
		)
	}
	pol.SetAllowed(allowed)
	return nil
}
