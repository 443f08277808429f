package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"bottle-rewards-api/internal/cache"
	"bottle-rewards-api/internal/config"
	"bottle-rewards-api/internal/database"
	"bottle-rewards-api/internal/events"
	"bottle-rewards-api/internal/features"
	"bottle-rewards-api/internal/handler"
	"bottle-rewards-api/internal/logger"
	"bottle-rewards-api/internal/metrics"
	"bottle-rewards-api/internal/middleware"
	"bottle-rewards-api/internal/models"
	"bottle-rewards-api/internal/realtime"
	"bottle-rewards-api/internal/service"
	"bottle-rewards-api/internal/tracing"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configFile := flag.String("config", "", "Path to a JSON configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	zl, err := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zl.Sync()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	tracer, err := tracing.InitTracing(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Environment: cfg.Tracing.Environment,
	})
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}

	// Initialize database
	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer db.Close()

	readCache, closeCache, err := newCache(cfg.Cache)
	if err != nil {
		return err
	}
	defer closeCache()

	flags := features.NewDefaultManager(cfg.Features)
	bus := events.NewManager(true)
	defer bus.Shutdown()

	notifier := realtime.NewNotifier(realtime.Config{
		SendBuffer:     cfg.Realtime.SendBuffer,
		WriteTimeout:   time.Duration(cfg.Realtime.WriteTimeoutMS) * time.Millisecond,
		PingInterval:   time.Duration(cfg.Realtime.PingIntervalMS) * time.Millisecond,
		AllowedOrigins: cfg.Security.Origins(),
	})
	defer notifier.Close()
	notifier.Subscribe(bus, flags)

	svc := service.NewServiceWithOptions(db, service.Options{
		Cache:        readCache,
		CacheTTL:     cfg.Cache.TTL(),
		Features:     flags,
		Events:       bus,
		Tracer:       tracer,
		StoreTimeout: cfg.Database.Timeout(),
		BotDefaults: models.BotConfig{
			DefaultLocation: models.Location{
				Name: cfg.Bot.DefaultLocationName,
				Lat:  cfg.Bot.DefaultLat,
				Lon:  cfg.Bot.DefaultLon,
			},
			BottleExchange: models.BottleExchange{
				EquivalentInPoints: cfg.Bot.EquivalentInPoints,
			},
		},
	})

	h := handler.NewHandlerWithOptions(svc, handler.NewHandlerOptions{
		MaxBodySize: cfg.Security.MaxRequestBodySize,
	})

	// Setup router
	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.TracingMiddleware(cfg.Tracing.ServiceName))
	r.Use(middleware.RequestLogger())
	r.Use(middleware.MetricsMiddleware())

	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.Rate, time.Duration(cfg.RateLimit.Window)*time.Second)
		defer limiter.Stop()
		r.Use(middleware.RateLimitMiddleware(limiter))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Security.Origins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	h.Routes(r)
	r.Handle("/metrics", metrics.Handler())
	r.Handle("/ws", notifier)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		tlsEnabled := cfg.Server.CertFile != "" && cfg.Server.KeyFile != ""
		zl.Info("starting server",
			zap.String("addr", server.Addr),
			zap.Bool("tls", tlsEnabled),
			zap.String("database", cfg.Database.Path),
			zap.Bool("cache", readCache != nil),
			zap.Bool("rate_limit", cfg.RateLimit.Enabled),
		)

		var err error
		if tlsEnabled {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Graceful shutdown
	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case sig := <-sigint:
		zl.Info("shutting down server", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Viewers hold hijacked connections that Shutdown does not wait for.
	notifier.Close()
	if err := server.Shutdown(ctx); err != nil {
		zl.Error("error shutting down server", zap.Error(err))
	}
	if err := tracing.Shutdown(ctx); err != nil {
		zl.Warn("error flushing traces", zap.Error(err))
	}
	return <-serveErr
}

// newCache selects the read-model cache. A nil cache disables caching.
func newCache(cfg config.CacheConfig) (cache.Cache, func(), error) {
	if !cfg.Enabled {
		return nil, func() {}, nil
	}
	if cfg.RedisAddr == "" {
		return cache.NewInMemoryCache(), func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rc, err := cache.NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	return rc, func() { rc.Close() }, nil
}
