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

	"go.uber.org/zap"

	"pharmapos/backend/internal/cache"
	"pharmapos/backend/internal/cart"
	"pharmapos/backend/internal/config"
	"pharmapos/backend/internal/httpapi"
	"pharmapos/backend/internal/logging"
	"pharmapos/backend/internal/service"
	"pharmapos/backend/internal/store"
	"pharmapos/backend/internal/store/memory"
	pgstore "pharmapos/backend/internal/store/postgres"
	"pharmapos/backend/internal/terminal"
	"pharmapos/backend/internal/upstream"
	"pharmapos/backend/internal/xid"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid LOG_LEVEL: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}
	tax, err := taxPolicy(cfg)
	if err != nil {
		logger.Fatal("invalid tax configuration", zap.Error(err))
	}
	if err := xid.SetNode(cfg.SnowflakeNode); err != nil {
		logger.Fatal("invalid SNOWFLAKE_NODE", zap.Int64("node", cfg.SnowflakeNode), zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if cfg.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				logger.Fatal("schema migration failed", zap.Error(err))
			}
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres", zap.Bool("auto_migrate", cfg.AutoMigrate))
	} else {
		repo = memory.NewSeeded(logger)
		logger.Info("repository: in-memory")
	}

	var catalog cache.CatalogCache = cache.NoopCatalogCache{}
	var guard cache.SubmissionGuard = cache.NewMemoryGuard()
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, using noop catalog cache and in-process guard", zap.Error(err))
		} else {
			catalog = redisCache
			guard = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info("cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logger.Info("cache: noop")
	}

	svc := service.New(repo, catalog, logger, service.Options{
		DefaultShopID: cfg.DefaultShopID,
		ShopName:      cfg.ShopName,
		TaxPolicy:     tax,
		CatalogTTL:    cfg.CatalogCacheTTL(),
	})

	backend, err := terminalBackend(ctx, cfg, svc)
	if err != nil {
		logger.Fatal("upstream login failed", zap.String("url", cfg.UpstreamAPIURL), zap.Error(err))
	}
	if cfg.Gateway() {
		logger.Info("terminal backend: upstream", zap.String("url", cfg.UpstreamAPIURL))
	}
	terminals := terminal.NewManager(backend, guard, logger, terminal.Options{
		TaxPolicy:     tax,
		IdleTimeout:   cfg.SessionIdleTimeout(),
		SubmissionTTL: cfg.SubmissionLockTTL(),
	})

	auth := httpapi.NewAuthManager(ctx, cfg.AuthSecret, cfg.AccessTokenTTL(), repo, logger)
	api := httpapi.New(svc, terminals, auth, logger, cfg.AllowedOrigin)

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go terminals.Run(runCtx, time.Minute)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.UpstreamTimeout() + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("pharmapos backend listening", zap.String("addr", cfg.Address()), zap.String("tax", tax.Label))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	stopRun()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}

// terminalBackend picks where sales sessions submit: the local service, or
// a remote backend when UPSTREAM_API_URL is set.
func terminalBackend(ctx context.Context, cfg config.Config, svc *service.Service) (terminal.Backend, error) {
	if !cfg.Gateway() {
		return svc, nil
	}
	client := upstream.New(cfg.UpstreamAPIURL, cfg.UpstreamTimeout()).
		WithCredentials(cfg.UpstreamUsername, cfg.UpstreamPassword)
	if _, err := client.Login(ctx, cfg.UpstreamUsername, cfg.UpstreamPassword); err != nil {
		return nil, err
	}
	return client, nil
}

func taxPolicy(cfg config.Config) (cart.TaxPolicy, error) {
	return cart.NewTaxPolicy(cfg.TaxLabel, cfg.TaxRatePercent)
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.Gateway() && (cfg.UpstreamUsername == "" || cfg.UpstreamPassword == "") {
		return fmt.Errorf("UPSTREAM_USERNAME and UPSTREAM_PASSWORD are required when UPSTREAM_API_URL is set")
	}
	return nil
}
