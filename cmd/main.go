package main

import (
	"context"
	"errors"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"tgsession/internal/config"
	"tgsession/internal/infrastructure"
	"tgsession/internal/interfaces"
	"tgsession/internal/interfaces/http"
	"tgsession/internal/repository"
	"tgsession/internal/usecases"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := infrastructure.InitLogger("tgsession", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	box, err := infrastructure.NewSecretBox(cfg.SecretKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid SECRET_KEY")
	}
	if !box.Enabled() {
		logger.Warn().Msg("SECRET_KEY not set, credentials are stored unencrypted")
	}

	store, err := openStore(ctx, cfg, box)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open credential store")
	}
	defer store.Close()
	logger.Info().Str("driver", cfg.StoreDriver).Msg("credential store ready")

	// Telegram clients
	gateway := infrastructure.NewMTProtoGateway(cfg.MTProtoGatewayURL, cfg.UpstreamTimeout, logger)
	bots := infrastructure.NewBotAPIDialer(cfg.BotAPIEndpoint, cfg.UpstreamTimeout)
	dialer := &infrastructure.TelegramDialer{Bot: bots, MTProto: gateway}

	arena := infrastructure.NewTenantArena()
	limiter := infrastructure.NewTenantRateLimiter(cfg.DefaultRateLimitRPS, cfg.DefaultMaxConcurrent)

	channels := usecases.NewChannelUsecase(store, store, arena, logger)
	pool := usecases.NewConnectionManager(store, dialer, limiter, arena, channels, usecases.PoolConfig{
		IdleTimeout:   cfg.IdleTimeout,
		SweepInterval: cfg.SweepInterval,
		DialTimeout:   cfg.DialTimeout,
	}, logger)
	verification := usecases.NewVerificationUsecase(store, gateway, bots, arena, pool, usecases.VerificationConfig{
		TTL:                  cfg.VerificationTTL,
		DefaultAPIID:         cfg.TelegramAPIID,
		DefaultAPIHash:       cfg.TelegramAPIHash,
		DefaultRPS:           cfg.DefaultRateLimitRPS,
		DefaultMaxConcurrent: cfg.DefaultMaxConcurrent,
	}, logger)
	qr := usecases.NewQRLoginUsecase(store, gateway, arena, pool, verification, usecases.QRConfig{
		TTL:                  cfg.QRLoginTTL,
		DefaultAPIID:         cfg.TelegramAPIID,
		DefaultAPIHash:       cfg.TelegramAPIHash,
		DefaultRPS:           cfg.DefaultRateLimitRPS,
		DefaultMaxConcurrent: cfg.DefaultMaxConcurrent,
	}, logger)
	admin := usecases.NewAdminUsecase(store, pool, limiter, arena, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	infrastructure.RegisterMetrics(registry)

	go pool.RunSweeper(ctx)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	http.SetupRoutes(r, http.Deps{
		Verification:  verification,
		QR:            qr,
		Pool:          pool,
		Channels:      channels,
		Admin:         admin,
		Middleware:    http.NewMiddleware(cfg.JWTSecret),
		Metrics:       registry,
		Logger:        logger,
		RatePerSecond: cfg.HTTPRatePerSecond,
		Burst:         cfg.HTTPBurst,
	})

	srv := &nethttp.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown incomplete")
	}
	pool.Shutdown()
}

func openStore(ctx context.Context, cfg config.Config, box *infrastructure.SecretBox) (interfaces.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		pg, err := infrastructure.NewPostgresClient(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return repository.NewPostgresStore(pg.Pool, box), nil
	case "sqlite":
		db, err := infrastructure.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return repository.NewSQLiteStore(db, box), nil
	}
	return repository.NewMemoryStore(), nil
}
