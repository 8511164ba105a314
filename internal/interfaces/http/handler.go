package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tgsession/internal/usecases"
)

const maxRequestBytes = 1 << 20

// Deps is everything the HTTP layer needs from the rest of the service.
type Deps struct {
	Verification *usecases.VerificationUsecase
	QR           *usecases.QRLoginUsecase
	Pool         *usecases.ConnectionManager
	Channels     *usecases.ChannelUsecase
	Admin        *usecases.AdminUsecase

	Middleware *Middleware
	Metrics    prometheus.Gatherer
	Logger     zerolog.Logger

	// per-tenant HTTP limit, independent of the Telegram admission limiter
	RatePerSecond float64
	Burst         int
}

func SetupRoutes(r *gin.Engine, d Deps) {
	telegramHandler := NewTelegramHandler(d.Verification, d.QR, d.Pool, d.Channels)
	adminHandler := NewAdminHandler(d.Admin)

	r.Use(SecurityHeaders())
	r.Use(RequestSizeLimiter(maxRequestBytes))
	r.Use(d.Middleware.CORSMiddleware())
	r.Use(RequestLogger(d.Logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "pooled_connections": d.Pool.PoolLen()})
	})
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Metrics, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	api.Use(d.Middleware.AuthRequired())
	api.Use(d.Middleware.RateLimitPerTenant(rate.Limit(d.RatePerSecond), d.Burst))
	{
		telegramHandler.RegisterRoutes(api)
	}

	admin := r.Group("/api/admin")
	admin.Use(d.Middleware.AuthRequired())
	admin.Use(d.Middleware.AdminRequired())
	{
		adminHandler.RegisterRoutes(admin)
	}
}
