package api

import (
	"context"
	"fmt"

	"assetboard/internal/server/config"
	"assetboard/internal/server/service"
	"assetboard/internal/server/session"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
// Background work started for the router stops when ctx is cancelled.
func SetupRouter(ctx context.Context, handler *Handler, svc *service.AssetService, sessions *session.Manager, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Renderer = NewRenderer()

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(RequestLogger(cfg.TrustProxyHeaders))

	withSession := SessionMiddleware(sessions)
	gate := ModerationGate(svc, cfg.TrustProxyHeaders)

	// Rate limiter on uploads only
	uploadLimiter := NewRateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.TrustProxyHeaders)

	// Leave headroom for the text fields and multipart framing of both files.
	bodyLimit := middleware.BodyLimit(fmt.Sprintf("%dB", 2*cfg.MaxFileSize+1024*1024))

	// Health
	e.GET("/health", handler.HandleHealth)

	// Board
	e.GET("/", handler.HandleIndex, withSession, gate)
	e.POST("/", handler.HandleIndex, uploadLimiter.Middleware(), bodyLimit, withSession, gate)

	// Preview images
	e.GET("/uploads/images/:name", handler.HandlePreview, withSession, gate)

	return e
}
