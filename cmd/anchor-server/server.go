package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/ehr/anchor/internal/domain/anchoring"
	"github.com/ehr/anchor/internal/platform/auth"
	"github.com/ehr/anchor/internal/platform/db"
	"github.com/ehr/anchor/internal/platform/hipaa"
	"github.com/ehr/anchor/internal/platform/middleware"
)

const version = "0.1.0"

// jwtConfig builds the auth configuration. AUTH_SIGNING_KEY may be given
// as hex or as a raw shared secret.
func jwtConfig(issuer, audience, jwksURL, signingKey string) auth.JWTConfig {
	cfg := auth.JWTConfig{Issuer: issuer, Audience: audience, JWKSURL: jwksURL}
	if signingKey != "" {
		if b, err := hex.DecodeString(signingKey); err == nil {
			cfg.SigningKey = b
		} else {
			cfg.SigningKey = []byte(signingKey)
		}
	}
	return cfg
}

// newServer builds the Echo instance with every route and middleware. It is
// separate from runServer so the full stack can be exercised in tests.
func newServer(a *app) *echo.Echo {
	cfg := a.cfg
	logger := a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.PayloadLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(a.metrics.Middleware())

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"backend": a.svc.BackendName(),
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool))
	e.GET("/health/ready", db.ReadinessHandler(a.readinessChecks()...))
	e.GET("/metrics", a.metrics.Handler())

	// API group
	apiV1 := e.Group(middleware.APIPrefix)
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	authCfg := jwtConfig(cfg.AuthIssuer, cfg.AuthAudience, cfg.AuthJWKSURL, cfg.AuthSigningKey)
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth: requests without a token get admin access")
		apiV1.Use(auth.DevAuthMiddleware(authCfg))
	} else {
		apiV1.Use(auth.JWTMiddleware(authCfg))
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(middleware.Audit(logger, accessRecorder(a.accessLog)))

	anchoring.NewHandler(a.svc).RegisterRoutes(apiV1)

	// Access log review
	auditGroup := apiV1.Group("", auth.RequireRole(auth.RoleAdmin))
	hipaa.NewAccessLogHandler(a.accessLog).RegisterRoutes(auditGroup)

	return e
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stdout, cfg)

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build anchoring service")
		return err
	}
	defer a.Close()

	e := newServer(a)

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
