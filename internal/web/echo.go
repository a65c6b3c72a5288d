// Package web exposes the rescue daemon over HTTP.
package web

import (
	"fmt"
	"net/http"

	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/ziflex/lecho/v3"
	"golang.org/x/time/rate"

	"github.com/dmtrko/chain-rescue/internal/config"
)

type CustomValidator struct {
	Validator *validator.Validate
}

func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.Validator.Struct(i)
}

// InitEcho builds the echo app with the shared middleware stack. Route
// registration is the caller's job.
func InitEcho(c *config.Settings, logger *lecho.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.HTTPErrorHandler = HTTPErrorHandler
	e.Validator = &CustomValidator{Validator: validator.New()}

	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("250K"))
	// overall max requests/second across all endpoints
	e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(c.DefaultRateLimit))))

	e.Logger = logger
	e.Use(middleware.RequestID())

	// sentry init happens in main before the middlewares are added
	if c.SentryDSN != "" {
		e.Use(sentryecho.New(sentryecho.Options{}))
	}
	return e
}

// CreateLoggingMiddleware logs each request through the shared zerolog sink.
func CreateLoggingMiddleware(logger *lecho.Logger) echo.MiddlewareFunc {
	return lecho.Middleware(lecho.Config{
		Logger: logger,
		Enricher: func(c echo.Context, logger zerolog.Context) zerolog.Context {
			return logger.Str("SessionID", c.Param("id"))
		},
	})
}

// CreateRateLimitMiddleware limits by client address. Endpoints that sign and
// broadcast transactions get a stricter budget than status reads.
func CreateRateLimitMiddleware(requestsPerSecond int, burst int) echo.MiddlewareFunc {
	config := middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{Rate: rate.Limit(requestsPerSecond), Burst: burst},
		),
		IdentifierExtractor: func(ctx echo.Context) (string, error) {
			return ctx.RealIP(), nil
		},
	}

	return middleware.RateLimiterWithConfig(config)
}

// StartPrometheusEcho serves metrics on a second listener so the scrape port
// never shares the public one. The returned server is the caller's to shut
// down.
func StartPrometheusEcho(logger *lecho.Logger, port int, e *echo.Echo) *echo.Echo {
	echoPrometheus := echo.New()
	echoPrometheus.HideBanner = true
	prom := prometheus.NewPrometheus("echo", nil)
	e.Use(prom.HandlerFunc)
	prom.SetMetricsPath(echoPrometheus)
	echoPrometheus.Logger = logger
	echoPrometheus.Logger.Infof("Starting prometheus on port %d", port)
	go func() {
		if err := echoPrometheus.Start(fmt.Sprintf(":%d", port)); err != nil && err != http.ErrServerClosed {
			echoPrometheus.Logger.Fatal(err)
		}
	}()
	return echoPrometheus
}
