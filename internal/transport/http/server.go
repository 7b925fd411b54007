// Package http provides the HTTP server of the run controller.
package http

import (
	"crypto/subtle"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/xiaot623/reviewflow/internal/config"
	"github.com/xiaot623/reviewflow/internal/service"
	v1 "github.com/xiaot623/reviewflow/internal/transport/http/v1"
	"github.com/xiaot623/reviewflow/internal/transport/ws"
)

// NewServer creates the HTTP server serving the v1 API and the WebSocket
// session endpoint.
func NewServer(cfg *config.Config, svc *service.Service, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(requestLogger(logger.With().Str("component", "http").Logger()))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	if cfg.APIKey != "" {
		e.Use(apiKeyAuth(cfg.APIKey))
	}

	// Handlers
	v1Handler := v1.NewHandler(svc)
	wsServer := ws.NewServer(cfg, svc, logger)

	// Register Routes
	v1Handler.RegisterRoutes(e)
	e.GET("/socket/:process_id", wsServer.HandleWebSocket)

	return e
}

func requestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogError:     true,
		HandleError:  true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := logger.Info()
			if v.Error != nil || v.Status >= 500 {
				event = logger.Warn().Err(v.Error)
			}
			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Msg("request")
			return nil
		},
	})
}

// apiKeyAuth requires the configured key in the X-API-Key header or the
// api_key query parameter on every route but /health.
func apiKeyAuth(apiKey string) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup: "header:X-API-Key,query:api_key",
		Skipper: func(c echo.Context) bool {
			return strings.HasPrefix(c.Path(), "/health")
		},
		Validator: func(key string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1, nil
		},
	})
}
