// Package http builds the public HTTP server.
package http

import (
	"context"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/comigor/chatline/internal/conversation"
	"github.com/comigor/chatline/internal/history"
	"github.com/comigor/chatline/internal/llm"
	"github.com/comigor/chatline/internal/logger"
	"github.com/comigor/chatline/internal/transport/http/api"
)

// NewServer creates the echo server with middleware and all routes.
func NewServer(conv *conversation.Service, catalog history.Catalog, lister llm.ModelLister, log *slog.Logger) *echo.Echo {
	log = logger.Or(log)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = api.ErrorHandler(log)

	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, api.UserHeader},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Error != nil || v.Status >= 500 {
				level = slog.LevelError
			}
			log.LogAttrs(context.Background(), level, "request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			)
			return nil
		},
	}))

	api.NewHandler(conv, catalog, lister, log).RegisterRoutes(e)
	return e
}
