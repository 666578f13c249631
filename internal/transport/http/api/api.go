// Package api holds the JSON and SSE handlers for the /api routes.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/comigor/chatline/internal/apperr"
	"github.com/comigor/chatline/internal/conversation"
	"github.com/comigor/chatline/internal/history"
	"github.com/comigor/chatline/internal/llm"
	"github.com/comigor/chatline/internal/logger"
)

const (
	// UserHeader carries the authenticated caller. Authentication itself
	// happens in front of this service.
	UserHeader = "X-User-ID"

	userKey          = "user_id"
	defaultKeepAlive = 15 * time.Second
)

// Response is the envelope every JSON reply uses.
type Response struct {
	Success bool    `json:"success"`
	Data    any     `json:"data"`
	Message *string `json:"message"`
	Error   *string `json:"error"`
}

func ok(data any, message string) Response {
	r := Response{Success: true, Data: data}
	if message != "" {
		r.Message = &message
	}
	return r
}

func failed(msg string) Response {
	return Response{Error: &msg}
}

// Handler serves the conversation and provider routes.
type Handler struct {
	conv      *conversation.Service
	catalog   history.Catalog
	lister    llm.ModelLister
	log       *slog.Logger
	keepAlive time.Duration
}

func NewHandler(conv *conversation.Service, catalog history.Catalog, lister llm.ModelLister, log *slog.Logger) *Handler {
	return &Handler{conv: conv, catalog: catalog, lister: lister, log: logger.Or(log), keepAlive: defaultKeepAlive}
}

// RegisterRoutes registers the /api routes behind the caller middleware.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api", RequireUser(h.catalog))

	g.GET("/conversations", h.ListConversations)
	g.POST("/conversations", h.CreateConversation)
	g.GET("/conversations/:id/messages", h.ListMessages)
	g.POST("/conversations/:id/messages", h.SendMessage)
	g.DELETE("/conversations/:id", h.DeleteConversation)

	g.GET("/providers", h.ListProviders)
	g.POST("/providers", h.CreateProvider)
	g.GET("/providers/:provider_id", h.GetProvider)
	g.PUT("/providers/:provider_id", h.UpdateProvider)
	g.DELETE("/providers/:provider_id", h.DeleteProvider)
	g.POST("/providers/check/:provider_id", h.CheckProvider)
	g.GET("/providers/:provider_id/models", h.ListModels)
	g.POST("/providers/:provider_id/models", h.CreateModel)
	g.PUT("/providers/:provider_id/models/:model_id", h.UpdateModel)
	g.DELETE("/providers/:provider_id/models/:model_id", h.DeleteModel)

	e.GET("/health", h.Health)
}

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

// UserLookup resolves a caller id to a registered user.
type UserLookup interface {
	GetUser(ctx context.Context, id uuid.UUID) (*history.User, error)
}

// RequireUser resolves the caller from UserHeader. Unknown users are
// rejected like a missing header.
func RequireUser(users UserLookup) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, err := uuid.Parse(c.Request().Header.Get(UserHeader))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Failed to authenticate")
			}
			if _, err := users.GetUser(c.Request().Context(), id); err != nil {
				if errors.Is(err, history.ErrNotFound) {
					return echo.NewHTTPError(http.StatusUnauthorized, "Failed to authenticate")
				}
				return apperr.Internal("Database error", err)
			}
			c.Set(userKey, id)
			return next(c)
		}
	}
}

func userID(c echo.Context) uuid.UUID {
	id, _ := c.Get(userKey).(uuid.UUID)
	return id
}

func pathID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "Invalid id")
	}
	return id, nil
}

func invalid() error {
	return echo.NewHTTPError(http.StatusBadRequest, "Failed to validate request data")
}

// ErrorHandler renders errors in the response envelope. Internal causes are
// logged, never returned.
func ErrorHandler(log *slog.Logger) echo.HTTPErrorHandler {
	log = logger.Or(log)
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var (
			status int
			msg    string
			he     *echo.HTTPError
		)
		if errors.As(err, &he) {
			status, msg = he.Code, fmt.Sprint(he.Message)
		} else {
			kind := apperr.KindOf(err)
			status, msg = apperr.HTTPStatus(kind), apperr.Message(err)
		}

		if status >= http.StatusInternalServerError {
			log.Error("request failed", "method", c.Request().Method, "path", c.Path(), "status", status, "error", err)
		} else {
			log.Debug("request rejected", "method", c.Request().Method, "path", c.Path(), "status", status, "error", err)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, failed(msg))
		}
		if err != nil {
			log.Warn("failed to write error response", "error", err)
		}
	}
}
