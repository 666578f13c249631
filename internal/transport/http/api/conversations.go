package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/comigor/chatline/internal/conversation"
	"github.com/comigor/chatline/internal/history"
)

type sendMessageRequest struct {
	Content         string    `json:"content"`
	ProviderModelID uuid.UUID `json:"provider_model_id"`
}

type sessionsResponse struct {
	Items []history.Session `json:"items"`
}

type conversationResponse struct {
	ID    uuid.UUID         `json:"id"`
	Items []history.Message `json:"items"`
}

// ListConversations returns the caller's sessions.
// GET /api/conversations
func (h *Handler) ListConversations(c echo.Context) error {
	items, err := h.conv.ListSessions(c.Request().Context(), userID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ok(sessionsResponse{Items: items}, ""))
}

// CreateConversation starts an empty, untitled session.
// POST /api/conversations
func (h *Handler) CreateConversation(c echo.Context) error {
	sess, err := h.conv.CreateSession(c.Request().Context(), userID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ok(conversationResponse{ID: sess.ID, Items: []history.Message{}}, "Conversation created"))
}

// ListMessages returns a session's messages oldest first.
// GET /api/conversations/:id/messages
func (h *Handler) ListMessages(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.conv.ListMessages(c.Request().Context(), userID(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ok(conversationResponse{ID: id, Items: items}, ""))
}

// DeleteConversation removes a session and its messages.
// DELETE /api/conversations/:id
func (h *Handler) DeleteConversation(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := h.conv.DeleteSession(c.Request().Context(), userID(c), id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ok(conversationResponse{ID: id, Items: []history.Message{}}, "Conversation deleted"))
}

// SendMessage streams the reply as server-sent events, one data event per
// increment and an "error" event per failed item. With ?stream=false it
// waits for the stored reply and returns it as JSON instead.
// POST /api/conversations/:id/messages
func (h *Handler) SendMessage(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return invalid()
	}
	if req.Content == "" || req.ProviderModelID == uuid.Nil {
		return invalid()
	}

	ctx := c.Request().Context()
	turn, err := h.conv.SendMessage(ctx, userID(c), id, req.Content, req.ProviderModelID)
	if err != nil {
		return err
	}
	if c.QueryParam("stream") == "false" {
		return h.replyWhole(c, turn)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	events := turn.Events()
	for events != nil {
		select {
		case ev, open := <-events:
			if !open {
				events = nil
				continue
			}
			if ev.Kind == conversation.EventError {
				err = writeEvent(w, "error", streamErrorText(ev.Err))
			} else {
				err = writeEvent(w, "", ev.Text)
			}
			if err != nil {
				h.log.Debug("sse write failed", "session_id", id, "error", err)
				return nil
			}
			w.Flush()
		case <-ticker.C:
			if err := writeComment(w); err != nil {
				return nil
			}
			w.Flush()
		case <-ctx.Done():
			return nil
		}
	}

	// A follow-up read should see the stored pair.
	_, _ = turn.Wait(ctx)
	return nil
}

func (h *Handler) replyWhole(c echo.Context, turn *conversation.Turn) error {
	var firstErr error
	for ev := range turn.Events() {
		if ev.Kind == conversation.EventError && firstErr == nil {
			firstErr = ev.Err
		}
	}
	res, err := turn.Wait(c.Request().Context())
	if err != nil {
		return err
	}
	if res.PersistErr != nil {
		return res.PersistErr
	}
	if res.Assistant == nil {
		if firstErr != nil {
			return firstErr
		}
		return c.JSON(http.StatusOK, ok(nil, "Empty reply"))
	}
	return c.JSON(http.StatusOK, ok(res.Assistant, ""))
}
