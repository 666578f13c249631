package conversation

import (
	"context"
	"strings"

	"github.com/comigor/chatline/internal/llm"
)

const titlePrompt = "You are a conversation title assistant. Based on the user's message below, generate a short, clear title (max 20 characters). Do not include quotes or periods."

// inferTitle asks the turn's model for a title and stores it. Only the user's
// message is sent, never the history. Failures are logged and dropped.
func (s *Service) inferTitle(ctx context.Context, t *Turn, in turnInput) (string, bool) {
	stream, err := s.backend.Chat(ctx, in.endpoint, in.modelID, []llm.Message{
		{Role: llm.RoleSystem, Content: titlePrompt},
		{Role: llm.RoleUser, Content: in.content},
	})
	if err != nil {
		t.log.Debug("title request failed", "error", err)
		return "", false
	}

	text, err := llm.Collect(stream)
	if err != nil {
		t.log.Debug("title stream had errors", "error", err)
	}
	title := strings.TrimSpace(text)
	if title == "" {
		return "", false
	}

	if _, err := s.store.SetTitle(ctx, t.SessionID, title); err != nil {
		t.log.Warn("failed to set session title", "error", err)
		return "", false
	}
	return title, true
}
