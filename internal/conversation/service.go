// Package conversation runs chat turns: it checks ownership, assembles the
// history, starts a streaming completion and, in the background, relays the
// reply to the caller while accumulating it for storage. The first exchange of
// an untitled session also gets a generated title.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/comigor/chatline/internal/apperr"
	"github.com/comigor/chatline/internal/history"
	"github.com/comigor/chatline/internal/llm"
	"github.com/comigor/chatline/internal/logger"
)

// Service is safe for concurrent use. Turns share no state with each other.
type Service struct {
	store   history.Store
	catalog history.Catalog
	backend llm.Backend
	log     *slog.Logger

	// background holds every turn continuation still running.
	background errgroup.Group
}

type Option func(*Service)

// WithLogger sets the logger used by the service and its turns.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

func New(store history.Store, catalog history.Catalog, backend llm.Backend, opts ...Option) *Service {
	s := &Service{store: store, catalog: catalog, backend: backend}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.Or(s.log)
	return s
}

// Wait blocks until every background continuation has finished.
func (s *Service) Wait() error {
	return s.background.Wait()
}

func (s *Service) ListSessions(ctx context.Context, userID uuid.UUID) ([]history.Session, error) {
	sessions, err := s.store.ListSessions(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("Database error", err)
	}
	return sessions, nil
}

func (s *Service) CreateSession(ctx context.Context, userID uuid.UUID) (*history.Session, error) {
	sess, err := s.store.CreateSession(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("Database error", err)
	}
	return sess, nil
}

func (s *Service) ListMessages(ctx context.Context, userID, sessionID uuid.UUID) ([]history.Message, error) {
	if _, err := s.ownedSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, apperr.Internal("Database error", err)
	}
	return msgs, nil
}

func (s *Service) DeleteSession(ctx context.Context, userID, sessionID uuid.UUID) error {
	if _, err := s.ownedSession(ctx, userID, sessionID); err != nil {
		return err
	}
	n, err := s.store.DeleteSession(ctx, sessionID)
	if err != nil {
		return apperr.Internal("Database error", err)
	}
	if n == 0 {
		return apperr.NotFound("Session not found")
	}
	return nil
}

// SendMessage starts a turn. It returns once the backend has accepted the
// request; the reply is relayed on the turn's events while it is generated.
// Generation, persistence and titling carry on if ctx is cancelled.
func (s *Service) SendMessage(ctx context.Context, userID, sessionID uuid.UUID, content string, modelID uuid.UUID) (*Turn, error) {
	t := newTurn(sessionID, s.log.With("session_id", sessionID))
	fail := func(err error) (*Turn, error) {
		t.fire(ctx, triggerFailed)
		t.log.Debug("turn rejected", "error", err)
		return nil, err
	}

	sess, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return fail(err)
	}
	model, err := s.catalog.GetModel(ctx, modelID)
	if errors.Is(err, history.ErrNotFound) {
		return fail(apperr.NotFound("Model not found"))
	}
	if err != nil {
		return fail(apperr.Internal("Database error", err))
	}
	provider, err := s.catalog.GetProviderForUser(ctx, userID, model.ProviderID)
	if errors.Is(err, history.ErrNotFound) {
		return fail(apperr.Forbidden("Provider not accessible"))
	}
	if err != nil {
		return fail(apperr.Internal("Database error", err))
	}
	t.needsTitle = sess.Title == nil
	t.fire(ctx, triggerValidated)

	past, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		return fail(apperr.Internal("Database error", err))
	}
	messages := make([]llm.Message, 0, len(past)+1)
	for _, m := range past {
		messages = append(messages, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: content})

	ep := EndpointFor(provider)
	detached := context.WithoutCancel(ctx)
	stream, err := s.backend.Chat(detached, ep, model.ModelID, messages)
	if err != nil {
		return fail(err)
	}
	t.fire(ctx, triggerStreamOpen)

	t.startRelay(ctx)
	s.background.Go(func() error {
		s.continueTurn(ctx, t, stream, turnInput{endpoint: ep, modelID: model.ModelID, content: content})
		return nil
	})
	return t, nil
}

type turnInput struct {
	endpoint llm.Endpoint
	modelID  string
	content  string
}

// continueTurn relays and accumulates in one loop so both see the same items
// in the same order. Relaying stops with callerCtx; everything else runs to
// completion.
func (s *Service) continueTurn(callerCtx context.Context, t *Turn, stream *llm.Stream, in turnInput) {
	defer close(t.done)
	ctx := context.WithoutCancel(callerCtx)

	var reply strings.Builder
	relaying := true
	for text, err := range stream.All() {
		if err != nil {
			t.log.Warn("completion stream item failed", "error", err)
			if relaying {
				relaying = t.relay(callerCtx, Event{Kind: EventError, Err: err})
			}
			continue
		}
		reply.WriteString(text)
		if relaying {
			relaying = t.relay(callerCtx, Event{Kind: EventDelta, Text: text})
		}
		if !relaying {
			t.stopRelay()
		}
	}
	t.stopRelay()
	if !relaying {
		t.log.Info("caller went away, reply generated in background")
	}

	t.fire(ctx, triggerExhausted)
	if reply.Len() > 0 {
		msg, err := s.store.AppendPair(ctx, t.SessionID, in.content, reply.String())
		if err != nil {
			t.log.Error("failed to persist turn", "error", err)
			t.result.PersistErr = err
		} else {
			t.result.Assistant = msg
		}
	}

	t.fire(ctx, triggerPersisted)
	if t.State() != StateTitleInferring {
		return
	}
	if title, ok := s.inferTitle(ctx, t, in); ok {
		t.result.Title = &title
	}
	t.fire(ctx, triggerTitled)
}

// ownedSession loads a session and checks it belongs to userID.
func (s *Service) ownedSession(ctx context.Context, userID, sessionID uuid.UUID) (*history.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, history.ErrNotFound) {
		return nil, apperr.NotFound("Session not found")
	}
	if err != nil {
		return nil, apperr.Internal("Database error", err)
	}
	if sess.UserID != userID {
		return nil, apperr.Forbidden("Session not accessible")
	}
	return sess, nil
}

// EndpointFor returns how to reach provider p.
func EndpointFor(p *history.Provider) llm.Endpoint {
	ep := llm.Endpoint{BaseURL: p.URL}
	if p.Key != nil {
		ep.APIKey = *p.Key
	}
	return ep
}
