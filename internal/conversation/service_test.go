package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comigor/chatline/internal/apperr"
	"github.com/comigor/chatline/internal/history"
	"github.com/comigor/chatline/internal/llm"
	"github.com/comigor/chatline/internal/llm/llmtest"
)

type fixture struct {
	repo     *history.SQLite
	backend  *llmtest.Backend
	svc      *Service
	user     *history.User
	provider *history.Provider
	model    *history.Model
}

func newFixture(t *testing.T, replies ...llmtest.Reply) *fixture {
	t.Helper()
	ctx := context.Background()

	repo, err := history.OpenSQLite(ctx, filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	user, err := repo.CreateUser(ctx, "alice")
	require.NoError(t, err)
	key := "sk-test"
	provider, err := repo.CreateProvider(ctx, user.ID, "local", "http://llm.local", &key)
	require.NoError(t, err)
	model, err := repo.CreateModel(ctx, provider.ID, "gpt-test", "Test", 0, 0)
	require.NoError(t, err)

	backend := llmtest.New(replies...)
	return &fixture{
		repo:     repo,
		backend:  backend,
		svc:      New(repo, repo, backend, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))),
		user:     user,
		provider: provider,
		model:    model,
	}
}

func (f *fixture) session(t *testing.T) *history.Session {
	t.Helper()
	sess, err := f.svc.CreateSession(context.Background(), f.user.ID)
	require.NoError(t, err)
	return sess
}

func drainEvents(turn *Turn) []Event {
	var out []Event
	for ev := range turn.Events() {
		out = append(out, ev)
	}
	return out
}

func waitTurn(t *testing.T, turn *Turn) TurnResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := turn.Wait(ctx)
	require.NoError(t, err)
	return res
}

func deltas(events []Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Kind == EventDelta {
			out = append(out, ev.Text)
		}
	}
	return out
}

func TestSendMessage_StreamsPersistsAndTitles(t *testing.T) {
	f := newFixture(t, llmtest.Texts("Hi", " there"), llmtest.Texts("  Greeting chat \n"))
	ctx := context.Background()
	sess := f.session(t)

	turn, err := f.svc.SendMessage(ctx, f.user.ID, sess.ID, "Hello", f.model.ID)
	require.NoError(t, err)

	events := drainEvents(turn)
	assert.Equal(t, []string{"Hi", " there"}, deltas(events))
	assert.Len(t, events, 2)

	res := waitTurn(t, turn)
	require.NoError(t, res.PersistErr)
	require.NotNil(t, res.Assistant)
	assert.Equal(t, "Hi there", res.Assistant.Content)
	require.NotNil(t, res.Title)
	assert.Equal(t, "Greeting chat", *res.Title)
	assert.Equal(t, StateDone, turn.State())

	msgs, err := f.svc.ListMessages(ctx, f.user.ID, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, history.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, history.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hi there", msgs[1].Content)

	stored, err := f.repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Title)
	assert.Equal(t, "Greeting chat", *stored.Title)

	calls := f.backend.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, llm.Endpoint{BaseURL: "http://llm.local", APIKey: "sk-test"}, calls[0].Endpoint)
	assert.Equal(t, "gpt-test", calls[0].ModelID)
	assert.Equal(t, []llm.Message{{Role: llm.RoleUser, Content: "Hello"}}, calls[0].Messages)
	assert.Equal(t, []llm.Message{
		{Role: llm.RoleSystem, Content: titlePrompt},
		{Role: llm.RoleUser, Content: "Hello"},
	}, calls[1].Messages)
}

func TestSendMessage_SecondTurnKeepsTitleAndSendsHistory(t *testing.T) {
	f := newFixture(t,
		llmtest.Texts("Hi", " there"),
		llmtest.Texts("Greeting"),
		llmtest.Texts("Fine", ", thanks"),
	)
	ctx := context.Background()
	sess := f.session(t)

	turn, err := f.svc.SendMessage(ctx, f.user.ID, sess.ID, "Hello", f.model.ID)
	require.NoError(t, err)
	drainEvents(turn)
	waitTurn(t, turn)

	turn, err = f.svc.SendMessage(ctx, f.user.ID, sess.ID, "How are you?", f.model.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Fine", ", thanks"}, deltas(drainEvents(turn)))
	res := waitTurn(t, turn)
	assert.Nil(t, res.Title)

	calls := f.backend.Calls()
	require.Len(t, calls, 3, "no title request on the second turn")
	assert.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: "Hello"},
		{Role: llm.RoleAssistant, Content: "Hi there"},
		{Role: llm.RoleUser, Content: "How are you?"},
	}, calls[2].Messages)

	stored, err := f.repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "Greeting", *stored.Title)

	msgs, err := f.repo.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestSendMessage_Ownership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t)

	bob, err := f.repo.CreateUser(ctx, "bob")
	require.NoError(t, err)
	bobProvider, err := f.repo.CreateProvider(ctx, bob.ID, "bob's", "http://bob.local", nil)
	require.NoError(t, err)
	bobModel, err := f.repo.CreateModel(ctx, bobProvider.ID, "m", "M", 0, 0)
	require.NoError(t, err)

	cases := []struct {
		name      string
		userID    uuid.UUID
		sessionID uuid.UUID
		modelID   uuid.UUID
		want      apperr.Kind
	}{
		{"unknown session", f.user.ID, uuid.New(), f.model.ID, apperr.KindNotFound},
		{"someone else's session", bob.ID, sess.ID, bobModel.ID, apperr.KindForbidden},
		{"unknown model", f.user.ID, sess.ID, uuid.New(), apperr.KindNotFound},
		{"someone else's provider", f.user.ID, sess.ID, bobModel.ID, apperr.KindForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			turn, err := f.svc.SendMessage(ctx, tc.userID, tc.sessionID, "Hello", tc.modelID)
			require.Error(t, err)
			assert.Nil(t, turn)
			assert.Equal(t, tc.want, apperr.KindOf(err))
		})
	}
	assert.Empty(t, f.backend.Calls())

	_, err = f.svc.ListMessages(ctx, bob.ID, sess.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	_, err = f.svc.ListMessages(ctx, f.user.ID, uuid.New())
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	err = f.svc.DeleteSession(ctx, bob.ID, sess.ID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	err = f.svc.DeleteSession(ctx, f.user.ID, uuid.New())
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestSendMessage_ErrorItemsAreRelayedNotStored(t *testing.T) {
	boom := apperr.Internal("Failed to parse SSE data: {oops", errors.New("bad json"))
	f := newFixture(t, llmtest.Reply{Items: []llmtest.Item{
		llmtest.Text("Hel"),
		llmtest.Fail(boom),
		llmtest.Text("lo!"),
	}}, llmtest.Texts("T"))
	ctx := context.Background()
	sess := f.session(t)

	turn, err := f.svc.SendMessage(ctx, f.user.ID, sess.ID, "Hi", f.model.ID)
	require.NoError(t, err)

	events := drainEvents(turn)
	require.Len(t, events, 3)
	assert.Equal(t, Event{Kind: EventDelta, Text: "Hel"}, events[0])
	assert.Equal(t, EventError, events[1].Kind)
	assert.ErrorIs(t, events[1].Err, boom)
	assert.Equal(t, Event{Kind: EventDelta, Text: "lo!"}, events[2])

	res := waitTurn(t, turn)
	require.NotNil(t, res.Assistant)
	assert.Equal(t, "Hello!", res.Assistant.Content)
}

func TestSendMessage_RelayedTextMatchesStoredReply(t *testing.T) {
	chunks := []string{"The", " quick", " brown", " fox", " jumps", " over", " the", " lazy", " dog", "."}
	replies := []llmtest.Reply{llmtest.Texts(chunks...), llmtest.Texts("Fox")}
	f := newFixture(t, replies...)
	ctx := context.Background()
	sess := f.session(t)

	turn, err := f.svc.SendMessage(ctx, f.user.ID, sess.ID, "Say it", f.model.ID)
	require.NoError(t, err)

	var relayed string
	for _, d := range deltas(drainEvents(turn)) {
		relayed += d
	}
	res := waitTurn(t, turn)
	require.NotNil(t, res.Assistant)
	assert.Equal(t, relayed, res.Assistant.Content)
}

func TestSendMessage_IdleReaderDoesNotStallPersistence(t *testing.T) {
	chunks := make([]string, 0, 4*eventBufferSize)
	for i := range cap(chunks) {
		chunks = append(chunks, strconv.Itoa(i%10))
	}
	f := newFixture(t, llmtest.Texts(chunks...), llmtest.Texts("Digits"))
	sess := f.session(t)

	turn, err := f.svc.SendMessage(context.Background(), f.user.ID, sess.ID, "Count", f.model.ID)
	require.NoError(t, err)

	res := waitTurn(t, turn)
	require.NotNil(t, res.Assistant)
	assert.Equal(t, strings.Join(chunks, ""), res.Assistant.Content)

	assert.Equal(t, chunks, deltas(drainEvents(turn)), "everything is still delivered afterwards")
}

func TestSendMessage_CallerDisconnectStillPersists(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, llmtest.Reply{Items: []llmtest.Item{
		llmtest.Text("Hi"),
		{Text: " there", Wait: gate},
	}}, llmtest.Texts("Greeting"))
	sess := f.session(t)

	callerCtx, cancel := context.WithCancel(context.Background())
	turn, err := f.svc.SendMessage(callerCtx, f.user.ID, sess.ID, "Hello", f.model.ID)
	require.NoError(t, err)

	first := <-turn.Events()
	assert.Equal(t, "Hi", first.Text)
	cancel()
	close(gate)

	for range turn.Events() {
	}
	res := waitTurn(t, turn)
	require.NotNil(t, res.Assistant)
	assert.Equal(t, "Hi there", res.Assistant.Content)
	require.NotNil(t, res.Title)
	require.NoError(t, f.svc.Wait())

	msgs, err := f.repo.ListMessages(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

type failingStore struct {
	history.Store
	appendErr error
	deleted   int64
}

func (s *failingStore) AppendPair(context.Context, uuid.UUID, string, string) (*history.Message, error) {
	return nil, s.appendErr
}

func (s *failingStore) DeleteSession(context.Context, uuid.UUID) (int64, error) {
	return s.deleted, nil
}

func TestSendMessage_PersistFailureIsRecordedNotRelayed(t *testing.T) {
	f := newFixture(t, llmtest.Texts("Hi"), llmtest.Texts("Title"))
	diskFull := errors.New("disk full")
	svc := New(&failingStore{Store: f.repo, appendErr: diskFull}, f.repo, f.backend)
	ctx := context.Background()
	sess := f.session(t)

	turn, err := svc.SendMessage(ctx, f.user.ID, sess.ID, "Hello", f.model.ID)
	require.NoError(t, err)
	events := drainEvents(turn)
	assert.Equal(t, []Event{{Kind: EventDelta, Text: "Hi"}}, events)

	res := waitTurn(t, turn)
	assert.ErrorIs(t, res.PersistErr, diskFull)
	assert.Nil(t, res.Assistant)
	assert.Equal(t, StateDone, turn.State())

	msgs, err := f.repo.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendMessage_HandshakeFailureFailsCall(t *testing.T) {
	f := newFixture(t, llmtest.Reply{Err: apperr.BadRequestUpstream(401, "invalid api key")})
	ctx := context.Background()
	sess := f.session(t)

	turn, err := f.svc.SendMessage(ctx, f.user.ID, sess.ID, "Hello", f.model.ID)
	require.Error(t, err)
	assert.Nil(t, turn)
	assert.Equal(t, apperr.KindBadRequestUpstream, apperr.KindOf(err))
	assert.Contains(t, apperr.Message(err), "401")

	require.NoError(t, f.svc.Wait())
	msgs, err := f.repo.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendMessage_EmptyReplySkipsPersistence(t *testing.T) {
	f := newFixture(t, llmtest.Texts(), llmtest.Texts("Title"))
	ctx := context.Background()
	sess := f.session(t)

	turn, err := f.svc.SendMessage(ctx, f.user.ID, sess.ID, "Hello", f.model.ID)
	require.NoError(t, err)
	assert.Empty(t, drainEvents(turn))

	res := waitTurn(t, turn)
	assert.Nil(t, res.Assistant)
	assert.NoError(t, res.PersistErr)
	require.NotNil(t, res.Title, "titling does not depend on the reply")

	msgs, err := f.repo.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendMessage_TitleFailuresAreSwallowed(t *testing.T) {
	cases := map[string]llmtest.Reply{
		"handshake rejected": {Err: apperr.BadRequestUpstream(500, "nope")},
		"blank title":        llmtest.Texts("  ", "\n"),
	}
	for name, titleReply := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, llmtest.Texts("Hi"), titleReply)
			ctx := context.Background()
			sess := f.session(t)

			turn, err := f.svc.SendMessage(ctx, f.user.ID, sess.ID, "Hello", f.model.ID)
			require.NoError(t, err)
			drainEvents(turn)
			res := waitTurn(t, turn)
			assert.NotNil(t, res.Assistant)
			assert.Nil(t, res.Title)
			assert.Equal(t, StateDone, turn.State())

			stored, err := f.repo.GetSession(ctx, sess.ID)
			require.NoError(t, err)
			assert.Nil(t, stored.Title)
		})
	}
}

func TestSendMessage_ConcurrentTurns(t *testing.T) {
	const n = 6
	var replies []llmtest.Reply
	for range n {
		replies = append(replies, llmtest.Texts("ok"))
	}
	f := newFixture(t, replies...)
	ctx := context.Background()

	var sessions []*history.Session
	for range n {
		sessions = append(sessions, f.session(t))
	}
	// Titles are not needed here.
	for _, s := range sessions {
		_, err := f.repo.SetTitle(ctx, s.ID, "set")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			turn, err := f.svc.SendMessage(ctx, f.user.ID, s.ID, "ping", f.model.ID)
			if !assert.NoError(t, err) {
				return
			}
			drainEvents(turn)
		}()
	}
	wg.Wait()
	require.NoError(t, f.svc.Wait())

	for _, s := range sessions {
		msgs, err := f.repo.ListMessages(ctx, s.ID)
		require.NoError(t, err)
		assert.Len(t, msgs, 2)
	}
}

func TestDeleteSession(t *testing.T) {
	f := newFixture(t, llmtest.Texts("Hi"), llmtest.Texts("T"))
	ctx := context.Background()
	sess := f.session(t)

	turn, err := f.svc.SendMessage(ctx, f.user.ID, sess.ID, "Hello", f.model.ID)
	require.NoError(t, err)
	drainEvents(turn)
	waitTurn(t, turn)

	require.NoError(t, f.svc.DeleteSession(ctx, f.user.ID, sess.ID))
	err = f.svc.DeleteSession(ctx, f.user.ID, sess.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	list, err := f.svc.ListSessions(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDeleteSession_ZeroRowsIsNotFound(t *testing.T) {
	f := newFixture(t)
	svc := New(&failingStore{Store: f.repo, deleted: 0}, f.repo, f.backend)
	sess := f.session(t)

	err := svc.DeleteSession(context.Background(), f.user.ID, sess.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
