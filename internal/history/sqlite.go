package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/comigor/chatline/internal/logger"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS providers (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		url TEXT NOT NULL,
		key TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS models (
		id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
		model_id TEXT NOT NULL,
		name TEXT NOT NULL,
		input_price REAL NOT NULL DEFAULT 0,
		output_price REAL NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		title TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_providers_user ON providers(user_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_providers_user_name ON providers(user_id, name)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_models_provider_model ON models(provider_id, model_id)`,
}

// SQLite is the embedded backend.
type SQLite struct {
	db  *sql.DB
	now func() time.Time

	// betweenPairInserts runs inside AppendPair's transaction after the user
	// message is written. Tests use it to inject failures.
	betweenPairInserts func() error
}

var _ Repository = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at dsn. ":memory:" gives
// a private in-memory database.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	if dsn == "" {
		dsn = "chatline.db"
	}
	db, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}
	// Every connection to :memory: is a separate database.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: enable foreign keys: %w", err)
	}

	s := &SQLite{db: db, now: now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.L.Debug("sqlite history DB initialized", "dsn", dsn)
	return s, nil
}

// sqliteDSN adds the pragmas every pooled connection needs.
func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)"
}

func (s *SQLite) migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("history: migrate sqlite: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// sqliteErr wraps err for op. Constraint failures also match ErrConflict
// (unique) or ErrNotFound (foreign key).
func sqliteErr(op string, err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("history: %s: %w: %w", op, ErrConflict, err)
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return fmt.Errorf("history: %s: %w: %w", op, ErrNotFound, err)
		}
	}
	return fmt.Errorf("history: %s: %w", op, err)
}

func (s *SQLite) ListSessions(ctx context.Context, userID uuid.UUID) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("history: list sessions: %w", err)
	}
	defer rows.Close()

	out := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("history: scan session: %w", err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *SQLite) CreateSession(ctx context.Context, userID uuid.UUID) (*Session, error) {
	ts := s.now()
	sess := &Session{ID: newID(), UserID: userID, CreatedAt: ts, UpdatedAt: ts}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, title, created_at, updated_at) VALUES (?, ?, NULL, ?, ?)`,
		sess.ID, sess.UserID, sess.CreatedAt, sess.UpdatedAt); err != nil {
		return nil, sqliteErr("create session", err)
	}
	return sess, nil
}

func (s *SQLite) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: get session: %w", err)
	}
	return sess, nil
}

func (s *SQLite) DeleteSession(ctx context.Context, id uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("history: delete session: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) SetTitle(ctx context.Context, id uuid.UUID, title string) (*Session, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`, title, s.now(), id)
	if err != nil {
		return nil, fmt.Errorf("history: set title: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}
	return s.GetSession(ctx, id)
}

func (s *SQLite) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("history: list messages: %w", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("history: scan message: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *SQLite) AppendPair(ctx context.Context, sessionID uuid.UUID, userText, assistantText string) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("history: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	ts := s.now()
	user := Message{ID: newID(), SessionID: sessionID, Role: RoleUser, Content: userText, CreatedAt: ts, UpdatedAt: ts}
	assistant := Message{ID: newID(), SessionID: sessionID, Role: RoleAssistant, Content: assistantText, CreatedAt: ts, UpdatedAt: ts}

	const insert = `INSERT INTO messages (id, session_id, role, content, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insert, user.ID, user.SessionID, string(user.Role), user.Content, user.CreatedAt, user.UpdatedAt); err != nil {
		return nil, fmt.Errorf("history: insert user message: %w", err)
	}
	if s.betweenPairInserts != nil {
		if err := s.betweenPairInserts(); err != nil {
			return nil, err
		}
	}
	if _, err := tx.ExecContext(ctx, insert, assistant.ID, assistant.SessionID, string(assistant.Role), assistant.Content, assistant.CreatedAt, assistant.UpdatedAt); err != nil {
		return nil, fmt.Errorf("history: insert assistant message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, ts, sessionID); err != nil {
		return nil, fmt.Errorf("history: touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("history: commit pair: %w", err)
	}
	return &assistant, nil
}

func (s *SQLite) CreateUser(ctx context.Context, name string) (*User, error) {
	u := &User{ID: newID(), Name: name, CreatedAt: s.now()}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, created_at) VALUES (?, ?, ?)`, u.ID, u.Name, u.CreatedAt); err != nil {
		return nil, fmt.Errorf("history: create user: %w", err)
	}
	return u, nil
}

func (s *SQLite) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: get user: %w", err)
	}
	return &u, nil
}

func (s *SQLite) CreateProvider(ctx context.Context, userID uuid.UUID, name, url string, key *string) (*Provider, error) {
	ts := s.now()
	p := &Provider{ID: newID(), UserID: userID, Name: name, URL: url, Key: key, CreatedAt: ts, UpdatedAt: ts}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO providers (id, user_id, name, url, key, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Name, p.URL, p.Key, p.CreatedAt, p.UpdatedAt); err != nil {
		return nil, sqliteErr("create provider", err)
	}
	return p, nil
}

func (s *SQLite) ListProviders(ctx context.Context, userID uuid.UUID) ([]Provider, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE user_id = ? ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("history: list providers: %w", err)
	}
	defer rows.Close()

	out := []Provider{}
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("history: scan provider: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *SQLite) GetProviderForUser(ctx context.Context, userID, providerID uuid.UUID) (*Provider, error) {
	p, err := scanProvider(s.db.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE id = ? AND user_id = ?`, providerID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: get provider: %w", err)
	}
	return p, nil
}

func (s *SQLite) CreateModel(ctx context.Context, providerID uuid.UUID, modelID, name string, inputPrice, outputPrice float64) (*Model, error) {
	ts := s.now()
	m := &Model{ID: newID(), ProviderID: providerID, ModelID: modelID, Name: name, InputPrice: inputPrice, OutputPrice: outputPrice, CreatedAt: ts, UpdatedAt: ts}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO models (id, provider_id, model_id, name, input_price, output_price, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProviderID, m.ModelID, m.Name, m.InputPrice, m.OutputPrice, m.CreatedAt, m.UpdatedAt); err != nil {
		return nil, sqliteErr("create model", err)
	}
	return m, nil
}

func (s *SQLite) ListModels(ctx context.Context, providerID uuid.UUID) ([]Model, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+modelColumns+` FROM models WHERE provider_id = ? ORDER BY created_at ASC, id ASC`, providerID)
	if err != nil {
		return nil, fmt.Errorf("history: list models: %w", err)
	}
	defer rows.Close()

	out := []Model{}
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("history: scan model: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *SQLite) GetModel(ctx context.Context, id uuid.UUID) (*Model, error) {
	m, err := scanModel(s.db.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM models WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: get model: %w", err)
	}
	return m, nil
}

func (s *SQLite) UpdateProvider(ctx context.Context, p *Provider) (*Provider, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE providers SET name = ?, url = ?, key = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		p.Name, p.URL, p.Key, s.now(), p.ID, p.UserID)
	if err != nil {
		return nil, sqliteErr("update provider", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}
	return s.GetProviderForUser(ctx, p.UserID, p.ID)
}

func (s *SQLite) DeleteProvider(ctx context.Context, userID, providerID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE id = ? AND user_id = ?`, providerID, userID)
	if err != nil {
		return 0, fmt.Errorf("history: delete provider: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) UpdateModel(ctx context.Context, m *Model) (*Model, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE models SET model_id = ?, name = ?, input_price = ?, output_price = ?, updated_at = ? WHERE id = ?`,
		m.ModelID, m.Name, m.InputPrice, m.OutputPrice, s.now(), m.ID)
	if err != nil {
		return nil, sqliteErr("update model", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}
	return s.GetModel(ctx, m.ID)
}

func (s *SQLite) DeleteModel(ctx context.Context, id uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("history: delete model: %w", err)
	}
	return res.RowsAffected()
}
