package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx used here. *pgxpool.Pool and pgxmock pools
// both satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS providers (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		url TEXT NOT NULL,
		key TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS models (
		id UUID PRIMARY KEY,
		provider_id UUID NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
		model_id TEXT NOT NULL,
		name TEXT NOT NULL,
		input_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		output_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		title TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions (user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_providers_user ON providers (user_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_providers_user_name ON providers (user_id, name)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_models_provider_model ON models (provider_id, model_id)`,
}

// SQLSTATE codes mapped onto the package errors.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Postgres is the PostgreSQL backend.
type Postgres struct {
	db      Querier
	now     func() time.Time
	closeFn func()
}

var _ Repository = (*Postgres)(nil)

// NewPostgres wraps an existing pool. The caller owns the pool.
func NewPostgres(db Querier) *Postgres {
	return &Postgres{db: db, now: now}
}

// OpenPostgres connects a pool to dsn and ensures the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: connect postgres: %w", err)
	}
	p := NewPostgres(pool)
	p.closeFn = pool.Close
	if err := p.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// EnsureSchema creates the tables and indexes if they are missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := p.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("history: migrate postgres: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Close() error {
	if p.closeFn != nil {
		p.closeFn()
	}
	return nil
}

// postgresErr wraps err for op. Constraint failures also match ErrConflict
// (unique) or ErrNotFound (foreign key).
func postgresErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("history: %s: %w: %w", op, ErrConflict, err)
		case pgForeignKeyViolation:
			return fmt.Errorf("history: %s: %w: %w", op, ErrNotFound, err)
		}
	}
	return fmt.Errorf("history: %s: %w", op, err)
}

func (p *Postgres) ListSessions(ctx context.Context, userID uuid.UUID) ([]Session, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("history: list sessions: %w", err)
	}
	defer rows.Close()

	out := []Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("history: scan session: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateSession(ctx context.Context, userID uuid.UUID) (*Session, error) {
	ts := p.now()
	s := &Session{ID: newID(), UserID: userID, CreatedAt: ts, UpdatedAt: ts}
	if _, err := p.db.Exec(ctx,
		`INSERT INTO sessions (id, user_id, title, created_at, updated_at) VALUES ($1, $2, NULL, $3, $4)`,
		s.ID, s.UserID, s.CreatedAt, s.UpdatedAt); err != nil {
		return nil, postgresErr("create session", err)
	}
	return s, nil
}

func (p *Postgres) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	s, err := scanSession(p.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: get session: %w", err)
	}
	return s, nil
}

func (p *Postgres) DeleteSession(ctx context.Context, id uuid.UUID) (int64, error) {
	tag, err := p.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return 0, fmt.Errorf("history: delete session: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) SetTitle(ctx context.Context, id uuid.UUID, title string) (*Session, error) {
	s, err := scanSession(p.db.QueryRow(ctx,
		`UPDATE sessions SET title = $1, updated_at = $2 WHERE id = $3 RETURNING `+sessionColumns,
		title, p.now(), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: set title: %w", err)
	}
	return s, nil
}

func (p *Postgres) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]Message, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = $1 ORDER BY created_at ASC, id ASC`, sessionID)
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

// AppendPair rolls back explicitly on every failure path so a failed pair
// never leaves the user message behind.
func (p *Postgres) AppendPair(ctx context.Context, sessionID uuid.UUID, userText, assistantText string) (*Message, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("history: begin tx: %w", err)
	}
	fail := func(err error) (*Message, error) {
		_ = tx.Rollback(ctx)
		return nil, err
	}

	ts := p.now()
	user := Message{ID: newID(), SessionID: sessionID, Role: RoleUser, Content: userText, CreatedAt: ts, UpdatedAt: ts}
	assistant := Message{ID: newID(), SessionID: sessionID, Role: RoleAssistant, Content: assistantText, CreatedAt: ts, UpdatedAt: ts}

	const insert = `INSERT INTO messages (id, session_id, role, content, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := tx.Exec(ctx, insert, user.ID, user.SessionID, string(user.Role), user.Content, user.CreatedAt, user.UpdatedAt); err != nil {
		return fail(fmt.Errorf("history: insert user message: %w", err))
	}
	if _, err := tx.Exec(ctx, insert, assistant.ID, assistant.SessionID, string(assistant.Role), assistant.Content, assistant.CreatedAt, assistant.UpdatedAt); err != nil {
		return fail(fmt.Errorf("history: insert assistant message: %w", err))
	}
	if _, err := tx.Exec(ctx, `UPDATE sessions SET updated_at = $1 WHERE id = $2`, ts, sessionID); err != nil {
		return fail(fmt.Errorf("history: touch session: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return fail(fmt.Errorf("history: commit pair: %w", err))
	}
	return &assistant, nil
}

func (p *Postgres) CreateUser(ctx context.Context, name string) (*User, error) {
	u := &User{ID: newID(), Name: name, CreatedAt: p.now()}
	if _, err := p.db.Exec(ctx,
		`INSERT INTO users (id, name, created_at) VALUES ($1, $2, $3)`, u.ID, u.Name, u.CreatedAt); err != nil {
		return nil, fmt.Errorf("history: create user: %w", err)
	}
	return u, nil
}

func (p *Postgres) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := p.db.QueryRow(ctx, `SELECT id, name, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: get user: %w", err)
	}
	return &u, nil
}

func (p *Postgres) CreateProvider(ctx context.Context, userID uuid.UUID, name, url string, key *string) (*Provider, error) {
	ts := p.now()
	pr := &Provider{ID: newID(), UserID: userID, Name: name, URL: url, Key: key, CreatedAt: ts, UpdatedAt: ts}
	if _, err := p.db.Exec(ctx,
		`INSERT INTO providers (id, user_id, name, url, key, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		pr.ID, pr.UserID, pr.Name, pr.URL, pr.Key, pr.CreatedAt, pr.UpdatedAt); err != nil {
		return nil, postgresErr("create provider", err)
	}
	return pr, nil
}

func (p *Postgres) ListProviders(ctx context.Context, userID uuid.UUID) ([]Provider, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE user_id = $1 ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("history: list providers: %w", err)
	}
	defer rows.Close()

	out := []Provider{}
	for rows.Next() {
		pr, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("history: scan provider: %w", err)
		}
		out = append(out, *pr)
	}
	return out, rows.Err()
}

func (p *Postgres) GetProviderForUser(ctx context.Context, userID, providerID uuid.UUID) (*Provider, error) {
	pr, err := scanProvider(p.db.QueryRow(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE id = $1 AND user_id = $2`, providerID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: get provider: %w", err)
	}
	return pr, nil
}

func (p *Postgres) CreateModel(ctx context.Context, providerID uuid.UUID, modelID, name string, inputPrice, outputPrice float64) (*Model, error) {
	ts := p.now()
	m := &Model{ID: newID(), ProviderID: providerID, ModelID: modelID, Name: name, InputPrice: inputPrice, OutputPrice: outputPrice, CreatedAt: ts, UpdatedAt: ts}
	if _, err := p.db.Exec(ctx,
		`INSERT INTO models (id, provider_id, model_id, name, input_price, output_price, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.ProviderID, m.ModelID, m.Name, m.InputPrice, m.OutputPrice, m.CreatedAt, m.UpdatedAt); err != nil {
		return nil, postgresErr("create model", err)
	}
	return m, nil
}

func (p *Postgres) ListModels(ctx context.Context, providerID uuid.UUID) ([]Model, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+modelColumns+` FROM models WHERE provider_id = $1 ORDER BY created_at ASC, id ASC`, providerID)
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

func (p *Postgres) GetModel(ctx context.Context, id uuid.UUID) (*Model, error) {
	m, err := scanModel(p.db.QueryRow(ctx, `SELECT `+modelColumns+` FROM models WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: get model: %w", err)
	}
	return m, nil
}

func (p *Postgres) UpdateProvider(ctx context.Context, pr *Provider) (*Provider, error) {
	out, err := scanProvider(p.db.QueryRow(ctx,
		`UPDATE providers SET name = $1, url = $2, key = $3, updated_at = $4 WHERE id = $5 AND user_id = $6 RETURNING `+providerColumns,
		pr.Name, pr.URL, pr.Key, p.now(), pr.ID, pr.UserID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, postgresErr("update provider", err)
	}
	return out, nil
}

func (p *Postgres) DeleteProvider(ctx context.Context, userID, providerID uuid.UUID) (int64, error) {
	tag, err := p.db.Exec(ctx, `DELETE FROM providers WHERE id = $1 AND user_id = $2`, providerID, userID)
	if err != nil {
		return 0, fmt.Errorf("history: delete provider: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) UpdateModel(ctx context.Context, m *Model) (*Model, error) {
	out, err := scanModel(p.db.QueryRow(ctx,
		`UPDATE models SET model_id = $1, name = $2, input_price = $3, output_price = $4, updated_at = $5 WHERE id = $6 RETURNING `+modelColumns,
		m.ModelID, m.Name, m.InputPrice, m.OutputPrice, p.now(), m.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, postgresErr("update model", err)
	}
	return out, nil
}

func (p *Postgres) DeleteModel(ctx context.Context, id uuid.UUID) (int64, error) {
	tag, err := p.db.Exec(ctx, `DELETE FROM models WHERE id = $1`, id)
	if err != nil {
		return 0, fmt.Errorf("history: delete model: %w", err)
	}
	return tag.RowsAffected(), nil
}
