package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Role of a persisted chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist, or when a
	// write refers to one that does not.
	ErrNotFound = errors.New("history: not found")
	// ErrConflict is returned when a write would duplicate a provider name
	// for a user or a model id within a provider.
	ErrConflict = errors.New("history: already exists")
)

// Session is a conversation thread owned by one user.
type Session struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Title     *string   `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message represents a single conversational message. Messages are never
// updated once written.
type Message struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type User struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Provider is a user-registered OpenAI-compatible endpoint.
type Provider struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Key       *string   `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Model is a remote model offered by a provider. ModelID is the identifier
// sent to the provider's API.
type Model struct {
	ID          uuid.UUID `json:"id"`
	ProviderID  uuid.UUID `json:"provider_id"`
	ModelID     string    `json:"model_id"`
	Name        string    `json:"name"`
	InputPrice  float64   `json:"input_price"`
	OutputPrice float64   `json:"output_price"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store is data access for sessions and their messages. It applies no
// ownership rules.
type Store interface {
	ListSessions(ctx context.Context, userID uuid.UUID) ([]Session, error)
	CreateSession(ctx context.Context, userID uuid.UUID) (*Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)
	// DeleteSession removes the session and its messages and reports the
	// number of sessions deleted.
	DeleteSession(ctx context.Context, id uuid.UUID) (int64, error)
	SetTitle(ctx context.Context, id uuid.UUID, title string) (*Session, error)

	// ListMessages returns the session's messages in creation order.
	ListMessages(ctx context.Context, sessionID uuid.UUID) ([]Message, error)
	// AppendPair writes a user message and its assistant reply in one
	// transaction and returns the assistant message.
	AppendPair(ctx context.Context, sessionID uuid.UUID, userText, assistantText string) (*Message, error)
}

// Catalog holds the users, providers and models a conversation refers to.
type Catalog interface {
	CreateUser(ctx context.Context, name string) (*User, error)
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)

	CreateProvider(ctx context.Context, userID uuid.UUID, name, url string, key *string) (*Provider, error)
	ListProviders(ctx context.Context, userID uuid.UUID) ([]Provider, error)
	// GetProviderForUser returns ErrNotFound when the provider does not exist
	// or belongs to someone else.
	GetProviderForUser(ctx context.Context, userID, providerID uuid.UUID) (*Provider, error)
	// UpdateProvider writes p's name, URL and key, scoped to p.UserID.
	UpdateProvider(ctx context.Context, p *Provider) (*Provider, error)
	// DeleteProvider removes a provider and its models and reports the number
	// of providers deleted.
	DeleteProvider(ctx context.Context, userID, providerID uuid.UUID) (int64, error)

	CreateModel(ctx context.Context, providerID uuid.UUID, modelID, name string, inputPrice, outputPrice float64) (*Model, error)
	ListModels(ctx context.Context, providerID uuid.UUID) ([]Model, error)
	GetModel(ctx context.Context, id uuid.UUID) (*Model, error)
	// UpdateModel writes m's model id, name and prices.
	UpdateModel(ctx context.Context, m *Model) (*Model, error)
	DeleteModel(ctx context.Context, id uuid.UUID) (int64, error)
}

// Repository is a complete storage backend.
type Repository interface {
	Store
	Catalog
	Close() error
}

func newID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// now truncates to microseconds so values survive both backends unchanged.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

type scanner interface {
	Scan(dest ...any) error
}

const (
	sessionColumns  = `id, user_id, title, created_at, updated_at`
	messageColumns  = `id, session_id, role, content, created_at, updated_at`
	providerColumns = `id, user_id, name, url, key, created_at, updated_at`
	modelColumns    = `id, provider_id, model_id, name, input_price, output_price, created_at, updated_at`
)

func scanSession(row scanner) (*Session, error) {
	var s Session
	if err := row.Scan(&s.ID, &s.UserID, &s.Title, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func scanMessage(row scanner) (*Message, error) {
	var m Message
	var role string
	if err := row.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Role = Role(role)
	return &m, nil
}

func scanProvider(row scanner) (*Provider, error) {
	var p Provider
	if err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.URL, &p.Key, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanModel(row scanner) (*Model, error) {
	var m Model
	if err := row.Scan(&m.ID, &m.ProviderID, &m.ModelID, &m.Name, &m.InputPrice, &m.OutputPrice, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}
