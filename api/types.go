package api

import (
	"context"
	"encoding/json"

	"github.com/johanlelan/entitysource/commands"
	"github.com/johanlelan/entitysource/domain"
	"github.com/johanlelan/entitysource/projection"
)

// Commands abstracts the write side for handlers.
type Commands interface {
	Create(ctx context.Context, kind, author string, payload json.RawMessage) (domain.State, error)
	Patch(ctx context.Context, kind, id, author string, patches []domain.PatchOp) (domain.State, error)
	Remove(ctx context.Context, kind, id, author string) (domain.State, error)
	Activate(ctx context.Context, kind, id, author string) (domain.State, error)
	Get(ctx context.Context, kind, id string) (domain.State, int64, error)
	Events(ctx context.Context, kind, id string) ([]domain.Event, error)
}

// Users abstracts the user-specific write side.
type Users interface {
	Register(ctx context.Context, author string, in commands.RegisterUserInput) (domain.State, error)
	Remove(ctx context.Context, id, author string) (domain.State, error)
	Activate(ctx context.Context, id, author string) (domain.State, error)
}

// Query abstracts the read side (index plus cache).
type Query interface {
	List(ctx context.Context, kind, query string) (*projection.Result, error)
	GetByID(ctx context.Context, kind, id string) (*projection.Document, error)
}

// Authenticator resolves the author principal from an Authorization header.
// An empty header resolves to the anonymous principal; a malformed or
// expired token is an error.
type Authenticator interface {
	AuthorFromHeader(header string) (string, error)
}
