package ws

import (
	"context"

	"github.com/hermit-sh/hermit/internal/machines"
	"github.com/hermit-sh/hermit/internal/users"
)

// MachineStore is the slice of the machines service the handlers need.
// *machines.Service satisfies it; tests substitute in-memory fakes.
type MachineStore interface {
	FindByID(ctx context.Context, id string) (*machines.Machine, error)
	FindByUser(ctx context.Context, userID string) ([]machines.Machine, error)
	FindAll(ctx context.Context) ([]machines.Machine, error)
	UpdateLastSeen(ctx context.Context, id string) error
}

// UserStore resolves authenticated user ids to public profiles.
type UserStore interface {
	FindByID(ctx context.Context, id string) (users.UserInfo, error)
}
