package userstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a lookup finds no matching user.
var ErrNotFound = errors.New("userstore: not found")

// ErrConflict is returned when a unique constraint (username/email) is violated.
var ErrConflict = errors.New("userstore: conflict")

// Store is the external user-management collaborator interface spec §6
// names: "delegates to user store (external)". The dispatcher's
// `user.*` handlers depend only on this interface, not on gorm.
type Store interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, userID string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	Update(ctx context.Context, u *User) error
	Delete(ctx context.Context, userID string) error
	List(ctx context.Context, limit, offset int) ([]User, error)
}
