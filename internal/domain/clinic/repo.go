package clinic

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("clinic not found")
	ErrUserNotFound  = errors.New("user not found")
	ErrSlugTaken     = errors.New("clinic slug already in use")
	ErrEmailTaken    = errors.New("email already in use for this clinic")
	ErrLimitExceeded = errors.New("plan limit exceeded")
)

type Repository interface {
	Create(ctx context.Context, cl *Clinic) error
	GetByID(ctx context.Context, id uuid.UUID) (*Clinic, error)
	GetBySlug(ctx context.Context, slug string) (*Clinic, error)
	Update(ctx context.Context, cl *Clinic) error
	List(ctx context.Context, limit, offset int) ([]*Clinic, int, error)
	ListActiveSlugs(ctx context.Context) ([]string, error)

	// Staff
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	UpdateUser(ctx context.Context, u *User) error
	ListUsers(ctx context.Context, clinicID uuid.UUID, limit, offset int) ([]*User, int, error)
	CountActiveUsers(ctx context.Context, clinicID uuid.UUID) (int, error)
}
