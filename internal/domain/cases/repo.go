package cases

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("case not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Repository interface {
	Create(ctx context.Context, cs *Case) error
	GetByID(ctx context.Context, id uuid.UUID) (*Case, error)
	Update(ctx context.Context, cs *Case) error
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Case, int, error)

	AddStatusChange(ctx context.Context, sc *StatusChange) error
	GetStatusHistory(ctx context.Context, caseID uuid.UUID) ([]*StatusChange, error)
}
