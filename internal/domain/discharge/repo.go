package discharge

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("discharge summary not found")
	// ErrCaseLocked means another discharge run holds the per-case
	// advisory lock right now.
	ErrCaseLocked = errors.New("discharge already running for this case")
)

type Repository interface {
	Create(ctx context.Context, s *Summary) error
	GetByCase(ctx context.Context, caseID uuid.UUID) (*Summary, error)
	Update(ctx context.Context, s *Summary) error
	// CountGeneratedSince counts summaries that reached ready after the
	// given time; the billing quota check uses it with the start of the
	// current month.
	CountGeneratedSince(ctx context.Context, since time.Time) (int, error)
	// WithCaseLock runs fn inside a transaction holding the case's
	// advisory lock, or fails fast with ErrCaseLocked.
	WithCaseLock(ctx context.Context, caseID uuid.UUID, fn func(ctx context.Context) error) error
}
