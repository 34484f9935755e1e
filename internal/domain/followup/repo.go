package followup

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("scheduled call not found")
	ErrNotCancelable = errors.New("call can no longer be cancelled")
)

type Repository interface {
	Create(ctx context.Context, sc *ScheduledCall) error
	GetByID(ctx context.Context, id uuid.UUID) (*ScheduledCall, error)
	GetByProviderCallID(ctx context.Context, providerCallID string) (*ScheduledCall, error)
	Update(ctx context.Context, sc *ScheduledCall) error
	ListByCase(ctx context.Context, caseID uuid.UUID) ([]*ScheduledCall, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*ScheduledCall, error)
}
