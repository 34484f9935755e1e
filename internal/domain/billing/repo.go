package billing

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("subscription not found")

type Repository interface {
	Create(ctx context.Context, sub *Subscription) error
	GetByClinic(ctx context.Context, clinicID uuid.UUID) (*Subscription, error)
	GetByStripeCustomer(ctx context.Context, customerID string) (*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
}
