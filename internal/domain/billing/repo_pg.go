package billing

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vetdesk/vetdesk/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// Subscriptions live in the shared schema alongside clinics.
const subCols = `id, clinic_id, plan, status, stripe_customer_id, stripe_subscription_id,
	seats, current_period_end, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, sub *Subscription) error {
	sub.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO shared.subscriptions (id, clinic_id, plan, status, stripe_customer_id,
			stripe_subscription_id, seats, current_period_end, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())`,
		sub.ID, sub.ClinicID, sub.Plan, sub.Status, sub.StripeCustomerID,
		sub.StripeSubscriptionID, sub.Seats, sub.CurrentPeriodEnd)
	return err
}

func (r *repoPG) GetByClinic(ctx context.Context, clinicID uuid.UUID) (*Subscription, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+subCols+` FROM shared.subscriptions WHERE clinic_id = $1`, clinicID)
	return scanSubscription(row)
}

func (r *repoPG) GetByStripeCustomer(ctx context.Context, customerID string) (*Subscription, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+subCols+` FROM shared.subscriptions WHERE stripe_customer_id = $1`, customerID)
	return scanSubscription(row)
}

func (r *repoPG) Update(ctx context.Context, sub *Subscription) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE shared.subscriptions
		SET plan = $2, status = $3, stripe_customer_id = $4, stripe_subscription_id = $5,
		    seats = $6, current_period_end = $7, updated_at = now()
		WHERE id = $1`,
		sub.ID, sub.Plan, sub.Status, sub.StripeCustomerID, sub.StripeSubscriptionID,
		sub.Seats, sub.CurrentPeriodEnd)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	err := row.Scan(&sub.ID, &sub.ClinicID, &sub.Plan, &sub.Status, &sub.StripeCustomerID,
		&sub.StripeSubscriptionID, &sub.Seats, &sub.CurrentPeriodEnd, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}
