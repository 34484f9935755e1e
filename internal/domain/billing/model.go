package billing

import (
	"time"

	"github.com/google/uuid"
)

// Plans, cheapest first. Clinics without a subscription row run on trial.
const (
	PlanTrial      = "trial"
	PlanStarter    = "starter"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

// Subscription statuses mirror the vendor's lifecycle.
const (
	StatusTrialing = "trialing"
	StatusActive   = "active"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
)

var ValidPlans = map[string]bool{
	PlanTrial:      true,
	PlanStarter:    true,
	PlanPro:        true,
	PlanEnterprise: true,
}

var ValidStatuses = map[string]bool{
	StatusTrialing: true,
	StatusActive:   true,
	StatusPastDue:  true,
	StatusCanceled: true,
}

// Limits are the per-plan caps consulted before seat creation and discharge
// runs.
type Limits struct {
	MaxStaff             int `json:"max_staff"`
	MaxMonthlyDischarges int `json:"max_monthly_discharges"`
}

var planLimits = map[string]Limits{
	PlanTrial:      {MaxStaff: 3, MaxMonthlyDischarges: 25},
	PlanStarter:    {MaxStaff: 10, MaxMonthlyDischarges: 200},
	PlanPro:        {MaxStaff: 40, MaxMonthlyDischarges: 2000},
	PlanEnterprise: {MaxStaff: 500, MaxMonthlyDischarges: 50000},
}

// PlanLimits returns the caps for a plan, falling back to trial limits for
// anything unrecognized.
func PlanLimits(plan string) Limits {
	if l, ok := planLimits[plan]; ok {
		return l
	}
	return planLimits[PlanTrial]
}

// Subscription maps to shared.subscriptions; one row per clinic.
type Subscription struct {
	ID                   uuid.UUID  `db:"id" json:"id"`
	ClinicID             uuid.UUID  `db:"clinic_id" json:"clinic_id"`
	Plan                 string     `db:"plan" json:"plan"`
	Status               string     `db:"status" json:"status"`
	StripeCustomerID     *string    `db:"stripe_customer_id" json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID *string    `db:"stripe_subscription_id" json:"stripe_subscription_id,omitempty"`
	Seats                int        `db:"seats" json:"seats"`
	CurrentPeriodEnd     *time.Time `db:"current_period_end" json:"current_period_end,omitempty"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at" json:"updated_at"`
}

// Limits resolves the subscription's plan caps. A seat count from the
// vendor narrows the staff cap below the plan ceiling.
func (s *Subscription) Limits() Limits {
	l := PlanLimits(s.Plan)
	if s.Seats > 0 && s.Seats < l.MaxStaff {
		l.MaxStaff = s.Seats
	}
	return l
}

// StripePatch carries the fields a Stripe webhook event can change. Nil
// pointers leave the stored value alone.
type StripePatch struct {
	Plan                 *string
	Status               *string
	StripeCustomerID     *string
	StripeSubscriptionID *string
	Seats                *int
	CurrentPeriodEnd     *time.Time
}
