package clinic

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vetdesk/vetdesk/internal/platform/auth"
	"github.com/vetdesk/vetdesk/internal/platform/db"
	"github.com/vetdesk/vetdesk/pkg/normalize"
)

var validRoles = map[string]bool{
	auth.RoleAdmin:        true,
	auth.RoleVeterinarian: true,
	auth.RoleTechnician:   true,
	auth.RoleFrontdesk:    true,
}

// Provisioner creates a clinic's schema and runs migrations into it.
// db.CreateClinicSchema in production; a no-op in tests.
type Provisioner func(ctx context.Context, slug string) error

// StaffLimiter reports the maximum number of active staff accounts a
// clinic's plan allows. Implemented by the billing service.
type StaffLimiter interface {
	MaxStaff(ctx context.Context, clinicID uuid.UUID) (int, error)
}

type Service struct {
	repo      Repository
	provision Provisioner
	limiter   StaffLimiter
}

func NewService(repo Repository, provision Provisioner, limiter StaffLimiter) *Service {
	return &Service{repo: repo, provision: provision, limiter: limiter}
}

// CreateClinic validates input, writes the shared row, and provisions the
// clinic schema. Settings default when zero-valued.
func (s *Service) CreateClinic(ctx context.Context, cl *Clinic) error {
	if cl.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !db.ValidSlug(cl.Slug) {
		return fmt.Errorf("invalid slug: must match [a-z0-9_]{3,40}")
	}
	if cl.Timezone == "" {
		cl.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(cl.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q", cl.Timezone)
	}
	if cl.Settings == (Settings{}) {
		cl.Settings = DefaultSettings()
	}
	if err := validateSettings(cl.Settings); err != nil {
		return err
	}
	if cl.Email != nil {
		email, err := normalize.Email(*cl.Email)
		if err != nil {
			return fmt.Errorf("clinic email: %w", err)
		}
		cl.Email = &email
	}

	if err := s.repo.Create(ctx, cl); err != nil {
		return err
	}
	if s.provision != nil {
		if err := s.provision(ctx, cl.Slug); err != nil {
			return fmt.Errorf("provision schema for %s: %w", cl.Slug, err)
		}
	}
	cl.Active = true
	return nil
}

func (s *Service) GetClinic(ctx context.Context, id uuid.UUID) (*Clinic, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetClinicBySlug(ctx context.Context, slug string) (*Clinic, error) {
	return s.repo.GetBySlug(ctx, slug)
}

// ClinicIDBySlug resolves a slug to the clinic's ID. The billing and
// webhook surfaces use it to key shared-schema rows.
func (s *Service) ClinicIDBySlug(ctx context.Context, slug string) (uuid.UUID, error) {
	cl, err := s.repo.GetBySlug(ctx, slug)
	if err != nil {
		return uuid.Nil, err
	}
	return cl.ID, nil
}

// UpdateClinic applies mutable fields. The slug never changes: it names the
// schema.
func (s *Service) UpdateClinic(ctx context.Context, cl *Clinic) error {
	existing, err := s.repo.GetByID(ctx, cl.ID)
	if err != nil {
		return err
	}
	cl.Slug = existing.Slug

	if cl.Name == "" {
		return fmt.Errorf("name is required")
	}
	if cl.Timezone == "" {
		cl.Timezone = existing.Timezone
	}
	if _, err := time.LoadLocation(cl.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q", cl.Timezone)
	}
	if err := validateSettings(cl.Settings); err != nil {
		return err
	}
	if cl.Email != nil {
		email, err := normalize.Email(*cl.Email)
		if err != nil {
			return fmt.Errorf("clinic email: %w", err)
		}
		cl.Email = &email
	}
	return s.repo.Update(ctx, cl)
}

func (s *Service) UpdateSettings(ctx context.Context, id uuid.UUID, settings Settings) (*Clinic, error) {
	if err := validateSettings(settings); err != nil {
		return nil, err
	}
	cl, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	cl.Settings = settings
	if err := s.repo.Update(ctx, cl); err != nil {
		return nil, err
	}
	return cl, nil
}

func (s *Service) ListClinics(ctx context.Context, limit, offset int) ([]*Clinic, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// ActiveSlugs lists active clinic slugs for background jobs that fan out
// across clinic schemas.
func (s *Service) ActiveSlugs(ctx context.Context) ([]string, error) {
	return s.repo.ListActiveSlugs(ctx)
}

func validateSettings(st Settings) error {
	if st.FollowupDelayHours < 1 || st.FollowupDelayHours > 168 {
		return fmt.Errorf("followup_delay_hours must be between 1 and 168")
	}
	return nil
}

// CreateUser adds a staff account, enforcing the plan's seat limit when a
// limiter is configured.
func (s *Service) CreateUser(ctx context.Context, u *User) error {
	if u.ClinicID == uuid.Nil {
		return fmt.Errorf("clinic_id is required")
	}
	if u.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !validRoles[u.Role] {
		return fmt.Errorf("invalid role: %s", u.Role)
	}
	email, err := normalize.Email(u.Email)
	if err != nil {
		return fmt.Errorf("email: %w", err)
	}
	u.Email = email

	if s.limiter != nil {
		max, err := s.limiter.MaxStaff(ctx, u.ClinicID)
		if err != nil {
			return fmt.Errorf("check staff limit: %w", err)
		}
		current, err := s.repo.CountActiveUsers(ctx, u.ClinicID)
		if err != nil {
			return err
		}
		if current >= max {
			return fmt.Errorf("%w: plan allows %d staff accounts", ErrLimitExceeded, max)
		}
	}

	return s.repo.CreateUser(ctx, u)
}

func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.repo.GetUser(ctx, id)
}

func (s *Service) UpdateUser(ctx context.Context, u *User) error {
	existing, err := s.repo.GetUser(ctx, u.ID)
	if err != nil {
		return err
	}
	u.ClinicID = existing.ClinicID

	if u.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !validRoles[u.Role] {
		return fmt.Errorf("invalid role: %s", u.Role)
	}
	email, err := normalize.Email(u.Email)
	if err != nil {
		return fmt.Errorf("email: %w", err)
	}
	u.Email = email
	return s.repo.UpdateUser(ctx, u)
}

// DeactivateUser disables a staff account without deleting it.
func (s *Service) DeactivateUser(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := s.repo.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	u.Active = false
	if err := s.repo.UpdateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) ListUsers(ctx context.Context, clinicID uuid.UUID, limit, offset int) ([]*User, int, error) {
	return s.repo.ListUsers(ctx, clinicID, limit, offset)
}
