package clinic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

type mockRepo struct {
	clinics map[uuid.UUID]*Clinic
	users   map[uuid.UUID]*User
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		clinics: make(map[uuid.UUID]*Clinic),
		users:   make(map[uuid.UUID]*User),
	}
}

func (m *mockRepo) Create(_ context.Context, cl *Clinic) error {
	for _, existing := range m.clinics {
		if existing.Slug == cl.Slug {
			return ErrSlugTaken
		}
	}
	cl.ID = uuid.New()
	cl.Active = true
	cl.CreatedAt = time.Now()
	cl.UpdatedAt = time.Now()
	m.clinics[cl.ID] = cl
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Clinic, error) {
	cl, ok := m.clinics[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cl
	return &cp, nil
}

func (m *mockRepo) GetBySlug(_ context.Context, slug string) (*Clinic, error) {
	for _, cl := range m.clinics {
		if cl.Slug == slug {
			cp := *cl
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) Update(_ context.Context, cl *Clinic) error {
	if _, ok := m.clinics[cl.ID]; !ok {
		return ErrNotFound
	}
	m.clinics[cl.ID] = cl
	return nil
}

func (m *mockRepo) List(_ context.Context, limit, offset int) ([]*Clinic, int, error) {
	var out []*Clinic
	for _, cl := range m.clinics {
		out = append(out, cl)
	}
	return out, len(out), nil
}

func (m *mockRepo) ListActiveSlugs(_ context.Context) ([]string, error) {
	var out []string
	for _, cl := range m.clinics {
		if cl.Active {
			out = append(out, cl.Slug)
		}
	}
	return out, nil
}

func (m *mockRepo) CreateUser(_ context.Context, u *User) error {
	for _, existing := range m.users {
		if existing.ClinicID == u.ClinicID && existing.Email == u.Email {
			return ErrEmailTaken
		}
	}
	u.ID = uuid.New()
	u.Active = true
	m.users[u.ID] = u
	return nil
}

func (m *mockRepo) GetUser(_ context.Context, id uuid.UUID) (*User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *mockRepo) UpdateUser(_ context.Context, u *User) error {
	if _, ok := m.users[u.ID]; !ok {
		return ErrUserNotFound
	}
	m.users[u.ID] = u
	return nil
}

func (m *mockRepo) ListUsers(_ context.Context, clinicID uuid.UUID, limit, offset int) ([]*User, int, error) {
	var out []*User
	for _, u := range m.users {
		if u.ClinicID == clinicID {
			out = append(out, u)
		}
	}
	return out, len(out), nil
}

func (m *mockRepo) CountActiveUsers(_ context.Context, clinicID uuid.UUID) (int, error) {
	n := 0
	for _, u := range m.users {
		if u.ClinicID == clinicID && u.Active {
			n++
		}
	}
	return n, nil
}

type fixedLimiter int

func (f fixedLimiter) MaxStaff(_ context.Context, _ uuid.UUID) (int, error) {
	return int(f), nil
}

func TestCreateClinic(t *testing.T) {
	repo := newMockRepo()
	var provisioned []string
	svc := NewService(repo, func(_ context.Context, slug string) error {
		provisioned = append(provisioned, slug)
		return nil
	}, nil)

	cl := &Clinic{Name: "Sunrise Veterinary", Slug: "sunrise"}
	if err := svc.CreateClinic(context.Background(), cl); err != nil {
		t.Fatalf("CreateClinic: %v", err)
	}

	if cl.ID == uuid.Nil {
		t.Error("ID not assigned")
	}
	if cl.Settings.FollowupDelayHours != 48 {
		t.Errorf("default settings not applied: %+v", cl.Settings)
	}
	if cl.Timezone != "UTC" {
		t.Errorf("timezone default = %q", cl.Timezone)
	}
	if len(provisioned) != 1 || provisioned[0] != "sunrise" {
		t.Errorf("schema not provisioned: %v", provisioned)
	}
}

func TestCreateClinicValidation(t *testing.T) {
	svc := NewService(newMockRepo(), nil, nil)

	cases := []struct {
		name   string
		clinic Clinic
	}{
		{"missing name", Clinic{Slug: "sunrise"}},
		{"bad slug uppercase", Clinic{Name: "X", Slug: "Sunrise"}},
		{"bad slug short", Clinic{Name: "X", Slug: "ab"}},
		{"bad slug hyphen", Clinic{Name: "X", Slug: "sun-rise"}},
		{"bad timezone", Clinic{Name: "X", Slug: "sunrise", Timezone: "Mars/Olympus"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cl := tc.clinic
			if err := svc.CreateClinic(context.Background(), &cl); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestCreateClinicDuplicateSlug(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, nil, nil)

	a := &Clinic{Name: "A", Slug: "sunrise"}
	if err := svc.CreateClinic(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	b := &Clinic{Name: "B", Slug: "sunrise"}
	if err := svc.CreateClinic(context.Background(), b); !errors.Is(err, ErrSlugTaken) {
		t.Errorf("err = %v, want ErrSlugTaken", err)
	}
}

func TestUpdateClinicKeepsSlug(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, nil, nil)

	cl := &Clinic{Name: "Sunrise", Slug: "sunrise"}
	if err := svc.CreateClinic(context.Background(), cl); err != nil {
		t.Fatal(err)
	}

	update := &Clinic{ID: cl.ID, Name: "Sunrise Renamed", Slug: "other_slug", Settings: DefaultSettings()}
	if err := svc.UpdateClinic(context.Background(), update); err != nil {
		t.Fatalf("UpdateClinic: %v", err)
	}
	if update.Slug != "sunrise" {
		t.Errorf("slug changed to %q; must be immutable", update.Slug)
	}
}

func TestUpdateSettingsBounds(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, nil, nil)

	cl := &Clinic{Name: "Sunrise", Slug: "sunrise"}
	if err := svc.CreateClinic(context.Background(), cl); err != nil {
		t.Fatal(err)
	}

	for _, hours := range []int{0, -1, 169} {
		st := DefaultSettings()
		st.FollowupDelayHours = hours
		if _, err := svc.UpdateSettings(context.Background(), cl.ID, st); err == nil {
			t.Errorf("delay %d accepted, want error", hours)
		}
	}

	st := DefaultSettings()
	st.FollowupDelayHours = 24
	st.AutoEmailDischarge = false
	updated, err := svc.UpdateSettings(context.Background(), cl.ID, st)
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if updated.Settings.FollowupDelayHours != 24 || updated.Settings.AutoEmailDischarge {
		t.Errorf("settings = %+v", updated.Settings)
	}
}

func TestCreateUser(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, nil, nil)
	clinicID := uuid.New()

	u := &User{ClinicID: clinicID, Name: "Dr. Okafor", Email: " Vet@Sunrise.example ", Role: "veterinarian"}
	if err := svc.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.Email != "vet@sunrise.example" {
		t.Errorf("email not normalized: %q", u.Email)
	}

	bad := &User{ClinicID: clinicID, Name: "X", Email: "x@y.example", Role: "janitor"}
	if err := svc.CreateUser(context.Background(), bad); err == nil {
		t.Error("invalid role accepted")
	}
}

func TestCreateUserSeatLimit(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, nil, fixedLimiter(2))
	clinicID := uuid.New()

	for i, email := range []string{"a@x.example", "b@x.example"} {
		u := &User{ClinicID: clinicID, Name: "Staff", Email: email, Role: "technician"}
		if err := svc.CreateUser(context.Background(), u); err != nil {
			t.Fatalf("user %d: %v", i, err)
		}
	}

	over := &User{ClinicID: clinicID, Name: "Extra", Email: "c@x.example", Role: "technician"}
	err := svc.CreateUser(context.Background(), over)
	if !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("err = %v, want ErrLimitExceeded", err)
	}
}

func TestDeactivateUserFreesSeat(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, nil, fixedLimiter(1))
	clinicID := uuid.New()

	u := &User{ClinicID: clinicID, Name: "Staff", Email: "a@x.example", Role: "frontdesk"}
	if err := svc.CreateUser(context.Background(), u); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.DeactivateUser(context.Background(), u.ID); err != nil {
		t.Fatalf("DeactivateUser: %v", err)
	}

	replacement := &User{ClinicID: clinicID, Name: "New", Email: "b@x.example", Role: "frontdesk"}
	if err := svc.CreateUser(context.Background(), replacement); err != nil {
		t.Errorf("seat not freed after deactivation: %v", err)
	}
}
