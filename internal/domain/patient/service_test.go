package patient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vetdesk/vetdesk/internal/platform/search"
)

type mockRepo struct {
	patients map[uuid.UUID]*Patient
}

func newMockRepo() *mockRepo {
	return &mockRepo{patients: make(map[uuid.UUID]*Patient)}
}

func (m *mockRepo) Create(_ context.Context, p *Patient) error {
	p.ID = uuid.New()
	p.Active = true
	p.CreatedAt = time.Now()
	p.UpdatedAt = time.Now()
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockRepo) Update(_ context.Context, p *Patient) error {
	if _, ok := m.patients[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

func (m *mockRepo) List(_ context.Context, filter ListFilter, limit, offset int) ([]*Patient, int, error) {
	var out []*Patient
	for _, p := range m.patients {
		if filter.Species != "" && p.Species != filter.Species {
			continue
		}
		if filter.Active != nil && p.Active != *filter.Active {
			continue
		}
		out = append(out, p)
	}
	return out, len(out), nil
}

func (m *mockRepo) SetEmailSuppressed(_ context.Context, id uuid.UUID, suppressed bool) error {
	p, ok := m.patients[id]
	if !ok {
		return ErrNotFound
	}
	p.EmailSuppressed = suppressed
	return nil
}

type recordingIndexer struct {
	indexed []search.PatientRecord
	deleted []string
}

func (r *recordingIndexer) IndexPatient(p search.PatientRecord) { r.indexed = append(r.indexed, p) }
func (r *recordingIndexer) DeletePatient(id string)             { r.deleted = append(r.deleted, id) }

func strPtr(s string) *string { return &s }

func TestCreatePatientNormalizesContact(t *testing.T) {
	repo := newMockRepo()
	idx := &recordingIndexer{}
	svc := NewService(repo, idx)

	p := &Patient{
		Name:       "Bella",
		Species:    "canine",
		OwnerName:  "Dana Reyes",
		OwnerPhone: strPtr("(555) 000-1111"),
		OwnerEmail: strPtr(" Dana@Example.COM "),
	}
	if err := svc.CreatePatient(context.Background(), p); err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}

	if *p.OwnerPhone != "+15550001111" {
		t.Errorf("phone = %q, want E.164", *p.OwnerPhone)
	}
	if *p.OwnerEmail != "dana@example.com" {
		t.Errorf("email = %q", *p.OwnerEmail)
	}
	if p.Sex != "unknown" {
		t.Errorf("sex default = %q", p.Sex)
	}
	if len(idx.indexed) != 1 || idx.indexed[0].Name != "Bella" {
		t.Errorf("indexed = %+v", idx.indexed)
	}
}

func TestCreatePatientValidation(t *testing.T) {
	svc := NewService(newMockRepo(), nil)
	future := time.Now().Add(24 * time.Hour)
	negWeight := -2.0

	cases := []struct {
		name    string
		patient Patient
	}{
		{"missing name", Patient{OwnerName: "O", Species: "canine"}},
		{"missing owner", Patient{Name: "Bella", Species: "canine"}},
		{"bad species", Patient{Name: "Bella", OwnerName: "O", Species: "dragon"}},
		{"bad sex", Patient{Name: "Bella", OwnerName: "O", Species: "canine", Sex: "yes"}},
		{"bad phone", Patient{Name: "Bella", OwnerName: "O", Species: "canine", OwnerPhone: strPtr("call-me")}},
		{"bad email", Patient{Name: "Bella", OwnerName: "O", Species: "canine", OwnerEmail: strPtr("not-an-email")}},
		{"future dob", Patient{Name: "Bella", OwnerName: "O", Species: "canine", DateOfBirth: &future}},
		{"bad weight", Patient{Name: "Bella", OwnerName: "O", Species: "canine", WeightKg: &negWeight}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := tc.patient
			if err := svc.CreatePatient(context.Background(), &p); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestUpdatePatientPreservesSuppression(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, nil)

	p := &Patient{Name: "Bella", Species: "canine", OwnerName: "Dana"}
	if err := svc.CreatePatient(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if err := svc.SuppressEmail(context.Background(), p.ID); err != nil {
		t.Fatal(err)
	}

	update := &Patient{ID: p.ID, Name: "Bella", Species: "canine", OwnerName: "Dana",
		Active: true, EmailSuppressed: false}
	if err := svc.UpdatePatient(context.Background(), update); err != nil {
		t.Fatalf("UpdatePatient: %v", err)
	}

	got, _ := svc.GetPatient(context.Background(), p.ID)
	if !got.EmailSuppressed {
		t.Error("edit must not clear the suppression flag")
	}
}

func TestDeactivatePatient(t *testing.T) {
	repo := newMockRepo()
	idx := &recordingIndexer{}
	svc := NewService(repo, idx)

	p := &Patient{Name: "Bella", Species: "canine", OwnerName: "Dana"}
	if err := svc.CreatePatient(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	got, err := svc.DeactivatePatient(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("DeactivatePatient: %v", err)
	}
	if got.Active {
		t.Error("patient still active")
	}
	// Record stays in the index, marked inactive, so closed cases still
	// resolve their patient in search.
	last := idx.indexed[len(idx.indexed)-1]
	if last.Active {
		t.Error("index record should be inactive")
	}

	if _, err := svc.DeactivatePatient(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: err = %v", err)
	}
}

func TestListPatientsFilter(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, nil)

	for _, spec := range []string{"canine", "canine", "feline"} {
		p := &Patient{Name: "X", Species: spec, OwnerName: "O"}
		if err := svc.CreatePatient(context.Background(), p); err != nil {
			t.Fatal(err)
		}
	}

	dogs, total, err := svc.ListPatients(context.Background(), ListFilter{Species: "canine"}, 20, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(dogs) != 2 {
		t.Errorf("canine list = %d (total %d), want 2", len(dogs), total)
	}
}
