package cases

import (
	"context"
	"errors"
	"fmt"

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

const caseCols = `id, patient_id, case_type, status, title, presenting_complaint,
	clinical_notes, assigned_vet_id, visit_date, discharged_at, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, cs *Case) error {
	cs.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO cases (id, patient_id, case_type, status, title, presenting_complaint,
			clinical_notes, assigned_vet_id, visit_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())`,
		cs.ID, cs.PatientID, cs.CaseType, cs.Status, cs.Title, cs.PresentingComplaint,
		cs.ClinicalNotes, cs.AssignedVetID, cs.VisitDate)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Case, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+caseCols+` FROM cases WHERE id = $1`, id)
	return scanCase(row)
}

func (r *repoPG) Update(ctx context.Context, cs *Case) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE cases
		SET case_type = $2, status = $3, title = $4, presenting_complaint = $5,
		    clinical_notes = $6, assigned_vet_id = $7, visit_date = $8,
		    discharged_at = $9, updated_at = now()
		WHERE id = $1`,
		cs.ID, cs.CaseType, cs.Status, cs.Title, cs.PresentingComplaint,
		cs.ClinicalNotes, cs.AssignedVetID, cs.VisitDate, cs.DischargedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Case, int, error) {
	where := "TRUE"
	args := []interface{}{}
	argN := 1

	if filter.PatientID != uuid.Nil {
		where += fmt.Sprintf(" AND patient_id = $%d", argN)
		args = append(args, filter.PatientID)
		argN++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, filter.Status)
		argN++
	}
	if filter.AssignedVetID != uuid.Nil {
		where += fmt.Sprintf(" AND assigned_vet_id = $%d", argN)
		args = append(args, filter.AssignedVetID)
		argN++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT count(*) FROM cases WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(
		`SELECT %s FROM cases WHERE %s ORDER BY visit_date DESC LIMIT $%d OFFSET $%d`,
		caseCols, where, argN, argN+1),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Case
	for rows.Next() {
		cs, err := scanCase(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, cs)
	}
	return out, total, rows.Err()
}

func scanCase(row pgx.Row) (*Case, error) {
	var cs Case
	err := row.Scan(&cs.ID, &cs.PatientID, &cs.CaseType, &cs.Status, &cs.Title,
		&cs.PresentingComplaint, &cs.ClinicalNotes, &cs.AssignedVetID,
		&cs.VisitDate, &cs.DischargedAt, &cs.CreatedAt, &cs.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

func (r *repoPG) AddStatusChange(ctx context.Context, sc *StatusChange) error {
	sc.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO case_status_history (id, case_id, from_status, to_status, changed_by, note, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		sc.ID, sc.CaseID, sc.From, sc.To, sc.ChangedBy, sc.Note)
	return err
}

func (r *repoPG) GetStatusHistory(ctx context.Context, caseID uuid.UUID) ([]*StatusChange, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, case_id, from_status, to_status, changed_by, note, changed_at
		FROM case_status_history WHERE case_id = $1 ORDER BY changed_at`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StatusChange
	for rows.Next() {
		var sc StatusChange
		if err := rows.Scan(&sc.ID, &sc.CaseID, &sc.From, &sc.To, &sc.ChangedBy, &sc.Note, &sc.ChangedAt); err != nil {
			return nil, err
		}
		out = append(out, &sc)
	}
	return out, rows.Err()
}
