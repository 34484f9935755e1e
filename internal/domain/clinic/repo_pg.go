package clinic

import (
	"context"
	"encoding/json"
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

// Clinics and users live in the shared schema; queries qualify the table
// names so they work regardless of the connection's search_path.
const clinicCols = `id, name, slug, timezone, phone, email, address, settings, active, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, cl *Clinic) error {
	cl.ID = uuid.New()
	settings, err := json.Marshal(cl.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO shared.clinics (id, name, slug, timezone, phone, email, address, settings, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true, now(), now())`,
		cl.ID, cl.Name, cl.Slug, cl.Timezone, cl.Phone, cl.Email, cl.Address, settings)
	if isUniqueViolation(err) {
		return ErrSlugTaken
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Clinic, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+clinicCols+` FROM shared.clinics WHERE id = $1`, id)
	return scanClinic(row)
}

func (r *repoPG) GetBySlug(ctx context.Context, slug string) (*Clinic, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+clinicCols+` FROM shared.clinics WHERE slug = $1`, slug)
	return scanClinic(row)
}

func (r *repoPG) Update(ctx context.Context, cl *Clinic) error {
	settings, err := json.Marshal(cl.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE shared.clinics
		SET name = $2, timezone = $3, phone = $4, email = $5, address = $6,
		    settings = $7, active = $8, updated_at = now()
		WHERE id = $1`,
		cl.ID, cl.Name, cl.Timezone, cl.Phone, cl.Email, cl.Address, settings, cl.Active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Clinic, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT count(*) FROM shared.clinics`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+clinicCols+` FROM shared.clinics ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	clinics, err := collectClinics(rows)
	return clinics, total, err
}

func (r *repoPG) ListActiveSlugs(ctx context.Context) ([]string, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT slug FROM shared.clinics WHERE active ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, err
		}
		out = append(out, slug)
	}
	return out, rows.Err()
}

func scanClinic(row pgx.Row) (*Clinic, error) {
	var cl Clinic
	var settings []byte
	err := row.Scan(&cl.ID, &cl.Name, &cl.Slug, &cl.Timezone, &cl.Phone, &cl.Email,
		&cl.Address, &settings, &cl.Active, &cl.CreatedAt, &cl.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &cl.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	}
	return &cl, nil
}

func collectClinics(rows pgx.Rows) ([]*Clinic, error) {
	var out []*Clinic
	for rows.Next() {
		cl, err := scanClinic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cl)
	}
	return out, rows.Err()
}

const userCols = `id, clinic_id, email, name, role, active, created_at, updated_at`

func (r *repoPG) CreateUser(ctx context.Context, u *User) error {
	u.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO shared.users (id, clinic_id, email, name, role, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, true, now(), now())`,
		u.ID, u.ClinicID, u.Email, u.Name, u.Role)
	if isUniqueViolation(err) {
		return ErrEmailTaken
	}
	return err
}

func (r *repoPG) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+userCols+` FROM shared.users WHERE id = $1`, id)
	return scanUser(row)
}

func (r *repoPG) UpdateUser(ctx context.Context, u *User) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE shared.users
		SET email = $2, name = $3, role = $4, active = $5, updated_at = now()
		WHERE id = $1`,
		u.ID, u.Email, u.Name, u.Role, u.Active)
	if isUniqueViolation(err) {
		return ErrEmailTaken
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *repoPG) ListUsers(ctx context.Context, clinicID uuid.UUID, limit, offset int) ([]*User, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT count(*) FROM shared.users WHERE clinic_id = $1`, clinicID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+userCols+` FROM shared.users WHERE clinic_id = $1 ORDER BY name LIMIT $2 OFFSET $3`,
		clinicID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, u)
	}
	return out, total, rows.Err()
}

func (r *repoPG) CountActiveUsers(ctx context.Context, clinicID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT count(*) FROM shared.users WHERE clinic_id = $1 AND active`, clinicID).Scan(&n)
	return n, err
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.ClinicID, &u.Email, &u.Name, &u.Role, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
