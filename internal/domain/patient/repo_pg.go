package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vetdesk/vetdesk/internal/platform/crypto"
	"github.com/vetdesk/vetdesk/internal/platform/db"
)

// repoPG stores patients in the clinic schema pinned on the request
// connection. Owner contact columns are AES-GCM encrypted through the
// field cipher; everything else is plaintext.
type repoPG struct {
	pool   *pgxpool.Pool
	cipher *crypto.FieldCipher
}

func NewRepo(pool *pgxpool.Pool, cipher *crypto.FieldCipher) Repository {
	return &repoPG{pool: pool, cipher: cipher}
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

const patientCols = `id, name, species, breed, sex, weight_kg, date_of_birth, microchip,
	owner_name, owner_phone, owner_email, email_suppressed, alerts, active, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()

	phone, email, err := r.encryptContact(p)
	if err != nil {
		return err
	}

	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO patients (id, name, species, breed, sex, weight_kg, date_of_birth, microchip,
			owner_name, owner_phone, owner_email, email_suppressed, alerts, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, false, $12, true, now(), now())`,
		p.ID, p.Name, p.Species, p.Breed, p.Sex, p.WeightKg, p.DateOfBirth, p.Microchip,
		p.OwnerName, phone, email, p.Alerts)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patients WHERE id = $1`, id)
	return r.scanPatient(row)
}

func (r *repoPG) Update(ctx context.Context, p *Patient) error {
	phone, email, err := r.encryptContact(p)
	if err != nil {
		return err
	}

	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patients
		SET name = $2, species = $3, breed = $4, sex = $5, weight_kg = $6,
		    date_of_birth = $7, microchip = $8, owner_name = $9, owner_phone = $10,
		    owner_email = $11, alerts = $12, active = $13, updated_at = now()
		WHERE id = $1`,
		p.ID, p.Name, p.Species, p.Breed, p.Sex, p.WeightKg,
		p.DateOfBirth, p.Microchip, p.OwnerName, phone, email, p.Alerts, p.Active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Patient, int, error) {
	where := "TRUE"
	args := []interface{}{}
	argN := 1

	if filter.Species != "" {
		where += fmt.Sprintf(" AND species = $%d", argN)
		args = append(args, filter.Species)
		argN++
	}
	if filter.Active != nil {
		where += fmt.Sprintf(" AND active = $%d", argN)
		args = append(args, *filter.Active)
		argN++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT count(*) FROM patients WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(
		`SELECT %s FROM patients WHERE %s ORDER BY name LIMIT $%d OFFSET $%d`,
		patientCols, where, argN, argN+1),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Patient
	for rows.Next() {
		p, err := r.scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

func (r *repoPG) SetEmailSuppressed(ctx context.Context, id uuid.UUID, suppressed bool) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE patients SET email_suppressed = $2, updated_at = now() WHERE id = $1`,
		id, suppressed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) encryptContact(p *Patient) (phone, email *string, err error) {
	phone, err = r.cipher.EncryptNullable(p.OwnerPhone)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt owner phone: %w", err)
	}
	email, err = r.cipher.EncryptNullable(p.OwnerEmail)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt owner email: %w", err)
	}
	return phone, email, nil
}

func (r *repoPG) scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Species, &p.Breed, &p.Sex, &p.WeightKg,
		&p.DateOfBirth, &p.Microchip, &p.OwnerName, &p.OwnerPhone, &p.OwnerEmail,
		&p.EmailSuppressed, &p.Alerts, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if p.OwnerPhone, err = r.cipher.DecryptNullable(p.OwnerPhone); err != nil {
		return nil, fmt.Errorf("decrypt owner phone: %w", err)
	}
	if p.OwnerEmail, err = r.cipher.DecryptNullable(p.OwnerEmail); err != nil {
		return nil, fmt.Errorf("decrypt owner email: %w", err)
	}
	return &p, nil
}
