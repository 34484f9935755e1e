package followup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vetdesk/vetdesk/internal/platform/crypto"
	"github.com/vetdesk/vetdesk/internal/platform/db"
)

// repoPG stores scheduled calls in the clinic schema pinned on the request
// connection. The phone column is AES-GCM encrypted through the field
// cipher.
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

const callCols = `id, case_id, patient_name, phone, scheduled_for, status, provider_call_id,
	outcome_summary, outcome_success, recording_url, attempts, last_error, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, sc *ScheduledCall) error {
	sc.ID = uuid.New()
	phone, err := r.cipher.EncryptString(sc.Phone)
	if err != nil {
		return fmt.Errorf("encrypt phone: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO scheduled_calls (id, case_id, patient_name, phone, scheduled_for, status,
			attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, now(), now())`,
		sc.ID, sc.CaseID, sc.PatientName, phone, sc.ScheduledFor, sc.Status)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*ScheduledCall, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+callCols+` FROM scheduled_calls WHERE id = $1`, id)
	return r.scanCall(row)
}

func (r *repoPG) GetByProviderCallID(ctx context.Context, providerCallID string) (*ScheduledCall, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+callCols+` FROM scheduled_calls WHERE provider_call_id = $1`, providerCallID)
	return r.scanCall(row)
}

func (r *repoPG) Update(ctx context.Context, sc *ScheduledCall) error {
	phone, err := r.cipher.EncryptString(sc.Phone)
	if err != nil {
		return fmt.Errorf("encrypt phone: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE scheduled_calls
		SET patient_name = $2, phone = $3, scheduled_for = $4, status = $5,
		    provider_call_id = $6, outcome_summary = $7, outcome_success = $8,
		    recording_url = $9, attempts = $10, last_error = $11, updated_at = now()
		WHERE id = $1`,
		sc.ID, sc.PatientName, phone, sc.ScheduledFor, sc.Status,
		sc.ProviderCallID, sc.OutcomeSummary, sc.OutcomeSuccess,
		sc.RecordingURL, sc.Attempts, sc.LastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) ListByCase(ctx context.Context, caseID uuid.UUID) ([]*ScheduledCall, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+callCols+` FROM scheduled_calls WHERE case_id = $1 ORDER BY scheduled_for`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collectCalls(rows)
}

func (r *repoPG) ListDue(ctx context.Context, now time.Time, limit int) ([]*ScheduledCall, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+callCols+` FROM scheduled_calls
		WHERE status = $1 AND scheduled_for <= $2
		ORDER BY scheduled_for LIMIT $3`,
		StatusPending, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.collectCalls(rows)
}

func (r *repoPG) scanCall(row pgx.Row) (*ScheduledCall, error) {
	var sc ScheduledCall
	err := row.Scan(&sc.ID, &sc.CaseID, &sc.PatientName, &sc.Phone, &sc.ScheduledFor,
		&sc.Status, &sc.ProviderCallID, &sc.OutcomeSummary, &sc.OutcomeSuccess,
		&sc.RecordingURL, &sc.Attempts, &sc.LastError, &sc.CreatedAt, &sc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if sc.Phone, err = r.cipher.DecryptString(sc.Phone); err != nil {
		return nil, fmt.Errorf("decrypt phone: %w", err)
	}
	return &sc, nil
}

func (r *repoPG) collectCalls(rows pgx.Rows) ([]*ScheduledCall, error) {
	var out []*ScheduledCall
	for rows.Next() {
		sc, err := r.scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
