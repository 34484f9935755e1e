package discharge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

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

const summaryCols = `id, case_id, status, content_markdown, entities, email_status, call_status,
	pdf_object_key, model_used, last_error, generated_at, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, s *Summary) error {
	s.ID = uuid.New()
	entities, err := json.Marshal(s.Entities)
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO discharge_summaries (id, case_id, status, content_markdown, entities,
			email_status, call_status, pdf_object_key, model_used, last_error, generated_at,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())`,
		s.ID, s.CaseID, s.Status, s.ContentMarkdown, entities,
		s.EmailStatus, s.CallStatus, s.PDFObjectKey, s.ModelUsed, s.LastError, s.GeneratedAt)
	return err
}

func (r *repoPG) GetByCase(ctx context.Context, caseID uuid.UUID) (*Summary, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+summaryCols+` FROM discharge_summaries WHERE case_id = $1`, caseID)
	return scanSummary(row)
}

func (r *repoPG) Update(ctx context.Context, s *Summary) error {
	entities, err := json.Marshal(s.Entities)
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE discharge_summaries
		SET status = $2, content_markdown = $3, entities = $4, email_status = $5,
		    call_status = $6, pdf_object_key = $7, model_used = $8, last_error = $9,
		    generated_at = $10, updated_at = now()
		WHERE id = $1`,
		s.ID, s.Status, s.ContentMarkdown, entities, s.EmailStatus,
		s.CallStatus, s.PDFObjectKey, s.ModelUsed, s.LastError, s.GeneratedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) CountGeneratedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT count(*) FROM discharge_summaries
		WHERE generated_at IS NOT NULL AND generated_at >= $1`, since).Scan(&n)
	return n, err
}

// WithCaseLock wraps fn in a transaction holding pg_try_advisory_xact_lock
// on a hash of the case ID. The lock releases with the transaction, so a
// crashed run never wedges the case.
func (r *repoPG) WithCaseLock(ctx context.Context, caseID uuid.UUID, fn func(ctx context.Context) error) error {
	tx, txCtx, err := db.WithTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var locked bool
	if err := tx.QueryRow(txCtx,
		`SELECT pg_try_advisory_xact_lock($1)`, caseLockKey(caseID)).Scan(&locked); err != nil {
		return fmt.Errorf("acquire case lock: %w", err)
	}
	if !locked {
		return ErrCaseLocked
	}

	if err := fn(txCtx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// caseLockKey folds a case UUID into the bigint keyspace advisory locks
// use.
func caseLockKey(caseID uuid.UUID) int64 {
	h := fnv.New64a()
	h.Write(caseID[:])
	return int64(h.Sum64())
}

func scanSummary(row pgx.Row) (*Summary, error) {
	var s Summary
	var entities []byte
	err := row.Scan(&s.ID, &s.CaseID, &s.Status, &s.ContentMarkdown, &entities,
		&s.EmailStatus, &s.CallStatus, &s.PDFObjectKey, &s.ModelUsed, &s.LastError,
		&s.GeneratedAt, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(entities) > 0 {
		if err := json.Unmarshal(entities, &s.Entities); err != nil {
			return nil, fmt.Errorf("unmarshal entities: %w", err)
		}
	}
	return &s, nil
}
