package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vetdesk/vetdesk/internal/platform/db"
)

// Postgres answers search queries with ILIKE scans over the clinic schema.
// Good enough for a single clinic's data volume; rank is name-match-first,
// then recency.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (p *Postgres) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return p.pool
}

// Healthy always reports true: if Postgres is down the whole service is down.
func (p *Postgres) Healthy() bool {
	return true
}

// Search runs against the clinic schema already pinned on the request's
// connection, so no clinic predicate appears in the SQL.
func (p *Postgres) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	pattern := "%" + escapeLike(q.Text) + "%"

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultPatient {
		subQueries = append(subQueries, `
			SELECT 'patient'::text AS type, p.id::text, p.name AS title,
				trim(both ' · ' from coalesce(p.breed, '') || ' · ' || p.owner_name) AS snippet,
				p.id::text AS patient_id, ''::text AS status,
				(p.name ILIKE $1)::int AS name_match, p.updated_at
			FROM patients p
			WHERE p.name ILIKE $1 OR p.owner_name ILIKE $1 OR coalesce(p.breed, '') ILIKE $1`)
	}
	if q.FilterType == "" || q.FilterType == ResultCase {
		subQueries = append(subQueries, `
			SELECT 'case'::text AS type, c.id::text, c.title,
				coalesce(c.presenting_complaint, '') AS snippet,
				c.patient_id::text, c.status,
				(c.title ILIKE $1)::int AS name_match, c.updated_at
			FROM cases c
			WHERE c.title ILIKE $1 OR coalesce(c.presenting_complaint, '') ILIKE $1`)
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	conn := p.conn(ctx)

	var total int
	if err := conn.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM (%s) sub", union), pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("search count: %w", err)
	}

	rows, err := conn.Query(ctx, fmt.Sprintf(`
		SELECT type, id, title, snippet, patient_id, status
		FROM (%s) sub
		ORDER BY name_match DESC, updated_at DESC
		LIMIT %d OFFSET %d`, union, limit, offset), pattern)
	if err != nil {
		return nil, 0, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.PatientID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("search scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// escapeLike neutralizes LIKE metacharacters in user input.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
