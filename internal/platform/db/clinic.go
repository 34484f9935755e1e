package db

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// ErrUnknownClinic reports a slug with no corresponding schema.
var ErrUnknownClinic = errors.New("unknown clinic")

type contextKey string

const (
	ClinicSlugKey contextKey = "clinic_slug"
	DBConnKey     contextKey = "db_conn"
	DBTxKey       contextKey = "db_tx"
)

// Clinic slugs become PostgreSQL schema names, so the pattern is strict:
// lowercase alphanumerics and underscores only, no quoting ever required.
var clinicSlugPattern = regexp.MustCompile(`^[a-z0-9_]{3,40}$`)

// ValidSlug reports whether s is usable as a clinic slug.
func ValidSlug(s string) bool {
	return clinicSlugPattern.MatchString(s)
}

// SchemaName returns the PostgreSQL schema that holds a clinic's data.
func SchemaName(slug string) string {
	return "clinic_" + slug
}

// ClinicMiddleware resolves the clinic for each request, acquires a pooled
// connection pinned to that clinic's schema, and stores both in the request
// context. Repositories pick the connection up via ConnFromContext so every
// query in the request runs against the right schema.
func ClinicMiddleware(pool *pgxpool.Pool, defaultClinic string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			slug := extractClinicSlug(c, defaultClinic)

			if !clinicSlugPattern.MatchString(slug) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid clinic identifier")
			}

			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			// SET search_path accepts schemas that do not exist, so a
			// verified JWT naming a deleted clinic has to be caught here.
			exists, err := schemaExists(ctx, conn, SchemaName(slug))
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			if !exists {
				return echo.NewHTTPError(http.StatusForbidden, "unknown clinic")
			}

			if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, shared, public", SchemaName(slug))); err != nil {
				return fmt.Errorf("pin clinic schema: %w", err)
			}

			ctx = context.WithValue(ctx, ClinicSlugKey, slug)
			ctx = context.WithValue(ctx, DBConnKey, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("clinic_slug", slug)

			return next(c)
		}
	}
}

func extractClinicSlug(c echo.Context, defaultClinic string) string {
	// 1. JWT claim, set by the auth middleware
	if slug, ok := c.Get("jwt_clinic_slug").(string); ok && slug != "" {
		return slug
	}

	// 2. X-Clinic-ID header
	if slug := c.Request().Header.Get("X-Clinic-ID"); slug != "" {
		return slug
	}

	// 3. Query parameter (dev tooling)
	if slug := c.QueryParam("clinic_id"); slug != "" {
		return slug
	}

	return defaultClinic
}

// schemaExists checks pg_namespace for the schema. Needed because SET
// search_path does not error on nonexistent schemas.
func schemaExists(ctx context.Context, conn *pgxpool.Conn, schema string) (bool, error) {
	var exists bool
	err := conn.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_namespace WHERE nspname = $1)`, schema).Scan(&exists)
	return exists, err
}

// ConnFromContext retrieves the clinic-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// ClinicFromContext retrieves the clinic slug from context.
func ClinicFromContext(ctx context.Context) string {
	slug, _ := ctx.Value(ClinicSlugKey).(string)
	return slug
}

// WithTx begins a transaction on the request's clinic-scoped connection and
// returns a derived context carrying it. Repositories prefer the transaction
// over the bare connection, so multi-table writes within one request commit
// or roll back together.
func WithTx(ctx context.Context) (pgx.Tx, context.Context, error) {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return nil, ctx, fmt.Errorf("no database connection in context")
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, ctx, fmt.Errorf("begin transaction: %w", err)
	}

	return tx, context.WithValue(ctx, DBTxKey, tx), nil
}

// TxFromContext retrieves the current transaction from context, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithClinicConn acquires a connection pinned to a clinic's schema and runs
// fn with a context carrying it, mirroring what ClinicMiddleware does for
// HTTP requests. Webhook handlers and background dispatchers use this to
// reach clinic data outside the request path.
func WithClinicConn(ctx context.Context, pool *pgxpool.Pool, slug string, fn func(ctx context.Context) error) error {
	if !clinicSlugPattern.MatchString(slug) {
		return fmt.Errorf("invalid clinic slug: %s", slug)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	exists, err := schemaExists(ctx, conn, SchemaName(slug))
	if err != nil {
		return fmt.Errorf("check clinic schema: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownClinic, slug)
	}

	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, shared, public", SchemaName(slug))); err != nil {
		return fmt.Errorf("pin schema %s: %w", SchemaName(slug), err)
	}

	ctx = context.WithValue(ctx, ClinicSlugKey, slug)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	return fn(ctx)
}

// CreateClinicSchema creates the schema for a new clinic and applies all
// clinic migrations to it. migrationsDir points at the clinic migration
// files; when empty, migrations are skipped (tests).
func CreateClinicSchema(ctx context.Context, pool *pgxpool.Pool, slug string, migrationsDir string) error {
	if !clinicSlugPattern.MatchString(slug) {
		return fmt.Errorf("invalid clinic slug: %s", slug)
	}

	schema := SchemaName(slug)

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrationsDir != "" {
		migrator := NewMigrator(pool, migrationsDir)
		if _, err := migrator.Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}

	return nil
}

// EnsureSharedSchema creates the shared schema (clinics, users, subscriptions,
// webhook event log) and applies the shared migrations to it. Runs once at
// startup before any clinic traffic.
func EnsureSharedSchema(ctx context.Context, pool *pgxpool.Pool, migrationsDir string) error {
	if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS shared"); err != nil {
		return fmt.Errorf("create shared schema: %w", err)
	}

	if migrationsDir != "" {
		migrator := NewMigrator(pool, migrationsDir)
		if _, err := migrator.Up(ctx, "shared"); err != nil {
			return fmt.Errorf("run shared migrations: %w", err)
		}
	}

	return nil
}

// ListClinicSchemas returns the slugs of all clinic schemas present in the
// database, for fleet-wide migrate commands.
func ListClinicSchemas(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	rows, err := pool.Query(ctx,
		`SELECT schema_name FROM information_schema.schemata WHERE schema_name LIKE 'clinic_%' ORDER BY schema_name`)
	if err != nil {
		return nil, fmt.Errorf("list clinic schemas: %w", err)
	}
	defer rows.Close()

	var slugs []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan schema name: %w", err)
		}
		slugs = append(slugs, name[len("clinic_"):])
	}
	return slugs, rows.Err()
}
