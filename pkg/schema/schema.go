package schema

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/MIAOMC-Server/SSaver/pkg/logger"
	"github.com/MIAOMC-Server/SSaver/pkg/metrics"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Querier is the subset of a pgx pool or connection used by the reconciler
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Column is one required column of the statistics table
type Column struct {
	Name       string
	Definition string
}

// Columns is the required column set, in creation order
var Columns = []Column{
	{Name: "uuid", Definition: "VARCHAR(36) NOT NULL DEFAULT ''"},
	{Name: "serverName", Definition: "VARCHAR(50) NOT NULL DEFAULT ''"},
	{Name: "data", Definition: "TEXT NOT NULL DEFAULT '{}'"},
	{Name: "dataVersion", Definition: "VARCHAR(20) NOT NULL DEFAULT 'unknown'"},
	{Name: "updateDate", Definition: "TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP"},
	{Name: "createDate", Definition: "TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP"},
}

const uniqueViolation = "23505"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,39}$`)

// ValidateTableName rejects names that cannot be used as the statistics table
func ValidateTableName(table string) error {
	if !tableNamePattern.MatchString(table) {
		return fmt.Errorf("table name %q must match %s", table, tableNamePattern)
	}
	return nil
}

// ConstraintName is the uniqueness constraint over (uuid, serverName)
func ConstraintName(table string) string {
	return strings.ToLower(table) + "_player_server"
}

// IndexName is the secondary index on uuid
func IndexName(table string) string {
	return strings.ToLower(table) + "_uuid_idx"
}

// Error is returned when the table cannot be inspected or created
type Error struct {
	Table string
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("schema %s on table %q: %v", e.Op, e.Table, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Reconciler brings the statistics table to the required shape. It only ever
// adds structure; existing columns are never altered or dropped.
type Reconciler struct {
	logger *logger.Logger
}

// NewReconciler creates a new Reconciler instance
func NewReconciler(l *logger.Logger) *Reconciler {
	return &Reconciler{logger: l}
}

// Reconcile creates the table if missing, otherwise adds missing columns, the
// uniqueness constraint and the uuid index. Running it twice issues no DDL the
// second time.
func (r *Reconciler) Reconcile(ctx context.Context, q Querier, table string) error {
	if err := ValidateTableName(table); err != nil {
		return &Error{Table: table, Op: "validate", Err: err}
	}
	log := r.logger.With(zap.String("table", table))

	exists, err := r.tableExists(ctx, q, table)
	if err != nil {
		return &Error{Table: table, Op: "inspect", Err: err}
	}

	if !exists {
		if err := r.exec(ctx, q, createTableSQL(table)); err != nil {
			return &Error{Table: table, Op: "create", Err: err}
		}
		log.Info("created statistics table")

		if err := r.exec(ctx, q, createIndexSQL(table)); err != nil {
			log.Error("failed to create uuid index", err)
		}
		return nil
	}

	present, err := r.columns(ctx, q, table)
	if err != nil {
		return &Error{Table: table, Op: "list columns", Err: err}
	}
	for _, col := range Columns {
		if present[strings.ToLower(col.Name)] {
			continue
		}
		sql := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quote(table), col.Name, col.Definition)
		if err := r.exec(ctx, q, sql); err != nil {
			log.Error("failed to add missing column", err, zap.String("column", col.Name))
			continue
		}
		log.Info("added missing column", zap.String("column", col.Name))
	}

	r.ensureConstraint(ctx, q, table, log)
	r.ensureIndex(ctx, q, table, log)
	return nil
}

func (r *Reconciler) ensureConstraint(ctx context.Context, q Querier, table string, log *logger.Logger) {
	name := ConstraintName(table)

	var found bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_constraint c
			JOIN pg_class t ON t.oid = c.conrelid
			JOIN pg_namespace n ON n.oid = t.relnamespace
			WHERE n.nspname = current_schema() AND t.relname = $1
			AND c.conname = $2 AND c.contype IN ('p', 'u')
		)`, table, name).Scan(&found)
	if err != nil {
		log.Error("failed to inspect uniqueness constraint", err)
		return
	}
	if found {
		return
	}

	sql := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s UNIQUE (uuid, serverName)", quote(table), quote(name))
	err = r.exec(ctx, q, sql)

	var pgErr *pgconn.PgError
	switch {
	case err == nil:
		log.Info("added uniqueness constraint", zap.String("constraint", name))
	case errors.As(err, &pgErr) && pgErr.Code == uniqueViolation:
		log.Warn("cannot add uniqueness constraint, table holds duplicate (uuid, serverName) rows",
			zap.String("constraint", name), zap.String("detail", pgErr.Detail))
	default:
		log.Error("failed to add uniqueness constraint", err, zap.String("constraint", name))
	}
}

func (r *Reconciler) ensureIndex(ctx context.Context, q Querier, table string, log *logger.Logger) {
	name := IndexName(table)

	var found bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_indexes
			WHERE schemaname = current_schema() AND tablename = $1 AND indexname = $2
		)`, table, name).Scan(&found)
	if err != nil {
		log.Error("failed to inspect uuid index", err)
		return
	}
	if found {
		return
	}

	if err := r.exec(ctx, q, createIndexSQL(table)); err != nil {
		log.Error("failed to create uuid index", err, zap.String("index", name))
		return
	}
	log.Info("created uuid index", zap.String("index", name))
}

func (r *Reconciler) tableExists(ctx context.Context, q Querier, table string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_name = $1
		)`, table).Scan(&exists)
	return exists, err
}

func (r *Reconciler) columns(ctx context.Context, q Querier, table string) (map[string]bool, error) {
	rows, err := q.Query(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1`, table)
	if err != nil {
		return nil, err
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	present := make(map[string]bool, len(names))
	for _, n := range names {
		present[strings.ToLower(n)] = true
	}
	return present, nil
}

func (r *Reconciler) exec(ctx context.Context, q Querier, sql string) error {
	_, err := q.Exec(ctx, sql)
	if err != nil {
		metrics.SchemaDDLTotal.WithLabelValues(metrics.ResultError).Inc()
		return err
	}
	metrics.SchemaDDLTotal.WithLabelValues(metrics.ResultOK).Inc()
	return nil
}

func createTableSQL(table string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", quote(table))
	for _, col := range Columns {
		fmt.Fprintf(&b, "\t%s %s,\n", col.Name, col.Definition)
	}
	fmt.Fprintf(&b, "\tCONSTRAINT %s PRIMARY KEY (uuid, serverName)\n)", quote(ConstraintName(table)))
	return b.String()
}

func createIndexSQL(table string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (uuid)", quote(IndexName(table)), quote(table))
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
