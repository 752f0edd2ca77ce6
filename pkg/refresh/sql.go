package refresh

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ExecFunc runs one SQL statement without arguments.
type ExecFunc func(ctx context.Context, query string) error

// PgxExecer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type PgxExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PgxExec adapts a pgx connection or pool to ExecFunc.
func PgxExec(db PgxExecer) ExecFunc {
	return func(ctx context.Context, query string) error {
		_, err := db.Exec(ctx, query)
		return err
	}
}

// SQLRefresher refreshes PostgreSQL materialized views concurrently.
type SQLRefresher struct {
	exec ExecFunc
}

// NewSQLRefresher creates a refresher over exec.
func NewSQLRefresher(exec ExecFunc) *SQLRefresher {
	return &SQLRefresher{exec: exec}
}

// Refresh runs REFRESH MATERIALIZED VIEW CONCURRENTLY for view.
func (r *SQLRefresher) Refresh(ctx context.Context, view string) error {
	if !identifierPattern.MatchString(view) {
		return fmt.Errorf("refresh: %q is not a valid view identifier", view)
	}
	if err := r.exec(ctx, "REFRESH MATERIALIZED VIEW CONCURRENTLY "+view); err != nil {
		return fmt.Errorf("refresh materialized view %s: %w", view, err)
	}
	return nil
}
