package distribution

import (
	"context"
	"fmt"

	"encore.dev/storage/sqldb"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"distribution.app/pkg/projection"
)

var db = sqldb.NewDatabase("distribution", sqldb.DatabaseConfig{
	Migrations: "./migrations",
})

// sqldbQuerier lets the pgx-based stores run on an Encore database.
type sqldbQuerier struct {
	db *sqldb.Database
}

func (q sqldbQuerier) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	res, err := q.db.Exec(ctx, query, args...)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	return pgconn.NewCommandTag(fmt.Sprintf("EXEC %d", res.RowsAffected())), nil
}

func (q sqldbQuerier) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	return q.db.QueryRow(ctx, query, args...)
}

func newParameterStore(q sqldbQuerier) projection.ParameterStore {
	return projection.NewSQLStore(q)
}
