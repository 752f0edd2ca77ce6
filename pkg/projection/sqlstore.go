package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx used by SQLStore. *pgxpool.Pool, *pgx.Conn
// and pgx.Tx satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SQLStore keeps parameters in the distribution_parameters table as JSONB.
type SQLStore struct {
	db Querier
}

// NewSQLStore creates a store over db.
func NewSQLStore(db Querier) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Load(ctx context.Context, scopeID, scenarioID string) (Parameters, error) {
	const query = `
		SELECT params
		FROM distribution_parameters
		WHERE scope_id = $1 AND scenario_id = $2
	`
	var raw []byte
	if err := s.db.QueryRow(ctx, query, scopeID, scenarioID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
			return Parameters{}, ErrNotFound
		}
		return Parameters{}, fmt.Errorf("load parameters for %s: %w", scopeID, err)
	}

	var p Parameters
	if err := json.Unmarshal(raw, &p); err != nil {
		return Parameters{}, fmt.Errorf("decode parameters for %s: %w", scopeID, err)
	}
	return p, nil
}

func (s *SQLStore) Save(ctx context.Context, scopeID, scenarioID string, p Parameters) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}

	const query = `
		INSERT INTO distribution_parameters (scope_id, scenario_id, params, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (scope_id, scenario_id)
		DO UPDATE SET params = EXCLUDED.params, updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.Exec(ctx, query, scopeID, scenarioID, raw); err != nil {
		return fmt.Errorf("save parameters for %s: %w", scopeID, err)
	}
	return nil
}
