package projection

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	raw []byte
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*[]byte)) = r.raw
	return nil
}

// fakeDB keys rows by (scope, scenario), the table's primary key.
type fakeDB struct {
	mu      sync.Mutex
	rows    map[string][]byte
	execErr error
}

func newFakeDB() *fakeDB {
	return &fakeDB{rows: make(map[string][]byte)}
}

func (f *fakeDB) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	f.rows[args[0].(string)+"/"+args[1].(string)] = args[2].([]byte)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.rows[args[0].(string)+"/"+args[1].(string)]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{raw: raw}
}

func TestParameterStores(t *testing.T) {
	stores := map[string]func() ParameterStore{
		"memory": func() ParameterStore { return NewMemoryStore() },
		"sql":    func() ParameterStore { return NewSQLStore(newFakeDB()) },
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore()

			_, err := store.Load(ctx, "brief-1", "")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Save(ctx, "brief-1", "", sampleParameters()))
			alt := sampleParameters()
			alt.MSRP = 19.99
			require.NoError(t, store.Save(ctx, "brief-1", "low", alt))

			got, err := store.Load(ctx, "brief-1", "")
			require.NoError(t, err)
			assert.Equal(t, sampleParameters(), got)

			got, err = store.Load(ctx, "brief-1", "low")
			require.NoError(t, err)
			assert.Equal(t, 19.99, got.MSRP)
		})
	}
}

func TestSQLStoreErrors(t *testing.T) {
	ctx := context.Background()
	db := newFakeDB()
	store := NewSQLStore(db)

	db.execErr = errors.New("connection reset")
	err := store.Save(ctx, "brief-1", "", sampleParameters())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save parameters for brief-1")

	db.rows["brief-1/"] = []byte("{not json")
	_, err = store.Load(ctx, "brief-1", "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
