package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/poic/licensing/internal/ledger"
)

// New connects to a postgres-backed ledger.
func New(dbConnStr string) (ledger.Store, error) {
	db, err := sqlx.Connect("postgres", dbConnStr)
	if err != nil {
		return nil, fmt.Errorf("sqlx.Connect: %w", err)
	}

	// sqlx default is 0 (unlimited), while postgresql by default accepts up to 100 connections
	db.SetMaxOpenConns(80)

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS ledger (
	key TEXT PRIMARY KEY,
	value BYTEA NOT NULL,
	version BIGINT NOT NULL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP NOT NULL
);
    `)
	if err != nil {
		return nil, fmt.Errorf("db.Exec schema: %w", err)
	}

	return &store{
		db: db,
	}, nil
}

type store struct {
	db *sqlx.DB
}

func (s *store) Get(ctx context.Context, key string) ([]byte, error) {
	value, _, err := s.get(ctx, key)
	return value, err
}

func (s *store) get(ctx context.Context, key string) ([]byte, int64, error) {
	var rec struct {
		Value   []byte `db:"value"`
		Version int64  `db:"version"`
	}

	err := s.db.GetContext(ctx, &rec, "SELECT value, version FROM ledger WHERE key=$1", key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, ledger.ErrNotFound
		}
		return nil, 0, fmt.Errorf("db.Get ledger: %w", err)
	}

	return rec.Value, rec.Version, nil
}

func (s *store) Put(ctx context.Context, key string, value []byte) error {
	const upsert = `
INSERT INTO ledger (key, value, version) VALUES ($1, $2, 1)
ON CONFLICT (key) DO UPDATE SET
	value=EXCLUDED.value,
	version=ledger.version+1,
	updated_at=NOW();`

	if _, err := s.db.ExecContext(ctx, upsert, key, value); err != nil {
		return fmt.Errorf("db.Exec put ledger: %w", err)
	}

	return nil
}

func (s *store) Update(ctx context.Context, key string, fn ledger.UpdateFunc) error {
	for {
		current, version, err := s.get(ctx, key)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		ok, err := s.cas(ctx, key, version, next)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}

func (s *store) cas(ctx context.Context, key string, version int64, next []byte) (bool, error) {
	if version == 0 {
		res, err := s.db.ExecContext(ctx,
			"INSERT INTO ledger (key, value, version) VALUES ($1, $2, 1) ON CONFLICT (key) DO NOTHING",
			key, next)
		if err != nil {
			return false, fmt.Errorf("db.Exec insert ledger: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		return n == 1, nil
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE ledger SET value=$1, version=version+1, updated_at=NOW() WHERE key=$2 AND version=$3",
		next, key, version)
	if err != nil {
		return false, fmt.Errorf("db.Exec update ledger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *store) Close() error {
	return s.db.Close()
}
