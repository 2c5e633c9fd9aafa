package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"

	"github.com/poic/licensing/internal/ledger"
)

// New opens (or creates) a sqlite-backed ledger at dbFile.
func New(dbFile string) (ledger.Store, error) {
	if dbFile == "" {
		return nil, fmt.Errorf("must set ledger_db")
	}
	if _, err := os.Stat(dbFile); errors.Is(err, os.ErrNotExist) {
		f, err := os.Create(dbFile)
		if err != nil {
			return nil, err
		}
		f.Close()
	}

	db, err := sql.Open("sqlite3", dbFile+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	// A single connection serializes writers, so version conflicts only
	// occur between processes sharing the file.
	db.SetMaxOpenConns(1)

	s := store{
		dbFile: dbFile,
		db:     db,
	}

	if err := s.createSchema(); err != nil {
		return nil, err
	}

	return &s, nil
}

type store struct {
	dbFile string
	db     *sql.DB
}

func (s *store) createSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS ledger (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    version INTEGER NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	return nil
}

func (s *store) Get(ctx context.Context, key string) ([]byte, error) {
	value, _, err := s.get(ctx, key)
	return value, err
}

func (s *store) get(ctx context.Context, key string) ([]byte, int64, error) {
	var (
		value   []byte
		version int64
	)

	row := s.db.QueryRowContext(ctx, "SELECT value, version FROM ledger WHERE key=?", key)
	if err := row.Scan(&value, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, ledger.ErrNotFound
		}
		return nil, 0, fmt.Errorf("query ledger: %w", err)
	}

	return value, version, nil
}

func (s *store) Put(ctx context.Context, key string, value []byte) error {
	const upsert = `
INSERT INTO ledger (key, value, version) VALUES (?, ?, 1)
ON CONFLICT(key) DO UPDATE SET
    value=excluded.value,
    version=ledger.version+1,
    updated_at=CURRENT_TIMESTAMP;`

	if _, err := s.db.ExecContext(ctx, upsert, key, value); err != nil {
		return fmt.Errorf("put ledger: %w", err)
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
		// Lost the race, re-read and retry.
	}
}

// cas writes next if the record is still at the expected version. A zero
// version means the record did not exist when read.
func (s *store) cas(ctx context.Context, key string, version int64, next []byte) (bool, error) {
	if version == 0 {
		res, err := s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO ledger (key, value, version) VALUES (?, ?, 1)",
			key, next)
		if err != nil {
			return false, fmt.Errorf("insert ledger: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		return n == 1, nil
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE ledger SET value=?, version=version+1, updated_at=CURRENT_TIMESTAMP WHERE key=? AND version=?",
		next, key, version)
	if err != nil {
		return false, fmt.Errorf("update ledger: %w", err)
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
