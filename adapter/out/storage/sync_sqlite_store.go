package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"fitsync_client/core/port/out"
	"fitsync_client/pkg/apperr"
)

// SQLiteStore is the on-device durable KVStore backing queue and conflict
// persistence. modernc's pure-Go driver keeps the client free of cgo.
type SQLiteStore struct {
	db *sqlx.DB
}

// Interface compliance check
var _ out.KVStore = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv_store (
	k TEXT PRIMARY KEY,
	v BLOB NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
`

// NewSQLiteStore opens (creating if needed) the store at path.
// Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, apperr.StorageError("open sqlite store", err)
	}

	// Single writer; WAL keeps readers unblocked during saves.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, apperr.StorageError("configure sqlite store", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, apperr.StorageError("migrate sqlite store", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.GetContext(ctx, &value, "SELECT v FROM kv_store WHERE k = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.StorageError("get "+key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (k, v) VALUES (?, ?)
		ON CONFLICT(k) DO UPDATE SET
			v = excluded.v,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')`,
		key, value)
	if err != nil {
		return apperr.StorageError("set "+key, err)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv_store WHERE k = ?", key); err != nil {
		return apperr.StorageError("remove "+key, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
