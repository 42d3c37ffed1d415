package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/picklr-io/fleetform/internal/ir"
)

// SQLiteStore keeps records in a sqlite table. CAS is a conditional UPDATE
// on the version column, so concurrent writers in different processes are
// also serialized.
type SQLiteStore struct {
	db    *sql.DB
	codec codec
}

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS node_state (
		id TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		version INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
`

// OpenSQLiteStore opens (and migrates) the database at path.
func OpenSQLiteStore(path string, cipher *Cipher) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite state %s: %w", path, err)
	}
	return NewSQLiteStore(db, cipher)
}

// NewSQLiteStore uses an existing handle; the lock manager can share it.
func NewSQLiteStore(db *sql.DB, cipher *Cipher) (*SQLiteStore, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to create node_state table: %w", err)
	}
	return &SQLiteStore{db: db, codec: codec{cipher: cipher}}, nil
}

func (s *SQLiteStore) Read(ctx context.Context, id string) (*ir.ActualState, error) {
	var payload []byte
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT payload, version FROM node_state WHERE id = ?`, id).Scan(&payload, &version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state for %s: %w", id, err)
	}
	st, err := s.codec.decode(payload)
	if err != nil {
		return nil, err
	}
	return stamp(id, st, version), nil
}

func (s *SQLiteStore) currentVersion(ctx context.Context, id string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM node_state WHERE id = ?`, id).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return version, err
}

func (s *SQLiteStore) Write(ctx context.Context, id string, st *ir.ActualState, expectedVersion int64) (int64, error) {
	next := expectedVersion + 1
	payload, err := s.codec.encode(stamp(id, st, next))
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC().Unix()

	var res sql.Result
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO node_state (id, payload, version, updated_at)
			VALUES (?, ?, 1, ?)
			ON CONFLICT(id) DO NOTHING
		`, id, payload, now)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE node_state SET payload = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?
		`, payload, now, id, expectedVersion)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write state for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		actual, err := s.currentVersion(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("failed to read version for %s: %w", id, err)
		}
		return 0, conflict(id, expectedVersion, actual)
	}
	return next, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string, expectedVersion int64) error {
	if expectedVersion == 0 {
		actual, err := s.currentVersion(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to read version for %s: %w", id, err)
		}
		if actual != 0 {
			return conflict(id, 0, actual)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM node_state WHERE id = ? AND version = ?`, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to delete state for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		actual, err := s.currentVersion(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to read version for %s: %w", id, err)
		}
		return conflict(id, expectedVersion, actual)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*ir.ActualState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload, version FROM node_state ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list state: %w", err)
	}
	defer rows.Close()

	var out []*ir.ActualState
	for rows.Next() {
		var id string
		var payload []byte
		var version int64
		if err := rows.Scan(&id, &payload, &version); err != nil {
			return nil, err
		}
		st, err := s.codec.decode(payload)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", id, err)
		}
		out = append(out, stamp(id, st, version))
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
