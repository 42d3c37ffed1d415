package lock

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteManager keeps leases in a sqlite table so that sessions in separate
// processes sharing a database file exclude each other. A released lease
// keeps its row (with an empty holder) so tokens stay monotonic per scope.
type SQLiteManager struct {
	db    *sql.DB
	clock Clock
}

const sqliteLockSchema = `
	CREATE TABLE IF NOT EXISTS leases (
		scope TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		token INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
`

func OpenSQLiteManager(path string, opts ...Option) (*SQLiteManager, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite lock database %s: %w", path, err)
	}
	return NewSQLiteManager(db, opts...)
}

func NewSQLiteManager(db *sql.DB, opts ...Option) (*SQLiteManager, error) {
	if _, err := db.Exec(sqliteLockSchema); err != nil {
		return nil, fmt.Errorf("failed to create leases table: %w", err)
	}
	o := buildOptions(opts)
	return &SQLiteManager{db: db, clock: o.clock}, nil
}

func (s *SQLiteManager) Acquire(ctx context.Context, scope, holder string, lease time.Duration) (*Lock, error) {
	if err := validate(scope, holder, lease); err != nil {
		return nil, err
	}
	now := s.clock()
	expires := now.Add(lease)

	// One statement so the check and the grant are atomic across processes.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (scope, holder, token, expires_at) VALUES (?1, ?2, 1, ?3)
		ON CONFLICT(scope) DO UPDATE SET
			token = CASE WHEN leases.holder = ?2 AND leases.expires_at > ?4 THEN leases.token ELSE leases.token + 1 END,
			holder = ?2,
			expires_at = ?3
		WHERE leases.holder = '' OR leases.holder = ?2 OR leases.expires_at <= ?4
	`, scope, holder, expires.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock on %s: %w", scope, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		var current string
		var until int64
		err := s.db.QueryRowContext(ctx, `SELECT holder, expires_at FROM leases WHERE scope = ?`, scope).Scan(&current, &until)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect lock on %s: %w", scope, err)
		}
		return nil, &HeldError{Scope: scope, Holder: current, ExpiresAt: time.Unix(0, until)}
	}

	var token int64
	if err := s.db.QueryRowContext(ctx, `SELECT token FROM leases WHERE scope = ?`, scope).Scan(&token); err != nil {
		return nil, fmt.Errorf("failed to read lock token on %s: %w", scope, err)
	}
	return &Lock{Scope: scope, Holder: holder, Token: token, Lease: lease, ExpiresAt: time.Unix(0, expires.UnixNano())}, nil
}

func (s *SQLiteManager) Renew(ctx context.Context, l *Lock) (*Lock, error) {
	now := s.clock()
	expires := now.Add(l.Lease)
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases SET expires_at = ?
		WHERE scope = ? AND holder = ? AND token = ? AND expires_at > ?
	`, expires.UnixNano(), l.Scope, l.Holder, l.Token, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to renew lock on %s: %w", l.Scope, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &ExpiredError{Scope: l.Scope, Holder: l.Holder, Token: l.Token}
	}
	renewed := *l
	renewed.ExpiresAt = time.Unix(0, expires.UnixNano())
	return &renewed, nil
}

func (s *SQLiteManager) Release(ctx context.Context, l *Lock) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases SET holder = '', expires_at = 0
		WHERE scope = ? AND holder = ? AND token = ?
	`, l.Scope, l.Holder, l.Token)
	if err != nil {
		return fmt.Errorf("failed to release lock on %s: %w", l.Scope, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var holder string
	var token int64
	err = s.db.QueryRowContext(ctx, `SELECT holder, token FROM leases WHERE scope = ?`, l.Scope).Scan(&holder, &token)
	if err == nil && holder == "" && token == l.Token {
		return nil
	}
	return &ExpiredError{Scope: l.Scope, Holder: l.Holder, Token: l.Token}
}

func (s *SQLiteManager) Close() error { return s.db.Close() }
