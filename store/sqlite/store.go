// Package sqlite provides a SQLite-backed store.Store.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gamerpc/store"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

//go:embed schema.sql
var schema string

// Store persists accounts in SQLite.
type Store struct {
	sqlDB *sql.DB
}

var _ store.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database at path and creates the schema if missing.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

const accountColumns = `token, COALESCE(auth_code, ''), display_name, play_time_ms, updated_at`

func (s *Store) FindByAuthCode(ctx context.Context, code string) (store.Account, error) {
	if code == "" {
		return store.Account{}, store.ErrNotFound
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE auth_code = ?`, code)
	return scanAccount(row)
}

func (s *Store) FindByToken(ctx context.Context, token string) (store.Account, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE token = ?`, token)
	return scanAccount(row)
}

func scanAccount(row *sql.Row) (store.Account, error) {
	var (
		acct      store.Account
		playMs    int64
		updatedAt int64
	)
	if err := row.Scan(&acct.Token, &acct.AuthCode, &acct.DisplayName, &playMs, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Account{}, store.ErrNotFound
		}
		if isBusy(err) {
			return store.Account{}, fmt.Errorf("scan account: %w: %w", store.ErrBusy, err)
		}
		return store.Account{}, fmt.Errorf("scan account: %w", err)
	}
	acct.PlayTime = time.Duration(playMs) * time.Millisecond
	acct.UpdatedAt = fromMillis(updatedAt)
	return acct, nil
}

func (s *Store) Replace(ctx context.Context, acct store.Account) error {
	if acct.Token == "" {
		return store.ErrNoToken
	}
	updatedAt := acct.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	var authCode any
	if acct.AuthCode != "" {
		authCode = acct.AuthCode
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO accounts (token, auth_code, display_name, play_time_ms, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(token) DO UPDATE SET
		   auth_code = excluded.auth_code,
		   display_name = excluded.display_name,
		   play_time_ms = excluded.play_time_ms,
		   updated_at = excluded.updated_at`,
		acct.Token,
		authCode,
		acct.DisplayName,
		acct.PlayTime.Milliseconds(),
		toMillis(updatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("replace account: %w", err)
	}
	return nil
}

func (s *Store) CountHardwareIDs(ctx context.Context, token string) (int, error) {
	var n int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM hardware_ids WHERE token = ?`, token).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count hardware ids: %w", err)
	}
	return n, nil
}

func (s *Store) InsertHardwareID(ctx context.Context, token, hwid string) (bool, error) {
	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO hardware_ids (token, hardware_id, created_at) VALUES (?, ?, ?)`,
		token, hwid, toMillis(time.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("insert hardware id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert hardware id: %w", err)
	}
	return n > 0, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func isBusy(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended codes such as SQLITE_BUSY_SNAPSHOT keep the primary code in
	// the low byte.
	return isBusyCode(sqliteErr.Code())
}

func isBusyCode(code int) bool {
	primary := code & 0xff
	return primary == sqlite3lib.SQLITE_BUSY || primary == sqlite3lib.SQLITE_LOCKED
}
