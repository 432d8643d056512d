// Package store is the persistence boundary of feature modules: account
// lookups by auth code or token, account replacement, and hardware id
// bookkeeping. The RPC core never calls it.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict reports that an account would reuse another account's
	// auth code.
	ErrConflict = errors.New("store: conflict")
	ErrNoToken  = errors.New("store: account token is required")
	// ErrBusy reports a lookup that failed because the backend was locked.
	// Repeating the call may succeed.
	ErrBusy = errors.New("store: busy")
)

// Account is the persisted player record.
type Account struct {
	Token       string
	AuthCode    string
	DisplayName string
	PlayTime    time.Duration
	UpdatedAt   time.Time
}

type Store interface {
	FindByAuthCode(ctx context.Context, code string) (Account, error)
	FindByToken(ctx context.Context, token string) (Account, error)
	// Replace inserts acct or overwrites the account with the same token.
	Replace(ctx context.Context, acct Account) error
	CountHardwareIDs(ctx context.Context, token string) (int, error)
	// InsertHardwareID records hwid for token and reports whether it was new.
	InsertHardwareID(ctx context.Context, token, hwid string) (bool, error)
}
