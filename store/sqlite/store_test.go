package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"gamerpc/store"

	"github.com/stretchr/testify/require"
	sqlite3lib "modernc.org/sqlite/lib"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "gamerpc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
}

func TestAccountRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTempStore(t)

	_, err := s.FindByToken(ctx, "T1")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.FindByAuthCode(ctx, "")
	require.ErrorIs(t, err, store.ErrNotFound)

	now := time.Date(2026, time.March, 3, 12, 0, 0, 0, time.UTC)
	acct := store.Account{Token: "T1", AuthCode: "code-1", DisplayName: "ada", PlayTime: 90 * time.Minute, UpdatedAt: now}
	require.NoError(t, s.Replace(ctx, acct))

	got, err := s.FindByAuthCode(ctx, "code-1")
	require.NoError(t, err)
	require.True(t, now.Equal(got.UpdatedAt))
	got.UpdatedAt = now
	require.Equal(t, acct, got)

	acct.PlayTime += time.Minute
	acct.AuthCode = ""
	require.NoError(t, s.Replace(ctx, acct))
	got, err = s.FindByToken(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, 91*time.Minute, got.PlayTime)
	require.Empty(t, got.AuthCode)
	_, err = s.FindByAuthCode(ctx, "code-1")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.ErrorIs(t, s.Replace(ctx, store.Account{}), store.ErrNoToken)
}

func TestReplaceConflictingAuthCode(t *testing.T) {
	ctx := context.Background()
	s := openTempStore(t)
	require.NoError(t, s.Replace(ctx, store.Account{Token: "T1", AuthCode: "shared"}))
	require.ErrorIs(t, s.Replace(ctx, store.Account{Token: "T2", AuthCode: "shared"}), store.ErrConflict)
}

func TestHardwareIDs(t *testing.T) {
	ctx := context.Background()
	s := openTempStore(t)

	inserted, err := s.InsertHardwareID(ctx, "T1", "hw-a")
	require.NoError(t, err)
	require.True(t, inserted)
	inserted, err = s.InsertHardwareID(ctx, "T1", "hw-a")
	require.NoError(t, err)
	require.False(t, inserted)
	_, err = s.InsertHardwareID(ctx, "T1", "hw-b")
	require.NoError(t, err)

	n, err := s.CountHardwareIDs(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "gamerpc.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Replace(ctx, store.Account{Token: "T1", PlayTime: time.Second}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.FindByToken(ctx, "T1")
	require.NoError(t, err)
	require.Equal(t, time.Second, got.PlayTime)
}

func TestBusyCodesIncludeExtendedCodes(t *testing.T) {
	for _, code := range []int{
		sqlite3lib.SQLITE_BUSY,
		sqlite3lib.SQLITE_BUSY_SNAPSHOT,
		sqlite3lib.SQLITE_LOCKED,
		sqlite3lib.SQLITE_LOCKED_SHAREDCACHE,
	} {
		require.True(t, isBusyCode(code), "code %d", code)
	}
	require.False(t, isBusyCode(sqlite3lib.SQLITE_CONSTRAINT_UNIQUE))
	require.False(t, isBusyCode(sqlite3lib.SQLITE_OK))
}
