package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quest/internal/domain"
	"quest/internal/ports"
)

func sampleSession(issued time.Time) domain.Session {
	return domain.Session{
		UserID:      "u-42",
		Email:       "grace@example.com",
		Nickname:    "grace",
		AccessToken: "token-1",
		Provider:    domain.AuthProviderPassword,
		IssuedAt:    issued,
	}
}

func storeBackends(t *testing.T) map[string]ports.SessionStore {
	t.Helper()
	dir := t.TempDir()

	sqlite, err := OpenSQLiteStore(context.Background(), filepath.Join(dir, "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]ports.SessionStore{
		"file":   NewFileStore(filepath.Join(dir, "nested", "session.json")),
		"sqlite": sqlite,
	}
}

func TestStoresRoundTrip(t *testing.T) {
	t.Parallel()

	issued := time.UnixMilli(time.Now().UnixMilli())
	for name, store := range storeBackends(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			got, err := store.Get(ctx)
			require.NoError(t, err)
			assert.Nil(t, got, "empty store returns no session")

			require.NoError(t, store.Set(ctx, sampleSession(issued)))
			got, err = store.Get(ctx)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "u-42", got.UserID)
			assert.Equal(t, "token-1", got.AccessToken)
			assert.Equal(t, domain.AuthProviderPassword, got.Provider)
			assert.True(t, issued.Equal(got.IssuedAt))

			replacement := sampleSession(issued)
			replacement.AccessToken = "token-2"
			require.NoError(t, store.Set(ctx, replacement))
			got, err = store.Get(ctx)
			require.NoError(t, err)
			assert.Equal(t, "token-2", got.AccessToken)

			require.NoError(t, store.Remove(ctx))
			got, err = store.Get(ctx)
			require.NoError(t, err)
			assert.Nil(t, got)
			require.NoError(t, store.Remove(ctx), "removing twice is fine")
		})
	}
}

func TestFileStoreWritesPrivateFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "session.json")
	store := NewFileStore(path)
	require.NoError(t, store.Set(context.Background(), sampleSession(time.Now())))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")
}

func TestFileStoreRejectsCorruptDocument(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFileStore(path).Get(context.Background())
	assert.Error(t, err)
}

func TestManagerExpiresOldSessions(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewFileStore(filepath.Join(t.TempDir(), "session.json"))
	manager := NewManager(store, ManagerConfig{Now: func() time.Time { return now }})
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, sampleSession(now.Add(-23*time.Hour))))
	current, err := manager.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)

	require.NoError(t, store.Set(ctx, sampleSession(now.Add(-24*time.Hour))))
	current, err = manager.Current(ctx)
	assert.Nil(t, current)
	assert.ErrorIs(t, err, domain.ErrSessionExpired)

	stored, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, stored, "expired session is removed")
}

func TestManagerValidateObservesExternalLogout(t *testing.T) {
	t.Parallel()

	now := time.Now()
	store := NewFileStore(filepath.Join(t.TempDir(), "session.json"))
	manager := NewManager(store, ManagerConfig{Now: func() time.Time { return now }})
	ctx := context.Background()

	saved, err := manager.Save(ctx, sampleSession(time.Time{}))
	require.NoError(t, err)
	assert.True(t, saved.IssuedAt.Equal(now), "issue time is stamped")

	_, err = manager.Validate(ctx, "token-1")
	require.NoError(t, err)

	_, err = manager.Validate(ctx, "stale-token")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	// Another context logs out behind the manager's back.
	require.NoError(t, store.Remove(ctx))
	_, err = manager.Validate(ctx, "token-1")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestManagerSaveRequiresToken(t *testing.T) {
	t.Parallel()

	manager := NewManager(NewFileStore(filepath.Join(t.TempDir(), "s.json")), ManagerConfig{})
	_, err := manager.Save(context.Background(), domain.Session{UserID: "u"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
