package tokenstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "dir", "token.json"), NewCodec(PlaintextCipher{}))
	require.NoError(t, err)
	return store
}

func TestNewFileStoreValidation(t *testing.T) {
	_, err := NewFileStore("", NewCodec(nil))
	assert.Error(t, err)

	_, err = NewFileStore("token.json", nil)
	assert.Error(t, err)
}

func TestFileStoreLoadMissing(t *testing.T) {
	store := newTestFileStore(t)

	r, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestFileStoreSaveLoad(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)

	require.NoError(t, store.Save(ctx, testRecord()))

	info, err := os.Stat(store.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	r, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "access-token", r.AccessToken)
	assert.Equal(t, "refresh-token", r.RefreshToken)
}

func TestFileStoreSaveReplaces(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)

	require.NoError(t, store.Save(ctx, testRecord()))

	next := testRecord()
	next.AccessToken = "second-access"
	next.RefreshToken = "second-refresh"
	require.NoError(t, store.Save(ctx, next))

	r, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second-access", r.AccessToken)
	assert.Equal(t, "second-refresh", r.RefreshToken)

	// Only the token file remains, no temp files
	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileStoreSaveInvalidLeavesPrevious(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)
	require.NoError(t, store.Save(ctx, testRecord()))

	bad := testRecord()
	bad.RefreshToken = ""
	require.Error(t, store.Save(ctx, bad))

	r, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "refresh-token", r.RefreshToken)
}

func TestFileStoreLoadCorrupt(t *testing.T) {
	store := newTestFileStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(store.Path()), 0o700))
	require.NoError(t, os.WriteFile(store.Path(), []byte("{ invalid json"), 0o600))

	r, err := store.Load(context.Background())
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Nil(t, r)
}

func TestFileStoreLoadInsecurePermissions(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)
	require.NoError(t, store.Save(ctx, testRecord()))
	require.NoError(t, os.Chmod(store.Path(), 0o644))

	_, err := store.Load(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCorrupt)
}

func TestFileStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)

	require.NoError(t, store.Delete(ctx), "deleting a missing file is not an error")

	require.NoError(t, store.Save(ctx, testRecord()))
	require.NoError(t, store.Delete(ctx))

	r, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestFileStoreCancelledContext(t *testing.T) {
	store := newTestFileStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Load(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, store.Save(ctx, testRecord()), context.Canceled)
}
