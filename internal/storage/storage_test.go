package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]KV {
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	return map[string]KV{
		"memory": NewMemoryStore(),
		"file":   fs,
	}
}

func TestKV_RoundTripAndDelete(t *testing.T) {
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := kv.Get(ctx, KeyCart)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, kv.Set(ctx, KeyCart, []byte(`{"items":[]}`)))
			require.NoError(t, kv.Set(ctx, KeyCart, []byte(`{"items":[1]}`)))

			data, err := kv.Get(ctx, KeyCart)
			require.NoError(t, err)
			assert.Equal(t, `{"items":[1]}`, string(data))

			require.NoError(t, kv.Delete(ctx, KeyCart))
			require.NoError(t, kv.Delete(ctx, KeyCart))
			_, err = kv.Get(ctx, KeyCart)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	kv := NewMemoryStore()
	buf := []byte("abc")
	require.NoError(t, kv.Set(context.Background(), "k", buf))
	buf[0] = 'x'

	data, err := kv.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestFileStore_PermissionsAndNoTempLeftovers(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, fs.Set(context.Background(), KeyCredentials, []byte("{}")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "storefront_auth.json", entries[0].Name())

	info, err := entries[0].Info()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
