package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	sq, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{
		"file":   fs,
		"sqlite": sq,
		"memory": NewMemory(),
	}
}

func TestStore_Backends(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, "social/agent/watermark")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put(ctx, "social/agent/watermark", "2026-01-01T00:00:00Z"))
			require.NoError(t, s.Put(ctx, "social/agent/watermark", "2026-01-02T00:00:00Z"))
			require.NoError(t, s.Put(ctx, "social/other/gm", "2026-01-02"))
			require.NoError(t, s.Put(ctx, "trading/state", "{}"))

			v, err := s.Get(ctx, "social/agent/watermark")
			require.NoError(t, err)
			assert.Equal(t, "2026-01-02T00:00:00Z", v)

			keys, err := s.List(ctx, "social/")
			require.NoError(t, err)
			assert.Equal(t, []string{"social/agent/watermark", "social/other/gm"}, keys)

			require.NoError(t, s.Delete(ctx, "trading/state"))
			require.NoError(t, s.Delete(ctx, "trading/state"))
			_, err = s.Get(ctx, "trading/state")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_InvalidKeys(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"", "/abs", "../escape", "a/../../b"} {
				assert.ErrorIs(t, s.Put(ctx, k, "x"), ErrInvalidKey, k)
			}
		})
	}
}

func TestStore_JSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	type blob struct {
		LastBuyPrice float64 `json:"lastBuyPrice"`
	}
	var b blob
	found, err := GetJSON(ctx, s, "trading/state", &b)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, PutJSON(ctx, s, "trading/state", blob{LastBuyPrice: 42.5}))
	found, err = GetJSON(ctx, s, "trading/state", &b)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 42.5, b.LastBuyPrice)

	v, err := GetString(ctx, s, "missing", "default")
	require.NoError(t, err)
	assert.Equal(t, "default", v)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "redis"})
	assert.Error(t, err)
}

func TestSQLiteLikeEscaping(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, "a_b", "1"))
	require.NoError(t, s.Put(ctx, "axb", "2"))
	keys, err := s.List(ctx, "a_")
	require.NoError(t, err)
	assert.Equal(t, []string{"a_b"}, keys)
}
