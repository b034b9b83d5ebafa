package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xmessenger"
)

func TestNew_RequiresPath(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, xmessenger.ErrConfiguration)
}

func TestNew_CreatesNamespace(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, Namespace), s.Dir())
	assert.DirExists(t, s.Dir())
}

func TestSetGetDelete(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", []byte("line one\nline two"), 0))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "line one\nline two", string(v))

	require.NoError(t, s.Set(ctx, "k", []byte("replaced"), 0))
	v, _, _ = s.Get(ctx, "k")
	assert.Equal(t, "replaced", string(v))

	require.NoError(t, s.Delete(ctx, "k"))
	require.NoError(t, s.Delete(ctx, "k"))
	_, ok, _ = s.Get(ctx, "k")
	assert.False(t, ok)
}

func TestGet_ExpiredEntry(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "short", []byte("x"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := s.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoFileExists(t, s.file("short"))
}

func TestRestartSignal(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	at, err := s.RestartRequestedAt(ctx)
	require.NoError(t, err)
	assert.True(t, at.IsZero())

	before := time.Now().Add(-time.Second)
	require.NoError(t, s.RequestWorkerRestart(ctx))

	at, err = s.RestartRequestedAt(ctx)
	require.NoError(t, err)
	assert.True(t, at.After(before))
}

func TestRestartSignal_SharedAcrossStores(t *testing.T) {
	root := t.TempDir()
	a, err := New(root)
	require.NoError(t, err)
	b, err := New(root)
	require.NoError(t, err)

	require.NoError(t, a.RequestWorkerRestart(context.Background()))
	at, err := b.RestartRequestedAt(context.Background())
	require.NoError(t, err)
	assert.False(t, at.IsZero())
}
