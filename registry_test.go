package asyncstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_SameHandlePerPath(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry()
	defer r.CloseAll(context.Background())

	a, err := r.OpenOrCreate(dir)
	require.NoError(t, err)
	b, err := r.OpenOrCreate(filepath.Join(dir, ".", "sub", ".."))
	require.NoError(t, err)
	assert.Same(t, a, b)

	other, err := r.OpenOrCreate(filepath.Join(dir, "other"))
	require.NoError(t, err)
	assert.NotSame(t, a, other)
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_RelativePath(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	rel, err := filepath.Rel(wd, dir)
	require.NoError(t, err)

	r := NewRegistry()
	defer r.CloseAll(context.Background())

	a, err := r.OpenOrCreate(dir)
	require.NoError(t, err)
	b, err := r.OpenOrCreate(rel)
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestRegistry_CloseThenReopen(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(WithCacheSize(16))

	s, err := r.OpenOrCreate(dir)
	require.NoError(t, err)
	await(t, s.SetItem("k", "v"))
	require.NoError(t, r.Close(context.Background(), s))
	assert.Equal(t, 0, r.Len())

	s2, err := r.OpenOrCreate(dir)
	require.NoError(t, err)
	assert.NotSame(t, s, s2)
	assert.Equal(t, "v", *await(t, s2.GetItem("k")))
	require.NoError(t, r.CloseAll(context.Background()))
}

func TestRegistry_EmptyPath(t *testing.T) {
	_, err := NewRegistry().OpenOrCreate("")
	assert.ErrorIs(t, err, ErrTypeMismatch)
}
