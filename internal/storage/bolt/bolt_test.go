package bolt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matteso1/asyncstore/internal/storage"
	"github.com/matteso1/asyncstore/internal/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.RunSuite(t, func(dir string) (storage.Engine, error) {
		return Open(dir, nil)
	})
}

func TestGetCopiesOutOfTransaction(t *testing.T) {
	e, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("k"), []byte("first")))
	v, err := e.Get([]byte("k"))
	require.NoError(t, err)

	// Rewriting the page must not change a value already handed out
	require.NoError(t, e.Put([]byte("k"), []byte("other")))
	require.Equal(t, "first", string(v))
}
