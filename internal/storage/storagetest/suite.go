// Package storagetest holds the conformance suite every storage.Engine
// implementation runs.
package storagetest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matteso1/asyncstore/internal/storage"
)

// Opener opens an engine on dir. Opening a dir again after Close must see
// every earlier write.
type Opener func(dir string) (storage.Engine, error)

// Option adjusts the suite for engines with known limitations.
type Option func(*suite)

// SkipCrashCopy disables the test that opens a copy of a live data
// directory, for engines whose files are not consistent while open.
func SkipCrashCopy(reason string) Option {
	return func(s *suite) { s.skipCrashCopy = reason }
}

type suite struct {
	open          Opener
	skipCrashCopy string
}

// RunSuite exercises the storage.Engine contract against open.
func RunSuite(t *testing.T, open Opener, opts ...Option) {
	s := &suite{open: open}
	for _, o := range opts {
		o(s)
	}

	t.Run("PutGet", s.testPutGet)
	t.Run("GetMissing", s.testGetMissing)
	t.Run("Delete", s.testDelete)
	t.Run("EmptyKey", s.testEmptyKey)
	t.Run("BinaryValue", s.testBinaryValue)
	t.Run("BatchAtomic", s.testBatch)
	t.Run("ScanKeysSorted", s.testScanSorted)
	t.Run("ClearAll", s.testClearAll)
	t.Run("Compact", s.testCompact)
	t.Run("Reopen", s.testReopen)
	t.Run("Closed", s.testClosed)
	t.Run("ExclusiveLock", s.testLock)
	t.Run("ConcurrentReads", s.testConcurrentReads)
	t.Run("CrashCopy", s.testCrashCopy)
}

func (s *suite) mustOpen(t *testing.T, dir string) storage.Engine {
	t.Helper()
	e, err := s.open(dir)
	require.NoError(t, err)
	return e
}

func (s *suite) fresh(t *testing.T) storage.Engine {
	t.Helper()
	e := s.mustOpen(t, t.TempDir())
	t.Cleanup(func() { e.Close() })
	return e
}

func (s *suite) testPutGet(t *testing.T) {
	e := s.fresh(t)

	require.NoError(t, e.Put([]byte("k"), []byte("v1")))
	v, err := e.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v))

	require.NoError(t, e.Put([]byte("k"), []byte("v2")))
	v, err = e.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v))
}

func (s *suite) testGetMissing(t *testing.T) {
	e := s.fresh(t)

	_, err := e.Get([]byte("missing"))
	assert.True(t, storage.IsNotFound(err), "got %v", err)
}

func (s *suite) testDelete(t *testing.T) {
	e := s.fresh(t)

	require.NoError(t, e.Delete([]byte("never-written")))

	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Delete([]byte("k")))
	_, err := e.Get([]byte("k"))
	assert.True(t, storage.IsNotFound(err), "got %v", err)
}

func (s *suite) testEmptyKey(t *testing.T) {
	e := s.fresh(t)

	assert.ErrorIs(t, e.Put(nil, []byte("v")), storage.ErrEmptyKey)
	_, err := e.Get(nil)
	assert.ErrorIs(t, err, storage.ErrEmptyKey)
}

func (s *suite) testBinaryValue(t *testing.T) {
	e := s.fresh(t)

	value := []byte{0x00, 0xff, 0x00, 0x01, '\n'}
	require.NoError(t, e.Put([]byte("bin"), value))
	got, err := e.Get([]byte("bin"))
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func (s *suite) testBatch(t *testing.T) {
	e := s.fresh(t)
	require.NoError(t, e.Put([]byte("c"), []byte("old")))

	b := storage.NewBatch()
	b.Put([]byte("a"), []byte("1"))
	b.Put([]byte("b"), []byte("2"))
	b.Delete([]byte("c"))
	b.Put([]byte("a"), []byte("3"))
	require.NoError(t, e.Write(b))

	v, err := e.Get([]byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "3", string(v), "later operations in a batch win")
	_, err = e.Get([]byte("c"))
	assert.True(t, storage.IsNotFound(err))

	bad := storage.NewBatch()
	bad.Put([]byte("d"), []byte("4"))
	bad.Put(nil, []byte("x"))
	assert.ErrorIs(t, e.Write(bad), storage.ErrEmptyKey)
	_, err = e.Get([]byte("d"))
	assert.True(t, storage.IsNotFound(err), "rejected batch must not apply partially")

	require.NoError(t, e.Write(storage.NewBatch()))
}

func (s *suite) testScanSorted(t *testing.T) {
	e := s.fresh(t)

	for _, k := range []string{"m", "a", "z", "b", "gone"} {
		require.NoError(t, e.Put([]byte(k), []byte("v")))
	}
	require.NoError(t, e.Delete([]byte("gone")))

	it, err := e.ScanKeys()
	require.NoError(t, err)
	keys, err := storage.CollectKeys(it)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "m", "z"}, toStrings(keys))
}

func (s *suite) testClearAll(t *testing.T) {
	e := s.fresh(t)

	for i := 0; i < 50; i++ {
		require.NoError(t, e.Put([]byte(fmt.Sprintf("k%02d", i)), []byte("v")))
	}
	require.NoError(t, e.ClearAll())

	it, err := e.ScanKeys()
	require.NoError(t, err)
	keys, err := storage.CollectKeys(it)
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = e.Get([]byte("k07"))
	assert.True(t, storage.IsNotFound(err))

	require.NoError(t, e.Put([]byte("after"), []byte("v")))
	v, err := e.Get([]byte("after"))
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))

	// Clearing an empty store is fine
	require.NoError(t, e.ClearAll())
	require.NoError(t, e.ClearAll())
}

func (s *suite) testCompact(t *testing.T) {
	e := s.fresh(t)

	for i := 0; i < 100; i++ {
		require.NoError(t, e.Put([]byte(fmt.Sprintf("k%03d", i)), []byte(fmt.Sprintf("v%d", i))))
	}
	for i := 0; i < 100; i += 2 {
		require.NoError(t, e.Delete([]byte(fmt.Sprintf("k%03d", i))))
	}
	require.NoError(t, e.Compact())

	v, err := e.Get([]byte("k001"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v))
	_, err = e.Get([]byte("k002"))
	assert.True(t, storage.IsNotFound(err))

	it, err := e.ScanKeys()
	require.NoError(t, err)
	keys, err := storage.CollectKeys(it)
	require.NoError(t, err)
	assert.Len(t, keys, 50)
}

func (s *suite) testReopen(t *testing.T) {
	dir := t.TempDir()

	e := s.mustOpen(t, dir)
	require.NoError(t, e.Put([]byte("kept"), []byte("1")))
	require.NoError(t, e.Put([]byte("removed"), []byte("2")))
	require.NoError(t, e.Delete([]byte("removed")))
	require.NoError(t, e.Close())

	e = s.mustOpen(t, dir)
	defer e.Close()

	v, err := e.Get([]byte("kept"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))
	_, err = e.Get([]byte("removed"))
	assert.True(t, storage.IsNotFound(err))
}

func (s *suite) testClosed(t *testing.T) {
	e := s.mustOpen(t, t.TempDir())
	require.NoError(t, e.Close())
	require.NoError(t, e.Close(), "Close is idempotent")

	_, err := e.Get([]byte("k"))
	assert.True(t, storage.IsFatal(err), "got %v", err)
	assert.True(t, storage.IsFatal(e.Put([]byte("k"), []byte("v"))))
	_, err = e.ScanKeys()
	assert.True(t, storage.IsFatal(err))
}

func (s *suite) testLock(t *testing.T) {
	dir := t.TempDir()
	e := s.mustOpen(t, dir)
	defer e.Close()

	second, err := s.open(dir)
	if err == nil {
		second.Close()
	}
	assert.ErrorIs(t, err, storage.ErrLocked)
}

func (s *suite) testConcurrentReads(t *testing.T) {
	e := s.fresh(t)
	for i := 0; i < 100; i++ {
		require.NoError(t, e.Put([]byte(fmt.Sprintf("k%03d", i)), []byte(fmt.Sprintf("v%03d", i))))
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				v, err := e.Get([]byte(fmt.Sprintf("k%03d", i)))
				if err != nil {
					errs <- err
					return
				}
				if string(v) != fmt.Sprintf("v%03d", i) {
					errs <- fmt.Errorf("k%03d: got %q", i, v)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

// testCrashCopy copies the files of a live engine, as a power cut would
// leave them, and opens the copy.
func (s *suite) testCrashCopy(t *testing.T) {
	if s.skipCrashCopy != "" {
		t.Skip(s.skipCrashCopy)
	}

	dir := t.TempDir()
	e := s.mustOpen(t, dir)
	defer e.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, e.Put([]byte(fmt.Sprintf("k%02d", i)), []byte("settled")))
	}
	b := storage.NewBatch()
	b.Put([]byte("batch-a"), []byte("1"))
	b.Put([]byte("batch-b"), []byte("2"))
	require.NoError(t, e.Write(b))

	crashed := t.TempDir()
	require.NoError(t, CopyDir(dir, crashed))

	recovered := s.mustOpen(t, crashed)
	defer recovered.Close()

	for i := 0; i < 20; i++ {
		v, err := recovered.Get([]byte(fmt.Sprintf("k%02d", i)))
		require.NoError(t, err)
		assert.Equal(t, "settled", string(v))
	}
	for _, k := range []string{"batch-a", "batch-b"} {
		_, err := recovered.Get([]byte(k))
		assert.NoError(t, err, k)
	}
}

// CopyDir copies the regular files of src into dst, as a crash would leave
// them. Files removed while copying are skipped.
func CopyDir(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if err := copyFile(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Removed by a background flush while copying
			return nil
		}
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func toStrings(keys [][]byte) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out
}
