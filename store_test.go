package asyncstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matteso1/asyncstore/internal/codec"
	"github.com/matteso1/asyncstore/internal/storage"
	"github.com/matteso1/asyncstore/internal/storage/backend"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func await[T any](t *testing.T, f *Future[T]) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	v, err := f.Await(ctx)
	require.NoError(t, err)
	return v
}

func awaitErr[T any](t *testing.T, f *Future[T]) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := f.Await(ctx)
	require.Error(t, err)
	return err
}

func str(s string) *string { return &s }

func TestStore_SetGetRemove(t *testing.T) {
	s := newTestStore(t)

	await(t, s.SetItem("k", "v"))
	v := await(t, s.GetItem("k"))
	require.NotNil(t, v)
	assert.Equal(t, "v", *v)

	await(t, s.SetItem("k", "v2"))
	assert.Equal(t, "v2", *await(t, s.GetItem("k")))

	await(t, s.RemoveItem("k"))
	assert.Nil(t, await(t, s.GetItem("k")))

	// Removing an absent key is not an error
	await(t, s.RemoveItem("never-set"))
}

func TestStore_LazyOpen(t *testing.T) {
	dir := t.TempDir() + "/nested/store"
	s, err := New(dir)
	require.NoError(t, err)
	defer s.Close(context.Background())

	assert.False(t, s.Stats().EngineOpen)
	assert.NoDirExists(t, dir)

	await(t, s.SetItem("a", "1"))
	assert.True(t, s.Stats().EngineOpen)
	assert.DirExists(t, dir)
}

func TestStore_MultiGetPreservesOrder(t *testing.T) {
	s := newTestStore(t)
	await(t, s.MultiSet([]Pair{{"b", str("2")}, {"a", str("1")}}))

	pairs := await(t, s.MultiGet([]string{"b", "missing", "a", "b"}))
	require.Len(t, pairs, 4)
	assert.Equal(t, "b", pairs[0].Key)
	assert.Equal(t, "2", *pairs[0].Value)
	assert.Equal(t, "missing", pairs[1].Key)
	assert.Nil(t, pairs[1].Value)
	assert.Equal(t, "a", pairs[2].Key)
	assert.Equal(t, "1", *pairs[2].Value)
	assert.Equal(t, "2", *pairs[3].Value)
}

func TestStore_MultiSetAllOrNothing(t *testing.T) {
	s := newTestStore(t)

	err := awaitErr(t, s.MultiSet([]Pair{{"a", str("1")}, {"", str("2")}, {"c", str("3")}}))
	assert.ErrorIs(t, err, ErrTypeMismatch)

	err = awaitErr(t, s.MultiSet([]Pair{{"a", str("1")}, {"b", nil}}))
	assert.ErrorIs(t, err, ErrTypeMismatch)

	assert.Empty(t, await(t, s.GetAllKeys()))
}

func TestStore_MultiRemove(t *testing.T) {
	s := newTestStore(t)
	await(t, s.MultiSet([]Pair{{"a", str("1")}, {"b", str("2")}, {"c", str("3")}}))

	await(t, s.MultiRemove([]string{"a", "c", "absent"}))
	assert.Equal(t, []string{"b"}, await(t, s.GetAllKeys()))

	err := awaitErr(t, s.MultiRemove([]string{"b", ""}))
	assert.ErrorIs(t, err, ErrTypeMismatch)
	assert.Equal(t, []string{"b"}, await(t, s.GetAllKeys()))
}

func TestStore_GetAllKeysAndClear(t *testing.T) {
	s := newTestStore(t)
	for _, k := range []string{"zeta", "alpha", "mid"} {
		s.SetItem(k, k)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, await(t, s.GetAllKeys()))

	await(t, s.Clear())
	assert.Empty(t, await(t, s.GetAllKeys()))
	assert.Nil(t, await(t, s.GetItem("alpha")))
}

func TestStore_Merge(t *testing.T) {
	s := newTestStore(t)

	// Absent key behaves as set, even for text that is not an object
	await(t, s.MergeItem("plain", "not json"))
	assert.Equal(t, "not json", *await(t, s.GetItem("plain")))

	await(t, s.SetItem("obj", `{"a":1,"b":2}`))
	await(t, s.MergeItem("obj", `{"b":3,"c":4}`))
	assert.Equal(t, `{"a":1,"b":3,"c":4}`, *await(t, s.GetItem("obj")))

	await(t, s.SetItem("deep", `{"user":{"name":"ada","tags":[1]},"v":1}`))
	await(t, s.MergeItem("deep", `{"user":{"age":36,"tags":[2,3]}}`))
	assert.Equal(t, `{"user":{"name":"ada","tags":[2,3],"age":36},"v":1}`, *await(t, s.GetItem("deep")))
}

func TestStore_MergeTypeMismatch(t *testing.T) {
	s := newTestStore(t)
	await(t, s.SetItem("list", `[1,2]`))
	await(t, s.SetItem("obj", `{"a":1}`))

	err := awaitErr(t, s.MergeItem("list", `{"a":1}`))
	assert.ErrorIs(t, err, ErrTypeMismatch)
	assert.Equal(t, CodeTypeMismatch, CodeOf(err))

	err = awaitErr(t, s.MergeItem("obj", `{"a":`))
	assert.ErrorIs(t, err, ErrTypeMismatch)

	// Failed merges write nothing
	assert.Equal(t, `[1,2]`, *await(t, s.GetItem("list")))
	assert.Equal(t, `{"a":1}`, *await(t, s.GetItem("obj")))
}

func TestStore_KeyValidation(t *testing.T) {
	s := newTestStore(t, WithMaxKeySize(8), WithMaxValueSize(16))

	for name, f := range map[string]*Future[Ack]{
		"empty key":      s.SetItem("", "v"),
		"long key":       s.SetItem("123456789", "v"),
		"invalid utf8":   s.SetItem("\xff", "v"),
		"long value":     s.SetItem("k", strings.Repeat("x", 17)),
		"merge long key": s.MergeItem("123456789", "{}"),
		"remove empty":   s.RemoveItem(""),
	} {
		err := awaitErr(t, f)
		assert.ErrorIs(t, err, ErrTypeMismatch, name)
	}
	assert.ErrorIs(t, awaitErr(t, s.GetItem("")), ErrTypeMismatch)

	// Rejected calls never open the engine
	assert.False(t, s.Stats().EngineOpen)
}

func TestStore_ConcurrentSetsLeaveOneValue(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	values := make(map[string]bool)
	for i := 0; i < 16; i++ {
		v := fmt.Sprintf("writer-%d", i)
		values[v] = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.SetItem("shared", v).Await(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got := await(t, s.GetItem("shared"))
	require.NotNil(t, got)
	assert.True(t, values[*got], "unexpected value %q", *got)
}

func TestStore_WriteOrderPerKey(t *testing.T) {
	s := newTestStore(t)

	var last *Future[Ack]
	for i := 0; i < 200; i++ {
		last = s.SetItem("counter", fmt.Sprint(i))
	}
	await(t, last)
	assert.Equal(t, "199", *await(t, s.GetItem("counter")))
}

func TestStore_Compression(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, WithCompressThreshold(32))
	require.NoError(t, err)

	big := strings.Repeat("compressible ", 1000)
	await(t, s.SetItem("big", big))
	await(t, s.SetItem("small", "tiny"))
	assert.Equal(t, big, *await(t, s.GetItem("big")))
	require.NoError(t, s.Close(context.Background()))

	// Compressed values stay readable with compression turned off
	s, err = New(dir)
	require.NoError(t, err)
	defer s.Close(context.Background())
	assert.Equal(t, big, *await(t, s.GetItem("big")))
	assert.Equal(t, "tiny", *await(t, s.GetItem("small")))
}

func TestStore_EveryBackend(t *testing.T) {
	for _, kind := range backend.Kinds {
		kind := kind
		t.Run(string(kind), func(t *testing.T) {
			dir := t.TempDir()
			s, err := New(dir, WithBackend(kind), WithCacheSize(64))
			require.NoError(t, err)

			await(t, s.MultiSet([]Pair{{"a", str(`{"x":1}`)}, {"b", str("2")}}))
			await(t, s.MergeItem("a", `{"y":2}`))
			await(t, s.RemoveItem("b"))
			await(t, s.Flush())
			await(t, s.Compact())
			require.NoError(t, s.Close(context.Background()))

			s, err = New(dir, WithBackend(kind))
			require.NoError(t, err)
			defer s.Close(context.Background())
			assert.Equal(t, []string{"a"}, await(t, s.GetAllKeys()))
			assert.Equal(t, `{"x":1,"y":2}`, *await(t, s.GetItem("a")))
			assert.Equal(t, kind, s.Stats().Backend)
		})
	}
}

func TestStore_LargeWritesSucceedWhenGroupedOnBadger(t *testing.T) {
	gate := make(chan struct{})
	dir := t.TempDir()
	open := func() (storage.Engine, error) {
		<-gate
		cfg := backend.DefaultConfig(dir)
		cfg.Kind = backend.Badger
		return backend.Open(cfg)
	}
	s := newTestStore(t, withOpener(open))

	// Twenty values close to 1 MiB queue up into one group that is too
	// big for a single Badger transaction
	value := strings.Repeat("x", 900<<10)
	futures := make([]*Future[Ack], 20)
	for i := range futures {
		futures[i] = s.SetItem(fmt.Sprintf("big-%02d", i), value)
	}
	close(gate)

	for _, f := range futures {
		await(t, f)
	}
	assert.Len(t, await(t, s.GetAllKeys()), 20)
	assert.Empty(t, s.Stats().Fault)
}

func TestStore_SettledReadOutlivesClose(t *testing.T) {
	s, err := New(t.TempDir(), WithCompressThreshold(16))
	require.NoError(t, err)

	big := strings.Repeat("compress me ", 100)
	await(t, s.SetItem("k", big))
	one := s.GetItem("k")
	many := s.MultiGet([]string{"k", "missing"})
	<-one.Done()
	<-many.Done()
	require.NoError(t, s.Close(context.Background()))

	got := await(t, one)
	require.NotNil(t, got)
	assert.Equal(t, big, *got)

	pairs := await(t, many)
	require.Len(t, pairs, 2)
	assert.Equal(t, big, *pairs[0].Value)
	assert.Nil(t, pairs[1].Value)
}

func TestStore_ValueLimitFitsEngine(t *testing.T) {
	s := newTestStore(t, WithMaxValueSize(1<<30), WithMaxKeySize(1<<30))
	assert.Less(t, codec.MaxKeyLimit+codec.MaxValueLimit+64, storage.MaxEntrySize)

	err := awaitErr(t, s.SetItem("k", strings.Repeat("x", codec.MaxValueLimit+1)))
	assert.ErrorIs(t, err, ErrTypeMismatch)
	assert.False(t, s.Stats().EngineOpen)
}

func TestStore_UnknownBackend(t *testing.T) {
	_, err := New(t.TempDir(), WithBackend("rocks"))
	require.Error(t, err)
}

// faultyEngine fails writes with a handle-invalidating error on demand.
type faultyEngine struct {
	storage.Engine
	fail *atomic.Bool
}

func (e faultyEngine) Write(b *storage.Batch) error {
	if e.fail.Load() {
		return storage.ErrBroken
	}
	return e.Engine.Write(b)
}

func TestStore_FatalFaultIsStickyUntilReopen(t *testing.T) {
	dir := t.TempDir()
	var fail atomic.Bool
	open := func() (storage.Engine, error) {
		e, err := backend.Open(backend.DefaultConfig(dir))
		if err != nil {
			return nil, err
		}
		return faultyEngine{Engine: e, fail: &fail}, nil
	}
	s := newTestStore(t, withOpener(open))

	await(t, s.SetItem("a", "1"))

	fail.Store(true)
	err := awaitErr(t, s.SetItem("b", "2"))
	assert.ErrorIs(t, err, ErrStorageFault)
	assert.ErrorIs(t, err, storage.ErrBroken)
	assert.NotEmpty(t, s.Stats().Fault)

	// Reads fail too until the store is reopened
	fail.Store(false)
	assert.ErrorIs(t, awaitErr(t, s.GetItem("a")), ErrStorageFault)

	await(t, s.Reopen())
	assert.Empty(t, s.Stats().Fault)
	assert.Equal(t, "1", *await(t, s.GetItem("a")))
	assert.Nil(t, await(t, s.GetItem("b")))
}

func TestStore_OpenFailureIsRetried(t *testing.T) {
	dir := t.TempDir()
	var attempts atomic.Int32
	open := func() (storage.Engine, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("disk not ready")
		}
		return backend.Open(backend.DefaultConfig(dir))
	}
	s := newTestStore(t, withOpener(open))

	err := awaitErr(t, s.SetItem("a", "1"))
	assert.ErrorIs(t, err, ErrStorageFault)

	await(t, s.SetItem("a", "1"))
	assert.Equal(t, "1", *await(t, s.GetItem("a")))
}

func TestStore_CloseRejectsLaterCalls(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	pending := s.SetItem("a", "1")
	require.NoError(t, s.Close(context.Background()))

	// Calls queued before Close still complete
	await(t, pending)

	err = awaitErr(t, s.GetItem("a"))
	assert.ErrorIs(t, err, ErrStorageFault)

	// Closing twice is harmless
	assert.NoError(t, s.Close(context.Background()))
}

func TestFuture_ResultAndThen(t *testing.T) {
	gate := make(chan struct{})
	dir := t.TempDir()
	open := func() (storage.Engine, error) {
		<-gate
		return backend.Open(backend.DefaultConfig(dir))
	}
	s := newTestStore(t, withOpener(open))

	f := s.SetItem("a", "1")
	_, _, ok := f.Result()
	assert.False(t, ok)
	assert.NotEmpty(t, f.ID())

	var calls atomic.Int32
	done := make(chan error, 2)
	f.Then(func(_ Ack, err error) {
		calls.Add(1)
		done <- err
	})
	f.Then(func(_ Ack, err error) {
		calls.Add(1)
		done <- err
	})

	close(gate)
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("continuation not invoked")
		}
	}
	assert.EqualValues(t, 2, calls.Load())

	_, err, ok := f.Result()
	assert.True(t, ok)
	assert.NoError(t, err)
}

func TestFuture_AwaitAbandonDoesNotCancel(t *testing.T) {
	gate := make(chan struct{})
	dir := t.TempDir()
	open := func() (storage.Engine, error) {
		<-gate
		return backend.Open(backend.DefaultConfig(dir))
	}
	s := newTestStore(t, withOpener(open))

	f := s.SetItem("a", "1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	close(gate)
	await(t, f)
	assert.Equal(t, "1", *await(t, s.GetItem("a")))
}

func TestStore_Stats(t *testing.T) {
	s := newTestStore(t)

	await(t, s.SetItem("a", "1"))
	await(t, s.GetItem("a"))
	awaitErr(t, s.SetItem("", "x"))

	st := s.Stats()
	assert.Equal(t, s.Path(), st.Path)
	assert.Equal(t, BackendLSM, st.Backend)
	assert.True(t, st.EngineOpen)
	assert.EqualValues(t, 2, st.Calls)
	assert.EqualValues(t, 1, st.Groups)
	assert.EqualValues(t, 1, st.Errors)
	assert.NotNil(t, s.MetricsHandler())
	require.NotNil(t, st.Engine)
	assert.EqualValues(t, 1, st.Engine.MemTableEntries)
	assert.Positive(t, st.Engine.MemTableBytes)
}

func TestStore_EngineStatsAfterCompact(t *testing.T) {
	s := newTestStore(t, WithMemTableSize(4*1024))
	var last *Future[Ack]
	for i := 0; i < 500; i++ {
		last = s.SetItem(fmt.Sprintf("k%04d", i), strings.Repeat("v", 64))
	}
	await(t, last)
	// Flushes run in the background
	require.Eventually(t, func() bool {
		st := s.Stats().Engine
		return st != nil && st.Flushes > 0
	}, 10*time.Second, 10*time.Millisecond)
	await(t, s.Compact())

	st := s.Stats().Engine
	require.NotNil(t, st)
	assert.Positive(t, st.DiskBytes)
	assert.Equal(t, 1, st.MergedTables)

	other := newTestStore(t, WithBackend(BackendBolt))
	await(t, other.SetItem("a", "1"))
	assert.Nil(t, other.Stats().Engine)
}
