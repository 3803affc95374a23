package asyncstore_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/matteso1/asyncstore"
	"github.com/matteso1/asyncstore/internal/storage/storagetest"
)

// Integration tests exercise the public API end to end on real backends.

func mustAwait[T any](t *testing.T, f *asyncstore.Future[T]) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	v, err := f.Await(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestE2E_SampleScreenFlow(t *testing.T) {
	dir, err := os.MkdirTemp("", "asyncstore-e2e-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	s, err := asyncstore.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close(context.Background())

	// 100 individual sets, as a UI would fire them
	futures := make([]*asyncstore.Future[asyncstore.Ack], 100)
	for i := range futures {
		futures[i] = s.SetItem(fmt.Sprintf("key-%03d", i), fmt.Sprintf("value-%d", i))
	}
	for _, f := range futures {
		mustAwait(t, f)
	}

	keys := mustAwait(t, s.GetAllKeys())
	if len(keys) != 100 {
		t.Fatalf("expected 100 keys, got %d", len(keys))
	}

	pairs := mustAwait(t, s.MultiGet(keys))
	for i, p := range pairs {
		want := fmt.Sprintf("value-%d", i)
		if p.Key != keys[i] || p.Value == nil || *p.Value != want {
			t.Fatalf("pair %d: got %v, want %s=%s", i, p, keys[i], want)
		}
	}

	// Write everything back in one batch
	mustAwait(t, s.MultiSet(pairs))

	stats := s.Stats()
	if stats.GroupedCalls != 101 {
		t.Errorf("expected 101 committed write calls, got %d", stats.GroupedCalls)
	}
	if stats.Groups > stats.GroupedCalls {
		t.Errorf("more groups (%d) than write calls (%d)", stats.Groups, stats.GroupedCalls)
	}
}

func TestE2E_SettledWriteSurvivesCrash(t *testing.T) {
	backends := []asyncstore.Backend{
		asyncstore.BackendLSM,
		asyncstore.BackendLevelDB,
		asyncstore.BackendBolt,
	}
	for _, kind := range backends {
		kind := kind
		t.Run(string(kind), func(t *testing.T) {
			dir := t.TempDir()
			s, err := asyncstore.New(dir, asyncstore.WithBackend(kind))
			if err != nil {
				t.Fatal(err)
			}
			defer s.Close(context.Background())

			mustAwait(t, s.SetItem("settled", "yes"))
			mustAwait(t, s.MultiSet([]asyncstore.Pair{
				{Key: "batch-1", Value: strPtr("a")},
				{Key: "batch-2", Value: strPtr("b")},
			}))

			// Copy the files while the store is still open, as a power cut
			// would leave them
			crashed := t.TempDir()
			if err := storagetest.CopyDir(dir, crashed); err != nil {
				t.Fatal(err)
			}

			recovered, err := asyncstore.New(crashed, asyncstore.WithBackend(kind))
			if err != nil {
				t.Fatal(err)
			}
			defer recovered.Close(context.Background())

			got := mustAwait(t, recovered.MultiGet([]string{"settled", "batch-1", "batch-2"}))
			for i, want := range []string{"yes", "a", "b"} {
				if got[i].Value == nil || *got[i].Value != want {
					t.Errorf("%s: expected %q after crash, got %v", got[i].Key, want, got[i].Value)
				}
			}
		})
	}
}

func TestE2E_PersistenceAcrossClose(t *testing.T) {
	dir := t.TempDir()

	s, err := asyncstore.New(dir, asyncstore.WithMemTableSize(4*1024))
	if err != nil {
		t.Fatal(err)
	}
	// Enough data to force several flushes and a compaction
	for i := 0; i < 2000; i++ {
		s.SetItem(fmt.Sprintf("k%05d", i), fmt.Sprintf("v%05d-padding-padding", i))
	}
	for i := 0; i < 2000; i += 2 {
		s.RemoveItem(fmt.Sprintf("k%05d", i))
	}
	mustAwait(t, s.MergeItem("profile", `{"a":1,"b":2}`))
	mustAwait(t, s.MergeItem("profile", `{"b":3,"c":4}`))
	if err := s.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	s, err = asyncstore.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close(context.Background())

	keys := mustAwait(t, s.GetAllKeys())
	if len(keys) != 1001 {
		t.Fatalf("expected 1001 keys, got %d", len(keys))
	}
	if v := mustAwait(t, s.GetItem("k00001")); v == nil || *v != "v00001-padding-padding" {
		t.Errorf("unexpected k00001: %v", v)
	}
	if v := mustAwait(t, s.GetItem("k00002")); v != nil {
		t.Errorf("expected k00002 removed, got %q", *v)
	}
	if v := mustAwait(t, s.GetItem("profile")); v == nil || *v != `{"a":1,"b":3,"c":4}` {
		t.Errorf("unexpected merged profile: %v", v)
	}
}

func TestE2E_ReadsAfterSettledWrites(t *testing.T) {
	s, err := asyncstore.New(t.TempDir(), asyncstore.WithCacheSize(32), asyncstore.WithReadParallelism(8))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close(context.Background())

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			for i := 0; i < 50; i++ {
				key := fmt.Sprintf("w%d-%d", w, i)
				if _, err := s.SetItem(key, key).Await(ctx); err != nil {
					t.Error(err)
					return
				}
				v, err := s.GetItem(key).Await(ctx)
				if err != nil || v == nil || *v != key {
					t.Errorf("read after settled write of %s returned %v, %v", key, v, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if keys := mustAwait(t, s.GetAllKeys()); len(keys) != 400 {
		t.Errorf("expected 400 keys, got %d", len(keys))
	}
}

func TestE2E_ExclusiveDirectory(t *testing.T) {
	dir := t.TempDir()
	a, err := asyncstore.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close(context.Background())
	mustAwait(t, a.SetItem("k", "v"))

	b, err := asyncstore.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = b.GetItem("k").Await(ctx)
	if asyncstore.CodeOf(err) != asyncstore.CodeStorageFault {
		t.Fatalf("expected StorageFault for a locked directory, got %v", err)
	}
}

func strPtr(s string) *string { return &s }
