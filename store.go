package asyncstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matteso1/asyncstore/internal/codec"
	"github.com/matteso1/asyncstore/internal/metrics"
	"github.com/matteso1/asyncstore/internal/queue"
	"github.com/matteso1/asyncstore/internal/storage"
	"github.com/matteso1/asyncstore/internal/storage/backend"
	"github.com/matteso1/asyncstore/internal/structured"
)

// Pair is one key and its value. Value is nil for an absent key.
type Pair struct {
	Key   string  `json:"key"`
	Value *string `json:"value"`
}

// Store is a handle on one persistent key-value store. Every method returns
// immediately; results arrive through the returned Future. Calls are
// applied in the order they were made.
type Store struct {
	path    string
	backend Backend
	codec   *codec.Codec
	queue   *queue.Queue
	metrics *metrics.Metrics
	log     *zap.Logger

	closeOnce sync.Once
}

// New returns a store for the directory at path. Nothing is read or created
// until the first call.
func New(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty store path", ErrTypeMismatch)
	}
	o := defaultOptions(path)
	for _, opt := range opts {
		opt(&o)
	}
	o.engine.Dir = path
	kind, err := backend.ParseKind(string(o.engine.Kind))
	if err != nil {
		return nil, err
	}
	o.engine.Kind = kind

	c, err := codec.New(o.codec)
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}

	s := &Store{
		path:    path,
		backend: o.engine.Kind,
		codec:   c,
		metrics: metrics.NewMetrics(),
		log:     o.logger.With(zap.String("path", path)),
	}

	open := o.opener
	if open == nil {
		ec := o.engine
		ec.Logger = s.log.Named("engine")
		open = func() (storage.Engine, error) { return backend.Open(ec) }
	}

	qc := o.queue
	qc.Logger = s.log
	qc.Observer = observer{s.metrics}
	s.queue, err = queue.New(open, qc)
	if err != nil {
		c.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the directory the store was created for.
func (s *Store) Path() string {
	return s.path
}

// GetItem reads one key. The value is nil when the key is absent.
func (s *Store) GetItem(key string) *Future[*string] {
	k, err := s.codec.Key(key)
	if err != nil {
		return rejectAs[*string](s, queue.Get, err)
	}
	req := queue.Request{Kind: queue.Get, Keys: [][]byte{k}}
	return enqueueDecoded(s, req, func(res queue.Result) (*string, error) {
		return s.decode(res.Lookups[0])
	})
}

// SetItem stores value under key, replacing any previous value.
func (s *Store) SetItem(key, value string) *Future[Ack] {
	return s.MultiSet([]Pair{{Key: key, Value: &value}})
}

// RemoveItem deletes key. Removing an absent key succeeds.
func (s *Store) RemoveItem(key string) *Future[Ack] {
	k, err := s.codec.Key(key)
	if err != nil {
		return rejectAs[Ack](s, queue.Remove, err)
	}
	return newFuture(s.queue.Enqueue(queue.Request{Kind: queue.Remove, Keys: [][]byte{k}}), ack)
}

// MultiGet reads keys and returns one pair per key, in request order.
func (s *Store) MultiGet(keys []string) *Future[[]Pair] {
	ks, err := s.codec.Keys(keys)
	if err != nil {
		return rejectAs[[]Pair](s, queue.MultiGet, err)
	}
	names := append([]string(nil), keys...)
	req := queue.Request{Kind: queue.MultiGet, Keys: ks}
	return enqueueDecoded(s, req, func(res queue.Result) ([]Pair, error) {
		out := make([]Pair, len(names))
		for i, l := range res.Lookups {
			v, err := s.decode(l)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", names[i], err)
			}
			out[i] = Pair{Key: names[i], Value: v}
		}
		return out, nil
	})
}

// MultiSet stores every pair in one atomic write. If any pair is invalid
// nothing is written.
func (s *Store) MultiSet(pairs []Pair) *Future[Ack] {
	entries := make([]queue.Entry, len(pairs))
	for i, p := range pairs {
		k, err := s.codec.Key(p.Key)
		if err != nil {
			return rejectAs[Ack](s, queue.Set, fmt.Errorf("pairs[%d]: %w", i, err))
		}
		if p.Value == nil {
			return rejectAs[Ack](s, queue.Set, fmt.Errorf("pairs[%d]: %w: value is nil", i, codec.ErrTypeMismatch))
		}
		v, err := s.codec.EncodeValue(*p.Value)
		if err != nil {
			return rejectAs[Ack](s, queue.Set, fmt.Errorf("pairs[%d]: %w", i, err))
		}
		entries[i] = queue.Entry{Key: k, Value: v}
	}
	return newFuture(s.queue.Enqueue(queue.Request{Kind: queue.Set, Entries: entries}), ack)
}

// MultiRemove deletes keys in one atomic write.
func (s *Store) MultiRemove(keys []string) *Future[Ack] {
	ks, err := s.codec.Keys(keys)
	if err != nil {
		return rejectAs[Ack](s, queue.Remove, err)
	}
	return newFuture(s.queue.Enqueue(queue.Request{Kind: queue.Remove, Keys: ks}), ack)
}

// GetAllKeys returns every key in ascending byte order.
func (s *Store) GetAllKeys() *Future[[]string] {
	call := s.queue.Enqueue(queue.Request{Kind: queue.ScanKeys})
	return newFuture(call, func(res queue.Result) ([]string, error) {
		keys := make([]string, len(res.Keys))
		for i, k := range res.Keys {
			keys[i] = string(k)
		}
		return keys, nil
	})
}

// Clear removes every key.
func (s *Store) Clear() *Future[Ack] {
	return newFuture(s.queue.Enqueue(queue.Request{Kind: queue.Clear}), ack)
}

// MergeItem deep-merges the JSON object partial into the JSON object stored
// under key. An absent key is set to partial as is. Existing members keep
// their order, new members are appended and partial wins on conflicts.
func (s *Store) MergeItem(key, partial string) *Future[Ack] {
	k, err := s.codec.Key(key)
	if err == nil {
		err = s.codec.CheckValue(partial)
	}
	if err != nil {
		return rejectAs[Ack](s, queue.Merge, err)
	}
	merge := func(existing []byte, found bool) ([]byte, error) {
		if !found {
			return s.codec.EncodeValue(partial)
		}
		cur, err := s.codec.DecodeValue(existing)
		if err != nil {
			return nil, err
		}
		merged, err := structured.MergeText(cur, partial)
		if err != nil {
			return nil, err
		}
		return s.codec.EncodeValue(merged)
	}
	call := s.queue.Enqueue(queue.Request{Kind: queue.Merge, Keys: [][]byte{k}, Merge: merge})
	return newFuture(call, ack)
}

// Flush forces everything written so far to stable storage.
func (s *Store) Flush() *Future[Ack] {
	return newFuture(s.queue.Enqueue(queue.Request{Kind: queue.Sync}), ack)
}

// Compact asks the engine to reclaim space held by overwritten and
// deleted entries.
func (s *Store) Compact() *Future[Ack] {
	return newFuture(s.queue.Enqueue(queue.Request{Kind: queue.Compact}), ack)
}

// Reopen closes the engine and clears a fault left by a failed write. The
// next call opens the engine again.
func (s *Store) Reopen() *Future[Ack] {
	return newFuture(s.queue.Enqueue(queue.Request{Kind: queue.Reopen}), ack)
}

// Stats describes the store's activity.
type Stats struct {
	Path         string  `json:"path"`
	Backend      Backend `json:"backend"`
	EngineOpen   bool    `json:"engine_open"`
	Fault        string  `json:"fault,omitempty"`
	Pending      int     `json:"pending"`
	Calls        int64   `json:"calls"`
	Errors       uint64  `json:"errors"`
	Groups       int64   `json:"groups"`
	GroupedCalls int64   `json:"grouped_calls"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	Uptime       float64 `json:"uptime_seconds"`

	// Engine is set while an lsm engine is open.
	Engine *EngineStats `json:"engine,omitempty"`
}

// EngineStats are the lsm engine's internal counters.
type EngineStats struct {
	MemTableBytes   int64 `json:"memtable_bytes"`
	MemTableEntries int64 `json:"memtable_entries"`
	Immutable       int   `json:"immutable_memtables"`
	Tables          int   `json:"tables"`
	MergedTables    int   `json:"merged_tables"`
	DiskBytes       int64 `json:"disk_bytes"`
	Flushes         int64 `json:"flushes"`
	Compactions     int64 `json:"compactions"`
}

// Stats returns current counters. It does not go through the queue.
func (s *Store) Stats() Stats {
	qs := s.queue.Stats()
	ms := s.metrics.Snapshot()
	st := Stats{
		Path:         s.path,
		Backend:      s.backend,
		EngineOpen:   qs.EngineOpen,
		Pending:      qs.Pending,
		Calls:        qs.Calls,
		Errors:       ms.ErrorsTotal,
		Groups:       qs.Groups,
		GroupedCalls: qs.GroupedCalls,
		AvgLatencyMs: ms.AvgLatencyMs,
		Uptime:       ms.UptimeSeconds,
	}
	if qs.Fatal != nil {
		st.Fault = qs.Fatal.Error()
	}
	if es := qs.Engine; es != nil {
		st.Engine = &EngineStats{
			MemTableBytes:   es.MemTableSize,
			MemTableEntries: es.MemTableCount,
			Immutable:       es.ImmutableCount,
			Tables:          es.SSTableCount,
			MergedTables:    es.LevelCounts[1],
			DiskBytes:       es.DiskBytes,
			Flushes:         es.Flushes,
			Compactions:     es.Compactions,
		}
	}
	return st
}

// MetricsHandler serves the store's Prometheus metrics.
func (s *Store) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

// Close waits for pending calls, then closes the engine. Calls made after
// Close fail with a StorageFault. If ctx ends first, pending calls still
// complete in the background and ctx's error is returned.
func (s *Store) Close(ctx context.Context) error {
	err := s.queue.Close(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	s.closeOnce.Do(func() {
		s.codec.Close()
		s.log.Debug("store closed")
	})
	if err != nil {
		return classify(fmt.Errorf("close: %w", err))
	}
	return nil
}

func (s *Store) decode(l queue.Lookup) (*string, error) {
	if !l.Found {
		return nil, nil
	}
	v, err := s.codec.DecodeValue(l.Value)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// enqueueDecoded submits req with decode run on the dispatcher, so a
// settled future no longer needs the codec.
func enqueueDecoded[T any](s *Store, req queue.Request, decode func(queue.Result) (T, error)) *Future[T] {
	req.Decode = func(res queue.Result) (any, error) {
		return decode(res)
	}
	return newFuture(s.queue.Enqueue(req), decoded[T])
}

func decoded[T any](res queue.Result) (T, error) {
	v, _ := res.Decoded.(T)
	return v, nil
}

// rejectAs fails a call during validation. The queue never sees it.
func rejectAs[T any](s *Store, kind queue.Kind, err error) *Future[T] {
	s.metrics.RecordCall(kind.String(), string(CodeOf(classify(err))), 0)
	s.log.Debug("call rejected", zap.Stringer("kind", kind), zap.Error(err))
	return rejected[T](kind, err)
}

// observer feeds queue events into the store's metrics.
type observer struct {
	m *metrics.Metrics
}

func (o observer) CallSettled(kind queue.Kind, err error, took time.Duration) {
	o.m.RecordCall(kind.String(), string(CodeOf(classify(err))), took)
}

func (o observer) GroupCommitted(calls, _ int) {
	o.m.RecordGroup(calls)
}

func (o observer) DepthChanged(depth int) {
	o.m.SetQueueDepth(depth)
}
