// Package queue serializes store operations onto a single dispatcher.
//
// Calls are kept in one unbounded FIFO. The dispatcher takes everything
// pending and walks it in order:
//
//	Set/Remove runs    -> one atomic engine batch per run (group commit)
//	Get/MultiGet/Scan  -> executed concurrently, after earlier writes
//	everything else    -> executed alone
//
// Only the dispatcher touches the engine, so per-key order equals enqueue
// order and a batch is never interleaved with another call.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matteso1/asyncstore/internal/storage"
)

var (
	// ErrClosed fails calls enqueued after Close.
	ErrClosed = errors.New("queue closed")

	// ErrDoubleInvocation is the panic value when a call is settled twice.
	ErrDoubleInvocation = errors.New("call settled more than once")
)

// Opener opens the engine. It is called lazily by the dispatcher.
type Opener func() (storage.Engine, error)

// Observer receives dispatcher events. Implementations must be safe for
// concurrent use.
type Observer interface {
	CallSettled(kind Kind, err error, took time.Duration)
	GroupCommitted(calls, entries int)
	DepthChanged(depth int)
}

// Config configures a Queue.
type Config struct {
	// MaxGroupSize caps how many write calls share one engine batch.
	MaxGroupSize int
	// ReadParallelism caps concurrent reads within a read run.
	ReadParallelism int
	// CacheSize is the number of keys kept in the read cache. Zero disables it.
	CacheSize int
	// SlowCallThreshold logs calls that take longer. Zero disables it.
	SlowCallThreshold time.Duration

	Logger   *zap.Logger
	Clock    clock.Clock
	Observer Observer
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxGroupSize:      128,
		ReadParallelism:   4,
		CacheSize:         0,
		SlowCallThreshold: time.Second,
	}
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Pending      int
	Calls        int64
	Groups       int64
	GroupedCalls int64
	EngineOpen   bool
	Fatal        error
	// Engine holds the engine's own counters when it reports them.
	Engine *storage.LSMStats
}

// Queue dispatches calls to the engine.
type Queue struct {
	cfg  Config
	open Opener
	log  *zap.Logger

	mu      sync.Mutex
	pending []*Call
	closing bool
	notify  chan struct{}
	stopped chan struct{}

	// Owned by the dispatcher goroutine.
	engine storage.Engine
	fatal  error
	cache  *lru.Cache[string, Lookup]

	closeErr error

	// Mirrors for Stats.
	engineOpen   atomic.Bool
	reporter     atomic.Value // reporterBox
	fatalErr     atomic.Value // error wrapped in fatalBox
	calls        atomic.Int64
	groups       atomic.Int64
	groupedCalls atomic.Int64
}

type fatalBox struct{ err error }

type reporterBox struct{ r storage.StatsReporter }

// New starts a dispatcher. The engine is not opened until the first call
// needs it.
func New(open Opener, cfg Config) (*Queue, error) {
	def := DefaultConfig()
	if cfg.MaxGroupSize <= 0 {
		cfg.MaxGroupSize = def.MaxGroupSize
	}
	if cfg.ReadParallelism <= 0 {
		cfg.ReadParallelism = def.ReadParallelism
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	q := &Queue{
		cfg:     cfg,
		open:    open,
		log:     cfg.Logger.Named("queue"),
		notify:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, Lookup](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("read cache: %w", err)
		}
		q.cache = cache
	}

	go q.run()
	return q, nil
}

// Enqueue appends req and returns its pending call. It never blocks.
func (q *Queue) Enqueue(req Request) *Call {
	c := newCall(req, q.cfg.Clock.Now())

	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		c.settle(Result{}, ErrClosed)
		return c
	}
	q.pending = append(q.pending, c)
	depth := len(q.pending)
	q.mu.Unlock()

	q.calls.Add(1)
	if q.cfg.Observer != nil {
		q.cfg.Observer.DepthChanged(depth)
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return c
}

// Close stops accepting calls, lets the dispatcher drain what is pending
// and closes the engine. If ctx ends first the drain continues in the
// background and ctx's error is returned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	already := q.closing
	q.closing = true
	q.mu.Unlock()

	if !already {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}

	select {
	case <-q.stopped:
		return q.closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns dispatcher counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pending := len(q.pending)
	q.mu.Unlock()

	var fatal error
	if box, ok := q.fatalErr.Load().(fatalBox); ok {
		fatal = box.err
	}
	var engineStats *storage.LSMStats
	if box, ok := q.reporter.Load().(reporterBox); ok && box.r != nil {
		st := box.r.Stats()
		engineStats = &st
	}
	return Stats{
		Pending:      pending,
		Calls:        q.calls.Load(),
		Groups:       q.groups.Load(),
		GroupedCalls: q.groupedCalls.Load(),
		EngineOpen:   q.engineOpen.Load(),
		Fatal:        fatal,
		Engine:       engineStats,
	}
}

func (q *Queue) run() {
	defer close(q.stopped)

	for {
		q.mu.Lock()
		calls := q.pending
		q.pending = nil
		closing := q.closing
		q.mu.Unlock()

		if len(calls) == 0 {
			if closing {
				q.shutdown()
				return
			}
			<-q.notify
			continue
		}

		if q.cfg.Observer != nil {
			q.cfg.Observer.DepthChanged(0)
		}
		q.dispatch(calls)
	}
}

func (q *Queue) dispatch(calls []*Call) {
	for i := 0; i < len(calls); {
		switch calls[i].Kind.class() {
		case classWrite:
			j := i + 1
			for j < len(calls) && calls[j].Kind.class() == classWrite && j-i < q.cfg.MaxGroupSize {
				j++
			}
			q.commitWrites(calls[i:j])
			i = j
		case classRead:
			j := i + 1
			for j < len(calls) && calls[j].Kind.class() == classRead {
				j++
			}
			q.runReads(calls[i:j])
			i = j
		default:
			q.runExclusive(calls[i])
			i++
		}
	}
}

func (q *Queue) shutdown() {
	if q.engine == nil {
		return
	}
	q.reporter.Store(reporterBox{})
	q.closeErr = q.engine.Close()
	q.engine = nil
	q.engineOpen.Store(false)
	if q.closeErr != nil {
		q.log.Error("closing engine failed", zap.Error(q.closeErr))
	}
}

// ensureEngine opens the engine on first use. Open failures are returned
// to the waiting calls and retried by the next one.
func (q *Queue) ensureEngine() error {
	if q.fatal != nil {
		return q.fatal
	}
	if q.engine != nil {
		return nil
	}
	start := q.cfg.Clock.Now()
	engine, err := q.open()
	if err != nil {
		q.log.Warn("opening engine failed", zap.Error(err))
		return fmt.Errorf("open store: %w", err)
	}
	q.engine = engine
	q.engineOpen.Store(true)
	if r, ok := engine.(storage.StatsReporter); ok {
		q.reporter.Store(reporterBox{r})
	}
	q.log.Debug("engine opened", zap.Duration("took", q.cfg.Clock.Since(start)))
	return nil
}

// noteFault makes handle-invalidating errors sticky until Reopen.
func (q *Queue) noteFault(err error) {
	if err == nil || q.fatal != nil || !storage.IsFatal(err) {
		return
	}
	q.fatal = err
	q.fatalErr.Store(fatalBox{err})
	q.log.Error("engine fault, reopen required", zap.Error(err))
}

// finish decodes the result, reports the call and then settles it, so
// observers have seen a call by the time its waiter wakes.
func (q *Queue) finish(c *Call, res Result, err error) {
	if err == nil && c.req.Decode != nil {
		res.Decoded, err = c.req.Decode(res)
	}
	took := q.cfg.Clock.Since(c.Created)
	if q.cfg.SlowCallThreshold > 0 && took > q.cfg.SlowCallThreshold {
		q.log.Warn("slow call",
			zap.Stringer("id", c.ID),
			zap.Stringer("kind", c.Kind),
			zap.Duration("took", took))
	}
	if q.cfg.Observer != nil {
		q.cfg.Observer.CallSettled(c.Kind, err, took)
	}
	c.settle(res, err)
}

// settleAll settles every call with the same outcome.
func (q *Queue) settleAll(calls []*Call, err error) {
	for _, c := range calls {
		q.finish(c, Result{}, err)
	}
}

// commitWrites applies a run of Set/Remove calls as one engine batch. Each
// call's entries stay contiguous and in order. If the engine refuses the
// group without breaking, every call is retried as its own batch so it
// succeeds or fails by itself.
func (q *Queue) commitWrites(calls []*Call) {
	if err := q.ensureEngine(); err != nil {
		q.settleAll(calls, err)
		return
	}

	err := q.writeGroup(calls)
	if err == nil || len(calls) == 1 || q.fatal != nil {
		q.settleAll(calls, err)
		return
	}

	q.log.Debug("group refused, committing calls alone",
		zap.Int("calls", len(calls)), zap.Error(err))
	for _, c := range calls {
		if q.fatal != nil {
			q.finish(c, Result{}, q.fatal)
			continue
		}
		q.finish(c, Result{}, q.writeGroup([]*Call{c}))
	}
}

// writeGroup writes calls as one batch and updates the cache on success.
func (q *Queue) writeGroup(calls []*Call) error {
	b := storage.NewBatch()
	for _, c := range calls {
		switch c.Kind {
		case Set:
			for _, e := range c.req.Entries {
				b.Put(e.Key, e.Value)
			}
		case Remove:
			for _, k := range c.req.Keys {
				b.Delete(k)
			}
		}
	}

	err := q.engine.Write(b)
	q.noteFault(err)
	if err != nil {
		return fmt.Errorf("write batch: %w", err)
	}

	q.groups.Add(1)
	q.groupedCalls.Add(int64(len(calls)))
	if q.cfg.Observer != nil {
		q.cfg.Observer.GroupCommitted(len(calls), b.Len())
	}
	if q.cache != nil {
		for _, e := range b.Entries() {
			if e.Deleted {
				q.cache.Add(string(e.Key), Lookup{})
			} else {
				q.cache.Add(string(e.Key), Lookup{Value: e.Value, Found: true})
			}
		}
	}
	return nil
}

// runReads executes a run of reads concurrently. No write runs until the
// whole run has finished.
func (q *Queue) runReads(calls []*Call) {
	if err := q.ensureEngine(); err != nil {
		q.settleAll(calls, err)
		return
	}

	errs := make([]error, len(calls))
	var g errgroup.Group
	g.SetLimit(q.cfg.ReadParallelism)
	for i, c := range calls {
		i, c := i, c
		g.Go(func() error {
			res, err := q.read(c)
			errs[i] = err
			q.finish(c, res, err)
			return nil
		})
	}
	g.Wait()

	for _, err := range errs {
		q.noteFault(err)
	}
}

func (q *Queue) read(c *Call) (Result, error) {
	switch c.Kind {
	case Get, MultiGet:
		lookups := make([]Lookup, len(c.req.Keys))
		for i, k := range c.req.Keys {
			l, err := q.lookup(k)
			if err != nil {
				return Result{}, err
			}
			lookups[i] = l
		}
		return Result{Lookups: lookups}, nil
	case ScanKeys:
		it, err := q.engine.ScanKeys()
		if err != nil {
			return Result{}, fmt.Errorf("scan keys: %w", err)
		}
		keys, err := storage.CollectKeys(it)
		if err != nil {
			return Result{}, fmt.Errorf("scan keys: %w", err)
		}
		return Result{Keys: keys}, nil
	}
	return Result{}, fmt.Errorf("unexpected read kind %s", c.Kind)
}

// lookup reads through the cache. Safe to call concurrently within a read
// run because no write is in flight.
func (q *Queue) lookup(key []byte) (Lookup, error) {
	if q.cache != nil {
		if l, ok := q.cache.Get(string(key)); ok {
			return l, nil
		}
	}
	value, err := q.engine.Get(key)
	var l Lookup
	switch {
	case err == nil:
		l = Lookup{Value: value, Found: true}
	case storage.IsNotFound(err):
	default:
		return Lookup{}, fmt.Errorf("get %q: %w", key, err)
	}
	if q.cache != nil {
		q.cache.Add(string(key), l)
	}
	return l, nil
}

func (q *Queue) runExclusive(c *Call) {
	if c.Kind == Reopen {
		q.finish(c, Result{}, q.reopen())
		return
	}
	if err := q.ensureEngine(); err != nil {
		q.finish(c, Result{}, err)
		return
	}

	var err error
	switch c.Kind {
	case Merge:
		err = q.merge(c)
	case Clear:
		err = q.engine.ClearAll()
		if q.cache != nil {
			q.cache.Purge()
		}
	case Compact:
		err = q.engine.Compact()
	case Sync:
		err = q.engine.Sync()
	default:
		err = fmt.Errorf("unexpected kind %s", c.Kind)
	}
	q.noteFault(err)
	q.finish(c, Result{}, err)
}

func (q *Queue) merge(c *Call) error {
	if len(c.req.Keys) != 1 || c.req.Merge == nil {
		return fmt.Errorf("merge needs one key and a merge function")
	}
	key := c.req.Keys[0]
	cur, err := q.lookup(key)
	if err != nil {
		return err
	}
	next, err := c.req.Merge(cur.Value, cur.Found)
	if err != nil {
		return err
	}
	if err := q.engine.Put(key, next); err != nil {
		if q.cache != nil {
			q.cache.Remove(string(key))
		}
		return fmt.Errorf("put %q: %w", key, err)
	}
	if q.cache != nil {
		q.cache.Add(string(key), Lookup{Value: next, Found: true})
	}
	return nil
}

// reopen closes the current engine and clears a sticky fault. The next
// call opens the engine again.
func (q *Queue) reopen() error {
	if q.engine != nil {
		q.reporter.Store(reporterBox{})
		// A broken engine often fails to close cleanly; the handle is
		// dropped either way.
		if err := q.engine.Close(); err != nil {
			q.log.Warn("closing engine during reopen", zap.Error(err))
		}
		q.engine = nil
		q.engineOpen.Store(false)
	}
	if q.fatal != nil {
		q.log.Info("clearing engine fault", zap.NamedError("fault", q.fatal))
		q.fatal = nil
		q.fatalErr.Store(fatalBox{})
	}
	if q.cache != nil {
		q.cache.Purge()
	}
	return nil
}
