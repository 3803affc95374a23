// Package badger adapts BadgerDB to the storage.Engine contract.
//
// Writes are synced before they return. A background loop reclaims value
// log space on an interval.
package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/matteso1/asyncstore/internal/storage"
)

const lockName = "asyncstore.lock"

// Config configures the Badger engine.
type Config struct {
	Dir string
	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration
	// GCDiscardRatio is passed to RunValueLogGC.
	GCDiscardRatio float64
	Logger         *zap.Logger
}

// DefaultConfig returns defaults for dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:            dir,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// Engine is a storage.Engine backed by BadgerDB.
type Engine struct {
	db     *badger.DB
	config Config
	lock   *flock.Flock
	log    *zap.Logger
	closed atomic.Bool

	gcCtx    context.Context
	gcCancel context.CancelFunc
	gcWg     sync.WaitGroup
}

// Open opens or creates a Badger database.
func Open(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	lock, err := storage.LockDir(cfg.Dir, lockName)
	if err != nil {
		return nil, err
	}

	log := cfg.Logger.Named("badger")
	opts := badger.DefaultOptions(cfg.Dir).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{log.Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		db:       db,
		config:   cfg,
		lock:     lock,
		log:      log,
		gcCtx:    ctx,
		gcCancel: cancel,
	}
	if cfg.GCInterval > 0 {
		e.startGC()
	}
	return e, nil
}

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.s.Infof(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }

func (e *Engine) startGC() {
	e.gcWg.Add(1)
	go func() {
		defer e.gcWg.Done()

		ticker := time.NewTicker(e.config.GCInterval)
		defer ticker.Stop()

		for {
			select {
			case <-e.gcCtx.Done():
				return
			case <-ticker.C:
				e.runGC()
			}
		}
	}()
}

// runGC repeats until Badger reports nothing left to rewrite.
func (e *Engine) runGC() {
	ratio := e.config.GCDiscardRatio
	if ratio <= 0 {
		ratio = 0.5
	}
	for !e.closed.Load() {
		if err := e.db.RunValueLogGC(ratio); err != nil {
			if !errors.Is(err, badger.ErrNoRewrite) {
				e.log.Debug("value log GC stopped", zap.Error(err))
			}
			return
		}
	}
}

func (e *Engine) Get(key []byte) ([]byte, error) {
	if e.closed.Load() {
		return nil, storage.ErrClosed
	}
	if len(key) == 0 {
		return nil, storage.ErrEmptyKey
	}

	var value []byte
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, convertError(err)
	}
	return value, nil
}

func (e *Engine) Put(key, value []byte) error {
	b := storage.NewBatch()
	b.Put(key, value)
	return e.Write(b)
}

func (e *Engine) Delete(key []byte) error {
	b := storage.NewBatch()
	b.Delete(key)
	return e.Write(b)
}

// Write applies b in one read-write transaction.
func (e *Engine) Write(b *storage.Batch) error {
	if e.closed.Load() {
		return storage.ErrClosed
	}
	if b.Len() == 0 {
		return nil
	}
	for _, entry := range b.Entries() {
		if len(entry.Key) == 0 {
			return storage.ErrEmptyKey
		}
	}
	err := e.db.Update(func(txn *badger.Txn) error {
		for _, entry := range b.Entries() {
			var err error
			if entry.Deleted {
				err = txn.Delete(entry.Key)
			} else {
				err = txn.Set(entry.Key, entry.Value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	return convertError(err)
}

// ScanKeys iterates keys inside a read-only transaction.
func (e *Engine) ScanKeys() (storage.KeyIterator, error) {
	if e.closed.Load() {
		return nil, storage.ErrClosed
	}
	txn := e.db.NewTransaction(false)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	return &keyIterator{txn: txn, it: txn.NewIterator(opts)}, nil
}

// ClearAll drops every key. Badger blocks writes while it runs.
func (e *Engine) ClearAll() error {
	if e.closed.Load() {
		return storage.ErrClosed
	}
	return convertError(e.db.DropAll())
}

// Compact flattens the LSM tree and rewrites value log files.
func (e *Engine) Compact() error {
	if e.closed.Load() {
		return storage.ErrClosed
	}
	if err := e.db.Flatten(1); err != nil {
		return convertError(err)
	}
	e.runGC()
	return nil
}

func (e *Engine) Sync() error {
	if e.closed.Load() {
		return storage.ErrClosed
	}
	return convertError(e.db.Sync())
}

func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}

	e.gcCancel()
	e.gcWg.Wait()

	err := e.db.Close()
	if uerr := e.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

func convertError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return storage.ErrKeyNotFound
	case errors.Is(err, badger.ErrEmptyKey):
		return storage.ErrEmptyKey
	case errors.Is(err, badger.ErrDBClosed):
		return storage.ErrClosed
	case errors.Is(err, badger.ErrTxnTooBig):
		return fmt.Errorf("%w: %v", storage.ErrBatchTooLarge, err)
	}
	return err
}

type keyIterator struct {
	txn     *badger.Txn
	it      *badger.Iterator
	started bool
	closed  bool
}

func (k *keyIterator) Next() bool {
	if k.closed {
		return false
	}
	if !k.started {
		k.started = true
		k.it.Rewind()
	} else {
		k.it.Next()
	}
	return k.it.Valid()
}

func (k *keyIterator) Key() []byte { return k.it.Item().Key() }
func (k *keyIterator) Err() error  { return nil }

func (k *keyIterator) Close() error {
	if k.closed {
		return nil
	}
	k.closed = true
	k.it.Close()
	k.txn.Discard()
	return nil
}

var _ storage.Engine = (*Engine)(nil)
