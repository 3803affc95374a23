// Package leveldb adapts goleveldb to the storage.Engine contract.
package leveldb

import (
	"errors"
	"sync/atomic"

	"github.com/gofrs/flock"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/matteso1/asyncstore/internal/storage"
)

// lockName differs from goleveldb's own LOCK file.
const lockName = "asyncstore.lock"

// Engine is a storage.Engine backed by a LevelDB directory.
type Engine struct {
	db     *leveldb.DB
	lock   *flock.Flock
	log    *zap.Logger
	closed atomic.Bool
	wo     *opt.WriteOptions
}

// Open opens or creates a LevelDB database in dir. Every write is synced.
func Open(dir string, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	lock, err := storage.LockDir(dir, lockName)
	if err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	log = log.Named("leveldb")
	log.Info("opened", zap.String("dir", dir))
	return &Engine{
		db:   db,
		lock: lock,
		log:  log,
		wo:   &opt.WriteOptions{Sync: true},
	}, nil
}

func (e *Engine) Get(key []byte) ([]byte, error) {
	if e.closed.Load() {
		return nil, storage.ErrClosed
	}
	if len(key) == 0 {
		return nil, storage.ErrEmptyKey
	}
	value, err := e.db.Get(key, nil)
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

// Write applies b as a single LevelDB batch.
func (e *Engine) Write(b *storage.Batch) error {
	if e.closed.Load() {
		return storage.ErrClosed
	}
	batch := new(leveldb.Batch)
	for _, entry := range b.Entries() {
		if len(entry.Key) == 0 {
			return storage.ErrEmptyKey
		}
		if entry.Deleted {
			batch.Delete(entry.Key)
		} else {
			batch.Put(entry.Key, entry.Value)
		}
	}
	if batch.Len() == 0 {
		return nil
	}
	return convertError(e.db.Write(batch, e.wo))
}

// ScanKeys iterates over an implicit snapshot of the database.
func (e *Engine) ScanKeys() (storage.KeyIterator, error) {
	if e.closed.Load() {
		return nil, storage.ErrClosed
	}
	return &keyIterator{it: e.db.NewIterator(nil, nil)}, nil
}

func (e *Engine) ClearAll() error {
	if e.closed.Load() {
		return storage.ErrClosed
	}
	it := e.db.NewIterator(nil, nil)
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(it.Key())
	}
	it.Release()
	if err := it.Error(); err != nil {
		return convertError(err)
	}
	if batch.Len() == 0 {
		return nil
	}
	return convertError(e.db.Write(batch, e.wo))
}

func (e *Engine) Compact() error {
	if e.closed.Load() {
		return storage.ErrClosed
	}
	return convertError(e.db.CompactRange(util.Range{}))
}

// Sync is a no-op: every write is already synced.
func (e *Engine) Sync() error {
	if e.closed.Load() {
		return storage.ErrClosed
	}
	return nil
}

func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	err := e.db.Close()
	e.log.Info("closed", zap.Error(err))
	if uerr := e.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

func convertError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, leveldb.ErrNotFound):
		return storage.ErrKeyNotFound
	case errors.Is(err, leveldb.ErrClosed):
		return storage.ErrClosed
	}
	return err
}

type keyIterator struct {
	it       iterator.Iterator
	released bool
}

func (k *keyIterator) Next() bool  { return k.it.Next() }
func (k *keyIterator) Key() []byte { return k.it.Key() }
func (k *keyIterator) Err() error  { return convertError(k.it.Error()) }

func (k *keyIterator) Close() error {
	if k.released {
		return nil
	}
	k.released = true
	err := k.it.Error()
	k.it.Release()
	return convertError(err)
}

var _ storage.Engine = (*Engine)(nil)
