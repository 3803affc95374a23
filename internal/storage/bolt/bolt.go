// Package bolt adapts bbolt to the storage.Engine contract. All pairs live
// in a single bucket; bbolt fsyncs on every commit.
package bolt

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/matteso1/asyncstore/internal/storage"
)

// FileName is the database file created inside the data directory.
const FileName = "store.db"

var bucketName = []byte("kv")

// Engine is a storage.Engine backed by a bbolt file.
type Engine struct {
	db     *bolt.DB
	log    *zap.Logger
	closed atomic.Bool
}

// Open opens or creates dir/store.db. bbolt holds its own file lock; a
// second opener gives up after a short timeout with storage.ErrLocked.
func Open(dir string, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(dir, FileName), 0600, &bolt.Options{Timeout: 100 * time.Millisecond})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, storage.ErrLocked
		}
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	log = log.Named("bolt")
	log.Info("opened", zap.String("path", db.Path()))
	return &Engine{db: db, log: log}, nil
}

func (e *Engine) Get(key []byte) ([]byte, error) {
	if e.closed.Load() {
		return nil, storage.ErrClosed
	}
	if len(key) == 0 {
		return nil, storage.ErrEmptyKey
	}

	var value []byte
	err := e.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v == nil {
			return storage.ErrKeyNotFound
		}
		// v points into the mmap and is only valid inside the transaction
		value = append([]byte{}, v...)
		return nil
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
	err := e.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		for _, entry := range b.Entries() {
			var err error
			if entry.Deleted {
				err = bucket.Delete(entry.Key)
			} else {
				err = bucket.Put(entry.Key, entry.Value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	return convertError(err)
}

// ScanKeys holds a read transaction open until the iterator is closed.
// Callers must close it before writing from the same goroutine.
func (e *Engine) ScanKeys() (storage.KeyIterator, error) {
	if e.closed.Load() {
		return nil, storage.ErrClosed
	}
	tx, err := e.db.Begin(false)
	if err != nil {
		return nil, convertError(err)
	}
	return &keyIterator{tx: tx, cursor: tx.Bucket(bucketName).Cursor()}, nil
}

// ClearAll recreates the bucket in one transaction.
func (e *Engine) ClearAll() error {
	if e.closed.Load() {
		return storage.ErrClosed
	}
	err := e.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketName); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketName)
		return err
	})
	return convertError(err)
}

// Compact is a no-op; bbolt reuses freed pages in place.
func (e *Engine) Compact() error {
	if e.closed.Load() {
		return storage.ErrClosed
	}
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
	err := e.db.Close()
	e.log.Info("closed", zap.Error(err))
	return err
}

func convertError(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return storage.ErrClosed
	}
	return err
}

type keyIterator struct {
	tx      *bolt.Tx
	cursor  *bolt.Cursor
	key     []byte
	started bool
	done    bool
}

func (k *keyIterator) Next() bool {
	if k.done {
		return false
	}
	if !k.started {
		k.started = true
		k.key, _ = k.cursor.First()
	} else {
		k.key, _ = k.cursor.Next()
	}
	if k.key == nil {
		k.done = true
		return false
	}
	return true
}

func (k *keyIterator) Key() []byte { return k.key }
func (k *keyIterator) Err() error  { return nil }

func (k *keyIterator) Close() error {
	if k.tx == nil {
		return nil
	}
	err := k.tx.Rollback()
	k.tx = nil
	k.done = true
	return err
}

var _ storage.Engine = (*Engine)(nil)
