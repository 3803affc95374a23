package storage

import "fmt"

// Engine is the contract between the operation queue and a storage backend.
//
// Mutations return only after they are durable. Implementations must be safe
// for concurrent readers; writers are serialized by the caller.
type Engine interface {
	// Get returns the value stored for key or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)
	// Put stores value under key, replacing any previous value.
	Put(key, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key []byte) error
	// Write applies every operation of b atomically.
	Write(b *Batch) error
	// ScanKeys returns an iterator over the keys present when it was
	// created, in ascending byte order.
	ScanKeys() (KeyIterator, error)
	// ClearAll removes every key atomically.
	ClearAll() error
	// Compact reclaims space held by overwritten and deleted entries.
	Compact() error
	// Sync forces buffered state to stable storage.
	Sync() error
	// Close releases the engine. Further calls return ErrClosed.
	Close() error
}

// KeyIterator walks a snapshot of keys. Key is only valid until the next
// call to Next.
type KeyIterator interface {
	Next() bool
	Key() []byte
	Err() error
	Close() error
}

// Batch is an ordered list of puts and deletes applied all-or-nothing.
type Batch struct {
	entries []*Entry
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Put queues a write of key.
func (b *Batch) Put(key, value []byte) {
	b.entries = append(b.entries, &Entry{Key: key, Value: value})
}

// Delete queues a tombstone for key.
func (b *Batch) Delete(key []byte) {
	b.entries = append(b.entries, &Entry{Key: key, Deleted: true})
}

// Len returns the number of queued operations.
func (b *Batch) Len() int {
	return len(b.entries)
}

// Entries returns the queued operations in insertion order.
func (b *Batch) Entries() []*Entry {
	return b.entries
}

// Reset empties the batch for reuse.
func (b *Batch) Reset() {
	b.entries = b.entries[:0]
}

// MaxEntrySize is the largest key plus value the LSM engine accepts.
const MaxEntrySize = maxBlockLength / 2

// validate rejects empty keys and anything the WAL or an SSTable block
// could not hold, before anything is logged.
func (b *Batch) validate() error {
	size := 4
	for _, e := range b.entries {
		if len(e.Key) == 0 {
			return ErrEmptyKey
		}
		n := len(e.Key) + len(e.Value)
		if n > MaxEntrySize {
			return fmt.Errorf("%w: key %q with %d bytes", ErrEntryTooLarge, truncateKey(e.Key), n)
		}
		size += 16 + n
	}
	if size > maxWALRecord {
		return fmt.Errorf("%w: %d entries, %d bytes", ErrBatchTooLarge, len(b.entries), size)
	}
	return nil
}

func truncateKey(k []byte) []byte {
	if len(k) > 32 {
		return k[:32]
	}
	return k
}

// CollectKeys drains it into a slice and closes it.
func CollectKeys(it KeyIterator) (keys [][]byte, err error) {
	defer func() {
		if cerr := it.Close(); err == nil {
			err = cerr
		}
	}()
	for it.Next() {
		keys = append(keys, append([]byte(nil), it.Key()...))
	}
	return keys, it.Err()
}
