package storage

import (
	"sync/atomic"
	"time"
)

// MemTable buffers writes in memory before they are flushed to an SSTable.
// Each memtable is paired with the WAL segment that makes its contents
// durable; the segment is removed once the memtable reaches disk.
type MemTable struct {
	sl      *SkipList
	id      uint64 // Unique ID for this memtable
	frozen  atomic.Bool
	walPath string
}

var memtableIDCounter uint64

// NewMemTable creates a new memtable.
func NewMemTable() *MemTable {
	return &MemTable{
		sl: NewSkipList(),
		id: atomic.AddUint64(&memtableIDCounter, 1),
	}
}

// Put inserts or updates a key-value pair.
// Returns an error if the memtable is frozen.
func (m *MemTable) Put(key, value []byte) error {
	if m.frozen.Load() {
		return ErrMemTableFrozen
	}
	m.sl.Put(key, value, uint64(time.Now().UnixNano()))
	return nil
}

// Delete marks a key as deleted (tombstone).
func (m *MemTable) Delete(key []byte) error {
	if m.frozen.Load() {
		return ErrMemTableFrozen
	}
	m.sl.Delete(key, uint64(time.Now().UnixNano()))
	return nil
}

// Apply inserts already-logged entries, keeping their timestamps.
func (m *MemTable) Apply(entries []*Entry) error {
	if m.frozen.Load() {
		return ErrMemTableFrozen
	}
	for _, e := range entries {
		m.sl.set(&Entry{Key: e.Key, Value: e.Value, Timestamp: e.Timestamp, Deleted: e.Deleted})
	}
	return nil
}

// Get retrieves a value by key.
// Returns (value, found). If found is false, key doesn't exist or was deleted.
func (m *MemTable) Get(key []byte) ([]byte, bool) {
	value, _, found := m.sl.Get(key)
	return value, found
}

// Lookup distinguishes "never written here" from "deleted here", which the
// LSM read path needs to stop at tombstones.
func (m *MemTable) Lookup(key []byte) (value []byte, deleted, ok bool) {
	return m.sl.Lookup(key)
}

// Size returns the approximate memory usage in bytes.
func (m *MemTable) Size() int64 {
	return m.sl.Size()
}

// Count returns the number of entries (including tombstones).
func (m *MemTable) Count() int64 {
	return m.sl.Count()
}

// ID returns the unique identifier for this memtable.
func (m *MemTable) ID() uint64 {
	return m.id
}

// Freeze marks the memtable as immutable. No more writes allowed.
func (m *MemTable) Freeze() {
	m.frozen.Store(true)
}

// IsFrozen returns whether the memtable is frozen.
func (m *MemTable) IsFrozen() bool {
	return m.frozen.Load()
}

// ShouldFlush returns true if the memtable exceeds the given size threshold.
func (m *MemTable) ShouldFlush(maxSize int64) bool {
	return m.Size() >= maxSize
}

// Entries returns all entries, tombstones included, in key order.
func (m *MemTable) Entries() []*Entry {
	return m.sl.Snapshot()
}
