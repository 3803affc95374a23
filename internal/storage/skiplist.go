package storage

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// Entry represents a key-value pair with metadata.
type Entry struct {
	Key       []byte
	Value     []byte
	Timestamp uint64
	Deleted   bool // Tombstone marker for deletions
}

// Compare returns -1, 0, or 1 if this entry's key is less than, equal to, or greater than other.
func (e *Entry) Compare(other *Entry) int {
	return bytes.Compare(e.Key, other.Key)
}

// Size returns the approximate memory footprint of this entry in bytes.
func (e *Entry) Size() int {
	return len(e.Key) + len(e.Value) + 17 // 8 bytes timestamp + 1 byte deleted flag + overhead
}

// skipListNode is a node in the skip list.
type skipListNode struct {
	entry   *Entry
	forward []*skipListNode
}

// SkipList is a probabilistic ordered map with O(log n) inserts and lookups.
// Deletions are stored as tombstone entries so they can shadow older
// values living in SSTables.
type SkipList struct {
	head     *skipListNode
	maxLevel int
	level    int
	size     int64
	count    int64
	mu       sync.RWMutex
	rng      uint64 // XorShift state for level generation
}

const (
	maxSkipListLevel = 16 // Maximum height of skip list
)

// NewSkipList creates a new skip list.
func NewSkipList() *SkipList {
	return &SkipList{
		head: &skipListNode{
			forward: make([]*skipListNode, maxSkipListLevel),
		},
		maxLevel: maxSkipListLevel,
		rng:      uint64(1),
	}
}

func (s *SkipList) nextRand() uint64 {
	s.rng ^= s.rng << 13
	s.rng ^= s.rng >> 7
	s.rng ^= s.rng << 17
	return s.rng
}

// randomLevel draws a level with P(level+1) = 1/4.
func (s *SkipList) randomLevel() int {
	level := 0
	for level < s.maxLevel-1 && (s.nextRand()&0xFFFF) < uint64(0xFFFF/4) {
		level++
	}
	return level
}

// Put inserts or updates a key-value pair and returns the size delta.
func (s *SkipList) Put(key, value []byte, timestamp uint64) int64 {
	return s.set(&Entry{Key: key, Value: value, Timestamp: timestamp})
}

// Delete records a tombstone for key and returns the size delta.
func (s *SkipList) Delete(key []byte, timestamp uint64) int64 {
	return s.set(&Entry{Key: key, Timestamp: timestamp, Deleted: true})
}

func (s *SkipList) set(entry *Entry) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	update := make([]*skipListNode, s.maxLevel)
	current := s.head
	for i := s.level; i >= 0; i-- {
		for current.forward[i] != nil && bytes.Compare(current.forward[i].entry.Key, entry.Key) < 0 {
			current = current.forward[i]
		}
		update[i] = current
	}

	if next := current.forward[0]; next != nil && bytes.Equal(next.entry.Key, entry.Key) {
		// Replace the entry rather than mutating it so snapshots taken
		// earlier keep their view.
		delta := int64(entry.Size() - next.entry.Size())
		next.entry = entry
		atomic.AddInt64(&s.size, delta)
		return delta
	}

	level := s.randomLevel()
	if level > s.level {
		for i := s.level + 1; i <= level; i++ {
			update[i] = s.head
		}
		s.level = level
	}

	node := &skipListNode{
		entry:   entry,
		forward: make([]*skipListNode, level+1),
	}
	for i := 0; i <= level; i++ {
		node.forward[i] = update[i].forward[i]
		update[i].forward[i] = node
	}

	entrySize := int64(entry.Size())
	atomic.AddInt64(&s.size, entrySize)
	atomic.AddInt64(&s.count, 1)
	return entrySize
}

// Lookup finds key. ok is false when the key was never written here;
// deleted is true when the newest write was a tombstone.
func (s *SkipList) Lookup(key []byte) (value []byte, deleted, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	current := s.head
	for i := s.level; i >= 0; i-- {
		for current.forward[i] != nil && bytes.Compare(current.forward[i].entry.Key, key) < 0 {
			current = current.forward[i]
		}
	}

	current = current.forward[0]
	if current == nil || !bytes.Equal(current.entry.Key, key) {
		return nil, false, false
	}
	if current.entry.Deleted {
		return nil, true, true
	}
	return current.entry.Value, false, true
}

// Get retrieves the value for a key. Returns nil, false if not found or deleted.
func (s *SkipList) Get(key []byte) ([]byte, uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	current := s.head
	for i := s.level; i >= 0; i-- {
		for current.forward[i] != nil && bytes.Compare(current.forward[i].entry.Key, key) < 0 {
			current = current.forward[i]
		}
	}

	current = current.forward[0]
	if current != nil && bytes.Equal(current.entry.Key, key) && !current.entry.Deleted {
		return current.entry.Value, current.entry.Timestamp, true
	}
	return nil, 0, false
}

// Size returns the approximate memory usage in bytes.
func (s *SkipList) Size() int64 {
	return atomic.LoadInt64(&s.size)
}

// Count returns the number of entries (including tombstones).
func (s *SkipList) Count() int64 {
	return atomic.LoadInt64(&s.count)
}

// Snapshot returns every entry, tombstones included, in key order. Entries
// are never mutated after insertion, so the slice stays valid while the
// list keeps changing.
func (s *SkipList) Snapshot() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*Entry, 0, atomic.LoadInt64(&s.count))
	for node := s.head.forward[0]; node != nil; node = node.forward[0] {
		entries = append(entries, node.entry)
	}
	return entries
}
