// Package storage implements the durable engine behind the store: a
// Log-Structured Merge (LSM) tree with a write-ahead log, and the Engine
// contract every backend satisfies.
//
// Writes are appended to the WAL and fsynced before they are applied to the
// in-memory memtable. Full memtables are flushed to immutable SSTables, and
// once enough tables pile up they are compacted into one.
//
// Architecture:
//
//	┌─────────────────────────────────────────────────────────────────┐
//	│                        LSM-Tree                                 │
//	├─────────────────────────────────────────────────────────────────┤
//	│  Write Path:  Client → WAL (fsync) → MemTable → (flush) → SST   │
//	│  Read Path:   Client → MemTable → frozen MemTables → SST (new→old)│
//	├─────────────────────────────────────────────────────────────────┤
//	│  Compaction:  all SSTables → one SSTable, tombstones dropped    │
//	└─────────────────────────────────────────────────────────────────┘
//
// Key components:
//   - MemTable: In-memory skip list for fast writes and ordered snapshots
//   - WAL: one segment per memtable; a record carries a whole batch
//   - SSTable: Sorted String Table - immutable on-disk sorted key-value store
//   - Compaction: Background merge of SSTables to bound read amplification
//
// Other backends (goleveldb, badger, bbolt) live in subpackages and are
// selected through the backend package.
package storage
