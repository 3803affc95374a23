package storage

import "errors"

var (
	// ErrMemTableFrozen is returned when attempting to write to a frozen memtable.
	ErrMemTableFrozen = errors.New("memtable is frozen")

	// ErrKeyNotFound is returned when a key doesn't exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrEmptyKey is returned for zero-length keys.
	ErrEmptyKey = errors.New("empty key")

	// ErrCorruptedWAL is returned when WAL data is corrupted.
	ErrCorruptedWAL = errors.New("corrupted WAL entry")

	// ErrCorruptedSSTable is returned when SSTable data is corrupted.
	ErrCorruptedSSTable = errors.New("corrupted SSTable")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("storage engine closed")

	// ErrBroken marks an engine whose log can no longer be trusted. The
	// handle must be closed and reopened.
	ErrBroken = errors.New("storage engine broken, reopen required")

	// ErrEntryTooLarge is returned for a key and value that together
	// exceed MaxEntrySize. Nothing is logged.
	ErrEntryTooLarge = errors.New("entry exceeds engine size limit")

	// ErrBatchTooLarge is returned for a batch that does not fit one WAL
	// record. Nothing is logged.
	ErrBatchTooLarge = errors.New("batch exceeds WAL record limit")

	// ErrLocked is returned when another process holds the data directory.
	ErrLocked = errors.New("data directory is locked by another process")
)

// IsNotFound reports whether err means the key is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}

// IsFatal reports whether err invalidates the engine handle itself.
func IsFatal(err error) bool {
	return errors.Is(err, ErrBroken) || errors.Is(err, ErrClosed)
}
