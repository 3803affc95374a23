package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// WAL (Write-Ahead Log) provides durability for memtable writes.
// Every write is appended to the WAL before being applied to the memtable.
// On crash recovery, the WAL is replayed to restore memtable state.
//
// Record format:
//   - CRC32 checksum of the payload (4 bytes)
//   - Payload length (4 bytes)
//   - Payload: entry count (4 bytes) followed by the entries
//
// Entry format inside a payload:
//   - Timestamp (8 bytes)
//   - Key length (4 bytes)
//   - Value length (4 bytes, -1 for tombstone)
//   - Key (variable)
//   - Value (variable, empty for tombstone)
//
// A record holds a whole batch, so a batch is either replayed completely or
// not at all.
type WAL struct {
	file     *os.File
	writer   *bufio.Writer
	path     string
	mu       sync.Mutex
	size     int64
	syncMode SyncMode
}

// SyncMode determines when WAL writes are synced to disk.
type SyncMode int

const (
	// SyncAlways - fsync after every record (slowest, most durable)
	SyncAlways SyncMode = iota
	// SyncBatch - each record reaches the OS, fsync only on Sync/rotation
	SyncBatch
	// SyncNone - buffered writes, flushed on Sync/Close (fastest, least durable)
	SyncNone
)

// ParseSyncMode maps "always", "batch" or "none" to a SyncMode.
func ParseSyncMode(s string) (SyncMode, error) {
	for _, m := range []SyncMode{SyncAlways, SyncBatch, SyncNone} {
		if m.String() == s {
			return m, nil
		}
	}
	return SyncAlways, fmt.Errorf("unknown sync mode %q", s)
}

func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncBatch:
		return "batch"
	case SyncAlways:
		return "always"
	default:
		return "unknown"
	}
}

const walRecordHeader = 8 // crc + length

// maxWALRecord bounds a single record. Writes over it are refused, so
// recovery can treat a larger length field as corruption.
var maxWALRecord = 1 << 30

// WALConfig configures WAL behavior.
type WALConfig struct {
	SyncMode SyncMode
}

// DefaultWALConfig returns sensible defaults.
func DefaultWALConfig() WALConfig {
	return WALConfig{
		SyncMode: SyncAlways,
	}
}

// OpenWAL opens or creates a WAL file.
func OpenWAL(path string, config WALConfig) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	return &WAL{
		file:     file,
		writer:   bufio.NewWriterSize(file, 64*1024), // 64KB buffer
		path:     path,
		size:     info.Size(),
		syncMode: config.SyncMode,
	}, nil
}

// Append writes entries to the WAL as a single record.
func (w *WAL) Append(entries ...*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	if n := walPayloadSize(entries); n > maxWALRecord {
		return fmt.Errorf("%w: %d bytes", ErrBatchTooLarge, n)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	data := encodeWALPayload(entries)
	var header [walRecordHeader]byte
	binary.LittleEndian.PutUint32(header[0:], crc32.ChecksumIEEE(data))
	binary.LittleEndian.PutUint32(header[4:], uint32(len(data)))

	if _, err := w.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.writer.Write(data); err != nil {
		return err
	}
	w.size += int64(walRecordHeader + len(data))

	switch w.syncMode {
	case SyncAlways:
		return w.sync()
	case SyncBatch:
		return w.writer.Flush()
	}
	return nil
}

func walPayloadSize(entries []*Entry) int {
	size := 4
	for _, e := range entries {
		size += 16 + len(e.Key)
		if !e.Deleted {
			size += len(e.Value)
		}
	}
	return size
}

func encodeWALPayload(entries []*Entry) []byte {
	buf := make([]byte, walPayloadSize(entries))
	binary.LittleEndian.PutUint32(buf, uint32(len(entries)))
	offset := 4

	for _, e := range entries {
		valueLen := int32(len(e.Value))
		if e.Deleted {
			valueLen = -1
		}
		binary.LittleEndian.PutUint64(buf[offset:], e.Timestamp)
		binary.LittleEndian.PutUint32(buf[offset+8:], uint32(len(e.Key)))
		binary.LittleEndian.PutUint32(buf[offset+12:], uint32(valueLen))
		offset += 16
		offset += copy(buf[offset:], e.Key)
		if !e.Deleted {
			offset += copy(buf[offset:], e.Value)
		}
	}
	return buf
}

// Sync flushes and syncs the WAL to disk.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sync()
}

func (w *WAL) sync() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Size returns the current WAL file size.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Path returns the segment's file path.
func (w *WAL) Path() string {
	return w.path
}

// Close syncs and closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Delete removes the WAL file (called after successful flush to SSTable).
func (w *WAL) Delete() error {
	if err := w.Close(); err != nil {
		return err
	}
	return os.Remove(w.path)
}

// WALRecovery is the result of replaying one segment.
type WALRecovery struct {
	Entries []*Entry
	Records int
	// TornBytes counts trailing bytes that did not form a valid record,
	// typically a write interrupted by a crash.
	TornBytes int64
}

// RecoverWAL reads all complete records from the WAL for replay. A torn or
// corrupted tail ends the replay; everything before it is returned.
func RecoverWAL(path string) (*WALRecovery, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &WALRecovery{}, nil // No WAL to recover
		}
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}

	reader := bufio.NewReader(file)
	rec := &WALRecovery{}
	var consumed int64

	for {
		var header [walRecordHeader]byte
		if _, err := io.ReadFull(reader, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				rec.TornBytes = info.Size() - consumed
				break
			}
			return rec, err
		}

		checksum := binary.LittleEndian.Uint32(header[0:])
		length := binary.LittleEndian.Uint32(header[4:])
		if int64(length) > int64(maxWALRecord) || int64(length) > info.Size()-consumed-walRecordHeader {
			rec.TornBytes = info.Size() - consumed
			break
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(reader, data); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				rec.TornBytes = info.Size() - consumed
				break
			}
			return rec, err
		}

		if crc32.ChecksumIEEE(data) != checksum {
			rec.TornBytes = info.Size() - consumed
			break
		}

		entries, err := decodeWALPayload(data)
		if err != nil {
			rec.TornBytes = info.Size() - consumed
			break
		}
		rec.Entries = append(rec.Entries, entries...)
		rec.Records++
		consumed += int64(walRecordHeader) + int64(length)
	}

	return rec, nil
}

func decodeWALPayload(data []byte) ([]*Entry, error) {
	if len(data) < 4 {
		return nil, ErrCorruptedWAL
	}
	count := binary.LittleEndian.Uint32(data)
	offset := 4

	entries := make([]*Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(data) < offset+16 {
			return nil, ErrCorruptedWAL
		}
		timestamp := binary.LittleEndian.Uint64(data[offset:])
		keyLen := int(binary.LittleEndian.Uint32(data[offset+8:]))
		valueLen := int32(binary.LittleEndian.Uint32(data[offset+12:]))
		offset += 16

		if keyLen < 0 || len(data) < offset+keyLen {
			return nil, ErrCorruptedWAL
		}
		key := make([]byte, keyLen)
		copy(key, data[offset:offset+keyLen])
		offset += keyLen

		var value []byte
		deleted := valueLen < 0
		if !deleted {
			if len(data) < offset+int(valueLen) {
				return nil, ErrCorruptedWAL
			}
			value = make([]byte, valueLen)
			copy(value, data[offset:offset+int(valueLen)])
			offset += int(valueLen)
		}

		entries = append(entries, &Entry{
			Key:       key,
			Value:     value,
			Timestamp: timestamp,
			Deleted:   deleted,
		})
	}

	if offset != len(data) {
		return nil, ErrCorruptedWAL
	}
	return entries, nil
}
