package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sort"
	"sync/atomic"
)

// SSTable (Sorted String Table) is an immutable on-disk data structure.
// It stores sorted key-value pairs with an index for fast lookups.
//
// File format:
//
//	┌─────────────────────────────────────────────────────────────┐
//	│ Data Blocks                                                 │
//	│   [crc32][length][Entry, Entry, ...]                        │
//	│   ...                                                       │
//	├─────────────────────────────────────────────────────────────┤
//	│ Index Block                                                 │
//	│   [firstKeyLen][firstKey][blockOffset][blockSize]           │
//	│   ...                                                       │
//	├─────────────────────────────────────────────────────────────┤
//	│ Footer                                                      │
//	│   indexOffset (8) indexSize (8) entryCount (8)              │
//	│   minKey (length-prefixed) maxKey (length-prefixed)         │
//	├─────────────────────────────────────────────────────────────┤
//	│ Trailer (fixed 12 bytes)                                    │
//	│   footerLen (4) footerCRC (4) magic (4)                     │
//	└─────────────────────────────────────────────────────────────┘
const (
	sstableMagic   = 0x53535442 // "SSTB"
	blockSize      = 4 * 1024   // 4KB blocks
	trailerSize    = 12
	blockHeader    = 8 // crc + length
	entryHeader    = 16
	maxBlockLength = 64 << 20
)

// SSTableWriter writes entries to an SSTable file.
type SSTableWriter struct {
	file       *os.File
	writer     *bufio.Writer
	path       string
	index      []indexEntry
	blockBuf   bytes.Buffer
	entryCount uint64
	minKey     []byte
	maxKey     []byte
	offset     int64
}

type indexEntry struct {
	firstKey    []byte
	blockOffset int64
	blockSize   int64
}

// NewSSTableWriter creates a writer for a new SSTable.
func NewSSTableWriter(path string) (*SSTableWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}

	return &SSTableWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
		path:   path,
	}, nil
}

// Add writes an entry to the SSTable. Entries must be added in strictly
// increasing key order.
func (w *SSTableWriter) Add(entry *Entry) error {
	if w.entryCount > 0 && bytes.Compare(entry.Key, w.maxKey) <= 0 {
		return fmt.Errorf("sstable: key %q added out of order", entry.Key)
	}
	if len(entry.Key)+len(entry.Value) > MaxEntrySize {
		return fmt.Errorf("sstable: %w: key %q", ErrEntryTooLarge, truncateKey(entry.Key))
	}
	if w.entryCount == 0 {
		w.minKey = append([]byte{}, entry.Key...)
	}
	w.maxKey = append(w.maxKey[:0], entry.Key...)
	w.entryCount++

	if w.blockBuf.Len() == 0 {
		w.index = append(w.index, indexEntry{
			firstKey:    append([]byte{}, entry.Key...),
			blockOffset: w.offset,
		})
	}

	encodeBlockEntry(&w.blockBuf, entry)

	if w.blockBuf.Len() >= blockSize {
		return w.flushBlock()
	}
	return nil
}

func encodeBlockEntry(buf *bytes.Buffer, entry *Entry) {
	var header [entryHeader]byte
	valueLen := int32(len(entry.Value))
	if entry.Deleted {
		valueLen = -1
	}
	binary.LittleEndian.PutUint32(header[0:], uint32(len(entry.Key)))
	binary.LittleEndian.PutUint32(header[4:], uint32(valueLen))
	binary.LittleEndian.PutUint64(header[8:], entry.Timestamp)
	buf.Write(header[:])
	buf.Write(entry.Key)
	if !entry.Deleted {
		buf.Write(entry.Value)
	}
}

func (w *SSTableWriter) flushBlock() error {
	if w.blockBuf.Len() == 0 {
		return nil
	}

	data := w.blockBuf.Bytes()
	var header [blockHeader]byte
	binary.LittleEndian.PutUint32(header[0:], crc32.ChecksumIEEE(data))
	binary.LittleEndian.PutUint32(header[4:], uint32(len(data)))
	if _, err := w.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.writer.Write(data); err != nil {
		return err
	}

	size := int64(blockHeader + len(data))
	w.index[len(w.index)-1].blockSize = size
	w.offset += size
	w.blockBuf.Reset()
	return nil
}

// Finish writes the index, footer and trailer, then fsyncs and closes the file.
func (w *SSTableWriter) Finish() error {
	if err := w.flushBlock(); err != nil {
		return err
	}

	var index bytes.Buffer
	for _, idx := range w.index {
		writeBytes(&index, idx.firstKey)
		writeUint64(&index, uint64(idx.blockOffset))
		writeUint64(&index, uint64(idx.blockSize))
	}
	indexOffset := w.offset
	if _, err := w.writer.Write(index.Bytes()); err != nil {
		return err
	}
	w.offset += int64(index.Len())

	var footer bytes.Buffer
	writeUint64(&footer, uint64(indexOffset))
	writeUint64(&footer, uint64(index.Len()))
	writeUint64(&footer, w.entryCount)
	writeBytes(&footer, w.minKey)
	writeBytes(&footer, w.maxKey)

	var trailer [trailerSize]byte
	binary.LittleEndian.PutUint32(trailer[0:], uint32(footer.Len()))
	binary.LittleEndian.PutUint32(trailer[4:], crc32.ChecksumIEEE(footer.Bytes()))
	binary.LittleEndian.PutUint32(trailer[8:], sstableMagic)

	if _, err := w.writer.Write(footer.Bytes()); err != nil {
		return err
	}
	if _, err := w.writer.Write(trailer[:]); err != nil {
		return err
	}

	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// Abort discards a partially written table.
func (w *SSTableWriter) Abort() {
	w.file.Close()
	os.Remove(w.path)
}

// Path returns the file path.
func (w *SSTableWriter) Path() string {
	return w.path
}

// EntryCount returns how many entries were added so far.
func (w *SSTableWriter) EntryCount() uint64 {
	return w.entryCount
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, p []byte) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(len(p)))
	buf.Write(b[:])
	buf.Write(p)
}

// SSTable represents an open SSTable file for reading. Reads use ReadAt and
// are safe for concurrent use.
type SSTable struct {
	file       *os.File
	path       string
	id         uint64
	index      []indexEntry
	minKey     []byte
	maxKey     []byte
	entryCount uint64
	size       int64

	refs     atomic.Int32
	obsolete atomic.Bool
}

// OpenSSTable opens an existing SSTable for reading.
func OpenSSTable(path string) (*SSTable, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	sst := &SSTable{file: file, path: path}
	if err := sst.load(); err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	sst.refs.Store(1)
	return sst, nil
}

func (s *SSTable) load() error {
	info, err := s.file.Stat()
	if err != nil {
		return err
	}
	s.size = info.Size()
	if s.size < trailerSize {
		return ErrCorruptedSSTable
	}

	var trailer [trailerSize]byte
	if _, err := s.file.ReadAt(trailer[:], s.size-trailerSize); err != nil {
		return err
	}
	if binary.LittleEndian.Uint32(trailer[8:]) != sstableMagic {
		return ErrCorruptedSSTable
	}
	footerLen := int64(binary.LittleEndian.Uint32(trailer[0:]))
	if footerLen < 32 || footerLen > s.size-trailerSize {
		return ErrCorruptedSSTable
	}

	footer := make([]byte, footerLen)
	if _, err := s.file.ReadAt(footer, s.size-trailerSize-footerLen); err != nil {
		return err
	}
	if crc32.ChecksumIEEE(footer) != binary.LittleEndian.Uint32(trailer[4:]) {
		return ErrCorruptedSSTable
	}

	r := byteReader{buf: footer}
	indexOffset := int64(r.uint64())
	indexSize := int64(r.uint64())
	s.entryCount = r.uint64()
	s.minKey = r.bytes()
	s.maxKey = r.bytes()
	if r.err != nil {
		return ErrCorruptedSSTable
	}
	if indexOffset < 0 || indexSize < 0 || indexOffset+indexSize > s.size-trailerSize-footerLen {
		return ErrCorruptedSSTable
	}

	raw := make([]byte, indexSize)
	if _, err := s.file.ReadAt(raw, indexOffset); err != nil {
		return err
	}
	r = byteReader{buf: raw}
	for !r.done() {
		idx := indexEntry{
			firstKey:    r.bytes(),
			blockOffset: int64(r.uint64()),
			blockSize:   int64(r.uint64()),
		}
		if r.err != nil {
			return ErrCorruptedSSTable
		}
		s.index = append(s.index, idx)
	}
	return nil
}

// Lookup searches the table for key. ok is false when the key is not in
// this table; deleted reports a tombstone.
func (s *SSTable) Lookup(key []byte) (value []byte, deleted, ok bool, err error) {
	if !s.Contains(key) {
		return nil, false, false, nil
	}

	// Binary search in index to find the right block
	blockIdx := sort.Search(len(s.index), func(i int) bool {
		return bytes.Compare(s.index[i].firstKey, key) > 0
	})
	if blockIdx == 0 {
		return nil, false, false, nil
	}
	blockIdx--

	block, err := s.readBlock(blockIdx)
	if err != nil {
		return nil, false, false, err
	}

	i := sort.Search(len(block), func(i int) bool {
		return bytes.Compare(block[i].Key, key) >= 0
	})
	if i < len(block) && bytes.Equal(block[i].Key, key) {
		if block[i].Deleted {
			return nil, true, true, nil
		}
		return block[i].Value, false, true, nil
	}
	return nil, false, false, nil
}

// Get looks up a key in the SSTable.
func (s *SSTable) Get(key []byte) ([]byte, bool) {
	value, deleted, ok, err := s.Lookup(key)
	if err != nil || !ok || deleted {
		return nil, false
	}
	return value, true
}

func (s *SSTable) readBlock(idx int) ([]*Entry, error) {
	blockEntry := s.index[idx]
	if blockEntry.blockSize < blockHeader || blockEntry.blockSize > maxBlockLength {
		return nil, ErrCorruptedSSTable
	}

	raw := make([]byte, blockEntry.blockSize)
	if _, err := s.file.ReadAt(raw, blockEntry.blockOffset); err != nil {
		return nil, err
	}

	checksum := binary.LittleEndian.Uint32(raw[0:])
	length := binary.LittleEndian.Uint32(raw[4:])
	if int64(length) != blockEntry.blockSize-blockHeader {
		return nil, ErrCorruptedSSTable
	}
	data := raw[blockHeader:]
	if crc32.ChecksumIEEE(data) != checksum {
		return nil, ErrCorruptedSSTable
	}

	return parseBlockEntries(data)
}

func parseBlockEntries(data []byte) ([]*Entry, error) {
	entries := make([]*Entry, 0, 32)
	offset := 0

	for offset < len(data) {
		if offset+entryHeader > len(data) {
			return nil, ErrCorruptedSSTable
		}

		keyLen := int(binary.LittleEndian.Uint32(data[offset:]))
		valueLen := int32(binary.LittleEndian.Uint32(data[offset+4:]))
		timestamp := binary.LittleEndian.Uint64(data[offset+8:])
		offset += entryHeader

		if offset+keyLen > len(data) {
			return nil, ErrCorruptedSSTable
		}
		key := data[offset : offset+keyLen : offset+keyLen]
		offset += keyLen

		var value []byte
		deleted := valueLen < 0
		if !deleted {
			if offset+int(valueLen) > len(data) {
				return nil, ErrCorruptedSSTable
			}
			value = data[offset : offset+int(valueLen) : offset+int(valueLen)]
			offset += int(valueLen)
		}

		entries = append(entries, &Entry{
			Key:       key,
			Value:     value,
			Timestamp: timestamp,
			Deleted:   deleted,
		})
	}

	return entries, nil
}

// Contains checks if a key might be in this SSTable (using key range).
func (s *SSTable) Contains(key []byte) bool {
	if s.entryCount == 0 {
		return false
	}
	if bytes.Compare(key, s.minKey) < 0 {
		return false
	}
	if bytes.Compare(key, s.maxKey) > 0 {
		return false
	}
	return true
}

// NewIterator returns an iterator over every entry, tombstones included.
// The caller must hold a reference for as long as the iterator is used.
func (s *SSTable) NewIterator() *TableIterator {
	return &TableIterator{table: s, block: -1}
}

// ref takes a reference that keeps the file open.
func (s *SSTable) ref() {
	s.refs.Add(1)
}

// unref drops a reference; the last one closes the file and, for tables
// replaced by compaction, removes it.
func (s *SSTable) unref() error {
	if s.refs.Add(-1) > 0 {
		return nil
	}
	err := s.file.Close()
	if s.obsolete.Load() {
		if rmErr := os.Remove(s.path); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}

// Close drops the owner's reference.
func (s *SSTable) Close() error {
	return s.unref()
}

// Path returns the file path.
func (s *SSTable) Path() string {
	return s.path
}

// ID returns the table's sequence number; larger IDs hold newer data.
func (s *SSTable) ID() uint64 {
	return s.id
}

// EntryCount returns the number of entries in this SSTable.
func (s *SSTable) EntryCount() uint64 {
	return s.entryCount
}

// FileSize returns the table's size on disk.
func (s *SSTable) FileSize() int64 {
	return s.size
}

// TableIterator walks an SSTable block by block.
type TableIterator struct {
	table   *SSTable
	block   int
	entries []*Entry
	pos     int
	err     error
}

// Next advances to the next entry, loading blocks lazily.
func (it *TableIterator) Next() bool {
	if it.err != nil {
		return false
	}
	it.pos++
	for it.pos >= len(it.entries) {
		it.block++
		if it.block >= len(it.table.index) {
			it.entries = nil
			return false
		}
		it.entries, it.err = it.table.readBlock(it.block)
		if it.err != nil {
			return false
		}
		it.pos = 0
	}
	return true
}

// Entry returns the current entry.
func (it *TableIterator) Entry() *Entry {
	return it.entries[it.pos]
}

// Err returns the first read error.
func (it *TableIterator) Err() error {
	return it.err
}

type byteReader struct {
	buf []byte
	off int
	err error
}

func (r *byteReader) done() bool {
	return r.err != nil || r.off >= len(r.buf)
}

func (r *byteReader) uint64() uint64 {
	if r.err != nil || r.off+8 > len(r.buf) {
		r.err = ErrCorruptedSSTable
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *byteReader) bytes() []byte {
	if r.err != nil || r.off+4 > len(r.buf) {
		r.err = ErrCorruptedSSTable
		return nil
	}
	n := int(binary.LittleEndian.Uint32(r.buf[r.off:]))
	r.off += 4
	if n < 0 || r.off+n > len(r.buf) {
		r.err = ErrCorruptedSSTable
		return nil
	}
	p := append([]byte{}, r.buf[r.off:r.off+n]...)
	r.off += n
	return p
}
