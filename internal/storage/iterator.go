package storage

import "bytes"

// entrySource yields entries in ascending key order.
type entrySource interface {
	Next() bool
	Entry() *Entry
	Err() error
}

// sliceSource adapts a sorted entry slice, such as a memtable snapshot.
type sliceSource struct {
	entries []*Entry
	pos     int
}

func newSliceSource(entries []*Entry) *sliceSource {
	return &sliceSource{entries: entries, pos: -1}
}

func (s *sliceSource) Next() bool {
	s.pos++
	return s.pos < len(s.entries)
}

func (s *sliceSource) Entry() *Entry { return s.entries[s.pos] }
func (s *sliceSource) Err() error    { return nil }

// mergeIterator merges sources ordered newest first. For every key only the
// newest version is considered; tombstones hide the key.
type mergeIterator struct {
	sources []entrySource
	heads   []*Entry
	current *Entry
	keep    func(*Entry) bool
	err     error
	release func() error
	closed  bool
	primed  bool
}

func newMergeIterator(sources []entrySource, release func() error) *mergeIterator {
	return &mergeIterator{
		sources: sources,
		heads:   make([]*Entry, len(sources)),
		keep:    func(e *Entry) bool { return !e.Deleted },
		release: release,
	}
}

func (m *mergeIterator) advance(i int) bool {
	if m.sources[i].Next() {
		m.heads[i] = m.sources[i].Entry()
		return true
	}
	m.heads[i] = nil
	if err := m.sources[i].Err(); err != nil {
		m.err = err
		return false
	}
	return true
}

// Next moves to the next visible entry.
func (m *mergeIterator) Next() bool {
	if m.closed || m.err != nil {
		return false
	}
	if !m.primed {
		m.primed = true
		for i := range m.sources {
			if !m.advance(i) {
				return false
			}
		}
	}

	for {
		winner := -1
		for i, head := range m.heads {
			if head == nil {
				continue
			}
			if winner < 0 || bytes.Compare(head.Key, m.heads[winner].Key) < 0 {
				winner = i
			}
		}
		if winner < 0 {
			m.current = nil
			return false
		}

		entry := m.heads[winner]
		for i, head := range m.heads {
			if head != nil && bytes.Equal(head.Key, entry.Key) {
				if !m.advance(i) {
					return false
				}
			}
		}

		if m.keep(entry) {
			m.current = entry
			return true
		}
	}
}

// Entry returns the current entry.
func (m *mergeIterator) Entry() *Entry {
	return m.current
}

// Key returns the current key.
func (m *mergeIterator) Key() []byte {
	if m.current == nil {
		return nil
	}
	return m.current.Key
}

// Err returns the first source error.
func (m *mergeIterator) Err() error {
	return m.err
}

// Close releases the table references held by the iterator.
func (m *mergeIterator) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.current = nil
	if m.release != nil {
		return m.release()
	}
	return nil
}
