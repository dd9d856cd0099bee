package iterator

import (
	"bytes"
	"container/heap"
	"errors"
	"iter"

	"github.com/CyberFlameGO/ceresdb/pkg/types"
)

// Iterator walks a sorted sequence of entries (key asc, seq desc).
type Iterator interface {
	// Next advances to the next entry and reports whether there is one.
	Next() bool
	// Entry returns the current entry. Its slices are valid until the next call to Next.
	Entry() types.Entry
	// Err returns the error that stopped the iteration, if any.
	Err() error
	// Close releases resources.
	Close() error
}

type seqIterator struct {
	next func() (types.Entry, error, bool)
	stop func()
	cur  types.Entry
	err  error
	done bool
}

// FromSeq pulls entries out of a push-style sequence.
func FromSeq(seq iter.Seq2[types.Entry, error]) Iterator {
	next, stop := iter.Pull2(seq)
	return &seqIterator{next: next, stop: stop}
}

func (it *seqIterator) Next() bool {
	if it.done {
		return false
	}
	e, err, ok := it.next()
	switch {
	case !ok:
		it.done = true
		return false
	case err != nil:
		it.err = err
		it.done = true
		it.stop()
		return false
	}
	it.cur = e
	return true
}

func (it *seqIterator) Entry() types.Entry { return it.cur }
func (it *seqIterator) Err() error         { return it.err }

func (it *seqIterator) Close() error {
	it.done = true
	it.stop()
	return nil
}

type sliceIterator struct {
	entries []types.Entry
	pos     int
}

// FromSlice iterates over already sorted entries.
func FromSlice(entries []types.Entry) Iterator {
	return &sliceIterator{entries: entries, pos: -1}
}

func (it *sliceIterator) Next() bool {
	if it.pos+1 >= len(it.entries) {
		it.pos = len(it.entries)
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Entry() types.Entry { return it.entries[it.pos] }
func (it *sliceIterator) Err() error         { return nil }
func (it *sliceIterator) Close() error       { return nil }

type mergeHeap []Iterator

func (h mergeHeap) Len() int           { return len(h) }
func (h mergeHeap) Less(i, j int) bool { return types.Compare(h[i].Entry(), h[j].Entry()) < 0 }
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(Iterator)) }

func (h *mergeHeap) Pop() any {
	old := *h
	it := old[len(old)-1]
	*h = old[:len(old)-1]
	return it
}

type mergeIterator struct {
	sources []Iterator
	heap    mergeHeap
	cur     types.Entry
	// the source cur came from; advanced lazily on the next call
	pending Iterator
	lastKey []byte
	lastSeq types.SeqN
	hasLast bool
	started bool
	err     error
}

// Merge combines sorted iterators into one sorted stream. The same
// (key, seq) seen in several sources is yielded once.
func Merge(sources ...Iterator) Iterator {
	return &mergeIterator{sources: sources}
}

func (m *mergeIterator) init() bool {
	m.started = true
	m.heap = make(mergeHeap, 0, len(m.sources))
	for _, src := range m.sources {
		if src.Next() {
			m.heap = append(m.heap, src)
		} else if err := src.Err(); err != nil {
			m.err = err
			return false
		}
	}
	heap.Init(&m.heap)
	return true
}

func (m *mergeIterator) advance(src Iterator) bool {
	if src.Next() {
		heap.Push(&m.heap, src)
		return true
	}
	if err := src.Err(); err != nil {
		m.err = err
		return false
	}
	return true
}

func (m *mergeIterator) Next() bool {
	if m.err != nil {
		return false
	}
	if !m.started && !m.init() {
		return false
	}
	if m.pending != nil {
		src := m.pending
		m.pending = nil
		if !m.advance(src) {
			return false
		}
	}

	for m.heap.Len() > 0 {
		src := heap.Pop(&m.heap).(Iterator)
		e := src.Entry()
		if m.hasLast && e.Seq == m.lastSeq && bytes.Equal(e.Key, m.lastKey) {
			if !m.advance(src) {
				return false
			}
			continue
		}
		m.cur = e
		m.lastKey = append(m.lastKey[:0], e.Key...)
		m.lastSeq = e.Seq
		m.hasLast = true
		m.pending = src
		return true
	}

	return false
}

func (m *mergeIterator) Entry() types.Entry { return m.cur }
func (m *mergeIterator) Err() error         { return m.err }

func (m *mergeIterator) Close() error {
	var errs []error
	for _, src := range m.sources {
		if err := src.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type visibleIterator struct {
	src            Iterator
	watermark      types.SeqN
	keepTombstones bool
	lastKey        []byte
	hasLast        bool
	cur            types.Entry
}

// Visible keeps, per key, only the newest version with seq <= watermark.
// Tombstones are dropped unless keepTombstones is set.
func Visible(src Iterator, watermark types.SeqN, keepTombstones bool) Iterator {
	return &visibleIterator{src: src, watermark: watermark, keepTombstones: keepTombstones}
}

func (v *visibleIterator) Next() bool {
	for v.src.Next() {
		e := v.src.Entry()
		if e.Seq > v.watermark {
			continue
		}
		if v.hasLast && bytes.Equal(e.Key, v.lastKey) {
			continue
		}
		v.lastKey = append(v.lastKey[:0], e.Key...)
		v.hasLast = true

		if e.IsTombstone() && !v.keepTombstones {
			continue
		}
		v.cur = e
		return true
	}
	return false
}

func (v *visibleIterator) Entry() types.Entry { return v.cur }
func (v *visibleIterator) Err() error         { return v.src.Err() }
func (v *visibleIterator) Close() error       { return v.src.Close() }

// Collect drains it into a slice of detached copies and closes it.
func Collect(it Iterator) ([]types.Entry, error) {
	defer it.Close()

	var out []types.Entry
	for it.Next() {
		e := it.Entry()
		e.Key = bytes.Clone(e.Key)
		e.Value = bytes.Clone(e.Value)
		out = append(out, e)
	}
	return out, it.Err()
}
