package memtable

import (
	"bytes"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CyberFlameGO/ceresdb/pkg/arena"
	"github.com/CyberFlameGO/ceresdb/pkg/dberrors"
	"github.com/CyberFlameGO/ceresdb/pkg/types"
	"github.com/zhangyunhao116/skipmap"
)

var (
	ErrTooLargeEntry = errors.New("entry is too large")
)

type version struct {
	seq  types.SeqN
	kind types.Kind
	ts   int64
	val  arena.Handle
}

// chain holds the versions of one key, newest first. A chain is never
// mutated once published; inserts swap in a copy.
type chain struct {
	versions []version
}

func (c *chain) with(v version) *chain {
	next := &chain{versions: make([]version, 0, len(c.versions)+1)}
	inserted := false
	for _, cur := range c.versions {
		if !inserted && v.seq > cur.seq {
			next.versions = append(next.versions, v)
			inserted = true
		}
		next.versions = append(next.versions, cur)
	}
	if !inserted {
		next.versions = append(next.versions, v)
	}
	return next
}

// visible returns the newest version not above watermark.
func (c *chain) visible(watermark types.SeqN) (version, bool) {
	for _, v := range c.versions {
		if v.seq <= watermark {
			return v, true
		}
	}
	return version{}, false
}

type slot = atomic.Pointer[chain]

type concurrentSet = skipmap.FuncMap[[]byte, *slot]

// Memtable is the in-memory sorted buffer of a table. Entries are ordered
// by key ascending, then sequence descending.
type Memtable struct {
	id    uint64
	arena *arena.Arena
	data  *concurrentSet

	// inserts share the lock, Freeze takes it exclusively
	mu     sync.RWMutex
	frozen bool

	size      atomic.Int64
	rows      atomic.Int64
	minSeq    atomic.Uint64
	maxSeq    atomic.Uint64
	createdAt time.Time

	refs      atomic.Int32
	queued    atomic.Bool
	flushed   chan struct{}
	flushOnce sync.Once
}

func New(id uint64, a *arena.Arena, now time.Time) *Memtable {
	mt := &Memtable{
		id:    id,
		arena: a,
		data: skipmap.NewFunc[[]byte, *slot](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
		createdAt: now,
		flushed:   make(chan struct{}),
	}
	mt.refs.Store(1)
	return mt
}

func (mt *Memtable) ID() uint64 { return mt.id }

// Insert adds one version. It fails with ErrFrozen once the table is frozen
// and with ErrArenaExhausted when the arena budget is used up.
func (mt *Memtable) Insert(e types.Entry) error {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	if mt.frozen {
		return dberrors.ErrFrozen
	}
	if e.Size() > mt.arena.Capacity() {
		return ErrTooLargeEntry
	}

	vh, _, err := mt.arena.Copy(e.Value)
	if err != nil {
		return err
	}

	s, ok := mt.data.Load(e.Key)
	if !ok {
		_, key, err := mt.arena.Copy(e.Key)
		if err != nil {
			return err
		}
		fresh := new(slot)
		fresh.Store(&chain{})
		s, _ = mt.data.LoadOrStore(key, fresh)
	}

	v := version{seq: e.Seq, kind: e.Kind, ts: e.Timestamp, val: vh}
	for {
		cur := s.Load()
		if s.CompareAndSwap(cur, cur.with(v)) {
			break
		}
	}

	mt.size.Add(int64(e.Size()))
	mt.rows.Add(1)
	mt.trackSeq(e.Seq)

	return nil
}

func (mt *Memtable) trackSeq(seq types.SeqN) {
	for {
		cur := mt.maxSeq.Load()
		if seq <= cur || mt.maxSeq.CompareAndSwap(cur, seq) {
			break
		}
	}
	for {
		cur := mt.minSeq.Load()
		if (cur != 0 && seq >= cur) || mt.minSeq.CompareAndSwap(cur, seq) {
			break
		}
	}
}

func (mt *Memtable) entry(key []byte, v version) (types.Entry, error) {
	val, err := mt.arena.Bytes(v.val)
	if err != nil {
		return types.Entry{}, err
	}
	return types.Entry{Key: key, Seq: v.seq, Kind: v.kind, Timestamp: v.ts, Value: val}, nil
}

// Get returns the newest version of key with seq <= watermark. Tombstones
// are returned as they are. The returned slices stay valid while the
// memtable is referenced.
func (mt *Memtable) Get(key []byte, watermark types.SeqN) (types.Entry, bool, error) {
	s, ok := mt.data.Load(key)
	if !ok {
		return types.Entry{}, false, nil
	}
	v, ok := s.Load().visible(watermark)
	if !ok {
		return types.Entry{}, false, nil
	}
	e, err := mt.entry(key, v)
	return e, err == nil, err
}

// Scan lazily yields, per key in r, the newest version with seq <= watermark.
// Each range over the sequence starts a fresh walk.
func (mt *Memtable) Scan(r types.KeyRange, watermark types.SeqN) iter.Seq2[types.Entry, error] {
	return func(yield func(types.Entry, error) bool) {
		mt.data.Range(func(key []byte, s *slot) bool {
			if r.Before(key) {
				return true
			}
			if r.After(key) {
				return false
			}
			v, ok := s.Load().visible(watermark)
			if !ok {
				return true
			}
			e, err := mt.entry(key, v)
			if err != nil {
				yield(types.Entry{}, err)
				return false
			}
			return yield(e, nil)
		})
	}
}

// Versions yields every version in r in (key asc, seq desc) order.
func (mt *Memtable) Versions(r types.KeyRange) iter.Seq2[types.Entry, error] {
	return func(yield func(types.Entry, error) bool) {
		mt.data.Range(func(key []byte, s *slot) bool {
			if r.Before(key) {
				return true
			}
			if r.After(key) {
				return false
			}
			for _, v := range s.Load().versions {
				e, err := mt.entry(key, v)
				if err != nil {
					yield(types.Entry{}, err)
					return false
				}
				if !yield(e, nil) {
					return false
				}
			}
			return true
		})
	}
}

// Freeze makes the memtable read-only. Only the first call returns true.
func (mt *Memtable) Freeze() bool {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	if mt.frozen {
		return false
	}
	mt.frozen = true
	return true
}

func (mt *Memtable) Frozen() bool {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.frozen
}

// Ref pins the memtable; it fails once the last reference is gone.
func (mt *Memtable) Ref() bool {
	for {
		cur := mt.refs.Load()
		if cur <= 0 {
			return false
		}
		if mt.refs.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Unref drops a reference; the arena is reset when none are left.
func (mt *Memtable) Unref() {
	if mt.refs.Add(-1) == 0 {
		mt.arena.Reset()
	}
}

// MarkQueued reports whether the caller is the first to schedule a flush.
func (mt *Memtable) MarkQueued() bool {
	return mt.queued.CompareAndSwap(false, true)
}

// Requeue allows a failed flush to be scheduled again.
func (mt *Memtable) Requeue() {
	mt.queued.Store(false)
}

// MarkFlushed releases everyone waiting on Flushed.
func (mt *Memtable) MarkFlushed() {
	mt.flushOnce.Do(func() { close(mt.flushed) })
}

func (mt *Memtable) Flushed() <-chan struct{} { return mt.flushed }

func (mt *Memtable) Size() int64 { return mt.size.Load() }
func (mt *Memtable) Len() int64 { return mt.rows.Load() }
func (mt *Memtable) Empty() bool { return mt.rows.Load() == 0 }
func (mt *Memtable) MinSeq() types.SeqN { return mt.minSeq.Load() }
func (mt *Memtable) MaxSeq() types.SeqN { return mt.maxSeq.Load() }
func (mt *Memtable) CreatedAt() time.Time { return mt.createdAt }
func (mt *Memtable) ArenaUsed() int { return mt.arena.Used() }
