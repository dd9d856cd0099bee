package types

import (
	"bytes"
	"math"
)

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SeqN is a monotonically increasing sequence used for MVCC and WAL ordering.
type SeqN = uint64

// MaxSeqN reads everything that was ever written.
const MaxSeqN SeqN = math.MaxUint64

// Kind tells a put from a tombstone.
type Kind uint8

const (
	KindPut Kind = iota
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindPut:
		return "put"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Entry is one version of a row.
type Entry struct {
	Key       Key
	Seq       SeqN
	Kind      Kind
	Timestamp int64
	Value     Value
}

func (e Entry) IsTombstone() bool {
	return e.Kind == KindDelete
}

// Size approximates the memory an entry occupies.
func (e Entry) Size() int {
	const fixed = 8 + 1 + 8
	return len(e.Key) + len(e.Value) + fixed
}

// Compare orders entries by key ascending, then by sequence descending.
func Compare(a, b Entry) int {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.Seq > b.Seq:
		return -1
	case a.Seq < b.Seq:
		return 1
	default:
		return 0
	}
}

// TimeRange is [Start, End) in milliseconds.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// AllTime covers every representable timestamp.
var AllTime = TimeRange{Start: math.MinInt64, End: math.MaxInt64}

func (r TimeRange) Contains(ts int64) bool {
	return ts >= r.Start && ts < r.End
}

func (r TimeRange) Overlaps(o TimeRange) bool {
	return r.Start < o.End && o.Start < r.End
}

// Extend grows r so that it contains ts.
func (r TimeRange) Extend(ts int64) TimeRange {
	if ts < r.Start {
		r.Start = ts
	}
	if ts >= r.End {
		r.End = ts + 1
	}
	return r
}

// Union merges two ranges; nil stands for "no timestamp".
func Union(a, b *TimeRange) *TimeRange {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	out := *a
	if b.Start < out.Start {
		out.Start = b.Start
	}
	if b.End > out.End {
		out.End = b.End
	}
	return &out
}

// KeyRange is [Start, End). A nil bound is unbounded.
type KeyRange struct {
	Start Key
	End   Key
}

func (r KeyRange) Contains(k Key) bool {
	if r.Start != nil && bytes.Compare(k, r.Start) < 0 {
		return false
	}
	if r.End != nil && bytes.Compare(k, r.End) >= 0 {
		return false
	}
	return true
}

// Before reports whether k sorts before the range.
func (r KeyRange) Before(k Key) bool {
	return r.Start != nil && bytes.Compare(k, r.Start) < 0
}

// After reports whether k sorts at or past the exclusive end.
func (r KeyRange) After(k Key) bool {
	return r.End != nil && bytes.Compare(k, r.End) >= 0
}

// OverlapsClosed checks the range against the inclusive interval [lo, hi].
func (r KeyRange) OverlapsClosed(lo, hi Key) bool {
	if r.Start != nil && bytes.Compare(hi, r.Start) < 0 {
		return false
	}
	if r.End != nil && bytes.Compare(lo, r.End) >= 0 {
		return false
	}
	return true
}
