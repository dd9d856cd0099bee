package sst

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"iter"
	"sort"

	"github.com/CyberFlameGO/ceresdb/pkg/bloom"
	"github.com/CyberFlameGO/ceresdb/pkg/compression"
	"github.com/CyberFlameGO/ceresdb/pkg/dberrors"
	"github.com/CyberFlameGO/ceresdb/pkg/types"
)

// Predicate narrows a read. Groups whose statistics cannot match are
// skipped without being decoded.
type Predicate struct {
	KeyRange  types.KeyRange
	TimeRange *types.TimeRange
	// MaxSeq hides versions written after it.
	MaxSeq types.SeqN
}

// All matches every version.
var All = Predicate{MaxSeq: types.MaxSeqN}

func (p Predicate) matchesGroup(g groupInfo) bool {
	if g.MinSeq > p.MaxSeq {
		return false
	}
	if !p.KeyRange.OverlapsClosed(g.MinKey, g.MaxKey) {
		return false
	}
	if p.TimeRange != nil && !p.TimeRange.Overlaps(types.TimeRange{Start: g.MinTs, End: g.MaxTs + 1}) {
		return false
	}
	return true
}

func (p Predicate) matches(e types.Entry) bool {
	if e.Seq > p.MaxSeq || !p.KeyRange.Contains(e.Key) {
		return false
	}
	return p.TimeRange == nil || p.TimeRange.Contains(e.Timestamp)
}

// Reader instances iterate across the data of one sealed segment.
type Reader struct {
	id    uint64
	data  []byte
	meta  MetaData
	index []groupInfo
	bloom *bloom.Filter
}

// Open validates a segment and returns a reader for it. Any inconsistency
// is reported as a corruption of segment id.
func Open(id uint64, data []byte) (*Reader, error) {
	bad := func(format string, args ...any) error {
		return dberrors.Corruption(id, format, args...)
	}

	if len(data) < footerSize {
		return nil, bad("segment too short: %d bytes", len(data))
	}
	ft, ok := decodeFooter(data[len(data)-footerSize:])
	if !ok {
		return nil, bad("bad magic")
	}
	if ft.version != formatVersion {
		return nil, bad("unsupported format version %d", ft.version)
	}

	footerOffset := uint64(len(data) - footerSize)
	idxEnd := ft.indexOffset + uint64(ft.indexLen)
	if ft.indexOffset > footerOffset || idxEnd+uint64(ft.metaLen) != footerOffset {
		return nil, bad("footer offsets out of range")
	}
	idxData := data[ft.indexOffset:idxEnd]
	metaData := data[idxEnd:footerOffset]
	if checksum(idxData, metaData) != ft.checksum {
		return nil, bad("footer checksum mismatch")
	}

	r := &Reader{id: id, data: data}
	if err := decode(metaData, &r.meta); err != nil {
		return nil, bad("failed to decode meta: %v", err)
	}
	var idx groupIndex
	if err := decode(idxData, &idx); err != nil {
		return nil, bad("failed to decode group index: %v", err)
	}
	r.index = idx.groups

	if r.meta.Size != uint64(len(data)) {
		return nil, bad("size %d does not match object length %d", r.meta.Size, len(data))
	}
	if bytes.Compare(r.meta.MinKey, r.meta.MaxKey) > 0 {
		return nil, bad("min key is above max key")
	}

	var rows, pos uint64
	for i, g := range r.index {
		if g.Offset != pos || g.Offset+uint64(g.Length) > ft.indexOffset || g.Length <= groupTrailer {
			return nil, bad("row group %d out of range", i)
		}
		pos += uint64(g.Length)
		rows += uint64(g.Rows)
	}
	if pos != ft.indexOffset {
		return nil, bad("row groups do not cover the data section")
	}
	if rows != r.meta.RowNum {
		return nil, bad("row groups hold %d rows, meta says %d", rows, r.meta.RowNum)
	}

	if len(idx.bloom) > 0 {
		f, err := bloom.Decode(idx.bloom)
		if err != nil {
			return nil, bad("failed to decode bloom filter: %v", err)
		}
		r.bloom = f
	}

	return r, nil
}

func (r *Reader) ID() uint64 { return r.id }

func (r *Reader) Meta() MetaData { return r.meta }

// NumGroups returns the number of stored row groups.
func (r *Reader) NumGroups() int { return len(r.index) }

// MayContain probes the bloom filter.
func (r *Reader) MayContain(key []byte) bool {
	return r.meta.ContainsKey(key) && r.bloom.MayContain(key)
}

// Get returns the newest version of key with seq <= watermark.
func (r *Reader) Get(key []byte, watermark types.SeqN) (types.Entry, bool, error) {
	if !r.MayContain(key) {
		return types.Entry{}, false, nil
	}

	// groups are ordered by key and a key lives in exactly one group
	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].MaxKey, key) >= 0
	})
	if i == len(r.index) || bytes.Compare(r.index[i].MinKey, key) > 0 {
		return types.Entry{}, false, nil
	}

	entries, err := r.readGroup(i)
	if err != nil {
		return types.Entry{}, false, err
	}
	for _, e := range entries {
		if bytes.Equal(e.Key, key) && e.Seq <= watermark {
			return e, true, nil
		}
	}

	return types.Entry{}, false, nil
}

// Batches yields the matching entries of each row group that passes the
// predicate, one group at a time.
func (r *Reader) Batches(p Predicate) iter.Seq2[[]types.Entry, error] {
	return func(yield func([]types.Entry, error) bool) {
		for i, g := range r.index {
			// the index is key ordered, nothing past the range can match
			if p.KeyRange.After(g.MinKey) {
				return
			}
			if !p.matchesGroup(g) {
				continue
			}

			entries, err := r.readGroup(i)
			if err != nil {
				yield(nil, err)
				return
			}
			batch := entries[:0]
			for _, e := range entries {
				if p.matches(e) {
					batch = append(batch, e)
				}
			}
			if len(batch) == 0 {
				continue
			}
			if !yield(batch, nil) {
				return
			}
		}
	}
}

// Iter returns a lazy iterator over the matching entries.
func (r *Reader) Iter(p Predicate) *Iterator {
	next, stop := iter.Pull2(r.Batches(p))
	return &Iterator{next: next, stop: stop}
}

func (r *Reader) readGroup(i int) ([]types.Entry, error) {
	g := r.index[i]
	raw := r.data[g.Offset : g.Offset+uint64(g.Length)]
	body, sum := raw[:len(raw)-groupTrailer], raw[len(raw)-groupTrailer:]
	if checksum(body) != binary.LittleEndian.Uint64(sum) {
		return nil, dberrors.Corruption(r.id, "row group %d checksum mismatch", i)
	}

	payload, err := compression.Decompress(compression.Codec(body[0]), nil, body[1:])
	if err != nil {
		return nil, dberrors.Corruption(r.id, "row group %d: %v", i, err)
	}
	entries, err := decodeGroup(payload)
	if err != nil {
		return nil, dberrors.Corruption(r.id, "row group %d: %v", i, err)
	}
	if len(entries) != int(g.Rows) {
		return nil, dberrors.Corruption(r.id, "row group %d holds %d rows, index says %d", i, len(entries), g.Rows)
	}

	return entries, nil
}

func decodeGroup(buf []byte) ([]types.Entry, error) {
	n, k := binary.Uvarint(buf)
	if k <= 0 || n > uint64(len(buf)) {
		return nil, fmt.Errorf("bad row count")
	}
	buf = buf[k:]
	entries := make([]types.Entry, n)

	readBytes := func() ([]byte, error) {
		l, k := binary.Uvarint(buf)
		if k <= 0 || l > uint64(len(buf)-k) {
			return nil, fmt.Errorf("bad length")
		}
		end := k + int(l)
		b := buf[k:end:end]
		buf = buf[end:]
		return b, nil
	}

	var err error
	for i := range entries {
		if entries[i].Key, err = readBytes(); err != nil {
			return nil, fmt.Errorf("key column: %w", err)
		}
	}
	for i := range entries {
		seq, k := binary.Uvarint(buf)
		if k <= 0 {
			return nil, fmt.Errorf("bad sequence column")
		}
		entries[i].Seq = seq
		buf = buf[k:]
	}
	if len(buf) < len(entries) {
		return nil, fmt.Errorf("short kind column")
	}
	for i := range entries {
		entries[i].Kind = types.Kind(buf[i])
	}
	buf = buf[len(entries):]
	for i := range entries {
		ts, k := binary.Varint(buf)
		if k <= 0 {
			return nil, fmt.Errorf("bad timestamp column")
		}
		entries[i].Timestamp = ts
		buf = buf[k:]
	}
	for i := range entries {
		if entries[i].Value, err = readBytes(); err != nil {
			return nil, fmt.Errorf("value column: %w", err)
		}
	}
	if len(buf) != 0 {
		return nil, fmt.Errorf("%d trailing bytes", len(buf))
	}

	return entries, nil
}

// Iterator walks the entries of a reader, decoding row groups on demand.
type Iterator struct {
	next  func() ([]types.Entry, error, bool)
	stop  func()
	batch []types.Entry
	pos   int
	err   error
	done  bool
}

func (it *Iterator) Next() bool {
	for !it.done {
		if it.pos+1 < len(it.batch) {
			it.pos++
			return true
		}
		batch, err, ok := it.next()
		switch {
		case !ok:
			it.done = true
		case err != nil:
			it.err = err
			it.done = true
			it.stop()
		default:
			it.batch, it.pos = batch, -1
		}
	}
	return false
}

func (it *Iterator) Entry() types.Entry { return it.batch[it.pos] }
func (it *Iterator) Err() error         { return it.err }

func (it *Iterator) Close() error {
	it.done = true
	it.stop()
	return nil
}
