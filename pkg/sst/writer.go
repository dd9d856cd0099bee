package sst

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/CyberFlameGO/ceresdb/pkg/bloom"
	"github.com/CyberFlameGO/ceresdb/pkg/compression"
	"github.com/CyberFlameGO/ceresdb/pkg/schema"
	"github.com/CyberFlameGO/ceresdb/pkg/types"
)

// WriterOptions define writer specific options.
type WriterOptions struct {
	// RowGroupSize is the minimum uncompressed size in bytes of each row group.
	// Default: 64KiB.
	RowGroupSize int `yaml:"row_group_size"`

	// The compression codec to use.
	// Default: None.
	Codec compression.Codec `yaml:"codec"`

	// BloomFPRate is the false positive rate of the key filter.
	// Default: 0.01.
	BloomFPRate float64 `yaml:"bloom_fp_rate"`
}

func (o *WriterOptions) norm() *WriterOptions {
	var oo WriterOptions
	if o != nil {
		oo = *o
	}

	if oo.RowGroupSize < 1 {
		oo.RowGroupSize = 64 << 10
	}
	if !oo.Codec.Valid() {
		oo.Codec = compression.None
	}
	if oo.BloomFPRate <= 0 || oo.BloomFPRate >= 1 {
		oo.BloomFPRate = 0.01
	}

	return &oo
}

// Writer builds one segment in memory. Entries must arrive in (key asc,
// seq desc) order.
type Writer struct {
	o *WriterOptions

	buf   []byte // sealed row groups
	group []types.Entry
	gsize int

	keys  [][]byte // distinct keys, for the bloom filter
	index []groupInfo
	last  types.Entry
	rows  uint64
	done  bool

	minSeq, maxSeq types.SeqN
	tsRange        *types.TimeRange
}

func NewWriter(o *WriterOptions) *Writer {
	return &Writer{o: o.norm(), minSeq: types.MaxSeqN}
}

// Add appends one version.
func (w *Writer) Add(e types.Entry) error {
	if w.done {
		return errClosed
	}
	if w.rows != 0 && types.Compare(w.last, e) >= 0 {
		return fmt.Errorf("sst: attempted an out-of-order append, %q@%d must be after %q@%d", e.Key, e.Seq, w.last.Key, w.last.Seq)
	}

	if w.rows == 0 || !bytes.Equal(w.last.Key, e.Key) {
		w.keys = append(w.keys, bytes.Clone(e.Key))
	}
	w.maybeSeal(e.Key)

	e.Key = bytes.Clone(e.Key)
	e.Value = bytes.Clone(e.Value)
	w.group = append(w.group, e)
	w.gsize += e.Size()
	w.last = e
	w.rows++

	w.minSeq = min(w.minSeq, e.Seq)
	w.maxSeq = max(w.maxSeq, e.Seq)
	if w.tsRange == nil {
		w.tsRange = &types.TimeRange{Start: e.Timestamp, End: e.Timestamp + 1}
	} else {
		*w.tsRange = w.tsRange.Extend(e.Timestamp)
	}

	return nil
}

// EstimatedSize is the number of bytes the segment would take if finished now,
// before compression of the open group.
func (w *Writer) EstimatedSize() int {
	return len(w.buf) + w.gsize + len(w.keys)*2
}

// Rows returns the number of entries added so far.
func (w *Writer) Rows() uint64 { return w.rows }

// Last returns the most recently added entry.
func (w *Writer) Last() types.Entry { return w.last }

// maybeSeal closes the open group when it is large enough and the next
// entry starts a new key. A key never spans two groups.
func (w *Writer) maybeSeal(next []byte) {
	if w.gsize >= w.o.RowGroupSize && len(w.group) > 0 && !bytes.Equal(w.group[len(w.group)-1].Key, next) {
		w.seal()
	}
}

func (w *Writer) seal() {
	if len(w.group) == 0 {
		return
	}

	info := groupInfo{
		Offset: uint64(len(w.buf)),
		Rows:   uint32(len(w.group)),
		MinKey: w.group[0].Key,
		MaxKey: w.group[len(w.group)-1].Key,
		MinTs:  math.MaxInt64,
		MaxTs:  math.MinInt64,
		MinSeq: types.MaxSeqN,
	}
	for _, e := range w.group {
		info.MinTs = min(info.MinTs, e.Timestamp)
		info.MaxTs = max(info.MaxTs, e.Timestamp)
		info.MinSeq = min(info.MinSeq, e.Seq)
		info.MaxSeq = max(info.MaxSeq, e.Seq)
	}

	payload := encodeGroup(w.group)
	stored, codec := compression.Compress(w.o.Codec, nil, payload)

	start := len(w.buf)
	w.buf = append(w.buf, byte(codec))
	w.buf = append(w.buf, stored...)
	w.buf = binary.LittleEndian.AppendUint64(w.buf, checksum(w.buf[start:]))
	info.Length = uint32(len(w.buf) - start)

	w.index = append(w.index, info)
	w.group = w.group[:0:0]
	w.gsize = 0
}

// Finish seals the segment and returns its bytes and metadata.
func (w *Writer) Finish(s schema.Schema) ([]byte, MetaData, error) {
	if w.done {
		return nil, MetaData{}, errClosed
	}
	if w.rows == 0 {
		return nil, MetaData{}, ErrEmptySegment
	}
	w.done = true
	w.seal()

	filter := bloom.New(len(w.keys), w.o.BloomFPRate)
	for _, k := range w.keys {
		filter.Add(k)
	}

	idx, err := encode(&groupIndex{groups: w.index, bloom: filter.Bytes()})
	if err != nil {
		return nil, MetaData{}, fmt.Errorf("failed to encode group index: %w", err)
	}

	meta := MetaData{
		MinKey:      w.index[0].MinKey,
		MaxKey:      w.index[len(w.index)-1].MaxKey,
		MinSequence: w.minSeq,
		MaxSequence: w.maxSeq,
		Schema:      s,
		RowNum:      w.rows,
	}
	if s.HasTimestamp() {
		meta.TimeRange = w.tsRange
	}

	// Size is part of what it measures; iterate until it settles.
	var encMeta []byte
	for range 4 {
		if encMeta, err = encode(&meta); err != nil {
			return nil, MetaData{}, fmt.Errorf("failed to encode meta: %w", err)
		}
		size := uint64(len(w.buf) + len(idx) + len(encMeta) + footerSize)
		if size == meta.Size {
			break
		}
		meta.Size = size
	}

	out := make([]byte, 0, meta.Size)
	out = append(out, w.buf...)
	out = append(out, idx...)
	out = append(out, encMeta...)
	out = footer{
		indexOffset: uint64(len(w.buf)),
		indexLen:    uint32(len(idx)),
		metaLen:     uint32(len(encMeta)),
		checksum:    checksum(idx, encMeta),
		version:     formatVersion,
	}.append(out)

	if uint64(len(out)) != meta.Size {
		return nil, MetaData{}, fmt.Errorf("sst: size did not settle, %d != %d", len(out), meta.Size)
	}

	return out, meta, nil
}

// group payload: uvarint rows | keys | seqs | kinds | timestamps | values
func encodeGroup(entries []types.Entry) []byte {
	var buf []byte
	buf = binary.AppendUvarint(buf, uint64(len(entries)))
	for _, e := range entries {
		buf = binary.AppendUvarint(buf, uint64(len(e.Key)))
		buf = append(buf, e.Key...)
	}
	for _, e := range entries {
		buf = binary.AppendUvarint(buf, e.Seq)
	}
	for _, e := range entries {
		buf = append(buf, byte(e.Kind))
	}
	for _, e := range entries {
		buf = binary.AppendVarint(buf, e.Timestamp)
	}
	for _, e := range entries {
		buf = binary.AppendUvarint(buf, uint64(len(e.Value)))
		buf = append(buf, e.Value...)
	}
	return buf
}
