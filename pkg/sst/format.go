package sst

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/CyberFlameGO/ceresdb/pkg/schema"
	"github.com/CyberFlameGO/ceresdb/pkg/types"
	"github.com/minio/highwayhash"
	"github.com/viant/bintly"
)

var magic = []byte{0x63, 0x65, 0x72, 0x65, 0x73, 0x53, 0x53, 0x54}

const (
	formatVersion = 1
	footerSize    = 40
	groupTrailer  = 8 // highwayhash of the stored group bytes
)

var (
	// highwayhash needs a 32 byte key
	checksumKey = []byte("ceresdb-sorted-segment-checksum!")

	ErrEmptySegment = errors.New("sst: segment has no rows")
	errClosed       = errors.New("sst: writer is finished")
)

func checksum(parts ...[]byte) uint64 {
	h, _ := highwayhash.New64(checksumKey)
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	return h.Sum64()
}

// MetaData describes a sealed segment. It is stored in the segment footer
// and mirrored in the manifest.
type MetaData struct {
	MinKey      []byte           `json:"min_key"`
	MaxKey      []byte           `json:"max_key"`
	MinSequence types.SeqN       `json:"min_sequence"`
	MaxSequence types.SeqN       `json:"max_sequence"`
	TimeRange   *types.TimeRange `json:"time_range,omitempty"`
	Schema      schema.Schema    `json:"schema"`
	Size        uint64           `json:"size"`
	RowNum      uint64           `json:"row_num"`
}

func (m *MetaData) EncodeBinary(w *bintly.Writer) error {
	w.Uint8s(m.MinKey)
	w.Uint8s(m.MaxKey)
	w.Uint64(m.MinSequence)
	w.Uint64(m.MaxSequence)
	w.Bool(m.TimeRange != nil)
	if m.TimeRange != nil {
		w.Int64(m.TimeRange.Start)
		w.Int64(m.TimeRange.End)
	}
	if err := m.Schema.EncodeBinary(w); err != nil {
		return err
	}
	w.Uint64(m.Size)
	w.Uint64(m.RowNum)
	return nil
}

func (m *MetaData) DecodeBinary(r *bintly.Reader) error {
	r.Uint8s(&m.MinKey)
	r.Uint8s(&m.MaxKey)
	r.Uint64(&m.MinSequence)
	r.Uint64(&m.MaxSequence)
	var hasRange bool
	r.Bool(&hasRange)
	if hasRange {
		m.TimeRange = &types.TimeRange{}
		r.Int64(&m.TimeRange.Start)
		r.Int64(&m.TimeRange.End)
	}
	if err := m.Schema.DecodeBinary(r); err != nil {
		return err
	}
	r.Uint64(&m.Size)
	r.Uint64(&m.RowNum)
	return nil
}

// OverlapsKeys reports whether the closed key ranges of both segments intersect.
func (m *MetaData) OverlapsKeys(o *MetaData) bool {
	return bytes.Compare(m.MinKey, o.MaxKey) <= 0 && bytes.Compare(o.MinKey, m.MaxKey) <= 0
}

// ContainsKey reports whether key falls into [MinKey, MaxKey].
func (m *MetaData) ContainsKey(key []byte) bool {
	return bytes.Compare(key, m.MinKey) >= 0 && bytes.Compare(key, m.MaxKey) <= 0
}

// groupInfo is the index entry of one row group.
type groupInfo struct {
	Offset         uint64
	Length         uint32
	Rows           uint32
	MinKey, MaxKey []byte
	MinTs, MaxTs   int64
	MinSeq, MaxSeq types.SeqN
}

type groupIndex struct {
	groups []groupInfo
	bloom  []byte
}

func (x *groupIndex) EncodeBinary(w *bintly.Writer) error {
	w.Int(len(x.groups))
	for _, g := range x.groups {
		w.Uint64(g.Offset)
		w.Uint32(g.Length)
		w.Uint32(g.Rows)
		w.Uint8s(g.MinKey)
		w.Uint8s(g.MaxKey)
		w.Int64(g.MinTs)
		w.Int64(g.MaxTs)
		w.Uint64(g.MinSeq)
		w.Uint64(g.MaxSeq)
	}
	w.Uint8s(x.bloom)
	return nil
}

func (x *groupIndex) DecodeBinary(r *bintly.Reader) error {
	var n int
	r.Int(&n)
	if n < 0 {
		return fmt.Errorf("invalid group count %d", n)
	}
	x.groups = make([]groupInfo, n)
	for i := range x.groups {
		g := &x.groups[i]
		r.Uint64(&g.Offset)
		r.Uint32(&g.Length)
		r.Uint32(&g.Rows)
		r.Uint8s(&g.MinKey)
		r.Uint8s(&g.MaxKey)
		r.Int64(&g.MinTs)
		r.Int64(&g.MaxTs)
		r.Uint64(&g.MinSeq)
		r.Uint64(&g.MaxSeq)
	}
	r.Uint8s(&x.bloom)
	return nil
}

type footer struct {
	indexOffset uint64
	indexLen    uint32
	metaLen     uint32
	checksum    uint64
	version     uint32
}

func (f footer) append(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, f.indexOffset)
	dst = binary.LittleEndian.AppendUint32(dst, f.indexLen)
	dst = binary.LittleEndian.AppendUint32(dst, f.metaLen)
	dst = binary.LittleEndian.AppendUint64(dst, f.checksum)
	dst = binary.LittleEndian.AppendUint32(dst, f.version)
	dst = binary.LittleEndian.AppendUint32(dst, 0) // reserved
	return append(dst, magic...)
}

func decodeFooter(b []byte) (footer, bool) {
	if len(b) != footerSize || string(b[32:]) != string(magic) {
		return footer{}, false
	}
	return footer{
		indexOffset: binary.LittleEndian.Uint64(b[0:]),
		indexLen:    binary.LittleEndian.Uint32(b[8:]),
		metaLen:     binary.LittleEndian.Uint32(b[12:]),
		checksum:    binary.LittleEndian.Uint64(b[16:]),
		version:     binary.LittleEndian.Uint32(b[24:]),
	}, true
}

var (
	writers = bintly.NewWriters()
	readers = bintly.NewReaders()
)

type binaryEncoder interface {
	EncodeBinary(w *bintly.Writer) error
}

type binaryDecoder interface {
	DecodeBinary(r *bintly.Reader) error
}

func encode(v binaryEncoder) ([]byte, error) {
	w := writers.Get()
	defer writers.Put(w)

	if err := v.EncodeBinary(w); err != nil {
		return nil, err
	}
	return bytes.Clone(w.Bytes()), nil
}

// decode turns bintly panics on short input into errors.
func decode(data []byte, v binaryDecoder) (err error) {
	r := readers.Get()
	defer readers.Put(r)

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("malformed encoding: %v", p)
		}
	}()
	if err := r.FromBytes(data); err != nil {
		return err
	}
	return v.DecodeBinary(r)
}
