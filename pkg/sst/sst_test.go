package sst

import (
	"errors"
	"fmt"
	"testing"

	"github.com/CyberFlameGO/ceresdb/pkg/compression"
	"github.com/CyberFlameGO/ceresdb/pkg/dberrors"
	"github.com/CyberFlameGO/ceresdb/pkg/iterator"
	"github.com/CyberFlameGO/ceresdb/pkg/schema"
	"github.com/CyberFlameGO/ceresdb/pkg/types"
	. "github.com/onsi/gomega"
)

func testSchema(t *testing.T) schema.Schema {
	t.Helper()
	s, err := schema.NewBuilder().
		AutoIncrementColumnID(true).
		AddKeyColumn(schema.ColumnSchema{Name: "name", Kind: schema.KindString}).
		AddKeyColumn(schema.ColumnSchema{Name: "ts", Kind: schema.KindTimestamp}).
		AddNormalColumn(schema.ColumnSchema{Name: "value", Kind: schema.KindInt64}).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return s
}

func put(key string, seq types.SeqN, ts int64) types.Entry {
	return types.Entry{Key: []byte(key), Seq: seq, Kind: types.KindPut, Timestamp: ts, Value: []byte("value-of-" + key)}
}

func seedSegment(t *testing.T, o *WriterOptions, n int) ([]byte, MetaData) {
	t.Helper()
	w := NewWriter(o)
	for i := 0; i < n; i++ {
		if err := w.Add(put(fmt.Sprintf("key-%05d", i), types.SeqN(i+1), int64(1000+i))); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	data, meta, err := w.Finish(testSchema(t))
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	return data, meta
}

func TestWriter_RoundTrip(t *testing.T) {
	g := NewWithT(t)
	s := testSchema(t)

	w := NewWriter(nil)
	for i := 1; i <= 5; i++ {
		g.Expect(w.Add(put(fmt.Sprintf("k%d", i), types.SeqN(i), int64(i*10)))).To(Succeed())
	}
	data, meta, err := w.Finish(s)
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(meta.MinKey).To(Equal([]byte("k1")))
	g.Expect(meta.MaxKey).To(Equal([]byte("k5")))
	g.Expect(meta.RowNum).To(Equal(uint64(5)))
	g.Expect(meta.Size).To(Equal(uint64(len(data))))
	g.Expect(meta.MinSequence).To(Equal(types.SeqN(1)))
	g.Expect(meta.MaxSequence).To(Equal(types.SeqN(5)))
	g.Expect(meta.TimeRange).To(Equal(&types.TimeRange{Start: 10, End: 51}))

	r, err := Open(7, data)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(r.Meta()).To(Equal(meta))
	readMeta := r.Meta()
	g.Expect(readMeta.Schema.Equal(&s)).To(BeTrue())

	entries, err := iterator.Collect(r.Iter(All))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(entries).To(HaveLen(5))
	for i, e := range entries {
		g.Expect(e.Key).To(Equal([]byte(fmt.Sprintf("k%d", i+1))))
		g.Expect(e.Seq).To(Equal(types.SeqN(i + 1)))
		g.Expect(e.Value).To(Equal([]byte(fmt.Sprintf("value-of-k%d", i+1))))
	}
}

func TestWriter_OutOfOrder(t *testing.T) {
	g := NewWithT(t)
	w := NewWriter(nil)

	g.Expect(w.Add(put("b", 5, 0))).To(Succeed())
	g.Expect(w.Add(put("b", 3, 0))).To(Succeed())
	g.Expect(w.Add(put("b", 3, 0))).To(MatchError(ContainSubstring("out-of-order append")))
	g.Expect(w.Add(put("b", 4, 0))).To(MatchError(ContainSubstring("out-of-order append")))
	g.Expect(w.Add(put("a", 9, 0))).To(MatchError(ContainSubstring("out-of-order append")))
	g.Expect(w.Add(put("c", 1, 0))).To(Succeed())
}

func TestWriter_Empty(t *testing.T) {
	g := NewWithT(t)
	_, _, err := NewWriter(nil).Finish(testSchema(t))
	g.Expect(err).To(MatchError(ErrEmptySegment))
}

func TestWriter_NoTimestamp(t *testing.T) {
	g := NewWithT(t)
	s, err := schema.NewBuilder().
		AllowMissingTimestamp(true).
		AddKeyColumn(schema.ColumnSchema{ID: 1, Name: "id", Kind: schema.KindUint64}).
		Build()
	g.Expect(err).NotTo(HaveOccurred())

	w := NewWriter(nil)
	g.Expect(w.Add(put("a", 1, 0))).To(Succeed())
	_, meta, err := w.Finish(s)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(meta.TimeRange).To(BeNil())
}

func TestSegment_Invariants(t *testing.T) {
	for _, codec := range []compression.Codec{compression.None, compression.Snappy, compression.Zstd} {
		t.Run(codec.String(), func(t *testing.T) {
			g := NewWithT(t)
			data, meta := seedSegment(t, &WriterOptions{RowGroupSize: 512, Codec: codec}, 1000)

			r, err := Open(1, data)
			g.Expect(err).NotTo(HaveOccurred())
			g.Expect(r.NumGroups()).To(BeNumerically(">", 10))

			g.Expect(string(meta.MinKey) <= string(meta.MaxKey)).To(BeTrue())
			g.Expect(meta.Size).To(Equal(uint64(len(data))))

			entries, err := iterator.Collect(r.Iter(All))
			g.Expect(err).NotTo(HaveOccurred())
			g.Expect(uint64(len(entries))).To(Equal(meta.RowNum))
			for i := 1; i < len(entries); i++ {
				g.Expect(types.Compare(entries[i-1], entries[i])).To(Equal(-1))
			}
		})
	}
}

func TestReader_Predicate(t *testing.T) {
	g := NewWithT(t)
	data, _ := seedSegment(t, &WriterOptions{RowGroupSize: 256}, 200)
	r, err := Open(1, data)
	g.Expect(err).NotTo(HaveOccurred())

	entries, err := iterator.Collect(r.Iter(Predicate{
		KeyRange: types.KeyRange{Start: []byte("key-00050"), End: []byte("key-00060")},
		MaxSeq:   types.MaxSeqN,
	}))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(entries).To(HaveLen(10))
	g.Expect(entries[0].Key).To(Equal([]byte("key-00050")))

	entries, err = iterator.Collect(r.Iter(Predicate{MaxSeq: 20}))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(entries).To(HaveLen(20))

	entries, err = iterator.Collect(r.Iter(Predicate{
		TimeRange: &types.TimeRange{Start: 1100, End: 1105},
		MaxSeq:    types.MaxSeqN,
	}))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(entries).To(HaveLen(5))
	g.Expect(entries[0].Timestamp).To(Equal(int64(1100)))
}

func TestReader_Get(t *testing.T) {
	g := NewWithT(t)

	w := NewWriter(&WriterOptions{RowGroupSize: 64})
	g.Expect(w.Add(put("a", 3, 0))).To(Succeed())
	g.Expect(w.Add(types.Entry{Key: []byte("b"), Seq: 9, Kind: types.KindDelete})).To(Succeed())
	g.Expect(w.Add(put("b", 4, 0))).To(Succeed())
	g.Expect(w.Add(put("b", 2, 0))).To(Succeed())
	g.Expect(w.Add(put("c", 1, 0))).To(Succeed())
	data, _, err := w.Finish(testSchema(t))
	g.Expect(err).NotTo(HaveOccurred())

	r, err := Open(1, data)
	g.Expect(err).NotTo(HaveOccurred())

	e, ok, err := r.Get([]byte("b"), types.MaxSeqN)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ok).To(BeTrue())
	g.Expect(e.IsTombstone()).To(BeTrue())

	e, ok, err = r.Get([]byte("b"), 5)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ok).To(BeTrue())
	g.Expect(e.Seq).To(Equal(types.SeqN(4)))

	_, ok, err = r.Get([]byte("b"), 1)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ok).To(BeFalse())

	_, ok, err = r.Get([]byte("zzz"), types.MaxSeqN)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ok).To(BeFalse())
}

func TestOpen_Corruption(t *testing.T) {
	data, _ := seedSegment(t, &WriterOptions{Codec: compression.None}, 50)

	tests := []struct {
		name   string
		mangle func([]byte) []byte
	}{
		{name: "truncated", mangle: func(b []byte) []byte { return b[:len(b)-1] }},
		{name: "bad magic", mangle: func(b []byte) []byte { b[len(b)-1] ^= 0xff; return b }},
		{name: "bad meta", mangle: func(b []byte) []byte { b[len(b)-footerSize-3] ^= 0xff; return b }},
		{name: "too short", mangle: func(b []byte) []byte { return b[:10] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)
			_, err := Open(42, tt.mangle(append([]byte(nil), data...)))

			var cerr *dberrors.CorruptionError
			g.Expect(errors.As(err, &cerr)).To(BeTrue())
			g.Expect(cerr.SegmentID).To(Equal(uint64(42)))
		})
	}

	t.Run("bad row group", func(t *testing.T) {
		g := NewWithT(t)
		mangled := append([]byte(nil), data...)
		mangled[5] ^= 0xff

		// the group checksum is only checked when the group is read
		r, err := Open(42, mangled)
		g.Expect(err).NotTo(HaveOccurred())
		_, err = iterator.Collect(r.Iter(All))
		g.Expect(err).To(MatchError(dberrors.ErrCorruption))
	})
}
