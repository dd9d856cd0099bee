package store

import (
	"context"
	"fmt"

	"github.com/CyberFlameGO/ceresdb/pkg/dberrors"
	"github.com/CyberFlameGO/ceresdb/pkg/iterator"
	"github.com/CyberFlameGO/ceresdb/pkg/manifest"
	"github.com/CyberFlameGO/ceresdb/pkg/schema"
	"github.com/CyberFlameGO/ceresdb/pkg/sst"
	"github.com/CyberFlameGO/ceresdb/pkg/types"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBatchSize = 1024
	openParallelism  = 8
)

type ScanRequest struct {
	KeyRange  types.KeyRange
	TimeRange *types.TimeRange
	// ReadWatermark pins the read to a sequence. Zero reads the latest
	// visible data.
	ReadWatermark types.SeqN
	BatchSize     int
}

// Scan reads the newest version of every key in the request range as of
// the read watermark. The returned iterator must be closed.
func (t *Table) Scan(ctx context.Context, req ScanRequest) (*BatchIterator, error) {
	t.closeMu.RLock()
	defer t.closeMu.RUnlock()
	if t.closed {
		return nil, dberrors.ErrClosed
	}

	wm, releaseMark, err := t.marks.acquire(req.ReadWatermark)
	if err != nil {
		return nil, err
	}
	// memtables before the manifest: a flush finishing in between shows
	// its rows twice instead of not at all
	tables, releaseMems := t.mems.Snapshot()
	v := t.manifest.Acquire()
	release := func() {
		v.Release()
		releaseMems()
		releaseMark()
	}

	tr := req.TimeRange
	if !t.schema.HasTimestamp() {
		tr = nil
	}

	var segs []*manifest.Segment
	for _, s := range v.Segments {
		if s.Meta.MinSequence > wm || !req.KeyRange.OverlapsClosed(s.Meta.MinKey, s.Meta.MaxKey) {
			continue
		}
		if tr != nil && s.Meta.TimeRange != nil && !tr.Overlaps(*s.Meta.TimeRange) {
			continue
		}
		segs = append(segs, s)
	}

	readers := make([]*sst.Reader, len(segs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(openParallelism)
	for i, s := range segs {
		g.Go(func() error {
			r, err := t.OpenSegment(gctx, s)
			readers[i] = r
			return err
		})
	}
	if err := g.Wait(); err != nil {
		release()
		return nil, fmt.Errorf("failed to open segments: %w", err)
	}

	sources := make([]iterator.Iterator, 0, len(tables)+len(readers))
	for _, mt := range tables {
		sources = append(sources, iterator.FromSeq(mt.Scan(req.KeyRange, wm)))
	}
	pred := sst.Predicate{KeyRange: req.KeyRange, TimeRange: tr, MaxSeq: wm}
	for _, r := range readers {
		sources = append(sources, r.Iter(pred))
	}

	size := req.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	t.metrics.IncCounter("ceresdb_scans_total", t.labels, 1)

	return &BatchIterator{
		ctx:       ctx,
		t:         t,
		it:        iterator.Visible(iterator.Merge(sources...), wm, false),
		tr:        tr,
		size:      size,
		watermark: wm,
		release:   release,
	}, nil
}

// BatchIterator hands out scan results in batches of rows ordered by key.
type BatchIterator struct {
	ctx       context.Context
	t         *Table
	it        iterator.Iterator
	tr        *types.TimeRange
	size      int
	watermark types.SeqN

	batch   []Record
	err     error
	closed  bool
	release func()
}

// Watermark is the sequence the scan reads at.
func (b *BatchIterator) Watermark() types.SeqN { return b.watermark }

// Next loads the next batch and reports whether there is one.
func (b *BatchIterator) Next() bool {
	if b.closed || b.err != nil {
		return false
	}
	if err := b.ctx.Err(); err != nil {
		b.err = err
		return false
	}

	b.batch = make([]Record, 0, b.size)
	for len(b.batch) < b.size && b.it.Next() {
		e := b.it.Entry()
		if b.tr != nil && !b.tr.Contains(e.Timestamp) {
			continue
		}
		row, err := b.t.schema.DecodeRow(e.Value)
		if err != nil {
			b.err = fmt.Errorf("failed to decode row at seq %d: %w", e.Seq, err)
			return false
		}
		b.batch = append(b.batch, Record{Seq: e.Seq, Row: row})
	}
	if err := b.it.Err(); err != nil {
		b.t.handleReadError(b.ctx, err)
		b.err = err
		return false
	}

	return len(b.batch) > 0
}

func (b *BatchIterator) Batch() []Record { return b.batch }

func (b *BatchIterator) Err() error { return b.err }

// Close releases the snapshot the scan reads from.
func (b *BatchIterator) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.it.Close()
	b.release()
	return err
}

// Collect drains a scan into one slice.
func Collect(it *BatchIterator) ([]Record, error) {
	defer it.Close()

	var out []Record
	for it.Next() {
		out = append(out, it.Batch()...)
	}
	return out, it.Err()
}

// Get returns the newest version of the row with the given key columns as
// of watermark. Zero reads the latest visible data.
func (t *Table) Get(ctx context.Context, keyRow schema.Row, watermark types.SeqN) (Record, bool, error) {
	t.closeMu.RLock()
	defer t.closeMu.RUnlock()
	if t.closed {
		return Record{}, false, dberrors.ErrClosed
	}

	key, err := t.schema.EncodeKey(keyRow)
	if err != nil {
		return Record{}, false, err
	}
	wm, releaseMark, err := t.marks.acquire(watermark)
	if err != nil {
		return Record{}, false, err
	}
	defer releaseMark()

	var (
		best  types.Entry
		found bool
	)
	consider := func(e types.Entry) {
		if !found || e.Seq > best.Seq {
			best, found = e, true
		}
	}

	// a newer memtable can hold an older version of the same key, so every
	// source is checked
	tables, releaseMems := t.mems.Snapshot()
	defer releaseMems()
	for _, mt := range tables {
		e, ok, err := mt.Get(key, wm)
		if err != nil {
			return Record{}, false, err
		}
		if ok {
			consider(e)
		}
	}

	v := t.manifest.Acquire()
	defer v.Release()
	for _, s := range v.Segments {
		if s.Meta.MinSequence > wm || !s.Meta.ContainsKey(key) {
			continue
		}
		if found && s.Meta.MaxSequence <= best.Seq {
			continue
		}
		r, err := t.OpenSegment(ctx, s)
		if err != nil {
			return Record{}, false, err
		}
		if !r.MayContain(key) {
			continue
		}
		e, ok, err := r.Get(key, wm)
		if err != nil {
			t.handleReadError(ctx, err)
			return Record{}, false, err
		}
		if ok {
			consider(e)
		}
	}

	if !found || best.IsTombstone() {
		return Record{}, false, nil
	}
	row, err := t.schema.DecodeRow(best.Value)
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to decode row at seq %d: %w", best.Seq, err)
	}
	return Record{Seq: best.Seq, Row: row}, true, nil
}
