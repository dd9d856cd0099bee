package store

import (
	"context"
	"fmt"
	"time"

	"github.com/CyberFlameGO/ceresdb/pkg/listener"
	"github.com/CyberFlameGO/ceresdb/pkg/manifest"
	"github.com/CyberFlameGO/ceresdb/pkg/memtable"
	"github.com/CyberFlameGO/ceresdb/pkg/objstore"
	"github.com/CyberFlameGO/ceresdb/pkg/sst"
	"github.com/CyberFlameGO/ceresdb/pkg/types"
)

// Flusher turns frozen memtables into segments, oldest first.
type Flusher struct {
	*listener.Listener[*memtable.Memtable]

	t *Table
}

func newFlusher(t *Table, in <-chan *memtable.Memtable) *Flusher {
	f := &Flusher{t: t}
	f.Listener = listener.New("flusher", in, f.run)
	return f
}

// run flushes every pending memtable; the one received is just the latest
// that asked for it.
func (f *Flusher) run(ctx context.Context, _ *memtable.Memtable) error {
	for _, mt := range f.t.mems.Immutables() {
		select {
		case <-mt.Flushed():
			continue
		default:
		}

		if err := f.flush(ctx, mt); err != nil {
			mt.Requeue()
			return fmt.Errorf("failed to flush memtable %d: %w", mt.ID(), err)
		}
	}
	return nil
}

func (f *Flusher) flush(ctx context.Context, mt *memtable.Memtable) error {
	t := f.t
	start := time.Now()

	var added []manifest.SegmentMeta
	if !mt.Empty() {
		sm, err := f.write(ctx, mt)
		if err != nil {
			return err
		}
		added = append(added, sm)
	}

	flushed := f.flushedSeq(mt)
	d := manifest.Delta{Add: added, FlushedSeq: flushed}
	err := t.cfg.Retry.Do(ctx, "install flush", func(ctx context.Context) error {
		_, err := t.manifest.Apply(ctx, d)
		return err
	})
	if err != nil {
		// the segment object is collected on the next open
		return fmt.Errorf("failed to add segment to manifest: %w", err)
	}

	t.mems.Remove(mt)
	mt.MarkFlushed()
	t.releaseStall()

	if err := t.wal.Truncate(ctx, flushed); err != nil {
		t.logger.Warn("failed to truncate wal", "up_to", flushed, "error", err)
	}

	elapsed := time.Since(start)
	t.metrics.IncCounter("ceresdb_flushes_total", t.labels, 1)
	t.metrics.ObserveHistogram("ceresdb_flush_seconds", t.labels, elapsed.Seconds())
	t.updateGauges()

	attrs := []any{"memtable", mt.ID(), "rows", mt.Len(), "flushed_seq", flushed, "duration", elapsed}
	if len(added) > 0 {
		attrs = append(attrs, "segment", added[0].ID, "bytes", added[0].Meta.Size)
	}
	t.logger.Info("memtable flushed", attrs...)

	t.compactor.Trigger()
	return nil
}

// write stores mt as exactly one segment.
func (f *Flusher) write(ctx context.Context, mt *memtable.Memtable) (manifest.SegmentMeta, error) {
	t := f.t

	w := sst.NewWriter(&t.cfg.SSTable)
	for e, err := range mt.Versions(types.KeyRange{}) {
		if err != nil {
			return manifest.SegmentMeta{}, fmt.Errorf("failed to read memtable: %w", err)
		}
		if err := w.Add(e); err != nil {
			return manifest.SegmentMeta{}, err
		}
	}
	data, meta, err := w.Finish(t.schema)
	if err != nil {
		return manifest.SegmentMeta{}, fmt.Errorf("failed to build segment: %w", err)
	}

	id := t.manifest.AllocSegmentID()
	sm := manifest.SegmentMeta{ID: id, Path: t.SegmentPath(id), Meta: meta}
	err = t.cfg.Retry.Do(ctx, "upload segment", func(ctx context.Context) error {
		return objstore.Commit(ctx, t.store, sm.Path, data)
	})
	if err != nil {
		return manifest.SegmentMeta{}, fmt.Errorf("failed to upload segment %d: %w", id, err)
	}

	return sm, nil
}

// flushedSeq is the highest sequence below which nothing lives only in
// memory once mt is durable. A slow writer may have landed an older
// sequence in a newer memtable, so those bound it too.
func (f *Flusher) flushedSeq(mt *memtable.Memtable) types.SeqN {
	t := f.t

	seq := t.marks.Visible()
	if !mt.Empty() {
		seq = min(seq, mt.MaxSeq())
	}

	tables, release := t.mems.Snapshot()
	defer release()
	for _, other := range tables {
		if other == mt || other.Empty() {
			continue
		}
		if m := other.MinSeq(); m > 0 && m-1 < seq {
			seq = m - 1
		}
	}
	return seq
}
