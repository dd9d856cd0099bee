package compaction

import (
	"bytes"
	"context"
	"fmt"

	"github.com/CyberFlameGO/ceresdb/pkg/iterator"
	"github.com/CyberFlameGO/ceresdb/pkg/manifest"
	"github.com/CyberFlameGO/ceresdb/pkg/objstore"
	"github.com/CyberFlameGO/ceresdb/pkg/retry"
	"github.com/CyberFlameGO/ceresdb/pkg/schema"
	"github.com/CyberFlameGO/ceresdb/pkg/sst"
	"github.com/CyberFlameGO/ceresdb/pkg/types"
	"golang.org/x/time/rate"
)

const cancelCheckEvery = 4096

type mergeResult struct {
	outputs []manifest.SegmentMeta
	// tombstones that were garbage collected; their keys are owned copies
	dropped []types.Entry
	inRows  uint64
	outRows uint64
}

type merger struct {
	store   objstore.Store
	retry   retry.Policy
	schema  schema.Schema
	wopts   *sst.WriterOptions
	maxSize uint64
	limiter *rate.Limiter // nil when unthrottled
	safe    types.SeqN
	lag     uint64

	allocID func() uint64
	path    func(id uint64) string
	// shadowed reports whether an older version of key may exist outside
	// the inputs.
	shadowed func(key []byte, seq types.SeqN) bool

	w   *sst.Writer
	res mergeResult
}

// run drains src into one or more segments. On failure every output that was
// already committed is deleted again.
func (m *merger) run(ctx context.Context, src iterator.Iterator) (mergeResult, error) {
	if err := m.merge(ctx, src); err != nil {
		m.discard(context.WithoutCancel(ctx))
		return mergeResult{}, err
	}
	return m.res, nil
}

func (m *merger) merge(ctx context.Context, src iterator.Iterator) error {
	defer src.Close()

	var (
		key     []byte
		first   = true
		lastSeq types.SeqN
		keptOld bool // a version <= safe was already seen for key
	)
	for src.Next() {
		e := src.Entry()
		m.res.inRows++
		if m.res.inRows%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		if first || !bytes.Equal(e.Key, key) {
			first = false
			key = append(key[:0], e.Key...)
			keptOld = false
		} else if e.Seq == lastSeq {
			// a replayed flush can leave the same version in two segments
			continue
		}
		lastSeq = e.Seq
		if e.Seq > m.safe {
			if err := m.emit(ctx, e); err != nil {
				return err
			}
			continue
		}
		if keptOld {
			continue
		}
		keptOld = true

		if e.IsTombstone() && m.collectible(e) {
			m.res.dropped = append(m.res.dropped, types.Entry{Key: bytes.Clone(e.Key), Seq: e.Seq, Kind: e.Kind})
			continue
		}
		if err := m.emit(ctx, e); err != nil {
			return err
		}
	}
	if err := src.Err(); err != nil {
		return err
	}

	return m.seal(ctx)
}

func (m *merger) collectible(e types.Entry) bool {
	if m.safe < m.lag || e.Seq > m.safe-m.lag {
		return false
	}
	return m.shadowed == nil || !m.shadowed(e.Key, e.Seq)
}

func (m *merger) emit(ctx context.Context, e types.Entry) error {
	// only split between keys so outputs never share one
	if m.w != nil && uint64(m.w.EstimatedSize()) >= m.maxSize && !bytes.Equal(m.w.Last().Key, e.Key) {
		if err := m.seal(ctx); err != nil {
			return err
		}
	}
	if m.w == nil {
		m.w = sst.NewWriter(m.wopts)
	}
	if err := m.w.Add(e); err != nil {
		return err
	}
	m.res.outRows++
	return nil
}

func (m *merger) seal(ctx context.Context) error {
	w := m.w
	m.w = nil
	if w == nil || w.Rows() == 0 {
		return nil
	}

	data, meta, err := w.Finish(m.schema)
	if err != nil {
		return fmt.Errorf("failed to finish compaction output: %w", err)
	}
	id := m.allocID()
	sm := manifest.SegmentMeta{ID: id, Path: m.path(id), Meta: meta}
	if err := throttle(ctx, m.limiter, len(data)); err != nil {
		return err
	}
	// recorded before the put: a failed put may still have left the object
	m.res.outputs = append(m.res.outputs, sm)

	return m.retry.Do(ctx, "compaction output", func(ctx context.Context) error {
		return objstore.Commit(ctx, m.store, sm.Path, data)
	})
}

func throttle(ctx context.Context, lim *rate.Limiter, n int) error {
	if lim == nil {
		return nil
	}
	for n > 0 {
		chunk := min(n, lim.Burst())
		if err := lim.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func (m *merger) discard(ctx context.Context) {
	deleteOutputs(ctx, m.store, m.res.outputs)
	m.res.outputs = nil
}

func deleteOutputs(ctx context.Context, store objstore.Store, outputs []manifest.SegmentMeta) {
	for _, sm := range outputs {
		_ = store.Delete(ctx, sm.Path)
	}
}
