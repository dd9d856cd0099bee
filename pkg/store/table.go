package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CyberFlameGO/ceresdb/pkg/arena"
	"github.com/CyberFlameGO/ceresdb/pkg/cache"
	"github.com/CyberFlameGO/ceresdb/pkg/clock"
	"github.com/CyberFlameGO/ceresdb/pkg/compaction"
	"github.com/CyberFlameGO/ceresdb/pkg/config"
	"github.com/CyberFlameGO/ceresdb/pkg/dberrors"
	"github.com/CyberFlameGO/ceresdb/pkg/listener"
	"github.com/CyberFlameGO/ceresdb/pkg/manifest"
	"github.com/CyberFlameGO/ceresdb/pkg/memtable"
	"github.com/CyberFlameGO/ceresdb/pkg/metrics"
	"github.com/CyberFlameGO/ceresdb/pkg/objstore"
	"github.com/CyberFlameGO/ceresdb/pkg/schema"
	"github.com/CyberFlameGO/ceresdb/pkg/sst"
	"github.com/CyberFlameGO/ceresdb/pkg/types"
	"github.com/CyberFlameGO/ceresdb/pkg/wal"
)

const (
	segmentSuffix   = ".sst"
	obsoleteBacklog = 1024
	ageCheckPeriod  = 10 * time.Second
)

// Record is one row as of the sequence that wrote it.
type Record struct {
	Seq types.SeqN
	Row schema.Row
}

// Table is one ordered, versioned table. Writes go through the write-ahead
// log into the active memtable; frozen memtables are flushed to segments
// in the background and segments are compacted in the background.
type Table struct {
	name    string
	schema  schema.Schema
	cfg     *config.DB
	store   objstore.Store
	tp      iTimeProvider
	logger  *slog.Logger
	metrics metrics.Collector
	labels  map[string]string

	manifest     *manifest.Manifest
	closeBackend func()
	wal          *wal.WAL
	mems         *memtable.Set
	memID        atomic.Uint64
	seq          *clock.AtomicClock
	marks        *watermarks
	readers      *cache.LRU[uint64, *sst.Reader]

	flushCh   chan *memtable.Memtable
	flusher   *Flusher
	obsolete  chan manifest.SegmentMeta
	purger    *listener.Listener[manifest.SegmentMeta]
	compactor *compaction.Scheduler
	replaying atomic.Bool

	// admit orders sequence reservation with the wal submission
	admit sync.Mutex

	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
	tickerWG  sync.WaitGroup

	stallMu sync.Mutex
	stall   chan struct{} // closed and replaced after every flush
}

func openTable(
	ctx context.Context,
	e *Engine,
	name string,
	s schema.Schema,
	backend manifest.Backend,
	closeBackend func(),
) (*Table, error) {
	logger := e.logger.With("table", name)
	t := &Table{
		name:         name,
		cfg:          &e.cfg,
		store:        e.store,
		tp:           e.tp,
		logger:       logger,
		metrics:      e.metrics,
		labels:       map[string]string{"table": name},
		closeBackend: closeBackend,
		flushCh:      make(chan *memtable.Memtable, max(e.cfg.Memtable.FlushChanBuffSize, 1)),
		obsolete:     make(chan manifest.SegmentMeta, obsoleteBacklog),
		done:         make(chan struct{}),
		stall:        make(chan struct{}),
	}
	t.readers = cache.New[uint64, *sst.Reader](max(e.cfg.Cache.Readers, 1), nil)

	m, err := manifest.Open(ctx, backend, s, manifest.Options{OnObsolete: t.onObsolete, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest of table %s: %w", name, err)
	}
	t.manifest = m

	v := m.Acquire()
	persisted, flushed, fresh := v.Schema, v.FlushedSeq, v.Num == 0
	v.Release()
	if fresh {
		// the schema of a new table is durable before the first write
		if _, err := m.Apply(ctx, manifest.Delta{Schema: &s}); err != nil {
			m.Close()
			return nil, fmt.Errorf("failed to create table %s: %w", name, err)
		}
	}
	if !persisted.Equal(&s) {
		m.Close()
		return nil, dberrors.SchemaMismatch("table %s was created as %s", name, persisted.String())
	}
	t.schema = persisted

	t.mems = memtable.NewSet(t.newMemtable)
	t.wal = wal.New(t.store, objstore.Join(name, "wal"), e.cfg.WAL, logger)
	t.flusher = newFlusher(t, t.flushCh)
	t.purger = listener.New("purger", t.obsolete, t.purge)
	t.compactor = compaction.New(t, t.store, e.cfg.Compaction, &e.cfg.SSTable, e.cfg.Retry, logger)

	if err := t.collectOrphans(ctx); err != nil {
		logger.Warn("failed to collect orphaned objects", "error", err)
	}

	last, err := t.replay(ctx, flushed)
	if err != nil {
		m.Close()
		t.mems.Close()
		return nil, fmt.Errorf("failed to replay wal of table %s: %w", name, err)
	}
	t.seq = clock.NewAtomic(last)

	t.wal.Start(e.ctx)
	t.purger.Start(e.ctx)
	t.flusher.Start(e.ctx)
	t.compactor.Start(e.ctx)
	t.startAgeTicker()

	// memtables frozen while replaying
	if imm := t.mems.Immutables(); len(imm) > 0 {
		t.queueFlush(imm[len(imm)-1])
	}
	t.updateGauges()

	return t, nil
}

func (t *Table) newMemtable() *memtable.Memtable {
	mc := t.cfg.Memtable
	a := arena.New(int(mc.ArenaBlockSize), mc.ArenaMaxBlocks)
	return memtable.New(t.memID.Add(1), a, t.tp.Now())
}

// replay re-applies the wal records the manifest does not cover yet and
// returns the last sequence in use.
func (t *Table) replay(ctx context.Context, flushed types.SeqN) (types.SeqN, error) {
	t.marks = newWatermarks(flushed)
	t.replaying.Store(true)
	defer t.replayDone()

	var n int
	last, err := t.wal.Replay(ctx, flushed, func(e types.Entry) error {
		n++
		if err := t.insert([]types.Entry{e}); err != nil {
			return err
		}
		t.marks.advance(e.Seq)
		return nil
	})
	if err != nil {
		return 0, err
	}
	last = max(last, flushed)
	t.marks.advance(last)

	if n > 0 {
		t.logger.Info("wal replayed", "records", n, "flushed_seq", flushed, "last_seq", last)
	}
	return last, nil
}

func (t *Table) replayDone() { t.replaying.Store(false) }

func (t *Table) Name() string { return t.name }

func (t *Table) Schema() schema.Schema { return t.schema }

// Write stores rows in table column order and returns the sequence of the
// last one.
func (t *Table) Write(ctx context.Context, rows []schema.Row) (types.SeqN, error) {
	if len(rows) == 0 {
		return 0, fmt.Errorf("%w: no rows to write", dberrors.ErrInvalidArgument)
	}

	entries := make([]types.Entry, 0, len(rows))
	for _, row := range rows {
		if err := t.schema.Validate(row); err != nil {
			return 0, err
		}
		key, err := t.schema.EncodeKey(row)
		if err != nil {
			return 0, err
		}
		val, err := t.schema.EncodeRow(row)
		if err != nil {
			return 0, err
		}
		ts, _ := t.schema.Timestamp(row)
		entries = append(entries, types.Entry{Key: key, Kind: types.KindPut, Timestamp: ts, Value: val})
	}

	return t.apply(ctx, entries)
}

// WriteWithSchema accepts rows laid out by the writer's schema. Columns the
// writer leaves out must be nullable in the table.
func (t *Table) WriteWithSchema(ctx context.Context, writer *schema.Schema, rows []schema.Row) (types.SeqN, error) {
	index, err := t.schema.CompatibleForWrite(writer)
	if err != nil {
		return 0, err
	}
	projected := make([]schema.Row, len(rows))
	for i, row := range rows {
		if len(row) != writer.NumColumns() {
			return 0, dberrors.SchemaMismatch("row %d has %d columns, writer schema has %d", i, len(row), writer.NumColumns())
		}
		projected[i] = schema.Project(index, row)
	}
	return t.Write(ctx, projected)
}

// Delete writes tombstones. Each key row holds at least the key columns.
func (t *Table) Delete(ctx context.Context, keys []schema.Row) (types.SeqN, error) {
	if len(keys) == 0 {
		return 0, fmt.Errorf("%w: no keys to delete", dberrors.ErrInvalidArgument)
	}

	entries := make([]types.Entry, 0, len(keys))
	for _, k := range keys {
		key, err := t.schema.EncodeKey(k)
		if err != nil {
			return 0, err
		}
		var ts int64
		if t.schema.HasTimestamp() && t.schema.TimestampIndex < len(k) {
			ts, _ = t.schema.Timestamp(k)
		}
		entries = append(entries, types.Entry{Key: key, Kind: types.KindDelete, Timestamp: ts})
	}

	return t.apply(ctx, entries)
}

func (t *Table) apply(ctx context.Context, entries []types.Entry) (types.SeqN, error) {
	t.closeMu.RLock()
	defer t.closeMu.RUnlock()
	if t.closed {
		return 0, dberrors.ErrClosed
	}

	if err := t.waitForRoom(ctx); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	t.admit.Lock()
	first, last := t.seq.Reserve(len(entries))
	for i := range entries {
		entries[i].Seq = first + types.SeqN(i)
	}
	pending, err := t.wal.Submit(entries)
	t.admit.Unlock()
	if err != nil {
		t.marks.publish(first, last)
		return 0, fmt.Errorf("failed to submit to wal: %w", err)
	}

	// durable before it becomes visible
	err = pending.Wait()
	if err == nil {
		err = t.insert(entries)
	}
	t.marks.publish(first, last)
	if err != nil {
		return 0, err
	}

	t.metrics.IncCounter("ceresdb_rows_written_total", t.labels, float64(len(entries)))
	return last, nil
}

func (t *Table) insert(entries []types.Entry) error {
	for _, e := range entries {
		for {
			mt := t.mems.Active()
			err := mt.Insert(e)
			if err == nil {
				t.maybeFreeze(mt)
				break
			}
			switch {
			case errors.Is(err, dberrors.ErrFrozen):
				// rotated under us, retry on the new one
			case errors.Is(err, dberrors.ErrArenaExhausted) && !mt.Empty():
				t.rotate(mt)
			default:
				return fmt.Errorf("failed to insert into memtable: %w", err)
			}
		}
	}
	return nil
}

func (t *Table) maybeFreeze(mt *memtable.Memtable) {
	mc := t.cfg.Memtable
	if uint64(mt.Size()) >= uint64(mc.FlushThreshold) ||
		(mc.FlushThresholdRows > 0 && mt.Len() >= mc.FlushThresholdRows) {
		t.rotate(mt)
	}
}

// rotate freezes mt if it is still the active memtable and schedules its
// flush.
func (t *Table) rotate(mt *memtable.Memtable) *memtable.Memtable {
	frozen := t.mems.Rotate(mt)
	if frozen == nil {
		return nil
	}
	t.logger.Debug("memtable frozen",
		"memtable", frozen.ID(),
		"rows", frozen.Len(),
		"bytes", frozen.Size(),
		"immutables", t.mems.NumImmutables())
	if !t.replaying.Load() {
		t.queueFlush(frozen)
	}
	return frozen
}

func (t *Table) queueFlush(mt *memtable.Memtable) {
	if !mt.MarkQueued() {
		return
	}
	select {
	case t.flushCh <- mt:
	case <-t.done:
	}
}

// waitForRoom blocks while too many frozen memtables wait for their flush.
func (t *Table) waitForRoom(ctx context.Context) error {
	limit := t.cfg.Memtable.MaxImmTables
	if limit < 1 || t.mems.NumImmutables() < limit {
		return nil
	}
	t.metrics.IncCounter("ceresdb_write_stalls_total", t.labels, 1)

	timeout := t.cfg.Memtable.WriteStallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		t.stallMu.Lock()
		ch := t.stall
		t.stallMu.Unlock()
		if t.mems.NumImmutables() < limit {
			return nil
		}

		select {
		case <-ch:
		case <-timer.C:
			return fmt.Errorf("%w: %d memtables waiting for flush after %s", dberrors.ErrBackpressure, t.mems.NumImmutables(), timeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return dberrors.ErrClosed
		}
	}
}

func (t *Table) releaseStall() {
	t.stallMu.Lock()
	defer t.stallMu.Unlock()
	close(t.stall)
	t.stall = make(chan struct{})
}

func (t *Table) startAgeTicker() {
	period := ageCheckPeriod
	if iv := t.cfg.Memtable.FlushInterval; iv > 0 && iv < period {
		period = iv
	}

	t.tickerWG.Add(1)
	go func() {
		defer t.tickerWG.Done()
		tk := time.NewTicker(period)
		defer tk.Stop()
		for {
			select {
			case <-tk.C:
				t.checkAge()
			case <-t.done:
				return
			}
		}
	}()
}

// checkAge freezes an old active memtable and reschedules flushes that
// failed earlier.
func (t *Table) checkAge() {
	mt := t.mems.Active()
	if iv := t.cfg.Memtable.FlushInterval; iv > 0 && !mt.Empty() && t.tp.Now().Sub(mt.CreatedAt()) >= iv {
		t.rotate(mt)
	}
	for _, imm := range t.mems.Immutables() {
		t.queueFlush(imm)
	}
}

// FlushHandle reports when a flush requested through Table.Flush is done.
type FlushHandle struct {
	mt   *memtable.Memtable
	done <-chan struct{}
}

// Wait blocks until the memtable is durable in a segment.
func (h *FlushHandle) Wait(ctx context.Context) error {
	if h.mt == nil {
		return nil
	}
	select {
	case <-h.mt.Flushed():
		return nil
	default:
	}

	select {
	case <-h.mt.Flushed():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return dberrors.ErrClosed
	}
}

// Flush freezes the active memtable and schedules everything unflushed.
func (t *Table) Flush(ctx context.Context) (*FlushHandle, error) {
	t.closeMu.RLock()
	defer t.closeMu.RUnlock()
	if t.closed {
		return nil, dberrors.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if mt := t.mems.Active(); !mt.Empty() {
		if frozen := t.rotate(mt); frozen != nil {
			return &FlushHandle{mt: frozen, done: t.done}, nil
		}
	}

	imm := t.mems.Immutables()
	if len(imm) == 0 {
		return &FlushHandle{}, nil
	}
	newest := imm[len(imm)-1]
	t.queueFlush(newest)
	return &FlushHandle{mt: newest, done: t.done}, nil
}

// Compact runs one compaction round now.
func (t *Table) Compact(ctx context.Context) (compaction.Result, error) {
	t.closeMu.RLock()
	defer t.closeMu.RUnlock()
	if t.closed {
		return compaction.Result{}, dberrors.ErrClosed
	}

	res, err := t.compactor.RunOnce(ctx)
	t.updateGauges()
	return res, err
}

func (t *Table) Manifest() *manifest.Manifest { return t.manifest }

func (t *Table) SegmentPath(id uint64) string {
	return objstore.Join(t.name, "sst", fmt.Sprintf("%020d%s", id, segmentSuffix))
}

func parseSegmentPath(path string) (uint64, bool) {
	name := path[strings.LastIndexByte(path, '/')+1:]
	if !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(name, segmentSuffix), 10, 64)
	return id, err == nil
}

// OpenSegment returns a reader for seg, from the cache when possible.
func (t *Table) OpenSegment(ctx context.Context, seg *manifest.Segment) (*sst.Reader, error) {
	if r, ok := t.readers.Get(seg.ID); ok {
		return r, nil
	}

	var data []byte
	err := t.cfg.Retry.Do(ctx, "read segment", func(ctx context.Context) error {
		var err error
		data, err = t.store.Get(ctx, seg.Path)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read segment %d: %w", seg.ID, err)
	}

	r, err := sst.Open(seg.ID, data)
	if err != nil {
		var cerr *dberrors.CorruptionError
		if errors.As(err, &cerr) {
			cerr.Path = seg.Path
		}
		t.handleReadError(ctx, err)
		return nil, err
	}
	t.readers.Set(seg.ID, r)
	return r, nil
}

// SafeWatermark is the oldest read watermark still in use.
func (t *Table) SafeWatermark() types.SeqN {
	return t.marks.safe()
}

// MemoryHasOlder reports whether an unflushed version of key older than
// seq exists.
func (t *Table) MemoryHasOlder(key []byte, seq types.SeqN) bool {
	if seq == 0 {
		return false
	}
	tables, release := t.mems.Snapshot()
	defer release()

	for _, mt := range tables {
		if mt.Empty() || mt.MinSeq() >= seq {
			continue
		}
		if _, ok, err := mt.Get(key, seq-1); ok || err != nil {
			return true
		}
	}
	return false
}

func (t *Table) handleReadError(ctx context.Context, err error) {
	var cerr *dberrors.CorruptionError
	if errors.As(err, &cerr) && cerr.SegmentID != 0 {
		t.ReportCorruption(ctx, cerr)
	}
}

// ReportCorruption quarantines a corrupt live segment. Reads and
// compaction skip it until ResolveQuarantine.
func (t *Table) ReportCorruption(ctx context.Context, cerr *dberrors.CorruptionError) {
	t.metrics.IncCounter("ceresdb_corruptions_total", t.labels, 1)
	t.readers.Remove(cerr.SegmentID)

	v := t.manifest.Acquire()
	_, live := v.Segment(cerr.SegmentID)
	v.Release()
	if !live {
		return
	}

	t.logger.Error("segment is corrupt, quarantining it", "segment", cerr.SegmentID, "error", cerr)
	_, err := t.manifest.Apply(context.WithoutCancel(ctx), manifest.Delta{Quarantine: []uint64{cerr.SegmentID}})
	if err != nil && !errors.Is(err, dberrors.ErrManifestConflict) {
		t.logger.Warn("failed to quarantine segment", "segment", cerr.SegmentID, "error", err)
	}
	t.updateGauges()
}

// Segments lists the live segments.
func (t *Table) Segments() []manifest.SegmentMeta {
	v := t.manifest.Acquire()
	defer v.Release()
	return metas(v.Segments)
}

// Quarantined lists the segments taken out of service.
func (t *Table) Quarantined() []manifest.SegmentMeta {
	v := t.manifest.Acquire()
	defer v.Release()
	return metas(v.Quarantined)
}

func metas(segs []*manifest.Segment) []manifest.SegmentMeta {
	out := make([]manifest.SegmentMeta, 0, len(segs))
	for _, s := range segs {
		out = append(out, s.SegmentMeta)
	}
	return out
}

// ResolveQuarantine puts a quarantined segment back into service or drops
// it for good.
func (t *Table) ResolveQuarantine(ctx context.Context, id uint64, restore bool) error {
	d := manifest.Delta{Drop: []uint64{id}}
	if restore {
		d = manifest.Delta{Restore: []uint64{id}}
	}

	_, err := t.manifest.Apply(ctx, d)
	if errors.Is(err, dberrors.ErrManifestConflict) {
		return fmt.Errorf("%w: segment %d is not quarantined", dberrors.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve quarantine of segment %d: %w", id, err)
	}

	t.readers.Remove(id)
	t.logger.Info("quarantine resolved", "segment", id, "restored", restore)
	if restore {
		t.compactor.Trigger()
	}
	t.updateGauges()
	return nil
}

func (t *Table) onObsolete(sm manifest.SegmentMeta) {
	select {
	case t.obsolete <- sm:
	default:
		// collected on the next open
		t.logger.Warn("obsolete segment backlog is full", "segment", sm.ID)
	}
}

func (t *Table) purge(ctx context.Context, sm manifest.SegmentMeta) error {
	t.readers.Remove(sm.ID)
	err := t.cfg.Retry.Do(ctx, "delete segment", func(ctx context.Context) error {
		err := t.store.Delete(ctx, sm.Path)
		if errors.Is(err, dberrors.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete obsolete segment %d: %w", sm.ID, err)
	}
	t.logger.Debug("obsolete segment deleted", "segment", sm.ID, "path", sm.Path)
	return nil
}

// collectOrphans deletes segment objects no manifest entry refers to,
// along with staging leftovers of segments and wal commits.
func (t *Table) collectOrphans(ctx context.Context) error {
	paths, err := t.store.List(ctx, objstore.Join(t.name, "sst"))
	if err != nil {
		return err
	}
	walPaths, err := t.store.List(ctx, objstore.Join(t.name, "wal"))
	if err != nil {
		return err
	}
	for _, p := range walPaths {
		if objstore.IsTmp(p) {
			paths = append(paths, p)
		}
	}

	v := t.manifest.Acquire()
	defer v.Release()

	var removed int
	for _, p := range paths {
		if !objstore.IsTmp(p) {
			id, ok := parseSegmentPath(p)
			if !ok {
				continue
			}
			if _, live := v.Segment(id); live {
				continue
			}
			if _, q := v.QuarantinedSegment(id); q {
				continue
			}
		}
		if err := t.store.Delete(ctx, p); err != nil && !errors.Is(err, dberrors.ErrNotFound) {
			t.logger.Warn("failed to delete orphaned object", "path", p, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		t.logger.Info("orphaned objects deleted", "count", removed)
	}
	return nil
}

// Stats is a point-in-time summary of a table.
type Stats struct {
	Name            string     `json:"name"`
	Segments        int        `json:"segments"`
	Quarantined     int        `json:"quarantined"`
	SegmentBytes    uint64     `json:"segment_bytes"`
	SegmentRows     uint64     `json:"segment_rows"`
	Memtables       int        `json:"memtables"`
	MemtableBytes   int64      `json:"memtable_bytes"`
	LastSeq         types.SeqN `json:"last_seq"`
	VisibleSeq      types.SeqN `json:"visible_seq"`
	FlushedSeq      types.SeqN `json:"flushed_seq"`
	ManifestVersion uint64     `json:"manifest_version"`
	Compaction      string     `json:"compaction"`
	CompactRounds   uint64     `json:"compaction_rounds"`
}

func (t *Table) Stats() Stats {
	st := Stats{
		Name:          t.name,
		LastSeq:       t.seq.Val(),
		VisibleSeq:    t.marks.Visible(),
		Compaction:    t.compactor.State().String(),
		CompactRounds: t.compactor.Rounds(),
	}

	v := t.manifest.Acquire()
	st.Segments = len(v.Segments)
	st.Quarantined = len(v.Quarantined)
	st.FlushedSeq = v.FlushedSeq
	st.ManifestVersion = v.Num
	for _, s := range v.Segments {
		st.SegmentBytes += s.Meta.Size
		st.SegmentRows += s.Meta.RowNum
	}
	v.Release()

	tables, release := t.mems.Snapshot()
	st.Memtables = len(tables)
	for _, mt := range tables {
		st.MemtableBytes += mt.Size()
	}
	release()

	return st
}

func (t *Table) updateGauges() {
	st := t.Stats()
	t.metrics.SetGauge("ceresdb_segments", t.labels, float64(st.Segments))
	t.metrics.SetGauge("ceresdb_quarantined_segments", t.labels, float64(st.Quarantined))
	t.metrics.SetGauge("ceresdb_segment_bytes", t.labels, float64(st.SegmentBytes))
	t.metrics.SetGauge("ceresdb_memtable_bytes", t.labels, float64(st.MemtableBytes))
	t.metrics.SetGauge("ceresdb_compaction_rounds", t.labels, float64(st.CompactRounds))
}

// Close stops the background work of the table. Data not flushed yet is
// recovered from the wal on the next open.
func (t *Table) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)

		t.closeMu.Lock()
		t.closed = true
		t.closeMu.Unlock()

		t.tickerWG.Wait()
		t.compactor.Stop()
		t.flusher.Stop()
		t.wal.Stop()
		t.manifest.Close()
		t.purger.Stop()
		t.mems.Close()
		t.closeBackend()

		t.logger.Info("table closed")
	})
	return nil
}
