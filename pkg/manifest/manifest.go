package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/CyberFlameGO/ceresdb/pkg/dberrors"
	"github.com/CyberFlameGO/ceresdb/pkg/schema"
	"github.com/CyberFlameGO/ceresdb/pkg/sst"
	"github.com/CyberFlameGO/ceresdb/pkg/types"
)

// SegmentMeta is the manifest entry of one segment.
type SegmentMeta struct {
	ID   uint64       `json:"id"`
	Path string       `json:"path"`
	Meta sst.MetaData `json:"meta"`
}

// Segment is a refcounted handle. Every version that lists the segment
// holds one reference; the obsolete callback fires when the last one goes.
type Segment struct {
	SegmentMeta

	refs atomic.Int64
	m    *Manifest
}

func (s *Segment) ref() { s.refs.Add(1) }

func (s *Segment) unref() {
	if s.refs.Add(-1) == 0 && s.m.onObsolete != nil && !s.m.closed.Load() {
		s.m.onObsolete(s.SegmentMeta)
	}
}

// Version is an immutable snapshot of the segment set.
type Version struct {
	Num           uint64
	Segments      []*Segment // live, ordered by id
	Quarantined   []*Segment
	FlushedSeq    types.SeqN
	NextSegmentID uint64
	Schema        schema.Schema

	refs atomic.Int64
}

func (v *Version) tryRef() bool {
	for {
		cur := v.refs.Load()
		if cur <= 0 {
			return false
		}
		if v.refs.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release drops a reference taken by Acquire.
func (v *Version) Release() {
	if v.refs.Add(-1) != 0 {
		return
	}
	for _, s := range v.Segments {
		s.unref()
	}
	for _, s := range v.Quarantined {
		s.unref()
	}
}

// Segment looks up a live segment.
func (v *Version) Segment(id uint64) (*Segment, bool) {
	return find(v.Segments, id)
}

// QuarantinedSegment looks up a quarantined segment.
func (v *Version) QuarantinedSegment(id uint64) (*Segment, bool) {
	return find(v.Quarantined, id)
}

func find(segs []*Segment, id uint64) (*Segment, bool) {
	i, ok := slices.BinarySearchFunc(segs, id, func(s *Segment, id uint64) int {
		switch {
		case s.ID < id:
			return -1
		case s.ID > id:
			return 1
		}
		return 0
	})
	if !ok {
		return nil, false
	}
	return segs[i], true
}

func (v *Version) state() *State {
	st := &State{
		Num:           v.Num,
		FlushedSeq:    v.FlushedSeq,
		NextSegmentID: v.NextSegmentID,
		Schema:        v.Schema,
	}
	for _, s := range v.Segments {
		st.Segments = append(st.Segments, s.SegmentMeta)
	}
	for _, s := range v.Quarantined {
		st.Quarantined = append(st.Quarantined, s.SegmentMeta)
	}
	return st
}

// Delta is the difference between a version and its successor.
type Delta struct {
	Add        []SegmentMeta
	Remove     []uint64
	Quarantine []uint64
	Restore    []uint64
	Drop       []uint64
	// FlushedSeq advances the flushed watermark; lower values are ignored.
	FlushedSeq types.SeqN
	Schema     *schema.Schema
}

// State is the persisted form of a version.
type State struct {
	Num           uint64        `json:"num"`
	Segments      []SegmentMeta `json:"segments"`
	Quarantined   []SegmentMeta `json:"quarantined,omitempty"`
	FlushedSeq    types.SeqN    `json:"flushed_seq"`
	NextSegmentID uint64        `json:"next_segment_id"`
	Schema        schema.Schema `json:"schema"`
}

// Backend persists states. Save must fail with ErrManifestConflict when the
// stored state is no longer prev.
type Backend interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, prev uint64, st *State) error
}

type Options struct {
	// OnObsolete is called once for every segment no version references
	// anymore. It must not block.
	OnObsolete func(SegmentMeta)
	Logger     *slog.Logger
}

// Manifest is the versioned catalog of one table.
type Manifest struct {
	backend    Backend
	onObsolete func(SegmentMeta)
	logger     *slog.Logger

	mu      sync.Mutex // serializes Install
	current atomic.Pointer[Version]
	nextID  atomic.Uint64
	closed  atomic.Bool
}

// Open loads the latest persisted state. A table whose manifest cannot be
// loaded must not open. initial seeds a brand new manifest.
func Open(ctx context.Context, backend Backend, initial schema.Schema, opts Options) (*Manifest, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Manifest{backend: backend, onObsolete: opts.OnObsolete, logger: opts.Logger}

	st, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}
	if st == nil {
		st = &State{NextSegmentID: 1, Schema: initial}
	}

	v := m.build(st, nil)
	m.nextID.Store(v.NextSegmentID)
	m.current.Store(v)

	return m, nil
}

// build turns a persisted state into a version holding one reference.
// Segment handles of prev are reused for the segments it already lists.
func (m *Manifest) build(st *State, prev *Version) *Version {
	v := &Version{
		Num:           st.Num,
		FlushedSeq:    st.FlushedSeq,
		NextSegmentID: max(st.NextSegmentID, 1),
		Schema:        st.Schema,
	}
	handle := func(sm SegmentMeta) *Segment {
		if prev != nil {
			for _, segs := range [][]*Segment{prev.Segments, prev.Quarantined} {
				if s, ok := find(segs, sm.ID); ok && s.Path == sm.Path {
					s.ref()
					return s
				}
			}
		}
		return m.newSegment(sm)
	}
	for _, sm := range st.Segments {
		v.Segments = append(v.Segments, handle(sm))
	}
	for _, sm := range st.Quarantined {
		v.Quarantined = append(v.Quarantined, handle(sm))
	}
	sortSegments(v.Segments)
	sortSegments(v.Quarantined)
	for _, s := range v.Segments {
		v.NextSegmentID = max(v.NextSegmentID, s.ID+1)
	}
	for _, s := range v.Quarantined {
		v.NextSegmentID = max(v.NextSegmentID, s.ID+1)
	}
	v.refs.Store(1)

	return v
}

func (m *Manifest) newSegment(sm SegmentMeta) *Segment {
	s := &Segment{SegmentMeta: sm, m: m}
	s.ref()
	return s
}

func sortSegments(segs []*Segment) {
	slices.SortFunc(segs, func(a, b *Segment) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}

// Acquire pins the current version. Callers must Release it.
func (m *Manifest) Acquire() *Version {
	for {
		v := m.current.Load()
		if v.tryRef() {
			return v
		}
	}
}

// Num returns the current version number.
func (m *Manifest) Num() uint64 {
	return m.current.Load().Num
}

// AllocSegmentID reserves a fresh segment id.
func (m *Manifest) AllocSegmentID() uint64 {
	return m.nextID.Add(1) - 1
}

// Apply installs d on top of whatever version is current.
func (m *Manifest) Apply(ctx context.Context, d Delta) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.install(ctx, m.current.Load().Num, d)
}

// Install publishes base+d as the next version. It fails with
// ErrManifestConflict when base is no longer current or the delta no longer
// applies. Nothing changes unless the new state was persisted.
func (m *Manifest) Install(ctx context.Context, base uint64, d Delta) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.install(ctx, base, d)
}

func (m *Manifest) install(ctx context.Context, base uint64, d Delta) (uint64, error) {
	cur := m.current.Load()
	if cur.Num != base {
		return 0, fmt.Errorf("%w: base version %d, current %d", dberrors.ErrManifestConflict, base, cur.Num)
	}

	live := slices.Clone(cur.Segments)
	quarantined := slices.Clone(cur.Quarantined)

	take := func(from *[]*Segment, id uint64, what string) (*Segment, error) {
		i := slices.IndexFunc(*from, func(s *Segment) bool { return s.ID == id })
		if i < 0 {
			return nil, fmt.Errorf("%w: segment %d is not %s", dberrors.ErrManifestConflict, id, what)
		}
		s := (*from)[i]
		*from = slices.Delete(*from, i, i+1)
		return s, nil
	}

	for _, id := range d.Remove {
		if _, err := take(&live, id, "live"); err != nil {
			return 0, err
		}
	}
	for _, id := range d.Quarantine {
		s, err := take(&live, id, "live")
		if err != nil {
			return 0, err
		}
		quarantined = append(quarantined, s)
	}
	for _, id := range d.Restore {
		s, err := take(&quarantined, id, "quarantined")
		if err != nil {
			return 0, err
		}
		live = append(live, s)
	}
	for _, id := range d.Drop {
		if _, err := take(&quarantined, id, "quarantined"); err != nil {
			return 0, err
		}
	}

	next := &Version{
		Num:           cur.Num + 1,
		FlushedSeq:    max(cur.FlushedSeq, d.FlushedSeq),
		NextSegmentID: max(cur.NextSegmentID, m.nextID.Load()),
		Schema:        cur.Schema,
	}
	if d.Schema != nil {
		next.Schema = *d.Schema
	}

	added := make([]*Segment, 0, len(d.Add))
	for _, sm := range d.Add {
		if _, ok := find(cur.Segments, sm.ID); ok {
			return 0, fmt.Errorf("%w: segment %d already live", dberrors.ErrInvalidArgument, sm.ID)
		}
		if _, ok := find(cur.Quarantined, sm.ID); ok {
			return 0, fmt.Errorf("%w: segment %d is quarantined", dberrors.ErrInvalidArgument, sm.ID)
		}
		added = append(added, &Segment{SegmentMeta: sm, m: m})
		next.NextSegmentID = max(next.NextSegmentID, sm.ID+1)
	}
	next.Segments = append(live, added...)
	next.Quarantined = quarantined
	sortSegments(next.Segments)
	sortSegments(next.Quarantined)

	if err := m.backend.Save(ctx, cur.Num, next.state()); err != nil {
		if err := m.reconcile(ctx, cur, next, err); err != nil {
			return 0, err
		}
	}

	// handles are only touched once the new state is durable
	for _, s := range next.Segments {
		s.ref()
	}
	for _, s := range next.Quarantined {
		s.ref()
	}
	next.refs.Store(1)
	m.current.Store(next)
	cur.Release()

	m.logger.Debug("manifest version installed",
		"version", next.Num,
		"added", len(d.Add),
		"removed", len(d.Remove),
		"segments", len(next.Segments),
		"flushed_seq", next.FlushedSeq)

	return next.Num, nil
}

// reconcile settles a failed save by reading back what the backend holds.
// A save can land and still report an error: when the stored state is the
// one being saved it is adopted and reconcile returns nil. A different
// newer state replaces the current version and the install fails with a
// conflict wrapping saveErr.
func (m *Manifest) reconcile(ctx context.Context, cur, next *Version, saveErr error) error {
	failed := fmt.Errorf("failed to persist manifest version %d: %w", next.Num, saveErr)

	stored, err := m.backend.Load(ctx)
	if err != nil {
		m.logger.Warn("failed to reload manifest after a failed save", "version", next.Num, "error", err)
		return failed
	}
	if stored == nil || stored.Num <= cur.Num {
		return failed
	}
	if stored.Num == next.Num && sameState(stored, next.state()) {
		m.logger.Warn("manifest version persisted despite a save error", "version", next.Num, "error", saveErr)
		return nil
	}

	v := m.build(stored, cur)
	m.bumpNextID(v.NextSegmentID)
	m.current.Store(v)
	cur.Release()

	m.logger.Warn("manifest reloaded after a failed save", "stored", stored.Num, "expected", next.Num)
	return fmt.Errorf("%w: reloaded stored version %d: %w", dberrors.ErrManifestConflict, stored.Num, saveErr)
}

func (m *Manifest) bumpNextID(n uint64) {
	for {
		cur := m.nextID.Load()
		if cur >= n || m.nextID.CompareAndSwap(cur, n) {
			return
		}
	}
}

func sameState(a, b *State) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

// Close drops the manifest's own reference to the current version.
// Segments still referenced only by the current version are not reported
// obsolete.
func (m *Manifest) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Swap(true) {
		return
	}
	m.current.Load().Release()
}
