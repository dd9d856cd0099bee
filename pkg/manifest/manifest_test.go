package manifest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/CyberFlameGO/ceresdb/pkg/dberrors"
	"github.com/CyberFlameGO/ceresdb/pkg/objstore"
	"github.com/CyberFlameGO/ceresdb/pkg/schema"
	"github.com/CyberFlameGO/ceresdb/pkg/sst"
	"github.com/go-zookeeper/zk"
)

func testSchema(t *testing.T) schema.Schema {
	t.Helper()
	s, err := schema.NewBuilder().
		AutoIncrementColumnID(true).
		AddKeyColumn(schema.ColumnSchema{Name: "ts", Kind: schema.KindTimestamp}).
		AddNormalColumn(schema.ColumnSchema{Name: "v", Kind: schema.KindDouble}).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return s
}

func seg(id uint64, minKey, maxKey string) SegmentMeta {
	return SegmentMeta{
		ID:   id,
		Path: fmt.Sprintf("t/sst/%020d.sst", id),
		Meta: sst.MetaData{MinKey: []byte(minKey), MaxKey: []byte(maxKey), RowNum: 1, Size: 100},
	}
}

type obsoleteLog struct {
	mu  sync.Mutex
	ids []uint64
}

func (l *obsoleteLog) add(sm SegmentMeta) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, sm.ID)
}

func (l *obsoleteLog) get() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.ids)
}

func openManifest(t *testing.T, backend Backend) (*Manifest, *obsoleteLog) {
	t.Helper()
	log := &obsoleteLog{}
	m, err := Open(context.Background(), backend, testSchema(t), Options{OnObsolete: log.add})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return m, log
}

func ids(segs []*Segment) []uint64 {
	out := make([]uint64, len(segs))
	for i, s := range segs {
		out[i] = s.ID
	}
	return out
}

func TestManifest_InstallAndReload(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemory()
	backend := NewObjectBackend(store, "t/manifest", 2, nil)
	m, _ := openManifest(t, backend)

	a, b := m.AllocSegmentID(), m.AllocSegmentID()
	if a != 1 || b != 2 {
		t.Fatalf("unexpected segment ids %d, %d", a, b)
	}

	num, err := m.Install(ctx, 0, Delta{Add: []SegmentMeta{seg(a, "a", "c")}, FlushedSeq: 10})
	if err != nil || num != 1 {
		t.Fatalf("Install returned %d, %v", num, err)
	}
	if _, err := m.Apply(ctx, Delta{Add: []SegmentMeta{seg(b, "d", "f")}, FlushedSeq: 5}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	v := m.Acquire()
	if v.Num != 2 || v.FlushedSeq != 10 || !slices.Equal(ids(v.Segments), []uint64{1, 2}) {
		t.Fatalf("unexpected version %d flushed=%d segments=%v", v.Num, v.FlushedSeq, ids(v.Segments))
	}
	v.Release()

	// only the newest two versions are kept
	paths, err := store.List(ctx, "t/manifest")
	if err != nil || len(paths) != 2 {
		t.Fatalf("expected 2 manifest objects, got %v, %v", paths, err)
	}

	reopened, _ := openManifest(t, NewObjectBackend(store, "t/manifest", 2, nil))
	rv := reopened.Acquire()
	defer rv.Release()
	if rv.Num != 2 || rv.FlushedSeq != 10 || !slices.Equal(ids(rv.Segments), []uint64{1, 2}) {
		t.Fatalf("reloaded version differs: %d %d %v", rv.Num, rv.FlushedSeq, ids(rv.Segments))
	}
	if got := reopened.AllocSegmentID(); got != 3 {
		t.Fatalf("expected next segment id 3 after reload, got %d", got)
	}
	if !rv.Schema.Equal(&v.Schema) {
		t.Fatal("schema was not persisted")
	}
}

func TestManifest_Conflicts(t *testing.T) {
	ctx := context.Background()
	m, _ := openManifest(t, NewObjectBackend(objstore.NewMemory(), "t/manifest", 2, nil))

	if _, err := m.Install(ctx, 0, Delta{Add: []SegmentMeta{seg(1, "a", "b")}}); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	tests := []struct {
		name string
		base uint64
		d    Delta
		want error
	}{
		{name: "stale base", base: 0, d: Delta{Add: []SegmentMeta{seg(2, "a", "b")}}, want: dberrors.ErrManifestConflict},
		{name: "remove unknown", base: 1, d: Delta{Remove: []uint64{9}}, want: dberrors.ErrManifestConflict},
		{name: "restore live", base: 1, d: Delta{Restore: []uint64{1}}, want: dberrors.ErrManifestConflict},
		{name: "duplicate add", base: 1, d: Delta{Add: []SegmentMeta{seg(1, "a", "b")}}, want: dberrors.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Install(ctx, tt.base, tt.d)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if m.Num() != 1 {
				t.Fatalf("failed install changed the version to %d", m.Num())
			}
		})
	}
}

func TestManifest_SaveFailureIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemory()
	m, obsolete := openManifest(t, NewObjectBackend(store, "t/manifest", 2, nil))

	if _, err := m.Install(ctx, 0, Delta{Add: []SegmentMeta{seg(1, "a", "b")}}); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	store.Inject(func(op, path string) error {
		if op == "put" {
			return errors.New("unavailable")
		}
		return nil
	})
	if _, err := m.Install(ctx, 1, Delta{Remove: []uint64{1}}); !errors.Is(err, dberrors.ErrIO) {
		t.Fatalf("expected io error, got %v", err)
	}
	store.Inject(nil)

	v := m.Acquire()
	defer v.Release()
	if v.Num != 1 || len(v.Segments) != 1 {
		t.Fatalf("failed install leaked into version %d with %v", v.Num, ids(v.Segments))
	}
	if len(obsolete.get()) != 0 {
		t.Fatalf("segments reported obsolete after a failed install: %v", obsolete.get())
	}
}

func TestManifest_ObsoleteAfterLastRelease(t *testing.T) {
	ctx := context.Background()
	m, obsolete := openManifest(t, NewObjectBackend(objstore.NewMemory(), "t/manifest", 2, nil))

	if _, err := m.Install(ctx, 0, Delta{Add: []SegmentMeta{seg(1, "a", "c"), seg(2, "b", "d")}}); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	reader := m.Acquire()
	if _, err := m.Install(ctx, 1, Delta{Remove: []uint64{1, 2}, Add: []SegmentMeta{seg(3, "a", "d")}}); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if len(obsolete.get()) != 0 {
		t.Fatalf("inputs deleted while a reader holds them: %v", obsolete.get())
	}

	reader.Release()
	got := obsolete.get()
	slices.Sort(got)
	if !slices.Equal(got, []uint64{1, 2}) {
		t.Fatalf("expected segments 1 and 2 obsolete, got %v", got)
	}
}

func TestManifest_Quarantine(t *testing.T) {
	ctx := context.Background()
	m, obsolete := openManifest(t, NewObjectBackend(objstore.NewMemory(), "t/manifest", 2, nil))

	if _, err := m.Apply(ctx, Delta{Add: []SegmentMeta{seg(1, "a", "c"), seg(2, "d", "f")}}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if _, err := m.Apply(ctx, Delta{Quarantine: []uint64{1, 2}}); err != nil {
		t.Fatalf("quarantine failed: %v", err)
	}

	v := m.Acquire()
	if len(v.Segments) != 0 || !slices.Equal(ids(v.Quarantined), []uint64{1, 2}) {
		t.Fatalf("unexpected sets live=%v quarantined=%v", ids(v.Segments), ids(v.Quarantined))
	}
	v.Release()

	if _, err := m.Apply(ctx, Delta{Restore: []uint64{1}, Drop: []uint64{2}}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	v = m.Acquire()
	defer v.Release()
	if _, ok := v.Segment(1); !ok || len(v.Quarantined) != 0 {
		t.Fatalf("segment 1 should be live again, quarantine empty: %v", ids(v.Quarantined))
	}
	if !slices.Equal(obsolete.get(), []uint64{2}) {
		t.Fatalf("dropped segment should become obsolete, got %v", obsolete.get())
	}
}

func TestObjectBackend_SkipsUndecodableVersion(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemory()
	m, _ := openManifest(t, NewObjectBackend(store, "t/manifest", 3, nil))
	for i := uint64(1); i <= 2; i++ {
		if _, err := m.Apply(ctx, Delta{Add: []SegmentMeta{seg(i, "a", "b")}}); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
	}
	if err := store.Put(ctx, "t/manifest/MANIFEST-00000000000000000002", []byte("{garbage")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	backend := NewObjectBackend(store, "t/manifest", 3, nil)
	reopened, _ := openManifest(t, backend)
	if reopened.Num() != 1 {
		t.Fatalf("expected fallback to version 1, got %d", reopened.Num())
	}
	if _, err := reopened.Apply(ctx, Delta{FlushedSeq: 7}); err != nil {
		t.Fatalf("Apply over an undecodable version failed: %v", err)
	}
}

// landingMoves finishes every move but reports it failed, and rejects
// direct uploads of final objects, so Commit errors after the object landed.
type landingMoves struct {
	*objstore.Memory
}

func (s landingMoves) Put(ctx context.Context, path string, data []byte) error {
	if !objstore.IsTmp(path) {
		return &dberrors.IOError{Op: "put", Path: path, Retryable: true, Err: errors.New("connection reset")}
	}
	return s.Memory.Put(ctx, path, data)
}

func (s landingMoves) Move(ctx context.Context, from, to string) error {
	if err := s.Memory.Move(ctx, from, to); err != nil {
		return err
	}
	return &dberrors.IOError{Op: "move", Path: from, Retryable: true, Err: errors.New("connection reset")}
}

func TestManifest_AdoptsSaveThatLanded(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemory()
	m, obsolete := openManifest(t, NewObjectBackend(landingMoves{store}, "t/manifest", 2, nil))

	if _, err := m.Apply(ctx, Delta{Add: []SegmentMeta{seg(1, "a", "b")}}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if _, err := m.Apply(ctx, Delta{Add: []SegmentMeta{seg(2, "c", "d")}}); err != nil {
		t.Fatalf("Apply after a landed save failed: %v", err)
	}
	if _, err := m.Apply(ctx, Delta{Remove: []uint64{1}, FlushedSeq: 9}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if m.Num() != 3 || !slices.Equal(obsolete.get(), []uint64{1}) {
		t.Fatalf("unexpected version %d, obsolete %v", m.Num(), obsolete.get())
	}

	reopened, _ := openManifest(t, NewObjectBackend(store, "t/manifest", 2, nil))
	v := reopened.Acquire()
	defer v.Release()
	if v.Num != 3 || v.FlushedSeq != 9 || !slices.Equal(ids(v.Segments), []uint64{2}) {
		t.Fatalf("reloaded version differs: %d %d %v", v.Num, v.FlushedSeq, ids(v.Segments))
	}
}

type fakeZK struct {
	mu    sync.Mutex
	nodes map[string][]byte
	vers  map[string]int32
	// lost makes Set land and then report a dropped connection
	lost bool
}

func newFakeZK() *fakeZK {
	return &fakeZK{nodes: map[string][]byte{}, vers: map[string]int32{}}
}

func (f *fakeZK) Get(path string) ([]byte, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.nodes[path]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return data, &zk.Stat{Version: f.vers[path]}, nil
}

func (f *fakeZK) Set(path string, data []byte, version int32) (*zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[path]; !ok {
		return nil, zk.ErrNoNode
	}
	if f.vers[path] != version {
		return nil, zk.ErrBadVersion
	}
	f.nodes[path] = data
	f.vers[path]++
	if f.lost {
		return nil, zk.ErrConnectionClosed
	}
	return &zk.Stat{Version: f.vers[path]}, nil
}

func (f *fakeZK) Create(path string, data []byte, _ int32, _ []zk.ACL) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[path]; ok {
		return "", zk.ErrNodeExists
	}
	f.nodes[path] = data
	f.vers[path] = 0
	return path, nil
}

func (f *fakeZK) Exists(path string) (bool, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.nodes[path]
	return ok, &zk.Stat{Version: f.vers[path]}, nil
}

func TestZKBackend_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	conn := newFakeZK()

	m1, obsolete := openManifest(t, NewZKBackend(conn, "/ceresdb/t/manifest"))
	if _, err := m1.Apply(ctx, Delta{Add: []SegmentMeta{seg(1, "a", "b")}}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if _, ok := conn.nodes["/ceresdb/t"]; !ok {
		t.Fatal("parent nodes were not created")
	}

	// a second process opens the same table and moves it forward
	m2, _ := openManifest(t, NewZKBackend(conn, "/ceresdb/t/manifest"))
	if m2.Num() != 1 {
		t.Fatalf("second manifest sees version %d", m2.Num())
	}
	if _, err := m2.Apply(ctx, Delta{Remove: []uint64{1}, Add: []SegmentMeta{seg(2, "c", "d")}}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	_, err := m1.Apply(ctx, Delta{Add: []SegmentMeta{seg(3, "e", "f")}})
	if !errors.Is(err, dberrors.ErrManifestConflict) {
		t.Fatalf("expected conflict from stale znode version, got %v", err)
	}

	// the losing side picks up the stored state and can go on
	v := m1.Acquire()
	if v.Num != 2 || !slices.Equal(ids(v.Segments), []uint64{2}) {
		t.Fatalf("expected stored version 2 with segment 2, got %d %v", v.Num, ids(v.Segments))
	}
	v.Release()
	if !slices.Equal(obsolete.get(), []uint64{1}) {
		t.Fatalf("expected segment 1 obsolete after reload, got %v", obsolete.get())
	}
	if num, err := m1.Apply(ctx, Delta{Add: []SegmentMeta{seg(3, "e", "f")}}); err != nil || num != 3 {
		t.Fatalf("Apply after reload returned %d, %v", num, err)
	}
}

func TestZKBackend_WriteLandsDespiteError(t *testing.T) {
	ctx := context.Background()
	conn := newFakeZK()

	m, _ := openManifest(t, NewZKBackend(conn, "/ceresdb/t/manifest"))
	if _, err := m.Apply(ctx, Delta{Add: []SegmentMeta{seg(1, "a", "b")}}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	conn.lost = true
	for i := uint64(2); i <= 3; i++ {
		num, err := m.Apply(ctx, Delta{Add: []SegmentMeta{seg(i, "a", "b")}})
		if err != nil || num != i {
			t.Fatalf("Apply %d returned %d, %v", i, num, err)
		}
	}

	conn.lost = false
	reopened, _ := openManifest(t, NewZKBackend(conn, "/ceresdb/t/manifest"))
	if reopened.Num() != 3 {
		t.Fatalf("expected stored version 3, got %d", reopened.Num())
	}
}
