package memtable

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/CyberFlameGO/ceresdb/pkg/arena"
	"github.com/CyberFlameGO/ceresdb/pkg/dberrors"
	"github.com/CyberFlameGO/ceresdb/pkg/types"
)

func newTestMemtable() *Memtable {
	return New(1, arena.New(4<<10, 64), time.Now())
}

func put(key string, seq types.SeqN, value string) types.Entry {
	return types.Entry{Key: []byte(key), Seq: seq, Kind: types.KindPut, Value: []byte(value)}
}

func collect(t *testing.T, seq func(func(types.Entry, error) bool)) []types.Entry {
	t.Helper()
	var out []types.Entry
	for e, err := range seq {
		if err != nil {
			t.Fatalf("iteration failed: %v", err)
		}
		out = append(out, e)
	}
	return out
}

func TestMemtable_GetRespectsWatermark(t *testing.T) {
	mt := newTestMemtable()

	for _, e := range []types.Entry{put("k", 1, "v1"), put("k", 3, "v3"), put("k", 2, "v2")} {
		if err := mt.Insert(e); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	tests := []struct {
		watermark types.SeqN
		want      string
		found     bool
	}{
		{watermark: 0, found: false},
		{watermark: 1, want: "v1", found: true},
		{watermark: 2, want: "v2", found: true},
		{watermark: types.MaxSeqN, want: "v3", found: true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("watermark=%d", tt.watermark), func(t *testing.T) {
			e, ok, err := mt.Get([]byte("k"), tt.watermark)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if ok != tt.found {
				t.Fatalf("expected found=%v, got %v", tt.found, ok)
			}
			if ok && string(e.Value) != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, e.Value)
			}
		})
	}

	if mt.MinSeq() != 1 || mt.MaxSeq() != 3 || mt.Len() != 3 {
		t.Fatalf("unexpected stats: min=%d max=%d rows=%d", mt.MinSeq(), mt.MaxSeq(), mt.Len())
	}
}

func TestMemtable_ScanIsOrderedAndRestartable(t *testing.T) {
	mt := newTestMemtable()
	for i, k := range []string{"d", "a", "c", "b", "e"} {
		if err := mt.Insert(put(k, types.SeqN(i+1), k)); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if err := mt.Insert(types.Entry{Key: []byte("c"), Seq: 10, Kind: types.KindDelete}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	scan := mt.Scan(types.KeyRange{Start: []byte("b"), End: []byte("e")}, types.MaxSeqN)
	for round := 0; round < 2; round++ {
		got := collect(t, scan)
		if len(got) != 3 {
			t.Fatalf("round %d: expected 3 entries, got %d", round, len(got))
		}
		if string(got[0].Key) != "b" || string(got[1].Key) != "c" || string(got[2].Key) != "d" {
			t.Fatalf("round %d: unexpected order %q %q %q", round, got[0].Key, got[1].Key, got[2].Key)
		}
		if !got[1].IsTombstone() {
			t.Fatalf("round %d: expected tombstone for c", round)
		}
	}

	old := collect(t, mt.Scan(types.KeyRange{}, 3))
	if len(old) != 3 {
		t.Fatalf("expected 3 entries visible at seq 3, got %d", len(old))
	}

	all := collect(t, mt.Versions(types.KeyRange{}))
	if len(all) != 6 {
		t.Fatalf("expected 6 versions, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if types.Compare(all[i-1], all[i]) >= 0 {
			t.Fatalf("versions out of order at %d", i)
		}
	}
}

func TestMemtable_Freeze(t *testing.T) {
	mt := newTestMemtable()
	if err := mt.Insert(put("a", 1, "x")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if !mt.Freeze() {
		t.Fatal("first Freeze should succeed")
	}
	if mt.Freeze() {
		t.Fatal("second Freeze should report false")
	}
	if err := mt.Insert(put("b", 2, "y")); !errors.Is(err, dberrors.ErrFrozen) {
		t.Fatalf("expected ErrFrozen, got %v", err)
	}
	if _, ok, _ := mt.Get([]byte("a"), types.MaxSeqN); !ok {
		t.Fatal("frozen memtable must stay readable")
	}
}

func TestMemtable_ArenaExhausted(t *testing.T) {
	mt := New(1, arena.New(64, 2), time.Now())

	var err error
	for i := 0; i < 100 && err == nil; i++ {
		err = mt.Insert(put(fmt.Sprintf("key-%03d", i), types.SeqN(i+1), "0123456789"))
	}
	if !errors.Is(err, dberrors.ErrArenaExhausted) {
		t.Fatalf("expected ErrArenaExhausted, got %v", err)
	}
}

func TestMemtable_UnrefResetsArena(t *testing.T) {
	a := arena.New(1024, 4)
	mt := New(1, a, time.Now())
	if err := mt.Insert(put("a", 1, "value")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if !mt.Ref() {
		t.Fatal("Ref should succeed on a live memtable")
	}
	mt.Unref()
	if a.Used() == 0 {
		t.Fatal("arena released while still referenced")
	}

	mt.Unref()
	if a.Used() != 0 {
		t.Fatal("arena should be reset after the last reference")
	}
	if mt.Ref() {
		t.Fatal("Ref must fail after release")
	}
	if _, _, err := mt.Get([]byte("a"), types.MaxSeqN); !errors.Is(err, arena.ErrStaleHandle) {
		t.Fatalf("expected stale handle after release, got %v", err)
	}
}

func TestMemtable_ConcurrentInsert(t *testing.T) {
	mt := New(1, arena.New(64<<10, 64), time.Now())

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				seq := types.SeqN(w*1000 + i + 1)
				if err := mt.Insert(put(fmt.Sprintf("k%03d", i), seq, "v")); err != nil {
					t.Errorf("Insert failed: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if mt.Len() != 1600 {
		t.Fatalf("expected 1600 rows, got %d", mt.Len())
	}
	latest := collect(t, mt.Scan(types.KeyRange{}, types.MaxSeqN))
	if len(latest) != 200 {
		t.Fatalf("expected 200 keys, got %d", len(latest))
	}
	for _, e := range latest {
		if e.Seq < 7000 {
			t.Fatalf("key %s: expected newest version, got seq %d", e.Key, e.Seq)
		}
	}
}

func TestSet_RotateAndSnapshot(t *testing.T) {
	var id uint64
	set := NewSet(func() *Memtable {
		id++
		return New(id, arena.New(1024, 8), time.Now())
	})

	first := set.Active()
	if err := first.Insert(put("a", 1, "x")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if frozen := set.Rotate(first); frozen != first {
		t.Fatal("Rotate should freeze the active memtable")
	}
	if set.Rotate(first) != nil {
		t.Fatal("second Rotate of the same table must be a no-op")
	}
	if set.Active() == first || set.NumImmutables() != 1 {
		t.Fatal("expected a fresh active memtable and one immutable")
	}

	tables, release := set.Snapshot()
	if len(tables) != 2 || tables[1] != first {
		t.Fatalf("snapshot should hold active then immutable, got %d tables", len(tables))
	}

	set.Remove(first)
	if set.NumImmutables() != 0 {
		t.Fatal("Remove should drop the immutable")
	}
	// still pinned by the snapshot
	if _, ok, err := first.Get([]byte("a"), types.MaxSeqN); err != nil || !ok {
		t.Fatalf("pinned memtable should be readable: %v", err)
	}
	release()
	if _, _, err := first.Get([]byte("a"), types.MaxSeqN); !errors.Is(err, arena.ErrStaleHandle) {
		t.Fatalf("expected stale handle after release, got %v", err)
	}
}
