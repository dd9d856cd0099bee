package objstore

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/CyberFlameGO/ceresdb/pkg/dberrors"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	local, err := NewLocal(t.TempDir(), time.Second)
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	return map[string]Store{
		"memory": NewMemory(),
		"local":  local,
	}
}

func TestStore_Basics(t *testing.T) {
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Put(ctx, "t1/sst/00000000000000000002.sst", []byte("two")); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			if err := s.Put(ctx, "t1/sst/00000000000000000001.sst", []byte("one")); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			if err := s.Put(ctx, "t1/wal/00000000000000000001-00000000000000000003.wal", []byte("w")); err != nil {
				t.Fatalf("Put failed: %v", err)
			}

			data, err := s.Get(ctx, "t1/sst/00000000000000000001.sst")
			if err != nil || string(data) != "one" {
				t.Fatalf("Get returned %q, %v", data, err)
			}

			paths, err := s.List(ctx, "t1/sst")
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			want := []string{"t1/sst/00000000000000000001.sst", "t1/sst/00000000000000000002.sst"}
			if strings.Join(paths, ",") != strings.Join(want, ",") {
				t.Fatalf("List returned %v, want %v", paths, want)
			}

			empty, err := s.List(ctx, "t2/sst")
			if err != nil || len(empty) != 0 {
				t.Fatalf("List of missing prefix returned %v, %v", empty, err)
			}

			if err := s.Delete(ctx, "t1/sst/00000000000000000001.sst"); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}
			if err := s.Delete(ctx, "t1/sst/00000000000000000001.sst"); err != nil {
				t.Fatalf("second Delete should be a no-op, got %v", err)
			}
			if _, err := s.Get(ctx, "t1/sst/00000000000000000001.sst"); !errors.Is(err, dberrors.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestCommit(t *testing.T) {
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := Commit(ctx, s, "t/sst/1.sst", []byte("payload")); err != nil {
				t.Fatalf("Commit failed: %v", err)
			}
			paths, err := s.List(ctx, "t/sst")
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(paths) != 1 || paths[0] != "t/sst/1.sst" {
				t.Fatalf("expected only the final object, got %v", paths)
			}
		})
	}
}

func TestMemory_Faults(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	m.Inject(func(op, path string) error {
		if op == "put" {
			return errors.New("connection reset")
		}
		return nil
	})

	err := m.Put(ctx, "a", []byte("x"))
	if !errors.Is(err, dberrors.ErrIO) || !dberrors.IsRetryable(err) {
		t.Fatalf("expected retryable io error, got %v", err)
	}

	m.Inject(func(op, path string) error { return os.ErrPermission })
	err = m.Put(ctx, "a", []byte("x"))
	if !errors.Is(err, dberrors.ErrIO) || dberrors.IsRetryable(err) {
		t.Fatalf("expected permanent io error, got %v", err)
	}

	m.Inject(nil)
	if err := m.Put(ctx, "a", []byte("x")); err != nil {
		t.Fatalf("Put after clearing faults failed: %v", err)
	}
}

func TestWithTimeout(t *testing.T) {
	err := withTimeout(context.Background(), 10*time.Millisecond, "get", "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	var ioErr *dberrors.IOError
	if !errors.As(err, &ioErr) || !ioErr.Retryable {
		t.Fatalf("expected retryable io error on timeout, got %v", err)
	}
}

// syncRecorder logs the order of mutating calls made on a memory store.
type syncRecorder struct {
	*Memory
	calls []string
}

func (r *syncRecorder) Put(ctx context.Context, path string, data []byte) error {
	r.calls = append(r.calls, "put "+strings.TrimPrefix(path, "t/"))
	return r.Memory.Put(ctx, path, data)
}

func (r *syncRecorder) Move(ctx context.Context, from, to string) error {
	r.calls = append(r.calls, "move")
	return r.Memory.Move(ctx, from, to)
}

func (r *syncRecorder) Sync(_ context.Context, path string) error {
	if IsTmp(path) {
		r.calls = append(r.calls, "sync tmp")
	} else {
		r.calls = append(r.calls, "sync "+strings.TrimPrefix(path, "t/"))
	}
	return nil
}

func TestCommit_SyncsBeforeAndAfterMove(t *testing.T) {
	r := &syncRecorder{Memory: NewMemory()}

	if err := Commit(context.Background(), r, "t/obj", []byte("x")); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	got := strings.Join(r.calls, ",")
	if !strings.HasPrefix(got, "put obj.tmp-") || !strings.HasSuffix(got, ",sync tmp,move,sync obj") {
		t.Fatalf("unexpected call order %s", got)
	}
}

func TestCommit_LocalIsSynced(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewLocal(dir, time.Second)
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	if _, ok := s.(Syncer); !ok {
		t.Fatalf("local store does not sync")
	}

	if err := Commit(ctx, s, "t/wal/1.wal", []byte("payload")); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := s.(Syncer).Sync(ctx, "t/wal/1.wal"); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	data, err := os.ReadFile(dir + "/t/wal/1.wal")
	if err != nil || string(data) != "payload" {
		t.Fatalf("expected payload on disk, got %q, %v", data, err)
	}

	if err := s.(Syncer).Sync(ctx, "t/wal/missing.wal"); !errors.Is(err, dberrors.ErrIO) {
		t.Fatalf("expected io error syncing a missing object, got %v", err)
	}
}

func TestBlob_SyncIsNoop(t *testing.T) {
	s, err := NewBlob("s3://bucket/prefix", time.Second)
	if err != nil {
		t.Fatalf("NewBlob failed: %v", err)
	}
	if err := s.(Syncer).Sync(context.Background(), "t/wal/1.wal"); err != nil {
		t.Fatalf("expected no-op sync, got %v", err)
	}
}
