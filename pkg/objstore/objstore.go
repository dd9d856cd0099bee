package objstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/CyberFlameGO/ceresdb/pkg/dberrors"
	"github.com/google/uuid"
)

const DefaultOpTimeout = 30 * time.Second

// Store is the durable storage backend shared by every table.
type Store interface {
	Put(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
	// List returns the paths of the objects directly under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Mover is implemented by stores that can rename an object in place.
type Mover interface {
	Move(ctx context.Context, from, to string) error
}

// Syncer is implemented by stores whose writes are not durable until
// flushed. Sync makes the object at path and its name durable. Stores
// without it are durable once Put returns.
type Syncer interface {
	Sync(ctx context.Context, path string) error
}

func syncObject(ctx context.Context, s Store, path string) error {
	if sy, ok := s.(Syncer); ok {
		return sy.Sync(ctx, path)
	}
	return nil
}

type Config struct {
	Kind      string        `yaml:"kind"`
	Path      string        `yaml:"path"`
	URL       string        `yaml:"url"`
	OpTimeout time.Duration `yaml:"op_timeout"`
}

// Open builds the configured store once; the result is shared read-only.
func Open(cfg Config) (Store, error) {
	timeout := cfg.OpTimeout
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}

	switch cfg.Kind {
	case "", "local":
		return NewLocal(cfg.Path, timeout)
	case "blob":
		return NewBlob(cfg.URL, timeout)
	case "memory":
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown object store kind %q", cfg.Kind)
}

// Join builds an object path out of segments.
func Join(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return strings.Join(cleaned, "/")
}

// TmpPath is where an object is staged before Commit finalizes it.
func TmpPath(final string) string {
	return final + ".tmp-" + uuid.NewString()
}

func IsTmp(path string) bool {
	return strings.Contains(path, ".tmp-")
}

// Commit stages data under a temporary name and then finalizes it. The
// object is durable when Commit returns nil. An error means the final
// object may or may not exist.
func Commit(ctx context.Context, s Store, final string, data []byte) error {
	tmp := TmpPath(final)
	if err := s.Put(ctx, tmp, data); err != nil {
		return fmt.Errorf("failed to upload temp object: %w", err)
	}

	if mv, ok := s.(Mover); ok {
		err := syncObject(ctx, s, tmp)
		if err == nil {
			err = mv.Move(ctx, tmp, final)
		}
		if err == nil {
			// the rename itself lives in the parent directory
			if err := syncObject(ctx, s, final); err != nil {
				return fmt.Errorf("failed to sync object: %w", err)
			}
			return nil
		}
		slog.Warn("failed to move object, uploading directly", "from", tmp, "to", final, "error", err)
	}

	// fallback: upload to final, then delete temp
	err := s.Put(ctx, final, data)
	if err == nil {
		err = syncObject(ctx, s, final)
	}
	if err != nil {
		if derr := s.Delete(ctx, tmp); derr != nil {
			slog.Warn("failed to delete temp object", "path", tmp, "error", derr)
		}
		return fmt.Errorf("failed to upload object: %w", err)
	}
	if err := s.Delete(ctx, tmp); err != nil {
		slog.Warn("failed to delete temp object", "path", tmp, "error", err)
	}

	return nil
}

// classify turns a backend error into the engine error taxonomy.
func classify(op, path string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, dberrors.ErrNotFound):
		return fmt.Errorf("%s %s: %w", op, path, err)
	case errors.Is(err, context.Canceled):
		return &dberrors.IOError{Op: op, Path: path, Retryable: false, Err: err}
	case errors.Is(err, os.ErrPermission):
		return &dberrors.IOError{Op: op, Path: path, Retryable: false, Err: err}
	}
	return &dberrors.IOError{Op: op, Path: path, Retryable: true, Err: err}
}

// withTimeout runs fn under the per-operation deadline.
func withTimeout(ctx context.Context, timeout time.Duration, op, path string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return classify(op, path, fn(ctx))
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &dberrors.IOError{Op: op, Path: path, Retryable: true, Err: context.DeadlineExceeded}
	}
	return classify(op, path, err)
}
