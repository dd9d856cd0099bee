package objstore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/CyberFlameGO/ceresdb/pkg/dberrors"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
	_ "github.com/viant/afsc/gs"
	_ "github.com/viant/afsc/s3"
)

// afsStore keeps objects under baseURL through an afs.Service; file://,
// gs:// and s3:// locations all go through the same code.
type afsStore struct {
	fs      afs.Service
	baseURL string
	timeout time.Duration
	// localDir is set for file:// stores, which need an fsync after writes.
	localDir string
}

// NewLocal stores objects in a local directory.
func NewLocal(dir string, timeout time.Duration) (Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty object store path")
	}
	abs, err := filepath.Abs(filepath.Clean(dir))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve object store path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create object store directory: %w", err)
	}

	return &afsStore{
		fs:       afs.New(),
		baseURL:  file.Scheme + "://" + filepath.ToSlash(abs),
		timeout:  timeout,
		localDir: abs,
	}, nil
}

// NewBlob stores objects under a gs:// or s3:// URL.
func NewBlob(baseURL string, timeout time.Duration) (Store, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("empty blob store url")
	}
	if !strings.Contains(baseURL, "://") {
		return nil, fmt.Errorf("blob store url %q has no scheme", baseURL)
	}
	return &afsStore{
		fs:      afs.New(),
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
	}, nil
}

func (s *afsStore) url(path string) string {
	return url.Join(s.baseURL, path)
}

func (s *afsStore) Put(ctx context.Context, path string, data []byte) error {
	return withTimeout(ctx, s.timeout, "put", path, func(ctx context.Context) error {
		return s.fs.Upload(ctx, s.url(path), file.DefaultFileOsMode, bytes.NewReader(data))
	})
}

func (s *afsStore) Get(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := withTimeout(ctx, s.timeout, "get", path, func(ctx context.Context) error {
		var err error
		data, err = s.fs.DownloadWithURL(ctx, s.url(path))
		if err == nil {
			return nil
		}
		if exists, exErr := s.fs.Exists(ctx, s.url(path)); exErr == nil && !exists {
			return dberrors.ErrNotFound
		}
		return err
	})
	return data, err
}

func (s *afsStore) Delete(ctx context.Context, path string) error {
	return withTimeout(ctx, s.timeout, "delete", path, func(ctx context.Context) error {
		exists, err := s.fs.Exists(ctx, s.url(path))
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}
		return s.fs.Delete(ctx, s.url(path))
	})
}

func (s *afsStore) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	err := withTimeout(ctx, s.timeout, "list", prefix, func(ctx context.Context) error {
		dirURL := s.url(prefix)
		exists, err := s.fs.Exists(ctx, dirURL)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}
		objects, err := s.fs.List(ctx, dirURL)
		if err != nil {
			return err
		}
		for _, object := range objects {
			if object.IsDir() {
				continue
			}
			paths = append(paths, Join(prefix, object.Name()))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(paths)
	return paths, nil
}

// Move uses the backend rename (or server-side copy) when available.
func (s *afsStore) Move(ctx context.Context, from, to string) error {
	return withTimeout(ctx, s.timeout, "move", from, func(ctx context.Context) error {
		return s.fs.Move(ctx, s.url(from), s.url(to))
	})
}

// Sync flushes a local object and its directory entry to disk. Blob PUTs
// are durable once acknowledged, so there is nothing to do for them.
func (s *afsStore) Sync(ctx context.Context, path string) error {
	if s.localDir == "" {
		return nil
	}
	name := filepath.Join(s.localDir, filepath.FromSlash(path))
	return withTimeout(ctx, s.timeout, "sync", path, func(context.Context) error {
		if err := syncPath(name); err != nil {
			return err
		}
		return syncPath(filepath.Dir(name))
	})
}

func syncPath(name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
