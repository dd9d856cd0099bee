package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/CyberFlameGO/ceresdb/pkg/dberrors"
	"github.com/go-zookeeper/zk"
)

// zkConn is the part of *zk.Conn the backend needs.
type zkConn interface {
	Get(path string) ([]byte, *zk.Stat, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Exists(path string) (bool, *zk.Stat, error)
}

// ZKBackend stores the current state in a single znode. The znode version
// is the compare-and-swap token, so several processes can share a table
// without overwriting each other.
type ZKBackend struct {
	conn zkConn
	path string

	mu      sync.Mutex
	version int32 // -1 until the node exists
	num     uint64
	close   func()
}

// DialZK connects to the ensemble and waits for a session.
func DialZK(servers []string, root, table string, timeout time.Duration) (*ZKBackend, error) {
	conn, _, err := zk.Connect(servers, timeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	if err := waitConnected(conn, 2*timeout); err != nil {
		conn.Close()
		return nil, err
	}

	b := NewZKBackend(conn, path.Join(root, table, "manifest"))
	b.close = conn.Close
	return b, nil
}

func NewZKBackend(conn zkConn, nodePath string) *ZKBackend {
	return &ZKBackend{conn: conn, path: nodePath, version: -1, close: func() {}}
}

func (b *ZKBackend) Close() { b.close() }

func waitConnected(conn *zk.Conn, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func (b *ZKBackend) ensureParent() error {
	cur := ""
	for _, p := range strings.Split(path.Dir(b.path), "/") {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := b.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = b.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

func (b *ZKBackend) Load(ctx context.Context) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	data, stat, err := b.conn.Get(b.path)
	if errors.Is(err, zk.ErrNoNode) {
		b.version = -1
		return nil, nil
	}
	if err != nil {
		return nil, &dberrors.IOError{Op: "zk get", Path: b.path, Retryable: true, Err: err}
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, &dberrors.CorruptionError{Path: b.path, Reason: err.Error()}
	}
	b.version = stat.Version
	b.num = st.Num

	return &st, nil
}

func (b *ZKBackend) Save(ctx context.Context, prev uint64, st *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.version >= 0 && b.num != prev {
		return fmt.Errorf("%w: stored version %d, expected %d", dberrors.ErrManifestConflict, b.num, prev)
	}

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	if b.version < 0 {
		if err := b.ensureParent(); err != nil {
			return &dberrors.IOError{Op: "zk create", Path: b.path, Retryable: true, Err: err}
		}
		_, err := b.conn.Create(b.path, data, 0, zk.WorldACL(zk.PermAll))
		switch {
		case errors.Is(err, zk.ErrNodeExists):
			return fmt.Errorf("%w: manifest node created concurrently", dberrors.ErrManifestConflict)
		case err != nil:
			return &dberrors.IOError{Op: "zk create", Path: b.path, Retryable: true, Err: err}
		}
		b.version = 0
		b.num = st.Num
		return nil
	}

	stat, err := b.conn.Set(b.path, data, b.version)
	switch {
	case errors.Is(err, zk.ErrBadVersion):
		return fmt.Errorf("%w: manifest node changed by another writer", dberrors.ErrManifestConflict)
	case err != nil:
		return &dberrors.IOError{Op: "zk set", Path: b.path, Retryable: true, Err: err}
	}
	b.version = stat.Version
	b.num = st.Num

	return nil
}
