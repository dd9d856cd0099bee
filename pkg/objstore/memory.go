package objstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/CyberFlameGO/ceresdb/pkg/dberrors"
)

// FaultFunc may fail an operation before it touches the store.
type FaultFunc func(op, path string) error

// Memory is an in-process store used by tests and ephemeral tables.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
	fault   FaultFunc
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Inject installs fn as the fault hook; nil removes it.
func (m *Memory) Inject(fn FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

func (m *Memory) check(op, path string) error {
	m.mu.RLock()
	fault := m.fault
	m.mu.RUnlock()
	if fault == nil {
		return nil
	}
	return classify(op, path, fault(op, path))
}

func (m *Memory) Put(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return classify("put", path, err)
	}
	if err := m.check("put", path); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("get", path, err)
	}
	if err := m.check("get", path); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[path]
	if !ok {
		return nil, classify("get", path, dberrors.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return classify("delete", path, err)
	}
	if err := m.check("delete", path); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("list", prefix, err)
	}
	if err := m.check("list", prefix); err != nil {
		return nil, err
	}

	dir := strings.TrimRight(prefix, "/") + "/"
	m.mu.RLock()
	defer m.mu.RUnlock()

	var paths []string
	for path := range m.objects {
		if rest, ok := strings.CutPrefix(path, dir); ok && !strings.Contains(rest, "/") {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (m *Memory) Move(ctx context.Context, from, to string) error {
	if err := ctx.Err(); err != nil {
		return classify("move", from, err)
	}
	if err := m.check("move", from); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[from]
	if !ok {
		return classify("move", from, dberrors.ErrNotFound)
	}
	m.objects[to] = data
	delete(m.objects, from)
	return nil
}

// Corrupt flips a byte of the stored object; it reports whether the object exists.
func (m *Memory) Corrupt(path string, offset int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[path]
	if !ok || len(data) == 0 {
		return false
	}
	if offset < 0 {
		offset += len(data)
	}
	data[offset%len(data)] ^= 0xff
	return true
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
