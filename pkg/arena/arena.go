package arena

import (
	"errors"
	"fmt"
	"sync"

	"github.com/CyberFlameGO/ceresdb/pkg/dberrors"
)

var (
	ErrStaleHandle = errors.New("arena: stale handle")
	ErrBadHandle   = errors.New("arena: handle out of range")
)

// Handle addresses bytes inside an arena generation.
type Handle struct {
	gen   uint32
	block uint32
	off   uint32
	n     uint32
}

func (h Handle) Len() int { return int(h.n) }

// Arena is a bump allocator over fixed-size blocks. Memory is only
// reclaimed all at once by Reset.
type Arena struct {
	mu        sync.RWMutex
	blockSize int
	maxBlocks int

	blocks [][]byte
	// index of the block being bumped, -1 before the first allocation
	cur  int
	off  int
	gen  uint32
	used int
}

func New(blockSize, maxBlocks int) *Arena {
	if blockSize <= 0 {
		blockSize = 64 << 10
	}
	if maxBlocks <= 0 {
		maxBlocks = 1
	}
	return &Arena{
		blockSize: blockSize,
		maxBlocks: maxBlocks,
		cur:       -1,
	}
}

// Allocate reserves size bytes and returns the handle with its writable backing slice.
func (a *Arena) Allocate(size int) (Handle, []byte, error) {
	if size < 0 {
		return Handle{}, nil, fmt.Errorf("negative allocation: %d", size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return Handle{gen: a.gen}, nil, nil
	}

	// oversize allocations take a dedicated block
	if size > a.blockSize {
		if len(a.blocks) >= a.maxBlocks {
			return Handle{}, nil, dberrors.ErrArenaExhausted
		}
		buf := make([]byte, size)
		a.blocks = append(a.blocks, buf)
		a.used += size
		return Handle{gen: a.gen, block: uint32(len(a.blocks) - 1), n: uint32(size)}, buf, nil
	}

	if a.cur < 0 || a.off+size > a.blockSize {
		if len(a.blocks) >= a.maxBlocks {
			return Handle{}, nil, dberrors.ErrArenaExhausted
		}
		a.blocks = append(a.blocks, make([]byte, a.blockSize))
		a.cur = len(a.blocks) - 1
		a.off = 0
	}

	h := Handle{gen: a.gen, block: uint32(a.cur), off: uint32(a.off), n: uint32(size)}
	buf := a.blocks[a.cur][a.off : a.off+size : a.off+size]
	a.off += size
	a.used += size

	return h, buf, nil
}

// Copy allocates len(src) bytes and copies src into them.
func (a *Arena) Copy(src []byte) (Handle, []byte, error) {
	h, buf, err := a.Allocate(len(src))
	if err != nil {
		return Handle{}, nil, err
	}
	copy(buf, src)
	return h, buf, nil
}

// Bytes resolves h. Handles from a previous generation are rejected.
func (a *Arena) Bytes(h Handle) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if h.gen != a.gen {
		return nil, ErrStaleHandle
	}
	if h.n == 0 {
		return nil, nil
	}
	if int(h.block) >= len(a.blocks) {
		return nil, ErrBadHandle
	}
	blk := a.blocks[h.block]
	end := int(h.off) + int(h.n)
	if end > len(blk) {
		return nil, ErrBadHandle
	}

	return blk[h.off:end:end], nil
}

// Reset releases every block and invalidates all outstanding handles.
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.blocks = nil
	a.cur = -1
	a.off = 0
	a.used = 0
	a.gen++
}

func (a *Arena) Used() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.used
}

// Capacity is the byte budget of the arena.
func (a *Arena) Capacity() int {
	return a.blockSize * a.maxBlocks
}

func (a *Arena) Generation() uint32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.gen
}
