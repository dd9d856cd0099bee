package store

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/CyberFlameGO/ceresdb/pkg/dberrors"
	"github.com/CyberFlameGO/ceresdb/pkg/types"
)

// watermarks tracks which sequences readers may see and which ones they
// still hold.
type watermarks struct {
	visible atomic.Uint64

	mu sync.Mutex
	// finished batches that wait for an earlier one, first -> last
	done map[types.SeqN]types.SeqN
	// reads below the horizon are refused; compaction may have merged
	// away the versions they need
	horizon types.SeqN
	readers map[types.SeqN]int
}

func newWatermarks(start types.SeqN) *watermarks {
	w := &watermarks{
		done:    make(map[types.SeqN]types.SeqN),
		readers: make(map[types.SeqN]int),
	}
	w.visible.Store(start)
	return w
}

// Visible is the highest sequence below which every write is applied.
func (w *watermarks) Visible() types.SeqN {
	return w.visible.Load()
}

// publish marks [first, last] as applied. The visible watermark only moves
// once every earlier batch was published too.
func (w *watermarks) publish(first, last types.SeqN) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.done[first] = last
	cur := w.visible.Load()
	for {
		l, ok := w.done[cur+1]
		if !ok {
			break
		}
		delete(w.done, cur+1)
		cur = l
	}
	w.visible.Store(cur)
}

// advance moves the visible watermark during replay, when nothing runs
// concurrently.
func (w *watermarks) advance(seq types.SeqN) {
	if seq > w.visible.Load() {
		w.visible.Store(seq)
	}
}

// acquire pins a read watermark. Zero and anything past the visible
// watermark read the latest data.
func (w *watermarks) acquire(requested types.SeqN) (types.SeqN, func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	wm := w.visible.Load()
	if requested != 0 && requested < wm {
		wm = requested
	}
	if wm < w.horizon {
		return 0, nil, fmt.Errorf("%w: %d < %d", dberrors.ErrStaleWatermark, wm, w.horizon)
	}
	w.readers[wm]++

	var once sync.Once
	return wm, func() {
		once.Do(func() { w.release(wm) })
	}, nil
}

func (w *watermarks) release(wm types.SeqN) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.readers[wm] <= 1 {
		delete(w.readers, wm)
		return
	}
	w.readers[wm]--
}

// safe returns the oldest watermark still in use and raises the horizon to
// it.
func (w *watermarks) safe() types.SeqN {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := w.visible.Load()
	for wm := range w.readers {
		s = min(s, wm)
	}
	w.horizon = max(w.horizon, s)
	return s
}
