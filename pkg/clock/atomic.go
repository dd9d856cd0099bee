package clock

import "sync/atomic"

// AtomicClock hands out table sequence numbers.
type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init uint64) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() uint64 {
	return ac.Load()
}

func (ac *AtomicClock) Next() uint64 {
	return ac.Add(1)
}

// Reserve takes n consecutive values and returns the first and the last one.
func (ac *AtomicClock) Reserve(n int) (first, last uint64) {
	last = ac.Add(uint64(n))
	return last - uint64(n) + 1, last
}

func (ac *AtomicClock) Set(t uint64) {
	ac.Store(t)
}

// Advance moves the clock forward to t, never backwards.
func (ac *AtomicClock) Advance(t uint64) {
	for {
		cur := ac.Load()
		if t <= cur || ac.CompareAndSwap(cur, t) {
			return
		}
	}
}
