package memtable

import (
	"slices"
	"sync"
	"sync/atomic"
)

type state struct {
	active *Memtable
	// frozen tables waiting for flush, oldest first
	imm []*Memtable
}

// Set is the memtable list of one table: one mutable memtable plus the
// frozen ones that are not yet flushed.
type Set struct {
	mu       sync.Mutex
	state    atomic.Pointer[state]
	newTable func() *Memtable
}

func NewSet(newTable func() *Memtable) *Set {
	s := &Set{newTable: newTable}
	s.state.Store(&state{active: newTable()})
	return s
}

// Active returns the current mutable memtable. It may get frozen at any
// moment, in which case Insert reports ErrFrozen and the caller reloads.
func (s *Set) Active() *Memtable {
	return s.state.Load().active
}

// Immutables returns the frozen memtables, oldest first.
func (s *Set) Immutables() []*Memtable {
	return slices.Clone(s.state.Load().imm)
}

func (s *Set) NumImmutables() int {
	return len(s.state.Load().imm)
}

// Rotate freezes expected if it is still the active memtable and installs a
// fresh one. The frozen table is returned; nil means someone else rotated.
func (s *Set) Rotate(expected *Memtable) *Memtable {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.state.Load()
	if cur.active != expected || !expected.Freeze() {
		return nil
	}

	imm := append(slices.Clone(cur.imm), expected)
	s.state.Store(&state{active: s.newTable(), imm: imm})
	return expected
}

// Remove drops a flushed memtable and releases the set's reference.
func (s *Set) Remove(mt *Memtable) {
	s.mu.Lock()
	cur := s.state.Load()
	idx := slices.Index(cur.imm, mt)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	imm := slices.Delete(slices.Clone(cur.imm), idx, idx+1)
	s.state.Store(&state{active: cur.active, imm: imm})
	s.mu.Unlock()

	mt.Unref()
}

// Snapshot pins every memtable, newest first. The caller must call release.
func (s *Set) Snapshot() (tables []*Memtable, release func()) {
	s.mu.Lock()
	cur := s.state.Load()
	tables = make([]*Memtable, 0, len(cur.imm)+1)
	if cur.active.Ref() {
		tables = append(tables, cur.active)
	}
	for i := len(cur.imm) - 1; i >= 0; i-- {
		if cur.imm[i].Ref() {
			tables = append(tables, cur.imm[i])
		}
	}
	s.mu.Unlock()

	return tables, func() {
		for _, mt := range tables {
			mt.Unref()
		}
	}
}

// Close releases every memtable.
func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.state.Load()
	cur.active.Unref()
	for _, mt := range cur.imm {
		mt.Unref()
	}
	s.state.Store(&state{active: s.newTable()})
}
