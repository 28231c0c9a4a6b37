package session

import "sync/atomic"

// stateBox stores a State atomically; State is int32-sized so it can
// ride atomic.Int32 directly without a wrapper type assertion at every
// call site.
type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) store(s State) { b.v.Store(int32(s)) }
func (b *stateBox) load() State   { return State(b.v.Load()) }

type cancelBox struct {
	v atomic.Bool
}

func (b *cancelBox) set()        { b.v.Store(true) }
func (b *cancelBox) isSet() bool { return b.v.Load() }
