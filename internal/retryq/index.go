package retryq

import (
	"fmt"
	"time"

	"github.com/google/btree"
)

// Handle addresses an operation slot in a DualIndex. The upper 32 bits carry
// the slot generation so a handle to a freed slot is never resolved again.
type Handle uint64

func makeHandle(slot int, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(slot+1))
}

func (h Handle) slot() int {
	return int(uint32(h)) - 1
}

func (h Handle) gen() uint32 {
	return uint32(h >> 32)
}

type indexKey struct {
	at time.Time
	h  Handle
}

func lessKey(a, b indexKey) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.h < b.h
}

type slot struct {
	op         *Operation
	gen        uint32
	live       bool
	retryKey   indexKey
	timeoutKey indexKey
}

// DualIndex keeps one set of operations ordered twice: by next retry time
// and by timeout deadline. Membership in both orders changes together.
// It is not safe for concurrent use.
type DualIndex struct {
	slots     []slot
	free      []int
	byRetry   *btree.BTreeG[indexKey]
	byTimeout *btree.BTreeG[indexKey]
}

const btreeDegree = 32

func NewDualIndex() *DualIndex {
	return &DualIndex{
		byRetry:   btree.NewG[indexKey](btreeDegree, lessKey),
		byTimeout: btree.NewG[indexKey](btreeDegree, lessKey),
	}
}

// Insert adds op to both orders and returns its handle.
func (x *DualIndex) Insert(op *Operation) Handle {
	var i int
	if n := len(x.free); n > 0 {
		i = x.free[n-1]
		x.free = x.free[:n-1]
	} else {
		x.slots = append(x.slots, slot{})
		i = len(x.slots) - 1
	}

	s := &x.slots[i]
	s.gen++
	h := makeHandle(i, s.gen)
	s.op = op
	s.live = true
	op.handle = h
	x.link(s, h)
	return h
}

func (x *DualIndex) link(s *slot, h Handle) {
	s.retryKey = indexKey{at: s.op.NextRetry, h: h}
	s.timeoutKey = indexKey{at: s.op.Deadline, h: h}
	x.byRetry.ReplaceOrInsert(s.retryKey)
	x.byTimeout.ReplaceOrInsert(s.timeoutKey)
}

func (x *DualIndex) unlink(s *slot) {
	x.byRetry.Delete(s.retryKey)
	x.byTimeout.Delete(s.timeoutKey)
}

func (x *DualIndex) lookup(h Handle) *slot {
	i := h.slot()
	if i < 0 || i >= len(x.slots) {
		return nil
	}
	s := &x.slots[i]
	if !s.live || s.gen != h.gen() {
		return nil
	}
	return s
}

// Get returns the operation for h, or nil for a stale handle.
func (x *DualIndex) Get(h Handle) *Operation {
	if s := x.lookup(h); s != nil {
		return s.op
	}
	return nil
}

// Remove erases h from both orders and frees its slot.
func (x *DualIndex) Remove(h Handle) *Operation {
	s := x.lookup(h)
	if s == nil {
		return nil
	}
	x.unlink(s)
	op := s.op
	s.op = nil
	s.live = false
	x.free = append(x.free, h.slot())
	op.handle = 0
	return op
}

// Update re-keys the operation at h after fn mutates its times.
func (x *DualIndex) Update(h Handle, fn func(op *Operation)) bool {
	s := x.lookup(h)
	if s == nil {
		return false
	}
	x.unlink(s)
	fn(s.op)
	x.link(s, h)
	return true
}

// HeadRetry returns the operation with the earliest next retry time.
func (x *DualIndex) HeadRetry() *Operation {
	k, ok := x.byRetry.Min()
	if !ok {
		return nil
	}
	return x.Get(k.h)
}

// HeadTimeout returns the operation with the earliest deadline.
func (x *DualIndex) HeadTimeout() *Operation {
	k, ok := x.byTimeout.Min()
	if !ok {
		return nil
	}
	return x.Get(k.h)
}

func (x *DualIndex) Len() int {
	return x.byRetry.Len()
}

// Ascend visits operations in next retry order until fn returns false.
// fn must not mutate the index.
func (x *DualIndex) Ascend(fn func(op *Operation) bool) {
	x.byRetry.Ascend(func(k indexKey) bool {
		return fn(x.Get(k.h))
	})
}

// Handles returns the live handles in next retry order.
func (x *DualIndex) Handles() []Handle {
	hs := make([]Handle, 0, x.Len())
	x.byRetry.Ascend(func(k indexKey) bool {
		hs = append(hs, k.h)
		return true
	})
	return hs
}

// Check verifies that both orders hold exactly the live slots.
func (x *DualIndex) Check() error {
	live := 0
	for i := range x.slots {
		s := &x.slots[i]
		if !s.live {
			continue
		}
		live++
		h := makeHandle(i, s.gen)
		if s.op == nil || s.op.handle != h {
			return fmt.Errorf("slot %d: operation handle mismatch", i)
		}
		inRetry := x.byRetry.Has(s.retryKey)
		inTimeout := x.byTimeout.Has(s.timeoutKey)
		if inRetry != inTimeout {
			return fmt.Errorf("slot %d: indexed by retry=%v timeout=%v", i, inRetry, inTimeout)
		}
		if !inRetry {
			return fmt.Errorf("slot %d: live but not indexed", i)
		}
	}
	if x.byRetry.Len() != live || x.byTimeout.Len() != live {
		return fmt.Errorf("index sizes retry=%d timeout=%d, live=%d", x.byRetry.Len(), x.byTimeout.Len(), live)
	}
	return nil
}
