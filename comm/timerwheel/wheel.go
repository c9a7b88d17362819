// Package timerwheel is the ordered expiry index backing TimerManager.
// It keeps pending timer entries sorted by (deadline, sequence) in a
// B-tree so the background worker can always pop the next-to-expire
// entry in O(log n), and so that two timers sharing an identical
// deadline still fire in registration order (spec.md §4.C "expirations
// are processed in enqueue order").
package timerwheel

import (
	"sync"
	"time"

	"github.com/google/btree"
)

// entry is the ordered unit stored in the tree.
type entry struct {
	deadline time.Time
	seq      uint64
	id       uint64
}

func (self entry) Less(than btree.Item) bool {
	other := than.(entry)
	if !self.deadline.Equal(other.deadline) {
		return self.deadline.Before(other.deadline)
	}
	return self.seq < other.seq
}

// Wheel is a thread-safe ordered index of pending deadlines.
type Wheel struct {
	mu   sync.Mutex
	tree *btree.BTree
	seq  uint64
	live map[uint64]entry
}

func New() *Wheel {
	return &Wheel{
		tree: btree.New(32),
		live: make(map[uint64]entry),
	}
}

// Insert adds a new pending entry for id, expiring at deadline, and
// returns nothing - id must be unique among currently-live entries
// (the caller, TimerManager, mints ids from its own counter).
func (self *Wheel) Insert(id uint64, deadline time.Time) {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.seq++
	e := entry{deadline: deadline, seq: self.seq, id: id}
	self.live[id] = e
	self.tree.ReplaceOrInsert(e)
}

// Remove cancels a pending entry by id, if still present.
func (self *Wheel) Remove(id uint64) {
	self.mu.Lock()
	defer self.mu.Unlock()

	e, ok := self.live[id]
	if !ok {
		return
	}
	delete(self.live, id)
	self.tree.Delete(e)
}

// NextDeadline returns the earliest pending deadline, or ok=false if
// the wheel is empty.
func (self *Wheel) NextDeadline() (deadline time.Time, ok bool) {
	self.mu.Lock()
	defer self.mu.Unlock()

	min := self.tree.Min()
	if min == nil {
		return time.Time{}, false
	}
	return min.(entry).deadline, true
}

// PopExpired removes and returns, in expiry order, the ids of every
// entry whose deadline is at or before now.
func (self *Wheel) PopExpired(now time.Time) []uint64 {
	self.mu.Lock()
	defer self.mu.Unlock()

	var expired []entry
	for {
		min := self.tree.Min()
		if min == nil {
			break
		}
		e := min.(entry)
		if e.deadline.After(now) {
			break
		}
		self.tree.Delete(e)
		delete(self.live, e.id)
		expired = append(expired, e)
	}

	ids := make([]uint64, len(expired))
	for i, e := range expired {
		ids[i] = e.id
	}
	return ids
}
