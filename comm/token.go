package comm

import (
	"sync"

	"www.velocidex.com/golang/pap-modify-core/models"
)

// QueueToken is a mutable one-slot cell holding a PdpMessage. It is the
// sole mechanism for collapsing an outstanding send in place: whoever
// holds a live reference to the token can supersede the message the
// Publisher is about to send, or cancel it outright, without touching
// the Publisher's queue itself (spec.md §4.B).
//
// Once the Publisher has drained a token, the slot is empty and
// ReplaceItem reports that no replacement was possible - the caller
// must then enqueue a fresh token.
type QueueToken struct {
	mu   sync.Mutex
	item models.PdpMessage
	// taken is true once Take has drained the slot (the Publisher
	// calls Take on dequeue); a taken token never becomes live again.
	// Empty clears the item without setting taken.
	taken bool
}

// NewQueueToken creates a token whose slot initially holds item.
func NewQueueToken(item models.PdpMessage) *QueueToken {
	return &QueueToken{item: item}
}

// Get returns the current contents of the slot, or nil if the slot has
// been drained.
func (self *QueueToken) Get() models.PdpMessage {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.item
}

// ReplaceItem atomically swaps the slot's contents for newItem and
// returns the prior contents. If the slot had already been drained by
// the Publisher (or emptied by Take), it returns (nil, false) - the
// "already-taken" outcome - and the item is NOT installed, since there
// is no live slot left to occupy.
func (self *QueueToken) ReplaceItem(newItem models.PdpMessage) (old models.PdpMessage, replaced bool) {
	self.mu.Lock()
	defer self.mu.Unlock()

	if self.taken {
		return nil, false
	}

	old = self.item
	self.item = newItem
	return old, true
}

// Take is called by the Publisher worker when it dequeues this token.
// It atomically removes and returns the current item, and marks the
// slot drained so that any later ReplaceItem call fails over to a
// fresh token instead of silently overwriting a message the Publisher
// no longer sees.
func (self *QueueToken) Take() models.PdpMessage {
	self.mu.Lock()
	defer self.mu.Unlock()

	item := self.item
	self.item = nil
	self.taken = true
	return item
}

// Empty clears the slot without marking it taken, causing the
// Publisher to silently discard this token when it is dequeued
// (spec.md §4.A). Used by stopPublishing(retainToken=true).
func (self *QueueToken) Empty() {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.item = nil
}
