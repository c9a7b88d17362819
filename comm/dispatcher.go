package comm

import (
	"sync"

	"www.velocidex.com/golang/pap-modify-core/logging"
	"www.velocidex.com/golang/pap-modify-core/models"
)

// ResponseListener is invoked synchronously, on the dispatcher's
// delivery thread, when a PdpStatus is routed to it (spec.md §4.D).
type ResponseListener func(*models.PdpStatus)

// MessageDispatcher routes inbound PdpStatus envelopes to listeners
// registered by request id, falling back to anonymous listeners
// (heartbeat fan-out) when no request id matches or the status carries
// no correlation id at all (spec.md §4.D).
//
// Registration is idempotent: a second Register for the same id
// replaces the prior listener. Thread-safety is this type's
// responsibility, per spec.md's explicit contract - callers never need
// their own lock around Register/Unregister.
type MessageDispatcher struct {
	log *logging.Logger

	mu        sync.RWMutex
	byID      map[string]ResponseListener
	anonymous []ResponseListener
}

func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		log:  logging.GetLogger(logging.DispatcherComponent),
		byID: make(map[string]ResponseListener),
	}
}

// Register installs listener under id, replacing any prior listener
// for that id.
func (self *MessageDispatcher) Register(id string, listener ResponseListener) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.byID[id] = listener
}

// Unregister removes the listener for id, if any.
func (self *MessageDispatcher) Unregister(id string) {
	self.mu.Lock()
	defer self.mu.Unlock()
	delete(self.byID, id)
}

// RegisterAnonymous installs a listener invoked for every inbound
// status that carries no matching (or no) correlation id - the
// heartbeat fan-out path.
func (self *MessageDispatcher) RegisterAnonymous(listener ResponseListener) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.anonymous = append(self.anonymous, listener)
}

// Dispatch routes status to the listener registered under its
// correlation id, or to every anonymous listener if none matches.
// Delivery is synchronous on the calling goroutine.
func (self *MessageDispatcher) Dispatch(status *models.PdpStatus) {
	id := status.CorrelationID()

	self.mu.RLock()
	listener, ok := self.byID[id]
	anonymous := self.anonymous
	self.mu.RUnlock()

	if id != "" && ok {
		listener(status)
		return
	}

	for _, l := range anonymous {
		l(status)
	}
}

// TypeDispatcher is the outer routing stage of spec.md §4.D: it reads
// the inbound envelope's type discriminator (PdpStatus.MessageName)
// and hands the envelope to the inner MessageDispatcher registered for
// that type. This core only registers one inner dispatcher (for
// "PDP_STATUS"), but the outer stage exists as a real routing layer -
// not a pass-through - so other message kinds sharing the same bus
// topic are ignored rather than mis-routed.
type TypeDispatcher struct {
	mu    sync.RWMutex
	inner map[string]*MessageDispatcher
}

func NewTypeDispatcher() *TypeDispatcher {
	return &TypeDispatcher{inner: make(map[string]*MessageDispatcher)}
}

// RegisterType associates a MessageDispatcher with one message type
// name.
func (self *TypeDispatcher) RegisterType(messageName string, inner *MessageDispatcher) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.inner[messageName] = inner
}

// OnMessage is wired as the bus.Source delivery callback. It looks up
// the inner dispatcher for status.MessageName and forwards the status,
// or drops it silently if no inner dispatcher is registered for that
// type.
func (self *TypeDispatcher) OnMessage(status *models.PdpStatus) {
	self.mu.RLock()
	inner, ok := self.inner[status.MessageName]
	self.mu.RUnlock()

	if !ok {
		return
	}
	inner.Dispatch(status)
}
