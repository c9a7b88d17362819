// Package membus is an in-memory bus.Sink/bus.Source used by tests and
// by any deployment that collapses the PAP and its PDPs into a single
// process. Grounded on the teacher's in-process broadcast service
// (services/broadcast/broadcast.go), which keeps a set of listener
// closers per named queue and fans out each published item to all of
// them.
package membus

import (
	"context"
	"sync"

	"www.velocidex.com/golang/pap-modify-core/models"
)

type subscriber struct {
	handler func(*models.PdpStatus)
}

// Bus is a minimal in-process pub/sub bus carrying PdpMessage out and
// PdpStatus in on a single shared topic namespace.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]*subscriber

	// Sent records every message handed to Send, for tests to assert
	// on Publisher FIFO ordering (spec.md §8).
	sentMu sync.Mutex
	Sent   []models.PdpMessage
}

func New() *Bus {
	return &Bus{subs: make(map[string][]*subscriber)}
}

// Send implements bus.Sink. In this in-memory bus there is no PDP-side
// consumer wired by default; tests call DeliverStatus directly to
// simulate a PDP's response.
func (self *Bus) Send(ctx context.Context, topic string, message models.PdpMessage) error {
	self.sentMu.Lock()
	self.Sent = append(self.Sent, message)
	self.sentMu.Unlock()
	return nil
}

// Subscribe implements bus.Source.
func (self *Bus) Subscribe(ctx context.Context, topic string, handler func(*models.PdpStatus)) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.subs[topic] = append(self.subs[topic], &subscriber{handler: handler})
	return nil
}

// DeliverStatus simulates an inbound PdpStatus arriving on topic,
// invoking every subscriber synchronously - matching the real bus's
// synchronous-delivery contract (spec.md §4.D).
func (self *Bus) DeliverStatus(topic string, status *models.PdpStatus) {
	self.mu.Lock()
	subs := append([]*subscriber(nil), self.subs[topic]...)
	self.mu.Unlock()

	for _, sub := range subs {
		sub.handler(status)
	}
}

// LastSent returns the most recently sent message, or nil.
func (self *Bus) LastSent() models.PdpMessage {
	self.sentMu.Lock()
	defer self.sentMu.Unlock()

	if len(self.Sent) == 0 {
		return nil
	}
	return self.Sent[len(self.Sent)-1]
}
