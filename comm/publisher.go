package comm

import (
	"context"
	"sync"

	"www.velocidex.com/golang/pap-modify-core/bus"
	"www.velocidex.com/golang/pap-modify-core/logging"
)

// Publisher is the single-writer pump from an ordered token queue to
// the bus sink for one topic (spec.md §4.A). Enqueue never blocks the
// caller; a dedicated background worker drains the queue and writes
// each token's current message to the sink, so a caller that replaces
// a token's message before the worker reaches it collapses two logical
// sends into one transmission.
type Publisher struct {
	topic string
	sink  bus.Sink
	log   *logging.Logger

	mu      sync.Mutex
	queue   []*QueueToken
	notify  chan struct{}
	stopped bool
	done    chan struct{}
}

// NewPublisher constructs a Publisher for one topic and starts its
// background worker. Call Stop to drain and terminate it.
func NewPublisher(topic string, sink bus.Sink) *Publisher {
	self := &Publisher{
		topic:  topic,
		sink:   sink,
		log:    logging.GetLogger(logging.PublisherComponent).WithField("topic", topic),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go self.run()
	return self
}

// Enqueue appends token to the FIFO queue. Non-blocking. Enqueuing
// after Stop is a no-op - the token will never be sent, matching
// spec.md §4.A's "rejects further enqueues".
func (self *Publisher) Enqueue(token *QueueToken) {
	self.mu.Lock()
	if self.stopped {
		self.mu.Unlock()
		return
	}
	self.queue = append(self.queue, token)
	self.mu.Unlock()

	select {
	case self.notify <- struct{}{}:
	default:
	}
}

func (self *Publisher) pop() (*QueueToken, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()

	if len(self.queue) == 0 {
		return nil, false
	}

	token := self.queue[0]
	self.queue = self.queue[1:]
	return token, true
}

func (self *Publisher) run() {
	for {
		token, ok := self.pop()
		if !ok {
			select {
			case <-self.notify:
				continue
			case <-self.done:
				return
			}
		}

		message := token.Take()
		if message == nil {
			// Token was cancelled (Empty()'d) after enqueue; nothing
			// to send. Silently discard, per spec.md §4.A.
			continue
		}

		if err := self.sink.Send(context.Background(), self.topic, message); err != nil {
			self.log.Error("publish failed for request %s: %v", message.RequestID(), err)
			// Bus/transport errors are logged; the message has already
			// been drained from the token so it will not be resent
			// automatically. Retry, if any, is the Request's job via
			// its own timeout handling (spec.md §7).
		}
	}
}

// Stop drains any queued work and terminates the worker, rejecting
// further enqueues (spec.md §4.A). Idempotent.
func (self *Publisher) Stop() {
	self.mu.Lock()
	if self.stopped {
		self.mu.Unlock()
		return
	}
	self.stopped = true
	self.mu.Unlock()

	close(self.done)
}
