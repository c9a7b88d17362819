package comm

import (
	"sync"
	"time"

	"www.velocidex.com/golang/pap-modify-core/comm/timerwheel"
	"www.velocidex.com/golang/pap-modify-core/logging"
)

// Timer is a handle returned by TimerManager.Register. Cancel disarms
// it; a cancelled timer never fires (spec.md §4.C).
type Timer struct {
	manager *TimerManager
	id      uint64
	key     string
}

// Cancel disarms the timer. Idempotent.
func (self *Timer) Cancel() {
	self.manager.cancel(self.id)
}

// TimerManager is a named timeout registry: Register(key, handler)
// schedules handler(key) to run after maxWait, and returns a
// cancellable Timer. A single background worker services every timer
// registered with this manager, firing expirations in enqueue order
// (spec.md §4.C). Multiple timers may share the same key; each has an
// independent id and is cancelled independently.
type TimerManager struct {
	name    string
	maxWait time.Duration
	log     *logging.Logger

	mu       sync.Mutex
	wheel    *timerwheel.Wheel
	handlers map[uint64]func(string)
	nextID   uint64

	wake chan struct{}
	done chan struct{}
}

// NewTimerManager constructs a TimerManager whose timers all share the
// same maxWait (spec.md's per-message-kind parameter:
// updateParameters.maxWaitMs / stateChangeParameters.maxWaitMs -
// separate managers are constructed for each, per spec.md §3's "two
// TimerManagers - one for updates, one for state-changes").
func NewTimerManager(name string, maxWait time.Duration) *TimerManager {
	self := &TimerManager{
		name:     name,
		maxWait:  maxWait,
		log:      logging.GetLogger(logging.TimerComponent).WithField("manager", name),
		wheel:    timerwheel.New(),
		handlers: make(map[uint64]func(string)),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go self.run()
	return self
}

// Register schedules handler(key) to fire after this manager's
// maxWait, and returns a Timer that can cancel it.
func (self *TimerManager) Register(key string, handler func(string)) *Timer {
	self.mu.Lock()
	self.nextID++
	id := self.nextID
	self.handlers[id] = func(string) { handler(key) }
	self.mu.Unlock()

	self.wheel.Insert(id, time.Now().Add(self.maxWait))
	self.poke()

	return &Timer{manager: self, id: id, key: key}
}

func (self *TimerManager) cancel(id uint64) {
	self.wheel.Remove(id)
	self.mu.Lock()
	delete(self.handlers, id)
	self.mu.Unlock()
}

func (self *TimerManager) poke() {
	select {
	case self.wake <- struct{}{}:
	default:
	}
}

// Stop terminates the background worker. Pending timers never fire
// after Stop.
func (self *TimerManager) Stop() {
	select {
	case <-self.done:
		// already stopped
	default:
		close(self.done)
	}
}

func (self *TimerManager) run() {
	for {
		deadline, ok := self.wheel.NextDeadline()
		var timer *time.Timer
		if ok {
			timer = time.NewTimer(time.Until(deadline))
		} else {
			timer = time.NewTimer(time.Hour)
		}

		select {
		case <-self.done:
			timer.Stop()
			return

		case <-self.wake:
			timer.Stop()
			continue

		case <-timer.C:
			self.fireExpired()
		}
	}
}

func (self *TimerManager) fireExpired() {
	ids := self.wheel.PopExpired(time.Now())
	for _, id := range ids {
		self.mu.Lock()
		handler, ok := self.handlers[id]
		delete(self.handlers, id)
		self.mu.Unlock()

		if !ok {
			// Cancelled between PopExpired snapshotting and here.
			continue
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					self.log.Error("timer handler panicked: %v", r)
				}
			}()
			handler("")
		}()
	}
}
