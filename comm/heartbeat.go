package comm

import (
	"sync"
	"time"

	"www.velocidex.com/golang/pap-modify-core/dao"
	"www.velocidex.com/golang/pap-modify-core/logging"
	"www.velocidex.com/golang/pap-modify-core/models"
	"www.velocidex.com/golang/pap-modify-core/stats"
)

// PdpTracker consumes anonymous (no correlation id) PdpStatus messages
// - heartbeats - and evicts a PDP once it has missed too many in a
// row (spec.md §4.H). It owns its own TimerManager, independent of
// the per-message-kind ones used by Request, because its timers are
// keyed by pdpName and reset rather than fired-once.
type PdpTracker struct {
	threshold time.Duration
	dao       dao.PolicyStoreDAO
	modifyMap *PdpModifyRequestMap
	log       *logging.Logger

	mu     sync.Mutex
	timers map[string]*Timer
	wheel  *TimerManager
}

// NewPdpTracker constructs a tracker that evicts a PDP after
// missedHeartbeats consecutive missed intervals of heartBeatMs each
// (spec.md's MAX_MISSED_HEARTBEATS * heartBeatMs), reconciling group
// membership through store and stopping publishing through modifyMap.
func NewPdpTracker(heartBeatMs int64, missedHeartbeats int, store dao.PolicyStoreDAO, modifyMap *PdpModifyRequestMap) *PdpTracker {
	threshold := time.Duration(heartBeatMs) * time.Duration(missedHeartbeats) * time.Millisecond
	self := &PdpTracker{
		threshold: threshold,
		dao:       store,
		modifyMap: modifyMap,
		log:       logging.GetLogger(logging.HeartbeatComponent),
		timers:    make(map[string]*Timer),
	}
	self.wheel = NewTimerManager("heartbeat", threshold)
	return self
}

// OnHeartbeat is wired as the MessageDispatcher's anonymous listener
// (spec.md §4.D "fans out to anonymous listeners if no id matches").
// An unknown PDP is registered with a fresh timer; a known one has its
// timer reset.
func (self *PdpTracker) OnHeartbeat(status *models.PdpStatus) {
	name := status.Name
	if name == "" {
		return
	}

	self.mu.Lock()
	defer self.mu.Unlock()

	if timer, ok := self.timers[name]; ok {
		timer.Cancel()
	}
	self.timers[name] = self.wheel.Register(name, self.onExpired)
}

// onExpired runs on the tracker's own TimerManager worker. It holds
// the Map's modify-lock while it loads, mutates and persists group
// state through the DAO (disable-PDP recovery style), releases it, and
// then calls modifyMap.StopPublishing, which acquires the lock itself,
// matching spec.md §4.H: "removes the PDP from its sub-group ... and
// calls map.stopPublishing(pdpName)".
func (self *PdpTracker) onExpired(pdpName string) {
	self.mu.Lock()
	delete(self.timers, pdpName)
	self.mu.Unlock()

	self.log.Warn("%s missed heartbeat threshold, evicting", pdpName)
	stats.HeartbeatsLost.Inc()

	self.modifyMap.modifyLock.Lock()
	groups, err := self.dao.GetFilteredPdpGroups(dao.GroupFilter{PdpInstanceId: pdpName})
	if err != nil {
		self.log.Error("heartbeat eviction: loading groups for %s: %v", pdpName, err)
	}

	var mutated []*models.PdpGroup
	for _, group := range groups {
		changed := false
		for _, sub := range group.SubGroups {
			if sub.RemoveInstance(pdpName) {
				changed = true
			}
		}
		if changed {
			mutated = append(mutated, group)
		}
	}
	if len(mutated) > 0 {
		if err := self.dao.UpdatePdpGroups(mutated); err != nil {
			self.log.Error("heartbeat eviction: persisting groups for %s: %v", pdpName, err)
		}
	}
	self.modifyMap.modifyLock.Unlock()

	self.modifyMap.StopPublishing(pdpName)
}

// Stop tears down the tracker's background timer worker.
func (self *PdpTracker) Stop() {
	self.wheel.Stop()
}
