package comm

import (
	"sync"

	"www.velocidex.com/golang/pap-modify-core/dao"
	"www.velocidex.com/golang/pap-modify-core/logging"
	"www.velocidex.com/golang/pap-modify-core/models"
	"www.velocidex.com/golang/pap-modify-core/stats"
)

// MapParams bundles the collaborators PdpModifyRequestMap needs: one
// RequestParams per message kind (each wrapping its own TimerManager
// and sharing one Publisher/Dispatcher, per spec.md §3's "two
// TimerManagers - one for updates, one for state-changes"), and the
// policy-store DAO used only by disable-PDP recovery.
type MapParams struct {
	UpdateParams      RequestParams
	StateChangeParams RequestParams
	DAO               dao.PolicyStoreDAO
}

// PdpModifyRequestMap is the core orchestrator (spec.md §4.G): a
// registry of PdpRequests keyed by PDP name, reached exclusively
// through addRequest/stopPublishing while holding modifyLock. It is
// also the Map-owned RequestListener shared by every PdpRequests it
// creates.
type PdpModifyRequestMap struct {
	params MapParams
	log    *logging.Logger

	modifyLock *sync.Mutex
	byName     map[string]*PdpRequests
}

// NewPdpModifyRequestMap constructs an empty Map over params. The Map
// owns the modify-lock: it assigns one *sync.Mutex into both
// params.UpdateParams.ModifyLock and params.StateChangeParams.ModifyLock,
// overriding whatever was set on the way in, so every Request this
// Map ever builds shares exactly the lock this Map itself acquires in
// AddUpdate/AddStateChange/StopPublishing.
func NewPdpModifyRequestMap(params MapParams) *PdpModifyRequestMap {
	lock := &sync.Mutex{}
	params.UpdateParams.ModifyLock = lock
	params.StateChangeParams.ModifyLock = lock

	return &PdpModifyRequestMap{
		params:     params,
		log:        logging.GetLogger(logging.MapComponent),
		modifyLock: lock,
		byName:     make(map[string]*PdpRequests),
	}
}

// AddUpdate wraps update into an UpdateReq and enqueues it for its
// target PDP. Rejects a broadcast (empty Name) update - this path
// only issues targeted messages (spec.md §4.G).
func (self *PdpModifyRequestMap) AddUpdate(update *models.PdpUpdate) error {
	if update == nil {
		return nil
	}
	if update.Name == "" {
		return ErrBroadcastNotAllowed
	}

	self.modifyLock.Lock()
	defer self.modifyLock.Unlock()

	req, err := NewRequest(update.Name, UpdateVariant, update, self.params.UpdateParams)
	if err != nil {
		return err
	}
	return self.addSingletonLocked(update.Name, req)
}

// AddStateChange wraps stateChange into a StateChangeReq and enqueues
// it for its target PDP. Rejects broadcast, as AddUpdate does.
func (self *PdpModifyRequestMap) AddStateChange(stateChange *models.PdpStateChange) error {
	if stateChange == nil {
		return nil
	}
	if stateChange.Name == "" {
		return ErrBroadcastNotAllowed
	}

	self.modifyLock.Lock()
	defer self.modifyLock.Unlock()

	req, err := NewRequest(stateChange.Name, StateChangeVariant, stateChange, self.params.StateChangeParams)
	if err != nil {
		return err
	}
	return self.addSingletonLocked(stateChange.Name, req)
}

// AddRequest is the convenience form of spec.md §4.G's
// addRequest(update?, stateChange?): it forwards whichever argument is
// non-nil to AddUpdate/AddStateChange. Both nil is a no-op.
func (self *PdpModifyRequestMap) AddRequest(update *models.PdpUpdate, stateChange *models.PdpStateChange) error {
	if update != nil {
		if err := self.AddUpdate(update); err != nil {
			return err
		}
	}
	if stateChange != nil {
		if err := self.AddStateChange(stateChange); err != nil {
			return err
		}
	}
	return nil
}

// addSingletonLocked looks up or creates the PdpRequests for pdpName
// and delegates to AddSingleton. Caller holds modifyLock.
func (self *PdpModifyRequestMap) addSingletonLocked(pdpName string, req *Request) error {
	entry, ok := self.byName[pdpName]
	if !ok {
		entry = NewPdpRequests(pdpName, self)
		self.byName[pdpName] = entry
	}
	return entry.AddSingleton(req)
}

// StopPublishing stops pdpName's currently publishing Request, if
// any. Idempotent; a no-op for an unknown PDP.
func (self *PdpModifyRequestMap) StopPublishing(pdpName string) {
	self.modifyLock.Lock()
	defer self.modifyLock.Unlock()

	entry, ok := self.byName[pdpName]
	if !ok {
		return
	}
	entry.StopPublishing()
}

// --- RequestListener, Map-owned and shared by every PdpRequests ---
//
// Every method below runs synchronously on whichever thread delivered
// the triggering event (Dispatcher's inbound worker for Success/
// Failure, TimerManager's worker for RetryCountExhausted) - but always
// already holding modifyLock, because Request.dispatchCallback and
// Request.timeoutCallback acquire it before calling into
// processResponseLocked/handleTimeoutLocked, which are what invoke
// these listener methods in turn.

// Success implements RequestListener.Success (spec.md §4.G): if
// completed's slot still belongs to pdpName's entry, advance to the
// next pending Request, or drop the entry if the PDP has gone quiet.
func (self *PdpModifyRequestMap) Success(pdpName string) {
	entry, ok := self.findForResponse(pdpName)
	if !ok {
		return
	}

	completed := entry.Active()
	if completed == nil || !entry.StartNextRequest(completed) {
		self.removeIfEmpty(entry)
	}
}

// Failure implements RequestListener.Failure: removes the PDP's
// current entry, then triggers disable-PDP recovery, which re-adds a
// fresh entry carrying the two corrective requests. See
// disablePdpRecoveryLocked for why removal happens first.
func (self *PdpModifyRequestMap) Failure(pdpName, reason string) {
	entry, ok := self.findForResponse(pdpName)
	if !ok {
		return
	}
	entry.StopPublishing()
	delete(self.byName, pdpName)
	self.disablePdpRecoveryLocked(pdpName)
}

// RetryCountExhausted implements RequestListener.RetryCountExhausted:
// treated identically to Failure, with a fixed reason. pdpName is the
// exhausted Request's own fixed target identity, so this resolves
// straight to its entry instead of scanning byName for one.
func (self *PdpModifyRequestMap) RetryCountExhausted(pdpName string) {
	entry, ok := self.findForResponse(pdpName)
	if !ok {
		return
	}
	entry.StopPublishing()
	delete(self.byName, pdpName)
	self.disablePdpRecoveryLocked(pdpName)
}

// findForResponse returns the PdpRequests entry for pdpName, or
// ok=false if there is none - the "name does not match this
// PdpRequests' pdpName" no-op rule from spec.md §4.G.
func (self *PdpModifyRequestMap) findForResponse(pdpName string) (*PdpRequests, bool) {
	entry, ok := self.byName[pdpName]
	return entry, ok
}

func (self *PdpModifyRequestMap) removeIfEmpty(entry *PdpRequests) {
	if entry.IsEmpty() {
		delete(self.byName, entry.pdpName)
	}
}

// disablePdpRecoveryLocked implements spec.md §4.G's disable-PDP
// recovery. Caller already holds modifyLock (it runs from Failure/
// RetryCountExhausted, both always invoked under the lock by
// Request's response/timeout handlers) and has already stopped and
// removed pdpName's old entry before calling in - spec.md §9 Open
// Question (a) resolved: this module removes the stale entry first,
// so the two corrective messages below always land in a newly
// created PdpRequests rather than risk colliding with (and silently
// deleting) whatever the old entry was about to contribute.
func (self *PdpModifyRequestMap) disablePdpRecoveryLocked(pdpName string) {
	stats.PdpsDisabled.Inc()

	groups, err := self.params.DAO.GetFilteredPdpGroups(dao.GroupFilter{PdpInstanceId: pdpName})
	if err != nil {
		self.log.Error("disable-PDP recovery: loading groups for %s: %v", pdpName, err)
	}

	var mutated []*models.PdpGroup
	removedFromGroup := false
	for _, group := range groups {
		groupChanged := false
		for _, sub := range group.SubGroups {
			if sub.RemoveInstance(pdpName) {
				groupChanged = true
				removedFromGroup = true
			}
		}
		if groupChanged {
			mutated = append(mutated, group)
		}
	}

	if len(mutated) > 0 {
		if err := self.params.DAO.UpdatePdpGroups(mutated); err != nil {
			self.log.Error("disable-PDP recovery: persisting groups for %s: %v", pdpName, err)
			stats.RequestsFailed.WithLabelValues("persistence failure").Inc()
		}
	}

	if removedFromGroup {
		_ = self.addSingletonLockedReq(pdpName, UpdateVariant,
			&models.PdpUpdate{Name: pdpName, PdpGroup: "", PdpSubgroup: "", Policies: nil},
			self.params.UpdateParams)
	}

	_ = self.addSingletonLockedReq(pdpName, StateChangeVariant,
		&models.PdpStateChange{Name: pdpName, State: models.PdpStatePassive},
		self.params.StateChangeParams)
}

// addSingletonLockedReq builds a Request for message under variant
// and params, and enqueues it for pdpName. Helper for
// disablePdpRecoveryLocked's two corrective messages.
func (self *PdpModifyRequestMap) addSingletonLockedReq(pdpName string, variant Variant, message models.PdpMessage, params RequestParams) error {
	req, err := NewRequest(pdpName, variant, message, params)
	if err != nil {
		self.log.Error("disable-PDP recovery: building corrective %s for %s: %v", variant.Kind(), pdpName, err)
		return err
	}
	return self.addSingletonLocked(pdpName, req)
}
