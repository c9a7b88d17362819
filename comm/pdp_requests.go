package comm

import (
	"www.velocidex.com/golang/pap-modify-core/logging"
	"www.velocidex.com/golang/pap-modify-core/models"
)

// PdpRequests is the per-PDP serializer (spec.md §4.F): it holds at
// most one pending UpdateReq and at most one pending StateChangeReq
// for a single PDP, and ensures only one of the two is ever actually
// PUBLISHING at a time (Invariant P1). Every exported method here
// assumes the caller already holds the Map's modify-lock, per the
// package doc comment.
type PdpRequests struct {
	pdpName  string
	listener RequestListener
	log      *logging.Logger

	slots  map[models.MessageKind]*Request
	active *Request
}

// NewPdpRequests constructs the (initially empty) per-PDP request set
// for pdpName, sharing listener with every Request it ever holds.
func NewPdpRequests(pdpName string, listener RequestListener) *PdpRequests {
	return &PdpRequests{
		pdpName:  pdpName,
		listener: listener,
		log:      logging.GetLogger(logging.RequestComponent).WithField("pdp", pdpName),
		slots:    make(map[models.MessageKind]*Request),
	}
}

// IsEmpty reports whether this PdpRequests holds no Request at all -
// the Map drops a PdpRequests entry once it goes empty.
func (self *PdpRequests) IsEmpty() bool {
	return self.active == nil && len(self.slots) == 0
}

// AddSingleton enqueues newReq into the slot for its variant's kind
// (spec.md Invariant P2):
//
//   - if that slot is empty, newReq occupies it, and starts publishing
//     immediately if nothing else for this PDP currently is;
//   - if the slot already holds an equivalent Request (IsSameContent),
//     newReq is dropped and the existing Request's retry count resets;
//   - otherwise the existing Request is reconfigured in place to carry
//     newReq's message, preserving its position (pending or active).
func (self *PdpRequests) AddSingleton(newReq *Request) error {
	existing := self.slots[newReq.variant.Kind()]
	if existing != nil {
		if existing.IsSameContent(newReq) {
			existing.resetRetryCount()
			self.log.Info("%s %s redundant, retry count reset", self.pdpName, newReq.variant.Kind())
			return nil
		}

		_, err := existing.Reconfigure(newReq.Message(), nil)
		if err != nil {
			return err
		}
		self.log.Info("%s %s reconfigured", self.pdpName, newReq.variant.Kind())
		return nil
	}

	newReq.SetListener(self.listener)
	self.slots[newReq.variant.Kind()] = newReq

	if self.active == nil {
		return self.start(newReq)
	}
	return nil
}

// start marks req as the actively publishing Request and tells it to
// begin publishing with a freshly minted token (no prior token to
// supersede).
func (self *PdpRequests) start(req *Request) error {
	self.active = req
	return req.StartPublishing(nil)
}

// StartNextRequest is called by the Map once the currently-active
// Request (completed) has received a matching response. It drops
// completed from its slot, and if any
// other Request is pending, promotes the lowest-priority one to
// active, handing it completed's token so the Publisher sees a single
// supersede rather than a fresh enqueue (spec.md §4.F). Returns true
// if a next Request was started.
func (self *PdpRequests) StartNextRequest(completed *Request) bool {
	if self.active == completed {
		self.active = nil
	}
	if self.slots[completed.variant.Kind()] == completed {
		delete(self.slots, completed.variant.Kind())
	}

	next := self.pickNext()
	if next == nil {
		return false
	}

	self.active = next
	if err := next.StartPublishing(completed.Token()); err != nil {
		self.log.Error("%s failed to start next request: %v", self.pdpName, err)
		return false
	}
	return true
}

// pickNext returns the remaining pending Request with the lowest
// Priority value (STATE-CHANGE before UPDATE), or nil if none remain.
func (self *PdpRequests) pickNext() *Request {
	var best *Request
	for _, req := range self.slots {
		if req.IsPublishing() {
			continue
		}
		if best == nil || req.Priority() < best.Priority() {
			best = req
		}
	}
	return best
}

// StopPublishing stops whichever Request is currently publishing for
// this PDP, discarding its in-flight token. Pending slots are left
// intact so they can still be picked up by a future StartNextRequest
// once the PDP is re-added or otherwise resumed. Used by the Map's
// external StopPublishing and by PdpTracker on heartbeat loss.
func (self *PdpRequests) StopPublishing() {
	if self.active == nil {
		return
	}
	self.active.StopPublishing(true)
	self.active = nil
}

// Active returns the Request currently occupying the active slot, or
// nil if none is. Used by the Map to resolve which Request a
// success/failure callback refers to: the callback only carries a PDP
// name, but the completed Request has already left StatePublishing by
// the time the listener runs, so IsPublishing can no longer identify
// it - active still can, since nothing clears it until
// StartNextRequest runs.
func (self *PdpRequests) Active() *Request {
	return self.active
}

// Requests returns every Request this PdpRequests currently holds, in
// no particular order.
func (self *PdpRequests) Requests() []*Request {
	out := make([]*Request, 0, len(self.slots))
	for _, req := range self.slots {
		out = append(out, req)
	}
	return out
}
