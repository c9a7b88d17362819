// Package comm implements the PDP Modification Core: the
// request-coalescing, retry, timeout, and response-matching subsystem
// described by spec.md §4. All exported methods on Request,
// PdpRequests, and PdpModifyRequestMap below the Map's own public API
// assume the caller already holds the shared modify-lock (spec.md §5)
// - they do not lock internally, so that a whole chain of state
// transitions (e.g. response arrives -> request completes -> next
// request starts publishing) executes atomically under one critical
// section, exactly as spec.md requires.
package comm

import (
	"sync"

	"github.com/google/uuid"

	"www.velocidex.com/golang/pap-modify-core/logging"
	"www.velocidex.com/golang/pap-modify-core/models"
	"www.velocidex.com/golang/pap-modify-core/stats"
)

// State is a Request's position in its lifecycle (spec.md §4.E).
type State int

const (
	StateIdle State = iota
	StatePublishing
	StateCompletedOK
	StateCompletedFail
)

// Priority values from spec.md §3: lower runs first. STATE-CHANGE (0)
// is always performed before UPDATE (1) when both are pending for the
// same PDP.
const (
	PriorityStateChange = 0
	PriorityUpdate      = 1
)

// Variant captures what differs between an UpdateReq and a
// StateChangeReq: response validation, priority, and isSameContent.
// Modeled as a tagged-variant interface rather than a class hierarchy
// with template methods (spec.md §9).
type Variant interface {
	// Priority returns this variant's scheduling priority.
	Priority() int

	// Kind identifies which MessageKind this variant validates
	// responses for; Reconfigure rejects a message of the wrong kind.
	Kind() models.MessageKind

	// CheckResponse validates response against message, returning a
	// human-readable mismatch reason, or "" if it matches.
	CheckResponse(message models.PdpMessage, response *models.PdpStatus) string

	// IsSameContent reports whether two messages of this variant's
	// kind are redundant - same effective content - such that a
	// second request carrying b is a no-op once a is already
	// pending/publishing. The target PDP name is not compared.
	IsSameContent(a, b models.PdpMessage) bool
}

// RequestListener receives the outcome of a Request's lifecycle. It is
// Map-owned and shared by every Request belonging to one PdpRequests
// (spec.md §4.F Invariant F1: callbacks are always for the currently
// publishing Request, delivered on the modify-lock holder's thread).
type RequestListener interface {
	Success(pdpName string)
	Failure(pdpName, reason string)
	RetryCountExhausted(pdpName string)
}

// RequestParams bundles the collaborators a Request needs: the
// dispatcher to register/unregister its response listener on, the
// timer manager to schedule its timeout with, and the publisher to
// enqueue its messages on. One RequestParams is shared by every
// Request of the same variant kind within a PdpModifyRequestMap.
type RequestParams struct {
	Dispatcher    *MessageDispatcher
	Timers        *TimerManager
	Publisher     *Publisher
	MaxRetryCount int

	// ModifyLock is the process-wide modify-lock (spec.md §5): every
	// callback a Request registers with Dispatcher/Timers acquires it
	// before running the corresponding *Locked method, so a whole
	// chain of state transitions executes under one critical section.
	// PdpModifyRequestMap owns this lock and assigns the same pointer
	// into every RequestParams it builds; callers constructing a
	// Request standalone (e.g. in tests) must supply their own.
	ModifyLock *sync.Mutex
}

// Validate fails fast on a missing required collaborator (spec.md §7
// invalid-argument kind), matching the teacher's constructor-validates
// convention and the original's RequestDataParams.validate().
func (self RequestParams) Validate() error {
	if self.Dispatcher == nil || self.Timers == nil || self.Publisher == nil {
		return ErrInvalidArgument
	}
	if self.ModifyLock == nil {
		return ErrInvalidArgument
	}
	if self.MaxRetryCount < 0 {
		return ErrInvalidArgument
	}
	return nil
}

// Request is one outbound message's full lifecycle: enqueue, await
// response, match, retry, replace (spec.md §3/§4.E). A Request is
// exactly-one-owner: it lives in a single PdpRequests slot at a time.
type Request struct {
	// name is the fixed log tag established at construction. Per
	// spec.md §9 Open Question (b), this module resolves the
	// original's mid-flight renaming by keeping the log tag stable and
	// only varying the per-call message-type suffix in log lines.
	name    string
	variant Variant
	params  RequestParams

	log *logging.Logger

	state      State
	message    models.PdpMessage
	retryCount int

	token    *QueueToken
	timer    *Timer
	listener RequestListener
}

// NewRequest constructs a Request for name, carrying variant's
// semantics, wrapping the initial message. params must validate.
func NewRequest(name string, variant Variant, message models.PdpMessage, params RequestParams) (*Request, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if message == nil || message.Kind() != variant.Kind() {
		return nil, ErrWrongSubtype
	}
	if message.RequestID() == "" {
		message.SetRequestID(uuid.NewString())
	}

	return &Request{
		name:    name,
		variant: variant,
		params:  params,
		log:     logging.GetLogger(logging.RequestComponent).WithField("pdp", name),
		state:   StateIdle,
		message: message,
	}, nil
}

// SetListener installs the Map-owned listener. Must be called before
// StartPublishing (spec.md §3 "a non-null listener (set by PdpRequests
// before publishing)").
func (self *Request) SetListener(listener RequestListener) {
	self.listener = listener
}

func (self *Request) Name() string             { return self.name }
func (self *Request) State() State              { return self.state }
func (self *Request) Message() models.PdpMessage { return self.message }
func (self *Request) Priority() int             { return self.variant.Priority() }
func (self *Request) RetryCount() int           { return self.retryCount }

// Token returns the QueueToken this Request last enqueued onto, which
// may already have been drained by the Publisher. Used by
// PdpRequests.StartNextRequest to hand a just-completed Request's
// token to whichever Request runs next.
func (self *Request) Token() *QueueToken { return self.token }

// IsPublishing reports whether this Request currently holds a live
// listener registration, timer, and token - Invariant R1.
func (self *Request) IsPublishing() bool {
	return self.state == StatePublishing
}

// IsSameContent delegates to the variant's content-equality rule,
// used by PdpRequests.AddSingleton to decide whether a new request is
// redundant against the one already pending/active.
func (self *Request) IsSameContent(other *Request) bool {
	if other == nil || other.variant.Kind() != self.variant.Kind() {
		return false
	}
	return self.variant.IsSameContent(self.message, other.message)
}

func (self *Request) resetRetryCount() {
	self.retryCount = 0
}

// BumpRetryCount returns false, and leaves the count unchanged, once
// the configured limit has been reached (spec.md Invariant R2).
func (self *Request) BumpRetryCount() bool {
	if self.retryCount >= self.params.MaxRetryCount {
		return false
	}
	self.retryCount++
	return true
}

// StartPublishing registers the response listener and timeout, and
// places the message on the Publisher's queue - either by superseding
// preferredToken in place, or by minting and enqueuing a fresh token.
// Illegal (fail-fast) if no listener has been set. Idempotent: a
// second call while already PUBLISHING is a no-op (spec.md §4.E).
func (self *Request) StartPublishing(preferredToken *QueueToken) error {
	if self.listener == nil {
		return ErrListenerNotSet
	}
	if self.state == StatePublishing {
		return nil
	}

	self.params.Dispatcher.Register(self.message.RequestID(), self.dispatchCallback)
	self.timer = self.params.Timers.Register(self.name, self.timeoutCallback)

	self.enqueue(preferredToken)

	self.state = StatePublishing
	stats.RequestsPublished.WithLabelValues(string(self.variant.Kind())).Inc()
	self.log.Info("%s %s publishing, requestId=%s", self.name, self.variant.Kind(), self.message.RequestID())
	return nil
}

// enqueue places self.message into the live token, or mints a new one
// and enqueues it on the Publisher, per spec.md §4.B/§4.E.
func (self *Request) enqueue(preferredToken *QueueToken) {
	if preferredToken != nil {
		if _, replaced := preferredToken.ReplaceItem(self.message); replaced {
			self.token = preferredToken
			return
		}
	} else if self.token != nil {
		if _, replaced := self.token.ReplaceItem(self.message); replaced {
			return
		}
	}

	self.token = NewQueueToken(self.message)
	self.params.Publisher.Enqueue(self.token)
}

// Reconfigure swaps the message this Request is tracking. Returns
// changedKind=true if the new message is of a different MessageKind
// than this Request's variant (the caller - PdpRequests - may need to
// re-evaluate identity in that case, though in practice a Request's
// variant is fixed at construction and a kind change is rejected
// below rather than silently accepted).
func (self *Request) Reconfigure(newMessage models.PdpMessage, replacementToken *QueueToken) (changedKind bool, err error) {
	if newMessage == nil {
		return false, ErrInvalidArgument
	}
	if newMessage.Kind() != self.variant.Kind() {
		return true, ErrWrongSubtype
	}
	if newMessage.RequestID() == "" {
		newMessage.SetRequestID(uuid.NewString())
	}

	wasPublishing := self.state == StatePublishing
	oldID := ""
	if self.message != nil {
		oldID = self.message.RequestID()
	}

	if wasPublishing {
		if self.timer != nil {
			self.timer.Cancel()
		}
		self.params.Dispatcher.Unregister(oldID)
	}

	self.message = newMessage
	self.resetRetryCount()

	if wasPublishing {
		self.params.Dispatcher.Register(newMessage.RequestID(), self.dispatchCallback)
		self.timer = self.params.Timers.Register(self.name, self.timeoutCallback)

		if replacementToken != nil {
			replacementToken.ReplaceItem(newMessage)
			self.token = replacementToken
		} else {
			self.enqueue(self.token)
		}
	}

	return false, nil
}

// StopPublishing unregisters the listener and cancels the timer. If
// retainToken, the token's slot is emptied in place (the Publisher
// will silently skip it); otherwise the still-loaded token is returned
// to the caller so it can be handed to the next Request via
// StartPublishing(preferredToken) - the coalescing mechanism behind
// PdpRequests.StartNextRequest.
func (self *Request) StopPublishing(retainToken bool) *QueueToken {
	if self.state != StatePublishing {
		return nil
	}

	if self.message != nil {
		self.params.Dispatcher.Unregister(self.message.RequestID())
	}
	if self.timer != nil {
		self.timer.Cancel()
		self.timer = nil
	}
	self.state = StateIdle

	token := self.token
	if retainToken {
		if token != nil {
			token.Empty()
		}
		self.token = nil
		return nil
	}

	self.token = nil
	return token
}

// dispatchCallback is what actually gets registered with the
// MessageDispatcher: it acquires the modify-lock before running
// processResponseLocked, so the Dispatcher's delivery thread never
// touches Request state without holding it.
func (self *Request) dispatchCallback(status *models.PdpStatus) {
	self.params.ModifyLock.Lock()
	defer self.params.ModifyLock.Unlock()
	self.processResponseLocked(status)
}

// timeoutCallback is what actually gets registered with the
// TimerManager: it acquires the modify-lock before running
// handleTimeoutLocked, so the timer worker's thread never touches
// Request state without holding it.
func (self *Request) timeoutCallback(key string) {
	self.params.ModifyLock.Lock()
	defer self.params.ModifyLock.Unlock()
	self.handleTimeoutLocked(key)
}

// processResponseLocked validates an inbound status against the
// current message and transitions out of PUBLISHING. It runs from
// dispatchCallback, which is what is registered with the
// MessageDispatcher under the outgoing message's requestId and which
// acquires the modify-lock first; a direct caller must hold the
// modify-lock.
func (self *Request) processResponseLocked(status *models.PdpStatus) {
	if self.state != StatePublishing {
		// This particular request must have been discarded already.
		return
	}

	// Unregister and cancel directly, deliberately leaving self.token
	// untouched: by the time a response arrives the Publisher has
	// already drained it, and PdpRequests.StartNextRequest hands this
	// same token to whichever Request runs next so the Publisher sees
	// one supersede rather than a fresh enqueue.
	if self.message != nil {
		self.params.Dispatcher.Unregister(self.message.RequestID())
	}
	if self.timer != nil {
		self.timer.Cancel()
		self.timer = nil
	}

	reason := self.checkResponse(status)
	if reason != "" {
		self.state = StateCompletedFail
		self.log.Info("%s PDP data mismatch: %s", self.name, reason)
		stats.RequestsFailed.WithLabelValues(reason).Inc()
		self.listener.Failure(self.effectiveName(status), reason)
		return
	}

	self.state = StateCompletedOK
	self.log.Info("%s %s successful", self.name, self.variant.Kind())
	stats.RequestsSucceeded.WithLabelValues(string(self.variant.Kind())).Inc()
	self.listener.Success(self.effectiveName(status))
}

// effectiveName returns the PDP name the listener should be told about.
// A targeted outgoing message already knows its own PDP identity, and
// that identity - not whatever name a mismatched response carries - is
// what the Map keys its PdpRequests entries by, so it takes priority.
// Only for a broadcast outgoing message (TargetName() == "") is the
// response the sole place the actual target is known (spec.md "if the
// outgoing name was null (broadcast), the response name is accepted as
// the effective target").
func (self *Request) effectiveName(status *models.PdpStatus) string {
	if target := self.message.TargetName(); target != "" {
		return target
	}
	return status.Name
}

// checkResponse implements spec.md §4.E's common base validation, then
// delegates to the variant for the kind-specific rules.
func (self *Request) checkResponse(status *models.PdpStatus) string {
	if status.Name == "" {
		return "null PDP name"
	}

	target := self.message.TargetName()
	if target != "" && status.Name != target {
		return "PDP name does not match"
	}

	return self.variant.CheckResponse(self.message, status)
}

// handleTimeoutLocked runs from timeoutCallback, which is what is
// registered with the TimerManager and which acquires the modify-lock
// first; a direct caller must hold the modify-lock.
func (self *Request) handleTimeoutLocked(_ string) {
	if self.state != StatePublishing {
		return
	}

	// Unregister the listener and cancel the timer directly, WITHOUT
	// touching the token - isInQueue below needs to inspect it as it
	// stood at the moment of timeout.
	if self.message != nil {
		self.params.Dispatcher.Unregister(self.message.RequestID())
	}
	if self.timer != nil {
		self.timer.Cancel()
		self.timer = nil
	}
	self.state = StateIdle

	if self.isInQueue() {
		// Never actually sent - leave it in the queue, just reset
		// counts and restart the bookkeeping cleanly.
		self.log.Info("%s timeout - request still in the queue", self.name)
		self.resetRetryCount()
		_ = self.StartPublishing(self.token)
		return
	}

	if !self.BumpRetryCount() {
		self.log.Info("%s timeout - retry count exhausted", self.name)
		self.state = StateCompletedFail
		stats.RequestsFailed.WithLabelValues("retry count exhausted").Inc()
		self.listener.RetryCountExhausted(self.name)
		return
	}

	self.log.Info("%s timeout - re-publish", self.name)
	stats.RequestsRetried.WithLabelValues(string(self.variant.Kind())).Inc()
	_ = self.StartPublishing(self.token)
}

// isInQueue reports whether the current message is still sitting,
// unsent, in its token's slot - i.e. the Publisher has not yet drained
// it (spec.md §4.E handleTimeout).
func (self *Request) isInQueue() bool {
	if self.token == nil {
		return false
	}
	return self.token.Get() == self.message
}
