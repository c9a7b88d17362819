// Package models holds the wire and persisted data model shared by the
// PDP modification core: outbound PdpMessage variants, the inbound
// PdpStatus envelope, policy identifiers, and the group/sub-group
// records mutated during disable-PDP recovery.
package models

// PdpState is the lifecycle state a PDP can be commanded into, or can
// report itself as being in.
type PdpState string

const (
	PdpStatePassive    PdpState = "PASSIVE"
	PdpStateSafe       PdpState = "SAFE"
	PdpStateActive     PdpState = "ACTIVE"
	PdpStateTerminated PdpState = "TERMINATED"
)

// MessageKind discriminates the two outbound message kinds. Modeled as
// a tagged variant rather than a class hierarchy, per spec.md's
// explicit direction against inheritance-based polymorphism.
type MessageKind string

const (
	MessageKindUpdate      MessageKind = "PDP_UPDATE"
	MessageKindStateChange MessageKind = "PDP_STATE_CHANGE"
)

// PdpMessage is implemented by *PdpUpdate and *PdpStateChange. A nil
// Name means "broadcast" — no specific PDP is targeted.
type PdpMessage interface {
	Kind() MessageKind
	TargetName() string
	RequestID() string
	SetRequestID(id string)
}

// ToscaPolicyIdentifier names a policy by name+version, the identity
// used for set comparisons independent of the policy's full body.
type ToscaPolicyIdentifier struct {
	Name    string
	Version string
}

// ToscaPolicy is a full policy body. Only Identifier is used for the
// UpdateReq response-matching rule; the rest of the fields matter for
// isSameContent's full-object equality, so it is kept as a value
// struct that compares with ==.
type ToscaPolicy struct {
	Identifier ToscaPolicyIdentifier
	Type       string
	Version    string
}

// PdpUpdate instructs a PDP which group/subgroup/policy set to host. A
// nil-equivalent PdpGroup/PdpSubgroup ("") together with an empty
// Policies list detaches the PDP from any assignment.
type PdpUpdate struct {
	Name        string
	PdpGroup    string
	PdpSubgroup string
	Policies    []ToscaPolicy
	Id          string
}

func (self *PdpUpdate) Kind() MessageKind      { return MessageKindUpdate }
func (self *PdpUpdate) TargetName() string     { return self.Name }
func (self *PdpUpdate) RequestID() string      { return self.Id }
func (self *PdpUpdate) SetRequestID(id string) { self.Id = id }

// PdpStateChange instructs a PDP to move to a new lifecycle state.
type PdpStateChange struct {
	Name  string
	State PdpState
	Id    string
}

func (self *PdpStateChange) Kind() MessageKind      { return MessageKindStateChange }
func (self *PdpStateChange) TargetName() string     { return self.Name }
func (self *PdpStateChange) RequestID() string      { return self.Id }
func (self *PdpStateChange) SetRequestID(id string) { self.Id = id }

// PdpStatus is the inbound response/heartbeat envelope. RequestId is
// empty for anonymous heartbeats. ResponseTo carries the correlation id
// when Response (the primary field) is absent - spec.md §4.D's
// "response then fallback responseTo".
type PdpStatus struct {
	Name        string
	RequestId   string
	Response    string
	ResponseTo  string
	PdpGroup    string
	PdpSubgroup string
	State       PdpState
	Policies    []ToscaPolicyIdentifier
	MessageName string

	// Heartbeat metadata.
	HeartbeatIntervalMs int64
}

// CorrelationID returns the id this status should be routed against:
// Response if set, else ResponseTo, else "" (anonymous/heartbeat).
func (self *PdpStatus) CorrelationID() string {
	if self.Response != "" {
		return self.Response
	}
	return self.ResponseTo
}

// PdpSubGroup is a sub-group record: a type and the instance ids of the
// PDPs currently assigned to it.
type PdpSubGroup struct {
	PdpType              string
	Instances            []string
	CurrentInstanceCount int
}

// RemoveInstance removes pdpName from Instances and decrements the
// current instance count, reporting whether the instance was present.
func (self *PdpSubGroup) RemoveInstance(pdpName string) bool {
	for i, inst := range self.Instances {
		if inst == pdpName {
			self.Instances = append(self.Instances[:i], self.Instances[i+1:]...)
			if self.CurrentInstanceCount > 0 {
				self.CurrentInstanceCount--
			}
			return true
		}
	}
	return false
}

// PdpGroup is a group record: a name, a lifecycle state, and its
// sub-groups.
type PdpGroup struct {
	Name       string
	State      PdpState
	SubGroups  []*PdpSubGroup
}
