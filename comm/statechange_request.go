package comm

import (
	"fmt"

	"www.velocidex.com/golang/pap-modify-core/models"
)

// stateChangeVariant implements Variant for PdpStateChange messages
// (spec.md §4.E "StateChangeReq").
type stateChangeVariant struct{}

// StateChangeVariant is the shared Variant for every STATE-CHANGE
// Request.
var StateChangeVariant Variant = stateChangeVariant{}

func (stateChangeVariant) Priority() int            { return PriorityStateChange }
func (stateChangeVariant) Kind() models.MessageKind { return models.MessageKindStateChange }

func (stateChangeVariant) CheckResponse(message models.PdpMessage, response *models.PdpStatus) string {
	stateChange, ok := message.(*models.PdpStateChange)
	if !ok {
		return "internal error: not a state-change message"
	}

	if response.State != stateChange.State {
		return fmt.Sprintf("state is %s, but expected %s", response.State, stateChange.State)
	}
	return ""
}

func (stateChangeVariant) IsSameContent(a, b models.PdpMessage) bool {
	first, ok1 := a.(*models.PdpStateChange)
	second, ok2 := b.(*models.PdpStateChange)
	if !ok1 || !ok2 {
		return false
	}
	return first.State == second.State
}
