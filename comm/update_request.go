package comm

import "www.velocidex.com/golang/pap-modify-core/models"

// updateVariant implements Variant for PdpUpdate messages
// (spec.md §4.E "UpdateReq").
type updateVariant struct{}

// UpdateVariant is the shared Variant for every UPDATE Request.
var UpdateVariant Variant = updateVariant{}

func (updateVariant) Priority() int              { return PriorityUpdate }
func (updateVariant) Kind() models.MessageKind   { return models.MessageKindUpdate }

func (updateVariant) CheckResponse(message models.PdpMessage, response *models.PdpStatus) string {
	update, ok := message.(*models.PdpUpdate)
	if !ok {
		return "internal error: not an update message"
	}

	if update.PdpGroup != response.PdpGroup {
		return "group does not match"
	}
	if update.PdpSubgroup != response.PdpSubgroup {
		return "subgroup does not match"
	}

	want := identifierSetOf(policyIdentifiers(update.Policies))
	got := identifierSetOf(response.Policies)
	if !want.equals(got) {
		return "policies do not match"
	}

	return ""
}

func (updateVariant) IsSameContent(a, b models.PdpMessage) bool {
	first, ok1 := a.(*models.PdpUpdate)
	second, ok2 := b.(*models.PdpUpdate)
	if !ok1 || !ok2 {
		return false
	}

	if first.PdpGroup != second.PdpGroup {
		return false
	}
	if first.PdpSubgroup != second.PdpSubgroup {
		return false
	}

	return policySetOf(first.Policies).equals(policySetOf(second.Policies))
}

func policyIdentifiers(policies []models.ToscaPolicy) []models.ToscaPolicyIdentifier {
	ids := make([]models.ToscaPolicyIdentifier, len(policies))
	for i, p := range policies {
		ids[i] = p.Identifier
	}
	return ids
}

// identifierSet is a set of policy identifiers, used to compare an
// UpdateReq's outgoing policy list against a response's policy list
// (spec.md "the set of policy identifiers ... equals the set ...").
type identifierSet map[models.ToscaPolicyIdentifier]struct{}

func identifierSetOf(ids []models.ToscaPolicyIdentifier) identifierSet {
	set := make(identifierSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (self identifierSet) equals(other identifierSet) bool {
	if len(self) != len(other) {
		return false
	}
	for id := range self {
		if _, ok := other[id]; !ok {
			return false
		}
	}
	return true
}

// policySet is a set of full ToscaPolicy values, used by
// isSameContent's full-object equality rule (as opposed to identifier
// equality, used for response matching).
type policySet map[models.ToscaPolicy]struct{}

func policySetOf(policies []models.ToscaPolicy) policySet {
	set := make(policySet, len(policies))
	for _, p := range policies {
		set[p] = struct{}{}
	}
	return set
}

func (self policySet) equals(other policySet) bool {
	if len(self) != len(other) {
		return false
	}
	for p := range self {
		if _, ok := other[p]; !ok {
			return false
		}
	}
	return true
}
