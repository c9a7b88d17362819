// Package restshim is the typed façade in front of the REST
// collaborator spec.md §6 leaves unspecified ("operator commands
// arrive here and call into the Map. Not specified further."). It
// decodes operator-submitted form payloads with gorilla/schema and
// delegates to a PdpModifyRequestMap, so the REST transport itself
// (left out of this module's scope) only needs to hand this shim a
// decoded url.Values.
package restshim

import (
	"net/url"

	"github.com/gorilla/schema"
	"github.com/pkg/errors"

	"www.velocidex.com/golang/pap-modify-core/comm"
	"www.velocidex.com/golang/pap-modify-core/logging"
	"www.velocidex.com/golang/pap-modify-core/models"
)

var decoder = schema.NewDecoder()

func init() {
	decoder.IgnoreUnknownKeys(true)
}

// UpdateForm is the operator-submitted shape of an UPDATE command.
type UpdateForm struct {
	PdpName     string   `schema:"pdp_name,required"`
	PdpGroup    string   `schema:"pdp_group"`
	PdpSubgroup string   `schema:"pdp_subgroup"`
	PolicyNames []string `schema:"policy_name"`
	PolicyVers  []string `schema:"policy_version"`
}

// StateChangeForm is the operator-submitted shape of a STATE-CHANGE
// command.
type StateChangeForm struct {
	PdpName string `schema:"pdp_name,required"`
	State   string `schema:"state,required"`
}

// Shim wraps a PdpModifyRequestMap with the decode-then-delegate
// operations the REST layer needs.
type Shim struct {
	modifyMap *comm.PdpModifyRequestMap
	log       *logging.Logger
}

func New(modifyMap *comm.PdpModifyRequestMap) *Shim {
	return &Shim{
		modifyMap: modifyMap,
		log:       logging.GetLogger(logging.CoreComponent).WithField("component", "restshim"),
	}
}

// SubmitUpdate decodes form into an UpdateForm and forwards it as an
// UPDATE request.
func (self *Shim) SubmitUpdate(form url.Values) error {
	var decoded UpdateForm
	if err := decoder.Decode(&decoded, form); err != nil {
		return errors.Wrap(err, "decoding update form")
	}
	if len(decoded.PolicyNames) != len(decoded.PolicyVers) {
		return errors.New("policy_name and policy_version count mismatch")
	}

	policies := make([]models.ToscaPolicy, len(decoded.PolicyNames))
	for i, name := range decoded.PolicyNames {
		policies[i] = models.ToscaPolicy{
			Identifier: models.ToscaPolicyIdentifier{Name: name, Version: decoded.PolicyVers[i]},
		}
	}

	self.log.Info("operator UPDATE for %s: group=%s subgroup=%s", decoded.PdpName, decoded.PdpGroup, decoded.PdpSubgroup)
	return self.modifyMap.AddUpdate(&models.PdpUpdate{
		Name:        decoded.PdpName,
		PdpGroup:    decoded.PdpGroup,
		PdpSubgroup: decoded.PdpSubgroup,
		Policies:    policies,
	})
}

// SubmitStateChange decodes form into a StateChangeForm and forwards
// it as a STATE-CHANGE request.
func (self *Shim) SubmitStateChange(form url.Values) error {
	var decoded StateChangeForm
	if err := decoder.Decode(&decoded, form); err != nil {
		return errors.Wrap(err, "decoding state-change form")
	}

	state := models.PdpState(decoded.State)
	switch state {
	case models.PdpStatePassive, models.PdpStateSafe, models.PdpStateActive, models.PdpStateTerminated:
	default:
		return errors.Errorf("unknown PDP state %q", decoded.State)
	}

	self.log.Info("operator STATE-CHANGE for %s: state=%s", decoded.PdpName, state)
	return self.modifyMap.AddStateChange(&models.PdpStateChange{
		Name:  decoded.PdpName,
		State: state,
	})
}

// StopPublishing forwards an operator cancel command.
func (self *Shim) StopPublishing(pdpName string) {
	self.modifyMap.StopPublishing(pdpName)
}
