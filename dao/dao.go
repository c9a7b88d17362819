// Package dao is the policy-store persistence boundary consumed by the
// modification core's disable-PDP recovery path (spec.md §6 "Policy
// store (DAO)"). It exposes exactly the operations the core needs and
// nothing else - callers never retry a DAO operation internally; a
// failure is logged and recovery proceeds regardless (spec.md §7
// "Persistence failure").
package dao

import "www.velocidex.com/golang/pap-modify-core/models"

// GroupFilter selects PdpGroup records by the PDP instance id they
// contain. An empty PdpInstanceId matches every group - callers in
// this module always set it.
type GroupFilter struct {
	PdpInstanceId string
}

// PolicyFilter selects policies by name and, optionally, version.
type PolicyFilter struct {
	Name    string
	Version string
}

// PolicyStoreDAO is the persistence boundary the core consumes.
// Implementations must be safe for concurrent use; the core itself
// only ever calls in while holding the modify-lock; it performs no
// internal retries.
type PolicyStoreDAO interface {
	// GetFilteredPdpGroups returns every PdpGroup containing filter's
	// PdpInstanceId in any sub-group's instance list.
	GetFilteredPdpGroups(filter GroupFilter) ([]*models.PdpGroup, error)

	// UpdatePdpGroups persists mutated groups back to the store.
	UpdatePdpGroups(groups []*models.PdpGroup) error

	// GetPolicyList returns the single policy identified by name and
	// version.
	GetPolicyList(name, version string) ([]models.ToscaPolicy, error)

	// GetFilteredPolicyList returns every policy matching filter; an
	// empty Version matches every version of Name.
	GetFilteredPolicyList(filter PolicyFilter) ([]models.ToscaPolicy, error)
}
