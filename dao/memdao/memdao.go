// Package memdao is an in-memory dao.PolicyStoreDAO, used by tests and
// by standalone/demo deployments that have no real policy-store
// backend configured.
package memdao

import (
	"sync"

	"www.velocidex.com/golang/pap-modify-core/dao"
	"www.velocidex.com/golang/pap-modify-core/models"
)

type MemDAO struct {
	mu       sync.Mutex
	groups   []*models.PdpGroup
	policies []models.ToscaPolicy
}

func New() *MemDAO {
	return &MemDAO{}
}

// SeedGroups installs the initial set of groups a test wants visible
// to GetFilteredPdpGroups/UpdatePdpGroups. Not part of dao.PolicyStoreDAO.
func (self *MemDAO) SeedGroups(groups []*models.PdpGroup) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.groups = groups
}

// SeedPolicies installs the policies GetPolicyList/GetFilteredPolicyList
// serve from. Not part of dao.PolicyStoreDAO.
func (self *MemDAO) SeedPolicies(policies []models.ToscaPolicy) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.policies = policies
}

// Groups returns the current group set, for test assertions after an
// UpdatePdpGroups call.
func (self *MemDAO) Groups() []*models.PdpGroup {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.groups
}

func (self *MemDAO) GetFilteredPdpGroups(filter dao.GroupFilter) ([]*models.PdpGroup, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	if filter.PdpInstanceId == "" {
		return self.groups, nil
	}

	var matched []*models.PdpGroup
	for _, group := range self.groups {
		found := false
		for _, sub := range group.SubGroups {
			for _, instance := range sub.Instances {
				if instance == filter.PdpInstanceId {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if found {
			matched = append(matched, group)
		}
	}
	return matched, nil
}

func (self *MemDAO) UpdatePdpGroups(groups []*models.PdpGroup) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	byName := make(map[string]*models.PdpGroup, len(self.groups))
	for _, g := range self.groups {
		byName[g.Name] = g
	}
	for _, updated := range groups {
		byName[updated.Name] = updated
	}

	merged := make([]*models.PdpGroup, 0, len(byName))
	for _, g := range byName {
		merged = append(merged, g)
	}
	self.groups = merged
	return nil
}

func (self *MemDAO) GetPolicyList(name, version string) ([]models.ToscaPolicy, error) {
	return self.GetFilteredPolicyList(dao.PolicyFilter{Name: name, Version: version})
}

func (self *MemDAO) GetFilteredPolicyList(filter dao.PolicyFilter) ([]models.ToscaPolicy, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	var matched []models.ToscaPolicy
	for _, p := range self.policies {
		if p.Identifier.Name != filter.Name {
			continue
		}
		if filter.Version != "" && p.Identifier.Version != filter.Version {
			continue
		}
		matched = append(matched, p)
	}
	return matched, nil
}
