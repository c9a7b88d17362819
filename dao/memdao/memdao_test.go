package memdao

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"www.velocidex.com/golang/pap-modify-core/dao"
	"www.velocidex.com/golang/pap-modify-core/models"
)

func TestGetFilteredPdpGroupsMatchesByInstance(t *testing.T) {
	store := New()
	subA := &models.PdpSubGroup{PdpType: "T", Instances: []string{"pdp_1", "pdp_2"}}
	subB := &models.PdpSubGroup{PdpType: "T", Instances: []string{"pdp_3"}}
	store.SeedGroups([]*models.PdpGroup{
		{Name: "G1", SubGroups: []*models.PdpSubGroup{subA}},
		{Name: "G2", SubGroups: []*models.PdpSubGroup{subB}},
	})

	matched, err := store.GetFilteredPdpGroups(dao.GroupFilter{PdpInstanceId: "pdp_2"})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "G1", matched[0].Name)
}

func TestGetFilteredPdpGroupsNoFilterReturnsAll(t *testing.T) {
	store := New()
	groups := []*models.PdpGroup{{Name: "G1"}, {Name: "G2"}}
	store.SeedGroups(groups)

	matched, err := store.GetFilteredPdpGroups(dao.GroupFilter{})
	require.NoError(t, err)
	assert.Len(t, matched, 2)
}

func TestGetFilteredPdpGroupsNoMatch(t *testing.T) {
	store := New()
	store.SeedGroups([]*models.PdpGroup{
		{Name: "G1", SubGroups: []*models.PdpSubGroup{{Instances: []string{"pdp_1"}}}},
	})

	matched, err := store.GetFilteredPdpGroups(dao.GroupFilter{PdpInstanceId: "pdp_nope"})
	require.NoError(t, err)
	assert.Empty(t, matched)
}

func TestUpdatePdpGroupsMergesByName(t *testing.T) {
	store := New()
	original := &models.PdpGroup{Name: "G1", State: models.PdpStateActive}
	store.SeedGroups([]*models.PdpGroup{original})

	updated := &models.PdpGroup{Name: "G1", State: models.PdpStateSafe}
	require.NoError(t, store.UpdatePdpGroups([]*models.PdpGroup{updated}))

	groups := store.Groups()
	require.Len(t, groups, 1)
	assert.Equal(t, models.PdpStateSafe, groups[0].State)
}

func TestUpdatePdpGroupsAddsNewGroup(t *testing.T) {
	store := New()
	store.SeedGroups([]*models.PdpGroup{{Name: "G1"}})

	require.NoError(t, store.UpdatePdpGroups([]*models.PdpGroup{{Name: "G2"}}))
	assert.Len(t, store.Groups(), 2)
}

func TestGetFilteredPolicyListFiltersByVersion(t *testing.T) {
	store := New()
	store.SeedPolicies([]models.ToscaPolicy{
		{Identifier: models.ToscaPolicyIdentifier{Name: "p1", Version: "1.0.0"}},
		{Identifier: models.ToscaPolicyIdentifier{Name: "p1", Version: "2.0.0"}},
		{Identifier: models.ToscaPolicyIdentifier{Name: "p2", Version: "1.0.0"}},
	})

	matched, err := store.GetFilteredPolicyList(dao.PolicyFilter{Name: "p1", Version: "2.0.0"})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "2.0.0", matched[0].Identifier.Version)
}

func TestGetFilteredPolicyListNoMatchReturnsEmpty(t *testing.T) {
	store := New()
	store.SeedPolicies([]models.ToscaPolicy{{Identifier: models.ToscaPolicyIdentifier{Name: "p1", Version: "1.0.0"}}})

	matched, err := store.GetFilteredPolicyList(dao.PolicyFilter{Name: "does-not-exist"})
	require.NoError(t, err)
	assert.Empty(t, matched)
}

func TestGetPolicyListDelegatesToFilteredList(t *testing.T) {
	store := New()
	store.SeedPolicies([]models.ToscaPolicy{{Identifier: models.ToscaPolicyIdentifier{Name: "p1", Version: "1.0.0"}}})

	matched, err := store.GetPolicyList("p1", "1.0.0")
	require.NoError(t, err)
	require.Len(t, matched, 1)
}

var _ dao.PolicyStoreDAO = (*MemDAO)(nil)
