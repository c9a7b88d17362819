package comm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"www.velocidex.com/golang/pap-modify-core/dao/memdao"
	"www.velocidex.com/golang/pap-modify-core/models"
)

// Scenario 6: heartbeat loss evicts the PDP from its sub-group and
// stops publishing to it.
func TestHeartbeatLossEvictsPdp(t *testing.T) {
	h := newMapHarness(t, 1)
	defer h.stop()

	sub := &models.PdpSubGroup{PdpType: "T", Instances: []string{"pdp_1", "pdp_2"}, CurrentInstanceCount: 2}
	h.dao.SeedGroups([]*models.PdpGroup{{Name: "G", SubGroups: []*models.PdpSubGroup{sub}}})

	require.NoError(t, h.modifyMap.AddStateChange(&models.PdpStateChange{Name: "pdp_1", State: models.PdpStateActive}))
	waitForSentCount(t, h.bus, 1)

	tracker := NewPdpTracker(20, 3, h.dao, h.modifyMap)
	defer tracker.Stop()

	tracker.OnHeartbeat(&models.PdpStatus{Name: "pdp_1"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !containsInstance(sub.Instances, "pdp_1") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	assert.ElementsMatch(t, []string{"pdp_2"}, sub.Instances)
	assert.Equal(t, 1, sub.CurrentInstanceCount)
}

func TestHeartbeatResetsTimer(t *testing.T) {
	store := memdao.New()
	h := newMapHarness(t, 1)
	defer h.stop()

	tracker := NewPdpTracker(30, 3, store, h.modifyMap)
	defer tracker.Stop()

	tracker.OnHeartbeat(&models.PdpStatus{Name: "pdp_1"})
	time.Sleep(60 * time.Millisecond)
	tracker.OnHeartbeat(&models.PdpStatus{Name: "pdp_1"})

	// A heartbeat that keeps arriving within the threshold never evicts.
	time.Sleep(60 * time.Millisecond)
	assert.NotPanics(t, func() { tracker.OnHeartbeat(&models.PdpStatus{Name: "pdp_1"}) })
}

func containsInstance(instances []string, name string) bool {
	for _, i := range instances {
		if i == name {
			return true
		}
	}
	return false
}
