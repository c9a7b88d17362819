package comm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"www.velocidex.com/golang/pap-modify-core/bus/membus"
	"www.velocidex.com/golang/pap-modify-core/dao"
	"www.velocidex.com/golang/pap-modify-core/dao/memdao"
	"www.velocidex.com/golang/pap-modify-core/logging"
	"www.velocidex.com/golang/pap-modify-core/models"
)

// countingDAO wraps a MemDAO and counts UpdatePdpGroups calls, so tests
// can assert the exact call count spec.md's end-to-end scenarios name.
type countingDAO struct {
	*memdao.MemDAO
	updateCalls int
}

func (self *countingDAO) UpdatePdpGroups(groups []*models.PdpGroup) error {
	self.updateCalls++
	return self.MemDAO.UpdatePdpGroups(groups)
}

var _ dao.PolicyStoreDAO = (*countingDAO)(nil)

type mapHarness struct {
	bus       *membus.Bus
	dao       *countingDAO
	dispatch  *MessageDispatcher
	modifyMap *PdpModifyRequestMap
	stop      func()
}

func newMapHarness(t *testing.T, maxRetryCount int) *mapHarness {
	t.Helper()

	b := membus.New()
	store := &countingDAO{MemDAO: memdao.New()}
	dispatcher := NewMessageDispatcher()
	publisher := NewPublisher("topic", b)
	updateTimers := NewTimerManager("update", 80*time.Millisecond)
	stateChangeTimers := NewTimerManager("statechange", 80*time.Millisecond)

	modifyMap := NewPdpModifyRequestMap(MapParams{
		UpdateParams: RequestParams{
			Dispatcher:    dispatcher,
			Timers:        updateTimers,
			Publisher:     publisher,
			MaxRetryCount: maxRetryCount,
		},
		StateChangeParams: RequestParams{
			Dispatcher:    dispatcher,
			Timers:        stateChangeTimers,
			Publisher:     publisher,
			MaxRetryCount: maxRetryCount,
		},
		DAO: store,
	})

	return &mapHarness{
		bus:       b,
		dao:       store,
		dispatch:  dispatcher,
		modifyMap: modifyMap,
		stop: func() {
			publisher.Stop()
			updateTimers.Stop()
			stateChangeTimers.Stop()
		},
	}
}

func waitForSentCount(t *testing.T, b *membus.Bus, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(b.Sent) >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sent messages, got %d", n, len(b.Sent))
}

// Scenario 1: happy update.
func TestHappyUpdate(t *testing.T) {
	h := newMapHarness(t, 2)
	defer h.stop()

	err := h.modifyMap.AddUpdate(&models.PdpUpdate{
		Name: "pdp_1", PdpGroup: "G", PdpSubgroup: "S",
		Policies: []models.ToscaPolicy{{Identifier: models.ToscaPolicyIdentifier{Name: "p1", Version: "1.0.0"}}},
	})
	require.NoError(t, err)

	waitForSentCount(t, h.bus, 1)
	sent := h.bus.Sent[0].(*models.PdpUpdate)

	h.dispatch.Dispatch(&models.PdpStatus{
		Name: "pdp_1", ResponseTo: sent.RequestID(),
		PdpGroup: "G", PdpSubgroup: "S",
		Policies: []models.ToscaPolicyIdentifier{{Name: "p1", Version: "1.0.0"}},
	})

	assert.Equal(t, 1, len(h.bus.Sent))
}

// Scenario 2: mismatched state triggers disable-PDP recovery.
func TestMismatchedStateTriggersRecovery(t *testing.T) {
	h := newMapHarness(t, 2)
	defer h.stop()

	err := h.modifyMap.AddStateChange(&models.PdpStateChange{Name: "pdp_1", State: models.PdpStateActive})
	require.NoError(t, err)

	waitForSentCount(t, h.bus, 1)
	sent := h.bus.Sent[0].(*models.PdpStateChange)

	h.dispatch.Dispatch(&models.PdpStatus{
		Name: "pdp_1", ResponseTo: sent.RequestID(), State: models.PdpStateSafe,
	})

	// Recovery issues a corrective STATE-CHANGE(PASSIVE); the PDP was
	// in no group, so no corrective UPDATE accompanies it.
	waitForSentCount(t, h.bus, 2)
	corrective := h.bus.Sent[1].(*models.PdpStateChange)
	assert.Equal(t, "pdp_1", corrective.Name)
	assert.Equal(t, models.PdpStatePassive, corrective.State)
}

// Scenario 3: coalesced supersede - a second addRequest before the
// Publisher drains collapses into a single transmitted message. Built
// on a frozen, non-draining Publisher so the race the scenario
// describes ("before Publisher drains") is guaranteed rather than
// merely likely.
func TestCoalescedSupersede(t *testing.T) {
	frozenPublisher := &Publisher{
		topic:  "topic",
		sink:   membus.New(),
		log:    logging.GetLogger(logging.PublisherComponent),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	store := memdao.New()
	dispatcher := NewMessageDispatcher()
	timers := NewTimerManager("update", time.Second)
	defer timers.Stop()

	modifyMap := NewPdpModifyRequestMap(MapParams{
		UpdateParams: RequestParams{
			Dispatcher:    dispatcher,
			Timers:        timers,
			Publisher:     frozenPublisher,
			MaxRetryCount: 1,
		},
		StateChangeParams: RequestParams{
			Dispatcher:    dispatcher,
			Timers:        timers,
			Publisher:     frozenPublisher,
			MaxRetryCount: 1,
		},
		DAO: store,
	})

	require.NoError(t, modifyMap.AddUpdate(&models.PdpUpdate{
		Name: "pdp_1", PdpGroup: "G",
		Policies: []models.ToscaPolicy{{Identifier: models.ToscaPolicyIdentifier{Name: "p1", Version: "1.0.0"}}},
	}))
	require.NoError(t, modifyMap.AddUpdate(&models.PdpUpdate{
		Name: "pdp_1", PdpGroup: "G",
		Policies: []models.ToscaPolicy{
			{Identifier: models.ToscaPolicyIdentifier{Name: "p1", Version: "1.0.0"}},
			{Identifier: models.ToscaPolicyIdentifier{Name: "p2", Version: "1.0.0"}},
		},
	}))

	require.Len(t, frozenPublisher.queue, 1)
	final := frozenPublisher.queue[0].Get().(*models.PdpUpdate)
	assert.Len(t, final.Policies, 2)
}

// Scenario 4: retry then exhaust - two re-publishes, then recovery.
func TestRetryThenExhaust(t *testing.T) {
	h := newMapHarness(t, 2)
	defer h.stop()

	require.NoError(t, h.modifyMap.AddStateChange(&models.PdpStateChange{Name: "pdp_1", State: models.PdpStateActive}))

	// Initial publish, plus two retries after timeout: three sends of
	// the same STATE-CHANGE before retryCountExhausted fires recovery.
	waitForSentCount(t, h.bus, 3)

	// Recovery's corrective STATE-CHANGE(PASSIVE) is the fourth send.
	waitForSentCount(t, h.bus, 4)
	corrective := h.bus.Sent[3].(*models.PdpStateChange)
	assert.Equal(t, models.PdpStatePassive, corrective.State)
}

// Scenario 5: disable-PDP recovery cleans up group membership. For a
// PDP that was in a group, recovery's detach UPDATE is added before the
// PASSIVE state-change (modify_map.go's disablePdpRecoveryLocked) and
// PdpRequests.AddSingleton starts whichever Request is added first into
// an empty entry - so the detach UPDATE, not the PASSIVE state-change,
// is what reaches the bus second. The PASSIVE state-change only reaches
// the bus once the detach UPDATE itself completes and StartNextRequest
// promotes it.
func TestDisablePdpGroupCleanup(t *testing.T) {
	h := newMapHarness(t, 2)
	defer h.stop()

	sub := &models.PdpSubGroup{PdpType: "T", Instances: []string{"pdp_1", "pdp_1x", "pdp_1y"}, CurrentInstanceCount: 3}
	h.dao.SeedGroups([]*models.PdpGroup{{Name: "G", SubGroups: []*models.PdpSubGroup{sub}}})

	require.NoError(t, h.modifyMap.AddStateChange(&models.PdpStateChange{Name: "pdp_1", State: models.PdpStateActive}))
	waitForSentCount(t, h.bus, 1)
	sent := h.bus.Sent[0].(*models.PdpStateChange)

	h.dispatch.Dispatch(&models.PdpStatus{Name: "pdp_1", ResponseTo: sent.RequestID(), State: models.PdpStateSafe})

	waitForSentCount(t, h.bus, 2)
	assert.Equal(t, 1, h.dao.updateCalls)
	assert.ElementsMatch(t, []string{"pdp_1x", "pdp_1y"}, sub.Instances)
	assert.Equal(t, 2, sub.CurrentInstanceCount)

	detach := h.bus.Sent[1].(*models.PdpUpdate)
	assert.Equal(t, "pdp_1", detach.Name)
	assert.Equal(t, "", detach.PdpGroup)
	assert.Equal(t, "", detach.PdpSubgroup)

	h.dispatch.Dispatch(&models.PdpStatus{
		Name: "pdp_1", ResponseTo: detach.RequestID(),
		PdpGroup: "", PdpSubgroup: "", Policies: nil,
	})

	waitForSentCount(t, h.bus, 3)
	corrective := h.bus.Sent[2].(*models.PdpStateChange)
	assert.Equal(t, "pdp_1", corrective.Name)
	assert.Equal(t, models.PdpStatePassive, corrective.State)
}

func TestAddUpdateRejectsBroadcast(t *testing.T) {
	h := newMapHarness(t, 1)
	defer h.stop()

	err := h.modifyMap.AddUpdate(&models.PdpUpdate{Name: ""})
	assert.ErrorIs(t, err, ErrBroadcastNotAllowed)
}
