package comm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"www.velocidex.com/golang/pap-modify-core/bus/membus"
	"www.velocidex.com/golang/pap-modify-core/logging"
	"www.velocidex.com/golang/pap-modify-core/models"
)

func testParams(t *testing.T, maxRetryCount int) (RequestParams, *membus.Bus, func()) {
	t.Helper()

	b := membus.New()
	publisher := NewPublisher("topic", b)
	timers := NewTimerManager("test", 50*time.Millisecond)

	params := RequestParams{
		Dispatcher:    NewMessageDispatcher(),
		Timers:        timers,
		Publisher:     publisher,
		MaxRetryCount: maxRetryCount,
		ModifyLock:    &sync.Mutex{},
	}
	return params, b, func() {
		publisher.Stop()
		timers.Stop()
	}
}

type recordingListener struct {
	mu               sync.Mutex
	successNames     []string
	failureNames     []string
	failureReasons   []string
	retriesExhausted int
}

func (self *recordingListener) Success(pdpName string) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.successNames = append(self.successNames, pdpName)
}

func (self *recordingListener) Failure(pdpName, reason string) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.failureNames = append(self.failureNames, pdpName)
	self.failureReasons = append(self.failureReasons, reason)
}

func (self *recordingListener) RetryCountExhausted(pdpName string) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.retriesExhausted++
}

func TestNewRequestRejectsWrongSubtype(t *testing.T) {
	params, _, stop := testParams(t, 1)
	defer stop()

	_, err := NewRequest("pdp_1", UpdateVariant, &models.PdpStateChange{Name: "pdp_1"}, params)
	assert.ErrorIs(t, err, ErrWrongSubtype)
}

func TestNewRequestMintsRequestID(t *testing.T) {
	params, _, stop := testParams(t, 1)
	defer stop()

	message := &models.PdpUpdate{Name: "pdp_1"}
	req, err := NewRequest("pdp_1", UpdateVariant, message, params)
	require.NoError(t, err)
	assert.NotEmpty(t, req.Message().RequestID())
}

func TestStartPublishingRequiresListener(t *testing.T) {
	params, _, stop := testParams(t, 1)
	defer stop()

	req, err := NewRequest("pdp_1", UpdateVariant, &models.PdpUpdate{Name: "pdp_1"}, params)
	require.NoError(t, err)

	assert.ErrorIs(t, req.StartPublishing(nil), ErrListenerNotSet)
}

func TestStartPublishingIsIdempotent(t *testing.T) {
	params, b, stop := testParams(t, 1)
	defer stop()

	req, err := NewRequest("pdp_1", UpdateVariant, &models.PdpUpdate{Name: "pdp_1"}, params)
	require.NoError(t, err)
	req.SetListener(&recordingListener{})

	require.NoError(t, req.StartPublishing(nil))
	require.NoError(t, req.StartPublishing(nil))

	waitUntil(t, time.Second, func() bool { return len(b.Sent) == 1 })
}

func TestBumpRetryCountStopsAtLimit(t *testing.T) {
	params, _, stop := testParams(t, 2)
	defer stop()

	req, err := NewRequest("pdp_1", UpdateVariant, &models.PdpUpdate{Name: "pdp_1"}, params)
	require.NoError(t, err)

	assert.True(t, req.BumpRetryCount())
	assert.Equal(t, 1, req.RetryCount())
	assert.True(t, req.BumpRetryCount())
	assert.Equal(t, 2, req.RetryCount())

	// At the limit: returns false twice, count stays pinned at the limit.
	assert.False(t, req.BumpRetryCount())
	assert.Equal(t, 2, req.RetryCount())
	assert.False(t, req.BumpRetryCount())
	assert.Equal(t, 2, req.RetryCount())
}

func TestProcessResponseDroppedAfterStopPublishing(t *testing.T) {
	params, _, stop := testParams(t, 1)
	defer stop()

	message := &models.PdpUpdate{Name: "pdp_1"}
	req, err := NewRequest("pdp_1", UpdateVariant, message, params)
	require.NoError(t, err)

	listener := &recordingListener{}
	req.SetListener(listener)
	require.NoError(t, req.StartPublishing(nil))

	req.StopPublishing(true)

	// A response for a Request no longer PUBLISHING is silently dropped.
	params.ModifyLock.Lock()
	req.processResponseLocked(&models.PdpStatus{Name: "pdp_1"})
	params.ModifyLock.Unlock()

	assert.Empty(t, listener.successNames)
	assert.Empty(t, listener.failureNames)
}

func TestCheckResponseBroadcastAcceptsAnyName(t *testing.T) {
	params, b, stop := testParams(t, 1)
	defer stop()

	message := &models.PdpStateChange{Name: "", State: models.PdpStateActive}
	req, err := NewRequest("", StateChangeVariant, message, params)
	require.NoError(t, err)

	listener := &recordingListener{}
	req.SetListener(listener)
	require.NoError(t, req.StartPublishing(nil))
	waitUntil(t, time.Second, func() bool { return len(b.Sent) == 1 })

	params.ModifyLock.Lock()
	req.processResponseLocked(&models.PdpStatus{Name: "pdp_9", State: models.PdpStateActive})
	params.ModifyLock.Unlock()

	require.Len(t, listener.successNames, 1)
	assert.Equal(t, "pdp_9", listener.successNames[0])
}

func TestStateChangeCheckResponseMismatchReason(t *testing.T) {
	message := &models.PdpStateChange{Name: "pdp_1", State: models.PdpStateActive}
	reason := StateChangeVariant.CheckResponse(message, &models.PdpStatus{Name: "pdp_1", State: models.PdpStateSafe})
	assert.Equal(t, "state is SAFE, but expected ACTIVE", reason)
}

func TestUpdateIsSameContent(t *testing.T) {
	a := &models.PdpUpdate{
		Name: "pdp_1", PdpGroup: "G", PdpSubgroup: "S",
		Policies: []models.ToscaPolicy{{Identifier: models.ToscaPolicyIdentifier{Name: "p1", Version: "1.0.0"}}},
	}
	b := &models.PdpUpdate{
		Name: "pdp_1", PdpGroup: "G", PdpSubgroup: "S",
		Policies: []models.ToscaPolicy{{Identifier: models.ToscaPolicyIdentifier{Name: "p1", Version: "1.0.0"}}},
	}
	c := &models.PdpUpdate{
		Name: "pdp_1", PdpGroup: "G", PdpSubgroup: "S",
		Policies: []models.ToscaPolicy{
			{Identifier: models.ToscaPolicyIdentifier{Name: "p1", Version: "1.0.0"}},
			{Identifier: models.ToscaPolicyIdentifier{Name: "p2", Version: "1.0.0"}},
		},
	}

	assert.True(t, UpdateVariant.IsSameContent(a, b))
	assert.False(t, UpdateVariant.IsSameContent(a, c))
}

func TestReconfigureRejectsWrongSubtype(t *testing.T) {
	params, _, stop := testParams(t, 1)
	defer stop()

	req, err := NewRequest("pdp_1", UpdateVariant, &models.PdpUpdate{Name: "pdp_1"}, params)
	require.NoError(t, err)

	_, err = req.Reconfigure(&models.PdpStateChange{Name: "pdp_1"}, nil)
	assert.ErrorIs(t, err, ErrWrongSubtype)
}

// TestReconfigureWhilePublishingCollapsesToOneToken exercises spec's
// "coalesced supersede" scenario at the Request level: it uses a
// Publisher with no background worker running, so the enqueued token
// is guaranteed to still be live (unsent) when Reconfigure runs,
// matching the scenario's own precondition ("before Publisher
// drains").
func TestReconfigureWhilePublishingCollapsesToOneToken(t *testing.T) {
	frozenPublisher := &Publisher{
		topic:  "topic",
		sink:   membus.New(),
		log:    logging.GetLogger(logging.PublisherComponent),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	timers := NewTimerManager("test", time.Second)
	defer timers.Stop()

	params := RequestParams{
		Dispatcher:    NewMessageDispatcher(),
		Timers:        timers,
		Publisher:     frozenPublisher,
		MaxRetryCount: 1,
		ModifyLock:    &sync.Mutex{},
	}

	first := &models.PdpUpdate{Name: "pdp_1", Policies: []models.ToscaPolicy{
		{Identifier: models.ToscaPolicyIdentifier{Name: "p1", Version: "1.0.0"}},
	}}
	req, err := NewRequest("pdp_1", UpdateVariant, first, params)
	require.NoError(t, err)
	req.SetListener(&recordingListener{})
	require.NoError(t, req.StartPublishing(nil))

	second := &models.PdpUpdate{Name: "pdp_1", Policies: []models.ToscaPolicy{
		{Identifier: models.ToscaPolicyIdentifier{Name: "p1", Version: "1.0.0"}},
		{Identifier: models.ToscaPolicyIdentifier{Name: "p2", Version: "1.0.0"}},
	}}
	_, err = req.Reconfigure(second, nil)
	require.NoError(t, err)

	require.Len(t, frozenPublisher.queue, 1)
	assert.Equal(t, second, frozenPublisher.queue[0].Get())
}

func waitUntil(t *testing.T, deadline time.Duration, cb func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if cb() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}
