package beacon

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingRuntime captures Track calls in order.
type recordingRuntime struct {
	mu     sync.Mutex
	events []trackedEvent
}

type trackedEvent struct {
	name    string
	payload map[string]any
}

func (r *recordingRuntime) Track(name string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, trackedEvent{name: name, payload: payload})
	return nil
}

func (r *recordingRuntime) tracked() []trackedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]trackedEvent, len(r.events))
	copy(out, r.events)
	return out
}

// switchableProbe flips from absent to present, like the edge script loading.
type switchableProbe struct {
	mu sync.Mutex
	rt Runtime
}

func (p *switchableProbe) set(rt Runtime) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rt = rt
}

func (p *switchableProbe) probe() (Runtime, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rt, p.rt != nil
}

func TestSendImmediateWhenRuntimePresent(t *testing.T) {
	rt := &recordingRuntime{}
	probe := &switchableProbe{}
	probe.set(rt)

	ch := NewEdgeChannel(probe.probe, EdgeConfig{})
	defer ch.Close()

	res := ch.Send("Contact", map[string]any{"page": "/contact"}, "evt_abc123")

	assert.Equal(t, ChannelEdge, res.Channel)
	events := rt.tracked()
	require.Len(t, events, 1)
	assert.Equal(t, "Contact", events[0].name)
	assert.Equal(t, "evt_abc123", events[0].payload["event_id"])
	assert.Equal(t, "/contact", events[0].payload["page"])
}

func TestQueuedEventsFlushInOrder(t *testing.T) {
	rt := &recordingRuntime{}
	probe := &switchableProbe{}

	ch := NewEdgeChannel(probe.probe, EdgeConfig{PollInterval: 10 * time.Millisecond, MaxWait: time.Second})
	defer ch.Close()

	assert.True(t, ch.Send("PageView", nil, "evt_1").Queued)
	assert.True(t, ch.Send("Lead", nil, "evt_2").Queued)
	assert.True(t, ch.Send("Contact", nil, "evt_3").Queued)

	// Runtime loads; the poll loop must flush promptly and in order.
	probe.set(rt)

	require.Eventually(t, func() bool { return len(rt.tracked()) == 3 }, time.Second, 5*time.Millisecond)

	events := rt.tracked()
	assert.Equal(t, "PageView", events[0].name)
	assert.Equal(t, "Lead", events[1].name)
	assert.Equal(t, "Contact", events[2].name)
}

// If the runtime never appears within the hard timeout, queued events are
// dropped and polling stops; blocking forever would degrade the host page.
func TestQueueDroppedAfterMaxWait(t *testing.T) {
	rt := &recordingRuntime{}
	probe := &switchableProbe{}

	ch := NewEdgeChannel(probe.probe, EdgeConfig{PollInterval: 5 * time.Millisecond, MaxWait: 30 * time.Millisecond})
	defer ch.Close()

	ch.Send("PageView", nil, "evt_1")
	time.Sleep(60 * time.Millisecond)

	// Runtime shows up too late: the queue is gone.
	probe.set(rt)
	time.Sleep(30 * time.Millisecond)

	assert.Empty(t, rt.tracked())
}

func TestBoundedQueueDropsOverflow(t *testing.T) {
	probe := &switchableProbe{}
	ch := NewEdgeChannel(probe.probe, EdgeConfig{QueueLimit: 2, MaxWait: time.Second})
	defer ch.Close()

	assert.True(t, ch.Send("PageView", nil, "evt_1").Queued)
	assert.True(t, ch.Send("PageView", nil, "evt_2").Queued)
	assert.True(t, ch.Send("PageView", nil, "evt_3").Dropped)
}

func TestCloseCancelsPolling(t *testing.T) {
	rt := &recordingRuntime{}
	probe := &switchableProbe{}

	ch := NewEdgeChannel(probe.probe, EdgeConfig{PollInterval: 5 * time.Millisecond, MaxWait: time.Minute})

	ch.Send("PageView", nil, "evt_1")
	ch.Close()
	time.Sleep(20 * time.Millisecond)

	// Runtime appearing after Close must not resurrect the loop.
	probe.set(rt)
	time.Sleep(30 * time.Millisecond)

	assert.Empty(t, rt.tracked())
}
