package beacon

import (
	"context"
	"sync"
	"time"
)

// Runtime is the edge tag manager's client-side API. Its absence is a
// normal, expected, transient state while the edge script loads.
type Runtime interface {
	Track(eventName string, payload map[string]any) error
}

// RuntimeProbe reports whether the edge runtime is available yet.
type RuntimeProbe func() (Runtime, bool)

// Channel names reported in a Result.
const (
	ChannelEdge = "edge"
)

// Result describes what happened to one Send.
type Result struct {
	Channel string // ChannelEdge when delivered immediately
	Queued  bool   // true when held for the poll loop
	Dropped bool   // true when the bounded queue was full
}

// EdgeConfig tunes the poll loop.
type EdgeConfig struct {
	PollInterval time.Duration // default 200ms
	MaxWait      time.Duration // default 30s; then queued items are dropped
	QueueLimit   int           // default 32
}

type queuedEvent struct {
	eventName  string
	payload    map[string]any
	enqueuedAt time.Time
}

// EdgeChannel forwards events to the edge runtime, queueing while it loads.
// If the runtime never appears within MaxWait the queue is dropped and the
// loop stops: blocking indefinitely would degrade the host page, and the
// server-side channel is still delivering. Flushes preserve enqueue order.
type EdgeChannel struct {
	probe RuntimeProbe
	cfg   EdgeConfig

	mu      sync.Mutex
	queue   []queuedEvent
	polling bool
	cancel  context.CancelFunc
}

// NewEdgeChannel returns an EdgeChannel. probe must be non-nil.
func NewEdgeChannel(probe RuntimeProbe, cfg EdgeConfig) *EdgeChannel {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 30 * time.Second
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 32
	}
	return &EdgeChannel{probe: probe, cfg: cfg}
}

// Send forwards one event to the edge runtime, or queues it until the
// runtime loads. eventID must be the same id used on the server channel for
// this action.
func (e *EdgeChannel) Send(eventName string, data map[string]any, eventID string) Result {
	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["event_id"] = eventID

	e.mu.Lock()
	if len(e.queue) == 0 {
		if rt, ok := e.probe(); ok {
			e.mu.Unlock()
			_ = rt.Track(eventName, payload)
			return Result{Channel: ChannelEdge}
		}
	}
	defer e.mu.Unlock()

	if len(e.queue) >= e.cfg.QueueLimit {
		return Result{Dropped: true}
	}
	e.queue = append(e.queue, queuedEvent{eventName: eventName, payload: payload, enqueuedAt: time.Now()})

	if !e.polling {
		e.polling = true
		ctx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		go e.poll(ctx)
	}

	return Result{Queued: true}
}

// poll waits for the runtime and flushes the queue the moment it appears.
func (e *EdgeChannel) poll(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	deadline := time.NewTimer(e.cfg.MaxWait)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			e.stopPolling(false)
			return
		case <-deadline.C:
			// Fail open: drop the queue rather than hold timers on a
			// page whose edge script will never load.
			e.stopPolling(true)
			return
		case <-ticker.C:
			rt, ok := e.probe()
			if !ok {
				continue
			}
			e.flush(rt)
			e.stopPolling(false)
			return
		}
	}
}

// flush sends queued events in enqueue order.
func (e *EdgeChannel) flush(rt Runtime) {
	e.mu.Lock()
	pending := e.queue
	e.queue = nil
	e.mu.Unlock()

	for _, ev := range pending {
		_ = rt.Track(ev.eventName, ev.payload)
	}
}

func (e *EdgeChannel) stopPolling(dropQueue bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.polling = false
	e.cancel = nil
	if dropQueue {
		e.queue = nil
	}
}

// Close cancels the poll loop. Call on the navigation/unload equivalent so
// timers never outlive the page.
func (e *EdgeChannel) Close() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
