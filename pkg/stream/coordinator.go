package stream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/parley-ai/parley/pkg/config"
)

// Subscriber is one attached consumer of a session's stream. Events arrive
// on C in emission order; Dropped reports how many were lost to overflow.
type Subscriber struct {
	C chan Event

	hub     *hub
	dropped int64
	closed  bool
}

// Dropped returns the number of events lost to queue overflow so far.
func (s *Subscriber) Dropped() int64 {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.dropped
}

type hub struct {
	mu       sync.Mutex
	subs     []*Subscriber
	lastSent time.Time
}

// Coordinator fans session events out to subscribers with bounded queues.
// Publishing never blocks: a full subscriber queue sheds its oldest event.
type Coordinator struct {
	mu   sync.Mutex
	hubs map[string]*hub

	queueSize int
	heartbeat time.Duration
	onDrop    func(sessionID string)
	mirror    func(ev Event)

	stop     chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

// NewCoordinator creates the per-session stream hub and starts the
// heartbeat ticker.
func NewCoordinator(cfg *config.StreamConfig) *Coordinator {
	c := &Coordinator{
		hubs:      make(map[string]*hub),
		queueSize: cfg.SubscriberQueueSize,
		heartbeat: cfg.Heartbeat(),
		stop:      make(chan struct{}),
		logger:    slog.Default().With("component", "stream"),
	}
	go c.heartbeatLoop()
	return c
}

// OnDrop installs a callback invoked once per shed event, for metrics.
func (c *Coordinator) OnDrop(fn func(sessionID string)) {
	c.mu.Lock()
	c.onDrop = fn
	c.mu.Unlock()
}

// Subscribe attaches a consumer to the session's stream. An existing
// subscriber is retained; events fan out to all attached consumers.
func (c *Coordinator) Subscribe(sessionID string) *Subscriber {
	c.mu.Lock()
	h, ok := c.hubs[sessionID]
	if !ok {
		h = &hub{lastSent: time.Now()}
		c.hubs[sessionID] = h
	}
	c.mu.Unlock()

	sub := &Subscriber{C: make(chan Event, c.queueSize), hub: h}
	h.mu.Lock()
	h.subs = append(h.subs, sub)
	h.mu.Unlock()

	c.logger.Debug("subscriber attached", "session_id", sessionID)
	return sub
}

// Unsubscribe detaches a consumer and closes its channel. Detaching does
// not cancel the turn; production continues for remaining subscribers.
func (c *Coordinator) Unsubscribe(sessionID string, sub *Subscriber) {
	c.mu.Lock()
	h, ok := c.hubs[sessionID]
	c.mu.Unlock()
	if !ok {
		return
	}

	h.mu.Lock()
	for i, s := range h.subs {
		if s == sub {
			h.subs = append(h.subs[:i], h.subs[i+1:]...)
			break
		}
	}
	if !sub.closed {
		sub.closed = true
		close(sub.C)
	}
	empty := len(h.subs) == 0
	h.mu.Unlock()

	if empty {
		c.mu.Lock()
		if cur, ok := c.hubs[sessionID]; ok && cur == h {
			delete(c.hubs, sessionID)
		}
		c.mu.Unlock()
	}
}

// SetMirror installs a hook receiving every locally published event, for
// replication onto a shared channel. Injected events bypass it.
func (c *Coordinator) SetMirror(fn func(ev Event)) {
	c.mu.Lock()
	c.mirror = fn
	c.mu.Unlock()
}

// Publish delivers an event to every local subscriber of the session, in
// emission order, and mirrors it for other nodes.
func (c *Coordinator) Publish(sessionID string, ev Event) {
	c.mu.Lock()
	mirror := c.mirror
	c.mu.Unlock()

	ev = c.deliver(sessionID, ev)
	if mirror != nil {
		mirror(ev)
	}
}

// Inject delivers an event that originated on another node: local fan-out
// only, no mirroring.
func (c *Coordinator) Inject(sessionID string, ev Event) {
	c.deliver(sessionID, ev)
}

func (c *Coordinator) deliver(sessionID string, ev Event) Event {
	if ev.SessionID == "" {
		ev.SessionID = sessionID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	c.mu.Lock()
	h, ok := c.hubs[sessionID]
	onDrop := c.onDrop
	c.mu.Unlock()
	if !ok {
		return ev
	}

	h.mu.Lock()
	h.lastSent = time.Now()
	for _, sub := range h.subs {
		if sub.closed {
			continue
		}
		select {
		case sub.C <- ev:
		default:
			// Queue full: shed the oldest so the newest always lands.
			select {
			case <-sub.C:
				sub.dropped++
				if onDrop != nil {
					onDrop(sessionID)
				}
			default:
			}
			select {
			case sub.C <- ev:
			default:
			}
		}
	}
	h.mu.Unlock()
	return ev
}

// SubscriberCount reports attached consumers for a session.
func (c *Coordinator) SubscriberCount(sessionID string) int {
	c.mu.Lock()
	h, ok := c.hubs[sessionID]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close shuts every hub down and closes subscriber channels.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.mu.Lock()
		hubs := c.hubs
		c.hubs = make(map[string]*hub)
		c.mu.Unlock()

		for _, h := range hubs {
			h.mu.Lock()
			for _, sub := range h.subs {
				if !sub.closed {
					sub.closed = true
					close(sub.C)
				}
			}
			h.subs = nil
			h.mu.Unlock()
		}
	})
}

// heartbeatLoop emits a heartbeat on sessions idle past the configured
// interval so subscribers can distinguish silence from disconnection.
func (c *Coordinator) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-c.heartbeat)
			c.mu.Lock()
			idle := make(map[string]*hub)
			for id, h := range c.hubs {
				idle[id] = h
			}
			c.mu.Unlock()

			for id, h := range idle {
				h.mu.Lock()
				stale := h.lastSent.Before(cutoff)
				h.mu.Unlock()
				if stale {
					c.Publish(id, Event{Type: EventHeartbeat, SessionID: id, Timestamp: time.Now().UTC()})
				}
			}
		}
	}
}
