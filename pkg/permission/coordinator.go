// Package permission holds risky tool calls pending user consent. Each
// pending execution is a single-shot awaiter: the executing goroutine
// blocks on it, the decision endpoint resolves it, and whichever terminal
// state lands first wins.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/pkg/config"
)

// State is the lifecycle of a pending tool execution.
type State string

const (
	StatePending   State = "pending"
	StateApproved  State = "approved"
	StateRejected  State = "rejected"
	StateExpired   State = "expired"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s != StatePending
}

var (
	// ErrNotFound is returned for unknown or already reaped request ids.
	ErrNotFound = errors.New("permission request not found")

	// ErrAlreadyResolved is returned when a decision arrives after the
	// request reached a terminal state.
	ErrAlreadyResolved = errors.New("permission request already resolved")
)

// Request describes one tool call waiting for consent.
type Request struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Risk      string         `json:"risk"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Outcome is the terminal result delivered to the waiting executor.
type Outcome struct {
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`
}

type pending struct {
	req        *Request
	state      State
	done       chan Outcome
	resolvedAt time.Time
}

// resolvedRetention keeps terminal entries around so repeated decisions
// can be answered with "already resolved" instead of "not found".
const resolvedRetention = 5 * time.Minute

// Coordinator tracks pending executions and mediates between the waiting
// tool executor and the asynchronous decision endpoint.
type Coordinator struct {
	mu      sync.Mutex
	waiting map[string]*pending

	defaultTimeout time.Duration
	maxTimeout     time.Duration
	sweepEvery     time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

// NewCoordinator creates a coordinator and starts its expiry sweeper.
func NewCoordinator(cfg *config.PermissionConfig) *Coordinator {
	c := &Coordinator{
		waiting:        make(map[string]*pending),
		defaultTimeout: cfg.DefaultTimeout(),
		maxTimeout:     cfg.MaxTimeout(),
		sweepEvery:     cfg.SweepInterval(),
		stop:           make(chan struct{}),
		logger:         slog.Default().With("component", "permission"),
	}
	go c.sweep()
	return c
}

// Create registers a pending execution and returns the request to announce
// to the user. A non-positive timeout uses the default; any timeout is
// capped at the configured maximum.
func (c *Coordinator) Create(sessionID, userID, toolName string, args map[string]any, risk string, timeout time.Duration) *Request {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	if timeout > c.maxTimeout {
		timeout = c.maxTimeout
	}

	now := time.Now().UTC()
	req := &Request{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		ToolName:  toolName,
		Arguments: args,
		Risk:      risk,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
	}

	c.mu.Lock()
	c.waiting[req.ID] = &pending{
		req:   req,
		state: StatePending,
		done:  make(chan Outcome, 1),
	}
	c.mu.Unlock()

	c.logger.Info("permission requested",
		"request_id", req.ID, "session_id", sessionID, "tool", toolName, "risk", risk)
	return req
}

// Wait blocks until the request reaches a terminal state. Context
// cancellation (the user abandoning the turn) cancels the request; the
// deadline expires it. The terminal entry is retained for a while so late
// decisions are recognizably stale, then swept.
func (c *Coordinator) Wait(ctx context.Context, requestID string) (Outcome, error) {
	c.mu.Lock()
	p, ok := c.waiting[requestID]
	c.mu.Unlock()
	if !ok {
		return Outcome{}, ErrNotFound
	}

	timer := time.NewTimer(time.Until(p.req.ExpiresAt))
	defer timer.Stop()

	select {
	case out := <-p.done:
		return out, nil
	case <-timer.C:
		return c.finish(requestID, StateExpired, "no decision before deadline"), nil
	case <-ctx.Done():
		return c.finish(requestID, StateCancelled, "turn cancelled"), nil
	}
}

// Resolve applies a user decision. The first terminal state wins: a
// decision after expiry, cancellation, or an earlier decision returns
// ErrAlreadyResolved so the caller can report the stale decision.
func (c *Coordinator) Resolve(requestID string, approved bool, reason string) error {
	state := StateRejected
	if approved {
		state = StateApproved
	}

	c.mu.Lock()
	p, ok := c.waiting[requestID]
	if !ok {
		c.mu.Unlock()
		return ErrNotFound
	}
	if p.state.Terminal() {
		c.mu.Unlock()
		return ErrAlreadyResolved
	}
	p.state = state
	p.resolvedAt = time.Now()
	p.done <- Outcome{State: state, Reason: reason}
	c.mu.Unlock()

	c.logger.Info("permission resolved",
		"request_id", requestID, "state", state, "session_id", p.req.SessionID)
	return nil
}

// Lookup returns the request for a pending id, for ownership checks at the
// decision endpoint.
func (c *Coordinator) Lookup(requestID string) (*Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.waiting[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	if p.state.Terminal() {
		return p.req, ErrAlreadyResolved
	}
	return p.req, nil
}

// CancelSession cancels every pending request for a session, typically on
// session deletion or disconnect without resumption.
func (c *Coordinator) CancelSession(sessionID, reason string) int {
	c.mu.Lock()
	var ids []string
	for id, p := range c.waiting {
		if p.req.SessionID == sessionID && !p.state.Terminal() {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.finish(id, StateCancelled, reason)
	}
	if len(ids) > 0 {
		c.logger.Info("cancelled pending permissions", "session_id", sessionID, "count", len(ids))
	}
	return len(ids)
}

// PendingFor lists the live requests for a session, oldest first.
func (c *Coordinator) PendingFor(sessionID string) []*Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Request
	for _, p := range c.waiting {
		if p.req.SessionID == sessionID && !p.state.Terminal() {
			out = append(out, p.req)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Close stops the sweeper and cancels everything still pending.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.mu.Lock()
		var ids []string
		for id, p := range c.waiting {
			if !p.state.Terminal() {
				ids = append(ids, id)
			}
		}
		c.mu.Unlock()
		for _, id := range ids {
			c.finish(id, StateCancelled, "shutting down")
		}
	})
}

// finish moves a request to a terminal state if it is still pending and
// returns the outcome that won.
func (c *Coordinator) finish(requestID string, state State, reason string) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.waiting[requestID]
	if !ok {
		return Outcome{State: state, Reason: reason}
	}
	if p.state.Terminal() {
		select {
		case out := <-p.done:
			p.done <- out
			return out
		default:
			return Outcome{State: p.state}
		}
	}
	p.state = state
	p.resolvedAt = time.Now()
	out := Outcome{State: state, Reason: reason}
	p.done <- out
	return out
}

func (c *Coordinator) sweep() {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			var expired []string
			for id, p := range c.waiting {
				if p.state.Terminal() {
					if now.Sub(p.resolvedAt) > resolvedRetention {
						delete(c.waiting, id)
					}
					continue
				}
				if now.After(p.req.ExpiresAt) {
					expired = append(expired, id)
				}
			}
			c.mu.Unlock()
			for _, id := range expired {
				c.finish(id, StateExpired, "no decision before deadline")
			}
			if len(expired) > 0 {
				c.logger.Debug("expired pending permissions", "count", len(expired))
			}
		}
	}
}

// Describe renders a request for logs and announcements.
func (r *Request) Describe() string {
	return fmt.Sprintf("%s (risk %s) in session %s", r.ToolName, r.Risk, r.SessionID)
}
