package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/parley-ai/parley/pkg/permission"
	"github.com/parley-ai/parley/pkg/protocol"
	"github.com/parley-ai/parley/pkg/stream"
)

// Adapter is the uniform "call this tool" surface for agent instances. It
// resolves the owning session, gates medium and high risk calls on user
// consent, publishes every lifecycle step, and shapes the result.
type Adapter struct {
	registry *Registry
	consent  *permission.Coordinator
	events   *stream.Coordinator
	tracker  TurnTracker
	timeout  time.Duration
	logger   *slog.Logger
}

// NewAdapter wires the execution adapter.
func NewAdapter(registry *Registry, consent *permission.Coordinator, events *stream.Coordinator, tracker TurnTracker, consentTimeout time.Duration) *Adapter {
	return &Adapter{
		registry: registry,
		consent:  consent,
		events:   events,
		tracker:  tracker,
		timeout:  consentTimeout,
		logger:   slog.Default().With("component", "tool_adapter"),
	}
}

// Execute runs one tool call end to end. The returned Result always has
// LLM-facing content, even on rejection, so the react loop can continue.
func (a *Adapter) Execute(ctx context.Context, qualified string, args map[string]any) (*Result, error) {
	sessionID, userID := a.resolveSession(ctx)
	risk := a.registry.RiskOf(qualified)

	if sessionID == "" {
		// No session to gate on or announce to; run directly but leave a
		// trace.
		a.logger.Warn("tool call without session context", "tool", qualified, "risk", risk)
		return a.invoke(ctx, "", "", qualified, args)
	}

	if !risk.RequiresConsent() {
		return a.invoke(ctx, sessionID, "", qualified, args)
	}

	return a.executeGated(ctx, sessionID, userID, qualified, args, risk)
}

// executeGated runs the consent protocol for a medium or high risk call.
func (a *Adapter) executeGated(ctx context.Context, sessionID, userID, qualified string, args map[string]any, risk protocol.RiskLevel) (*Result, error) {
	display := SanitizeArgs(args)
	req := a.consent.Create(sessionID, userID, qualified, display, string(risk), a.timeout)

	a.tracker.MarkWaiting(sessionID, req.ID)
	defer a.tracker.MarkResumed(sessionID, req.ID)

	a.events.Publish(sessionID, stream.PermissionEvent(sessionID, req.ID, qualified, display, string(risk)))
	a.events.Publish(sessionID, stream.StatusEvent(sessionID, req.ID, qualified, stream.StatusWaiting, ""))

	outcome, err := a.consent.Wait(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("consent wait failed: %w", err)
	}

	switch outcome.State {
	case permission.StateApproved:
		return a.invoke(ctx, sessionID, req.ID, qualified, args)

	case permission.StateRejected:
		a.events.Publish(sessionID, stream.StatusEvent(sessionID, req.ID, qualified, stream.StatusCancelled, ""))
		reason := outcome.Reason
		if reason == "" {
			reason = "the user declined this tool call"
		}
		return rejection(qualified, reason), nil

	case permission.StateExpired:
		a.events.Publish(sessionID, stream.StatusEvent(sessionID, req.ID, qualified, stream.StatusCancelled, "timeout"))
		return rejection(qualified, "no permission decision arrived in time"), nil

	default: // cancelled
		a.events.Publish(sessionID, stream.StatusEvent(sessionID, req.ID, qualified, stream.StatusCancelled, outcome.Reason))
		return rejection(qualified, "the request was cancelled"), nil
	}
}

// invoke performs the remote call and publishes executing/completed or
// failed status events. requestID may be empty for ungated calls.
func (a *Adapter) invoke(ctx context.Context, sessionID, requestID, qualified string, args map[string]any) (*Result, error) {
	if sessionID != "" {
		a.events.Publish(sessionID, stream.StatusEvent(sessionID, requestID, qualified, stream.StatusExecuting, ""))
	}

	raw, err := a.registry.Call(ctx, qualified, args)
	if err != nil {
		if sessionID != "" {
			a.events.Publish(sessionID, stream.StatusEvent(sessionID, requestID, qualified, stream.StatusFailed, err.Error()))
		}
		a.logger.Error("tool call failed", "tool", qualified, "error", err)
		return nil, err
	}

	shaped := ShapeResult(raw)
	if sessionID != "" {
		a.events.Publish(sessionID, stream.StatusEvent(sessionID, requestID, qualified, stream.StatusCompleted, shaped))
	}
	return &Result{Content: shaped, Raw: raw}, nil
}

// resolveSession extracts the owning session from the call context, with
// fallback to the single currently running turn.
func (a *Adapter) resolveSession(ctx context.Context) (sessionID, userID string) {
	if id, ok := protocol.SessionIDFrom(ctx); ok && id != "" {
		sessionID = id
		if owner, ok := a.tracker.OwnerOf(id); ok {
			userID = owner
		}
		return sessionID, userID
	}
	if id, owner, ok := a.tracker.FindRunning(); ok {
		a.logger.Warn("tool call session recovered from running turn", "session_id", id)
		return id, owner
	}
	return "", ""
}

// rejection is the marker the LLM receives in place of a result, phrased
// so the model can explain the situation instead of erroring out.
func rejection(qualified, reason string) *Result {
	return &Result{
		Content:   fmt.Sprintf("Tool call %s was not executed: %s.", qualified, reason),
		Cancelled: true,
		Reason:    reason,
	}
}
