package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/pkg/history"
	"github.com/parley-ai/parley/pkg/llms"
	"github.com/parley-ai/parley/pkg/presence"
	"github.com/parley-ai/parley/pkg/protocol"
	"github.com/parley-ai/parley/pkg/session"
	"github.com/parley-ai/parley/pkg/stream"
	"github.com/parley-ai/parley/pkg/tools"
)

// maxToolRounds bounds the react loop: after this many tool rounds the
// turn fails rather than spinning on a looping model.
const maxToolRounds = 8

// historyTruncationMarker is appended when a single message alone blows
// the token budget and has to be clipped.
const historyTruncationMarker = "\n... [history truncated]"

// Binding is the configuration an instance is constructed against.
// Changing provider or model recreates the instance.
type Binding struct {
	ProviderID string
	ModelID    string
}

// Instance runs conversational turns for exactly one session. Memory is
// addressed by the session's thread id and survives tool-set changes.
type Instance struct {
	SessionID string
	UserID    string
	ThreadID  string

	binding   Binding
	provider  llms.Provider
	streaming bool
	estimator *llms.TokenEstimator
	hist      history.Store
	pres      presence.Store
	sessions  *session.Manager
	adapter   *tools.Adapter
	events    *stream.Coordinator
	contexts  *ContextRegistry

	historyMax  int
	budget      int
	msgCacheTTL time.Duration

	mu      sync.Mutex
	toolset []tools.ToolInfo
	servers []string

	turnMu sync.Mutex

	createdAt time.Time
	lastUsed  time.Time
	logger    *slog.Logger
}

// Bound returns the (provider, model) pair the instance was built with.
func (i *Instance) Bound() Binding {
	return i.binding
}

// SetToolset replaces the bound tool set in place. The conversation memory
// handle is untouched.
func (i *Instance) SetToolset(infos []tools.ToolInfo, serverIDs []string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.toolset = infos
	i.servers = append([]string(nil), serverIDs...)
}

// Servers returns the tool server ids the instance is bound to.
func (i *Instance) Servers() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.servers...)
}

// BoundTo reports whether the instance sources tools from the server.
func (i *Instance) BoundTo(serverID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, id := range i.servers {
		if id == serverID {
			return true
		}
	}
	return false
}

// TurnOptions tunes a single turn without touching the instance.
type TurnOptions struct {
	// DisableTools withholds the tool catalog from the model for this turn.
	DisableTools bool
}

// Run executes one react turn: persist the user message, drive the LLM
// stream, dispatch announced tool calls, and persist the assistant's
// complete answer post-hoc. Events flow through the stream coordinator as
// they happen.
func (i *Instance) Run(ctx context.Context, desc *session.Descriptor, text string, attachments []protocol.Attachment, opts TurnOptions) error {
	i.turnMu.Lock()
	defer i.turnMu.Unlock()

	i.contexts.Begin(i.SessionID, i.UserID)

	if len(attachments) > 0 && !i.provider.Multimodal() {
		i.logger.Warn("dropping attachments, model is not multimodal",
			"model", i.provider.ModelName(), "count", len(attachments))
		attachments = nil
	}

	prior, err := i.assembleHistory(ctx)
	if err != nil {
		return i.fail(fmt.Errorf("failed to load conversation history: %w", err))
	}

	userMsg := &protocol.Message{
		ID:          uuid.NewString(),
		SessionID:   i.SessionID,
		Role:        protocol.RoleUser,
		Content:     text,
		Attachments: attachments,
		Timestamp:   time.Now().UTC(),
	}
	if err := i.persist(ctx, userMsg); err != nil {
		return i.fail(err)
	}

	i.mu.Lock()
	toolset := i.toolset
	i.mu.Unlock()
	if opts.DisableTools {
		toolset = nil
	}

	msgs := make([]*protocol.Message, 0, len(prior)+2)
	msgs = append(msgs, &protocol.Message{
		Role:      protocol.RoleSystem,
		Content:   buildSystemPrompt(toolset, desc.Context),
		Timestamp: time.Now().UTC(),
	})
	msgs = append(msgs, prior...)
	msgs = append(msgs, userMsg)

	defs := toolDefinitions(toolset)
	ctx = protocol.WithSessionID(ctx, i.SessionID)

	var answer strings.Builder
	for round := 0; round < maxToolRounds; round++ {
		roundText, calls, err := i.generate(ctx, msgs, defs)
		if err != nil {
			return i.fail(err)
		}

		answer.WriteString(roundText)

		if len(calls) == 0 {
			return i.finishTurn(ctx, desc, answer.String())
		}

		// The in-flight assistant announcement and tool results live only
		// in the turn's working set; history gets the final answer.
		msgs = append(msgs, &protocol.Message{
			Role:      protocol.RoleAssistant,
			SessionID: i.SessionID,
			Content:   roundText,
			ToolCalls: derefCalls(calls),
			Timestamp: time.Now().UTC(),
		})

		for _, call := range calls {
			msgs = append(msgs, i.dispatch(ctx, call))
		}
		answer.WriteString("\n")
	}

	return i.fail(fmt.Errorf("turn exceeded %d tool rounds", maxToolRounds))
}

// generate runs one model round. Streaming is the primary path; when the
// provider has streaming disabled, or the stream breaks mid-round, a
// single chunk-mode call serves the round instead.
func (i *Instance) generate(ctx context.Context, msgs []*protocol.Message, defs []llms.ToolDefinition) (string, []*protocol.ToolCall, error) {
	if !i.streaming {
		return i.generateChunk(ctx, msgs, defs)
	}

	text, calls, err := i.generateStream(ctx, msgs, defs)
	if err == nil {
		return text, calls, nil
	}
	if ctx.Err() != nil {
		return "", nil, err
	}

	i.logger.Warn("stream failed, retrying in chunk mode", "error", err)
	text, calls, chunkErr := i.generateChunk(ctx, msgs, defs)
	if chunkErr != nil {
		return "", nil, fmt.Errorf("chunk-mode retry after stream failure (%v): %w", err, chunkErr)
	}
	return text, calls, nil
}

func (i *Instance) generateStream(ctx context.Context, msgs []*protocol.Message, defs []llms.ToolDefinition) (string, []*protocol.ToolCall, error) {
	ch, err := i.provider.GenerateStreaming(ctx, msgs, defs)
	if err != nil {
		return "", nil, fmt.Errorf("model call failed: %w", err)
	}

	var text strings.Builder
	var calls []*protocol.ToolCall
	var streamErr error
	for chunk := range ch {
		switch chunk.Type {
		case llms.ChunkText:
			text.WriteString(chunk.Text)
			i.events.Publish(i.SessionID, stream.ContentEvent(i.SessionID, chunk.Text))
		case llms.ChunkToolCall:
			calls = append(calls, chunk.ToolCall)
		case llms.ChunkError:
			streamErr = chunk.Err
		}
	}
	if streamErr != nil {
		return "", nil, fmt.Errorf("model stream failed: %w", streamErr)
	}
	return text.String(), calls, nil
}

// generateChunk is the non-streaming round: one blocking completion whose
// whole text lands on the stream as a single content event.
func (i *Instance) generateChunk(ctx context.Context, msgs []*protocol.Message, defs []llms.ToolDefinition) (string, []*protocol.ToolCall, error) {
	text, calls, _, err := i.provider.Generate(ctx, msgs, defs)
	if err != nil {
		return "", nil, fmt.Errorf("model call failed: %w", err)
	}
	if text != "" {
		i.events.Publish(i.SessionID, stream.ContentEvent(i.SessionID, text))
	}
	return text, calls, nil
}

// dispatch runs one announced tool call and renders its result as the
// tool message fed back to the model.
func (i *Instance) dispatch(ctx context.Context, call *protocol.ToolCall) *protocol.Message {
	content := ""
	res, err := i.adapter.Execute(ctx, call.Name, call.Arguments)
	switch {
	case err != nil:
		content = fmt.Sprintf("Tool call %s failed: %v.", call.Name, err)
	default:
		content = res.Content
	}
	return &protocol.Message{
		Role:       protocol.RoleTool,
		SessionID:  i.SessionID,
		Content:    content,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Timestamp:  time.Now().UTC(),
	}
}

// finishTurn persists the complete assistant message as a single record
// and closes the execution context.
func (i *Instance) finishTurn(ctx context.Context, desc *session.Descriptor, answer string) error {
	final := &protocol.Message{
		ID:        uuid.NewString(),
		SessionID: i.SessionID,
		Role:      protocol.RoleAssistant,
		Content:   strings.TrimSpace(answer),
		Timestamp: time.Now().UTC(),
	}
	if err := i.persist(ctx, final); err != nil {
		return i.fail(err)
	}

	i.sessions.Touch(ctx, desc)
	i.contexts.Finish(i.SessionID, StateCompleted, "")
	return nil
}

// fail surfaces a turn failure on the stream and the execution context.
func (i *Instance) fail(err error) error {
	i.logger.Error("turn failed", "session_id", i.SessionID, "error", err)
	i.events.Publish(i.SessionID, stream.ErrorEvent(i.SessionID, "agent.turn_failed", err.Error()))
	i.contexts.Finish(i.SessionID, StateError, err.Error())
	return err
}

// persist writes a message to history (authoritative) and mirrors it into
// the presence message cache (best effort).
func (i *Instance) persist(ctx context.Context, msg *protocol.Message) error {
	if err := i.hist.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to persist message: %w", err)
	}
	if data, err := json.Marshal(msg); err == nil {
		if err := i.pres.PushMessage(ctx, i.SessionID, data, i.msgCacheTTL); err != nil {
			i.logger.Warn("message cache write failed", "session_id", i.SessionID, "error", err)
		}
	}
	return nil
}

// assembleHistory replays the last messages for the prompt, newest first
// against the token budget, returned oldest first. A single message that
// alone exceeds the budget is clipped with a visible marker.
func (i *Instance) assembleHistory(ctx context.Context) ([]*protocol.Message, error) {
	recent, err := i.hist.RecentMessages(ctx, i.SessionID, i.historyMax)
	if err != nil {
		return nil, err
	}

	var out []*protocol.Message
	used := 0
	for idx := len(recent) - 1; idx >= 0; idx-- {
		msg := recent[idx]
		cost := i.estimator.CountMessage(msg)
		if used+cost > i.budget {
			if len(out) == 0 {
				out = append(out, clipMessage(msg, i.budget))
			}
			break
		}
		used += cost
		out = append(out, msg)
	}

	// Reverse into conversation order.
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out, nil
}

// clipMessage truncates an oversized message to roughly the token budget.
func clipMessage(msg *protocol.Message, budget int) *protocol.Message {
	keep := budget * 4 // rough chars-per-token inverse
	if keep >= len(msg.Content) {
		return msg
	}
	clone := *msg
	clone.Content = msg.Content[:keep] + historyTruncationMarker
	return &clone
}

func toolDefinitions(infos []tools.ToolInfo) []llms.ToolDefinition {
	defs := make([]llms.ToolDefinition, 0, len(infos))
	for _, info := range infos {
		defs = append(defs, llms.ToolDefinition{
			Name:        info.Name,
			Description: info.Description,
			Parameters:  info.Schema,
		})
	}
	return defs
}

func derefCalls(calls []*protocol.ToolCall) []protocol.ToolCall {
	out := make([]protocol.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, *c)
	}
	return out
}
