package stream

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/pkg/presence"
)

// Bridge replicates stream events across nodes through the presence
// pub/sub channel. Local publishes are mirrored onto the channel; events
// from other nodes are injected into the local coordinator. Events
// carrying this node's id are skipped so nothing loops.
type Bridge struct {
	node   string
	coord  *Coordinator
	store  presence.Store
	cancel func()
	done   chan struct{}
	logger *slog.Logger
}

// NewBridge wires a coordinator to the shared event channel and starts
// the inbound pump. Close detaches it.
func NewBridge(ctx context.Context, coord *Coordinator, store presence.Store) (*Bridge, error) {
	b := &Bridge{
		node:   uuid.NewString(),
		coord:  coord,
		store:  store,
		done:   make(chan struct{}),
		logger: slog.Default().With("component", "stream_bridge"),
	}

	ch, cancel, err := store.Subscribe(ctx, presence.Channel)
	if err != nil {
		return nil, err
	}
	b.cancel = cancel

	coord.SetMirror(b.outbound)
	go b.inbound(ch)

	b.logger.Info("stream bridge attached", "node", b.node, "channel", presence.Channel)
	return b, nil
}

// Node returns this bridge's origin id, stamped on outbound events.
func (b *Bridge) Node() string {
	return b.node
}

func (b *Bridge) outbound(ev Event) {
	if ev.Type == EventHeartbeat {
		// Heartbeats are a local liveness signal, not session content.
		return
	}
	ev.Node = b.node
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("event marshal failed", "type", ev.Type, "error", err)
		return
	}
	if err := b.store.Publish(context.Background(), presence.Channel, payload); err != nil {
		b.logger.Warn("event publish failed", "type", ev.Type, "error", err)
	}
}

func (b *Bridge) inbound(ch <-chan []byte) {
	defer close(b.done)
	for payload := range ch {
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			b.logger.Warn("event decode failed", "error", err)
			continue
		}
		if ev.Node == b.node || ev.SessionID == "" {
			continue
		}
		b.coord.Inject(ev.SessionID, ev)
	}
}

// Close detaches the bridge from the channel and stops mirroring.
func (b *Bridge) Close() {
	b.coord.SetMirror(nil)
	if b.cancel != nil {
		b.cancel()
	}
	<-b.done
}
