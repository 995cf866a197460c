// Package events defines the chat pipeline's outward-facing event taxonomy
// and a per-session WebSocket emitter that stamps every event with a
// monotonically increasing sequence id.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Name is one of the event kinds the orchestrator emits over the course of
// a streamed response.
type Name string

const (
	StreamStart     Name = "stream_start"
	StreamComplete  Name = "stream_complete"
	ThinkingDelta   Name = "thinking.delta"
	ThinkingDone    Name = "thinking.done"
	ContentDelta    Name = "content.delta"
	ContentDone     Name = "content.done"
	ToolCallStart   Name = "tool_call.start"
	ToolCallResult  Name = "tool_call.result"
	ToolLimit       Name = "tool_limit"
	VariantStart    Name = "variant.start"
	VariantComplete Name = "variant.complete"
	VariantFailed   Name = "variant.failed"
	ApprovalRequest Name = "approval_request"
)

// Event is the wire envelope for every emitted event: a per-session
// sequence id, the event name, and an arbitrary JSON payload.
type Event struct {
	SequenceID int64       `json:"sequence_id"`
	Name       Name        `json:"name"`
	SessionID  uuid.UUID   `json:"session_id"`
	MessageID  uuid.UUID   `json:"message_id,omitempty"`
	BlockID    uuid.UUID   `json:"block_id,omitempty"`
	VariantID  uuid.UUID   `json:"variant_id,omitempty"`
	Payload    interface{} `json:"payload,omitempty"`
}

// IDs bundles the identifiers an event is stamped with beyond its session
// (which the Emitter already owns) and sequence number. BlockID is the
// zero UUID when an event isn't scoped to one block (e.g. variant.start).
type IDs struct {
	MessageID uuid.UUID
	VariantID uuid.UUID
	BlockID   uuid.UUID
}

// Conn is a minimal write-only transport interface satisfied by
// *websocket.Conn. The Emitter holds *websocket.Conn values directly and
// does not use this interface.
type Conn interface {
	WriteJSON(v interface{}) error
}

// Emitter publishes sequence-numbered events for one session to every
// currently attached connection (normally one browser tab, but broadcast
// naturally supports more).
type Emitter struct {
	sessionID uuid.UUID
	seq       atomic.Int64

	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}
}

func NewEmitter(sessionID uuid.UUID) *Emitter {
	return &Emitter{
		sessionID: sessionID,
		conns:     make(map[*websocket.Conn]struct{}),
	}
}

func (e *Emitter) Attach(conn *websocket.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns[conn] = struct{}{}
}

func (e *Emitter) Detach(conn *websocket.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conns, conn)
}

// Emit stamps the event with the next sequence number and broadcasts it to
// every attached connection. Write failures are logged and the connection
// is dropped; they never block or fail the emit for other connections.
func (e *Emitter) Emit(ctx context.Context, name Name, ids IDs, payload interface{}) {
	ev := Event{
		SequenceID: e.seq.Add(1),
		Name:       name,
		SessionID:  e.sessionID,
		MessageID:  ids.MessageID,
		BlockID:    ids.BlockID,
		VariantID:  ids.VariantID,
		Payload:    payload,
	}

	e.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(e.conns))
	for c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.RUnlock()

	var dead []*websocket.Conn
	for _, c := range conns {
		if err := c.WriteJSON(ev); err != nil {
			slog.Warn("chatpipe.event_emit_failed", "session", e.sessionID, "event", name, "error", err)
			dead = append(dead, c)
		}
	}
	if len(dead) > 0 {
		e.mu.Lock()
		for _, c := range dead {
			delete(e.conns, c)
		}
		e.mu.Unlock()
	}
}

// MarshalForReplay renders an event as the same JSON bytes a client would
// have received live, used to replay missed events after a reconnect.
func MarshalForReplay(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
