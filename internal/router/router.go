// Package router dispatches frames received on a chat stream to the
// handlers registered for their event name.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// HandlerFunc receives a decoded frame for the room the stream belongs to.
type HandlerFunc func(ctx context.Context, roomID string, msg ClientMessage)

type EventRouter struct {
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	fallback HandlerFunc
}

func NewEventRouter(logger *slog.Logger) *EventRouter {
	return &EventRouter{
		logger:   logger.With(slog.String("component", "event_router")),
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers fn for event, replacing any previous handler.
func (r *EventRouter) Handle(event string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[event] = fn
}

// HandleDefault registers the handler for events without their own.
func (r *EventRouter) HandleDefault(fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = fn
}

// ForRoom returns a transport message handler bound to roomID. Frames
// whose target names another room are dropped.
func (r *EventRouter) ForRoom(roomID string) func(ctx context.Context, connID uuid.UUID, msg []byte) {
	return func(ctx context.Context, connID uuid.UUID, msg []byte) {
		r.HandleMessage(ctx, roomID, connID, msg)
	}
}

func (r *EventRouter) HandleMessage(ctx context.Context, roomID string, connID uuid.UUID, msg []byte) {
	if !gjson.ValidBytes(msg) {
		r.logger.Warn("Dropping malformed frame", slog.String("connID", connID.String()), slog.String("roomID", roomID))
		return
	}
	fields := gjson.GetManyBytes(msg, "event", "target", "payload")
	event, target, payload := fields[0], fields[1], fields[2]
	if !event.Exists() || event.String() == "" {
		r.logger.Warn("Dropping frame without event", slog.String("connID", connID.String()))
		return
	}
	if target.Exists() && target.String() != "" && roomID != "" && target.String() != roomID {
		r.logger.Debug("Dropping frame addressed to another room",
			slog.String("roomID", roomID),
			slog.String("target", target.String()),
		)
		return
	}

	clientMsg := ClientMessage{Target: target.String(), Event: event.String()}
	if payload.Exists() {
		clientMsg.Payload = json.RawMessage(payload.Raw)
	}

	r.mu.RLock()
	fn, ok := r.handlers[clientMsg.Event]
	if !ok {
		fn = r.fallback
	}
	r.mu.RUnlock()
	if fn == nil {
		r.logger.Warn("Received unknown event", "event", clientMsg.Event, "connID", connID)
		return
	}
	r.logger.Debug("Dispatching event", slog.Any("event", clientMsg.Event), slog.Any("connID", connID))
	fn(ctx, roomID, clientMsg)
}
