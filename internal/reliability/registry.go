package reliability

import (
	"context"
	"log"
	"sync"

	"github.com/voxguard/voxguard/pkg/protocol"
)

// unhandledBuffer bounds the unhandled event queue before Dispatch blocks.
const unhandledBuffer = 64

// HandlerResult reports what a handler did with an envelope. A non-nil Reply
// is sent back on the same connection.
type HandlerResult struct {
	Handled bool
	Reply   *protocol.Envelope
}

// Handler consumes one validated envelope from a connection.
type Handler interface {
	Handle(ctx context.Context, env *protocol.Envelope, connectionID string) (HandlerResult, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, env *protocol.Envelope, connectionID string) (HandlerResult, error)

func (f HandlerFunc) Handle(ctx context.Context, env *protocol.Envelope, connectionID string) (HandlerResult, error) {
	return f(ctx, env, connectionID)
}

// Unhandled is an envelope that arrived with no registered handler.
type Unhandled struct {
	Envelope     *protocol.Envelope
	ConnectionID string
}

// Registry routes envelopes to handlers by message type. Types nobody
// registered for are surfaced on the Unhandled channel instead of being
// dropped.
type Registry struct {
	mu        sync.RWMutex
	handlers  map[protocol.MessageType]Handler
	unhandled chan Unhandled
}

func NewRegistry() *Registry {
	return &Registry{
		handlers:  make(map[protocol.MessageType]Handler),
		unhandled: make(chan Unhandled, unhandledBuffer),
	}
}

// Register installs the handler for a message type, replacing any previous
// registration.
func (r *Registry) Register(msgType protocol.MessageType, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = handler
}

// RegisterFunc is Register for plain functions.
func (r *Registry) RegisterFunc(msgType protocol.MessageType, fn HandlerFunc) {
	r.Register(msgType, fn)
}

// Lookup returns the handler registered for a message type.
func (r *Registry) Lookup(msgType protocol.MessageType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[msgType]
	return handler, ok
}

// Unhandled exposes envelopes that had no registered handler.
func (r *Registry) Unhandled() <-chan Unhandled {
	return r.unhandled
}

// Dispatch routes the envelope to its handler. Envelopes without a handler
// are queued on the unhandled channel; when the queue is full the send blocks
// until a consumer drains it or the context ends.
func (r *Registry) Dispatch(ctx context.Context, env *protocol.Envelope, connectionID string) (HandlerResult, error) {
	handler, ok := r.Lookup(env.Type)
	if !ok {
		log.Printf("Unhandled message type: %s (connection %s)", env.Type, connectionID)
		select {
		case r.unhandled <- Unhandled{Envelope: env, ConnectionID: connectionID}:
		case <-ctx.Done():
			return HandlerResult{}, ctx.Err()
		}
		return HandlerResult{}, nil
	}
	return handler.Handle(ctx, env, connectionID)
}
