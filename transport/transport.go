package transport

import (
	"context"
	"sync"
)

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }

var (
	ErrPeerUnknown = Err("peer unknown")
	ErrNoHandler   = Err("no handler for message type")
	ErrClosed      = Err("transport closed")
)

// HandlerFunc processes one inbound envelope. A non-nil return envelope is
// delivered back to the requester when the message arrived via Request.
type HandlerFunc func(ctx context.Context, from string, env Envelope) (*Envelope, error)

// Transport delivers envelopes to named peers. Send is fire-and-forget from
// the caller's point of view; delivery failures surface as errors but the
// lifecycle engines never block correctness on them.
type Transport interface {
	Self() string
	Send(ctx context.Context, peer string, env Envelope) error
	Request(ctx context.Context, peer string, env Envelope) (Envelope, error)
	Handle(msgType string, h HandlerFunc)
	Close() error
}

// handlerSet is the per-message-type registry shared by implementations.
type handlerSet struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func newHandlerSet() *handlerSet {
	return &handlerSet{handlers: make(map[string]HandlerFunc)}
}

func (h *handlerSet) set(msgType string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[msgType] = fn
}

func (h *handlerSet) get(msgType string) (HandlerFunc, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.handlers[msgType]
	return fn, ok
}
