package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// LoopbackRouter connects LoopbackTransports living in one process. Used in
// tests and single-node demos where manager and worker share a binary.
type LoopbackRouter struct {
	mu    sync.RWMutex
	peers map[string]*LoopbackTransport
}

// NewLoopbackRouter returns an empty router.
func NewLoopbackRouter() *LoopbackRouter {
	return &LoopbackRouter{peers: make(map[string]*LoopbackTransport)}
}

// Attach registers a new peer on the router and returns its transport.
func (r *LoopbackRouter) Attach(peerID string) *LoopbackTransport {
	t := &LoopbackTransport{
		router:   r,
		self:     peerID,
		handlers: newHandlerSet(),
	}
	r.mu.Lock()
	r.peers[peerID] = t
	r.mu.Unlock()
	return t
}

func (r *LoopbackRouter) peer(id string) (*LoopbackTransport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.peers[id]
	return t, ok
}

func (r *LoopbackRouter) detach(id string) {
	r.mu.Lock()
	delete(r.peers, id)
	r.mu.Unlock()
}

// LoopbackTransport routes envelopes through a LoopbackRouter. Dispatch is
// synchronous, which makes test scenarios deterministic.
type LoopbackTransport struct {
	router   *LoopbackRouter
	self     string
	handlers *handlerSet
}

func (t *LoopbackTransport) Self() string { return t.self }

func (t *LoopbackTransport) Handle(msgType string, h HandlerFunc) {
	t.handlers.set(msgType, h)
}

func (t *LoopbackTransport) Send(ctx context.Context, peer string, env Envelope) error {
	_, err := t.deliver(ctx, peer, env)
	return err
}

func (t *LoopbackTransport) Request(ctx context.Context, peer string, env Envelope) (Envelope, error) {
	reply, err := t.deliver(ctx, peer, env)
	if err != nil {
		return Envelope{}, err
	}
	if reply == nil {
		return Envelope{}, ErrNoHandler
	}
	return *reply, nil
}

func (t *LoopbackTransport) deliver(ctx context.Context, peer string, env Envelope) (*Envelope, error) {
	target, ok := t.router.peer(peer)
	if !ok {
		return nil, ErrPeerUnknown
	}
	fn, ok := target.handlers.get(env.Type)
	if !ok {
		return nil, ErrNoHandler
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	env.From = t.self
	return fn(ctx, t.self, env)
}

func (t *LoopbackTransport) Close() error {
	t.router.detach(t.self)
	return nil
}
