package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
)

// Hub is an in-process rendezvous. Endpoints created from the same hub
// reach each other through transport.Pipe channels. It backs tests and
// single-process demos.
type Hub struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
}

func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]*Endpoint)}
}

// Endpoint returns a new rendezvous on the hub. id is the peer ID it will
// allocate; empty picks a random one.
func (h *Hub) Endpoint(id string) *Endpoint {
	return &Endpoint{hub: h, want: id}
}

func (h *Hub) lookup(id string) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.endpoints[id]
}

// Endpoint is one peer's view of a Hub.
type Endpoint struct {
	hub  *Hub
	want string

	mu        sync.Mutex
	id        string
	onInbound func(transport.Channel)
	// Hold leaves new channels connecting instead of opening them.
	hold bool
}

// Hold makes later OpenChannel calls return channels that never open.
func (e *Endpoint) Hold() {
	e.mu.Lock()
	e.hold = true
	e.mu.Unlock()
}

func (e *Endpoint) AllocateID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.id != "" {
		return e.id, nil
	}

	id := e.want
	if id == "" {
		id = uuid.NewString()[:8]
	}

	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	if _, taken := e.hub.endpoints[id]; taken {
		return "", fmt.Errorf("id %s already registered", id)
	}
	e.hub.endpoints[id] = e
	e.id = id
	return id, nil
}

func (e *Endpoint) OpenChannel(ctx context.Context, targetID string) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	self, hold := e.id, e.hold
	e.mu.Unlock()
	if self == "" {
		return nil, ErrNotRegistered
	}

	target := e.hub.lookup(targetID)
	if target == nil {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, targetID)
	}

	target.mu.Lock()
	onInbound := target.onInbound
	target.mu.Unlock()
	if onInbound == nil {
		return nil, errors.New("peer is not accepting connections")
	}

	local, remote := transport.Pipe(self, targetID)
	onInbound(remote)
	if !hold {
		local.Open()
	}
	return local, nil
}

func (e *Endpoint) OnInboundChannel(fn func(transport.Channel)) {
	e.mu.Lock()
	e.onInbound = fn
	e.mu.Unlock()
}

// Close unregisters the endpoint.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	id := e.id
	e.id = ""
	e.mu.Unlock()

	if id == "" {
		return nil
	}
	e.hub.mu.Lock()
	if e.hub.endpoints[id] == e {
		delete(e.hub.endpoints, id)
	}
	e.hub.mu.Unlock()
	return nil
}
