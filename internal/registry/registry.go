// Package registry tracks the live connection to each remote peer.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
)

var ErrDuplicateConnection = errors.New("duplicate connection")

// Connection owns one channel to a remote peer.
type Connection struct {
	PeerID  string
	Channel transport.Channel

	mu    sync.Mutex
	state transport.State
}

func (c *Connection) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState moves the connection forward. Closed is final.
func (c *Connection) SetState(s transport.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == transport.StateClosed {
		return
	}
	c.state = s
}

type listener struct {
	id int
	fn func(peers []string)
}

// Registry holds at most one live connection per peer ID. Listeners
// registered with OnChange receive the full ordered peer list after every
// add and remove.
type Registry struct {
	mu        sync.Mutex
	conns     map[string]*Connection
	order     []string
	listeners []listener
	nextID    int

	// notify serializes listener calls so every listener sees lists in
	// mutation order.
	notify sync.Mutex
}

func New() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Add registers ch for peerID in the connecting state. It fails with
// ErrDuplicateConnection if a connection for peerID is still live; a closed
// leftover is replaced.
func (r *Registry) Add(peerID string, ch transport.Channel) (*Connection, error) {
	r.mu.Lock()
	if old, ok := r.conns[peerID]; ok {
		if old.State() != transport.StateClosed {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrDuplicateConnection, peerID)
		}
		r.order = without(r.order, peerID)
	}

	conn := &Connection{PeerID: peerID, Channel: ch, state: transport.StateConnecting}
	r.conns[peerID] = conn
	r.order = append(r.order, peerID)
	r.mu.Unlock()

	r.changed()
	return conn, nil
}

// Remove drops the connection for peerID and closes its channel. Removing
// an absent peer is a no-op.
func (r *Registry) Remove(peerID string) {
	r.mu.Lock()
	conn, ok := r.conns[peerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, peerID)
	r.order = without(r.order, peerID)
	r.mu.Unlock()

	conn.SetState(transport.StateClosed)
	_ = conn.Channel.Close()
	r.changed()
}

// RemoveConnection removes conn only if it is still the registered
// connection for its peer.
func (r *Registry) RemoveConnection(conn *Connection) {
	r.mu.Lock()
	if r.conns[conn.PeerID] != conn {
		r.mu.Unlock()
		conn.SetState(transport.StateClosed)
		_ = conn.Channel.Close()
		return
	}
	r.mu.Unlock()
	r.Remove(conn.PeerID)
}

func (r *Registry) Get(peerID string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[peerID]
}

// List returns peer IDs in insertion order.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// OnChange registers fn and returns a function that unregisters it.
func (r *Registry) OnChange(fn func(peers []string)) (cancel func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners = append(r.listeners, listener{id: id, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, l := range r.listeners {
			if l.id == id {
				r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
				return
			}
		}
	}
}

// Close removes every connection.
func (r *Registry) Close() {
	for _, peerID := range r.List() {
		r.Remove(peerID)
	}
}

func (r *Registry) changed() {
	r.notify.Lock()
	defer r.notify.Unlock()

	r.mu.Lock()
	peers := append([]string(nil), r.order...)
	listeners := append([]listener(nil), r.listeners...)
	r.mu.Unlock()

	for _, l := range listeners {
		l.fn(peers)
	}
}

func without(order []string, peerID string) []string {
	for i, id := range order {
		if id == peerID {
			return append(order[:i:i], order[i+1:]...)
		}
	}
	return order
}
