package transport

import (
	"sync"
)

// MemoryChannel is an in-process Channel. Pipe creates two wired ends.
// Used by tests and by the in-memory rendezvous.
type MemoryChannel struct {
	peerID  string
	events  *Dispatcher
	drained chan struct{}
	remote  *MemoryChannel

	mu     sync.Mutex
	state  State
	stalls int
}

// Pipe returns two connected channels in the connecting state. a talks to
// the peer named bID and b to the peer named aID. Call Open to open both.
func Pipe(aID, bID string) (a, b *MemoryChannel) {
	a = newMemoryChannel(bID)
	b = newMemoryChannel(aID)
	a.remote = b
	b.remote = a
	return a, b
}

func newMemoryChannel(peerID string) *MemoryChannel {
	return &MemoryChannel{
		peerID:  peerID,
		events:  NewDispatcher(),
		drained: make(chan struct{}, 1),
		state:   StateConnecting,
	}
}

func (c *MemoryChannel) PeerID() string { return c.peerID }

func (c *MemoryChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *MemoryChannel) Bind(h Handler) { c.events.Bind(h) }

func (c *MemoryChannel) Drained() <-chan struct{} { return c.drained }

// Open opens both ends of the pipe.
func (c *MemoryChannel) Open() {
	c.open()
	c.remote.open()
}

func (c *MemoryChannel) open() {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateOpen
	c.mu.Unlock()
	c.events.Open()
}

// Stall makes the next n sends fail with ErrChannelBackpressure. Each stalled
// send is followed by a drain signal.
func (c *MemoryChannel) Stall(n int) {
	c.mu.Lock()
	c.stalls = n
	c.mu.Unlock()
}

func (c *MemoryChannel) Send(data []byte) error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if len(data) > MaxMessageSize {
		c.mu.Unlock()
		return ErrMessageTooLarge
	}
	if c.stalls > 0 {
		c.stalls--
		c.mu.Unlock()
		select {
		case c.drained <- struct{}{}:
		default:
		}
		return ErrChannelBackpressure
	}
	c.mu.Unlock()

	msg := make([]byte, len(data))
	copy(msg, data)
	c.remote.events.Message(msg)
	return nil
}

// Close closes both ends. The remote end observes OnClose.
func (c *MemoryChannel) Close() error {
	if c.shutdown() {
		c.events.Closed()
		if c.remote.shutdown() {
			c.remote.events.Closed()
		}
	}
	return nil
}

// Fail terminates the local end with err. The remote end observes OnClose.
func (c *MemoryChannel) Fail(err error) {
	if c.shutdown() {
		c.events.Error(err)
		if c.remote.shutdown() {
			c.remote.events.Closed()
		}
	}
}

func (c *MemoryChannel) shutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	c.state = StateClosed
	return true
}

var _ Channel = (*MemoryChannel)(nil)
