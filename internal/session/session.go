// Package session is the entry point for embedding peer-drop: it owns this
// process's peer identity, its connections and their transfers.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/registry"
	"github.com/rudransh-shrivastava/peer-drop/internal/transfer"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
	"github.com/sirupsen/logrus"
)

var (
	ErrSessionStart   = errors.New("session start failed")
	ErrNotStarted     = errors.New("session not started")
	ErrSelfConnect    = errors.New("cannot connect to self")
	ErrConnectTimeout = errors.New("connect timed out")
	ErrConnectRefused = errors.New("connection refused")
	ErrNotConnected   = errors.New("peer not connected")
)

const DefaultConnectTimeout = 30 * time.Second

// Rendezvous allocates this peer's ID and produces channels to other peers.
type Rendezvous interface {
	AllocateID(ctx context.Context) (string, error)
	OpenChannel(ctx context.Context, targetID string) (transport.Channel, error)
	OnInboundChannel(fn func(transport.Channel))
	Close() error
}

type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

type Config struct {
	ConnectTimeout time.Duration
	Transfer       transfer.Config
	Logger         *logrus.Entry
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout: DefaultConnectTimeout,
		Transfer:       transfer.DefaultConfig(),
	}
}

// Coordinator is the consumer-facing API. Construct one per process with
// New and drive it with Start and Stop.
type Coordinator struct {
	rv       Rendezvous
	cfg      Config
	logger   *logrus.Entry
	registry *registry.Registry

	mu        sync.Mutex
	state     State
	id        string
	peers     map[string]*peer
	observers map[int]Observer
	nextObs   int
}

func New(rv Rendezvous, cfg Config) *Coordinator {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logger.NewLogger())
	}
	if cfg.Transfer.Logger == nil {
		cfg.Transfer.Logger = cfg.Logger
	}

	c := &Coordinator{
		rv:        rv,
		cfg:       cfg,
		logger:    cfg.Logger,
		registry:  registry.New(),
		peers:     make(map[string]*peer),
		observers: make(map[int]Observer),
	}
	c.registry.OnChange(func(peers []string) {
		c.notify(func(o Observer) { o.PeersChanged(peers) })
	})
	return c
}

// Start registers with the rendezvous service and returns this peer's ID.
// Starting an active session returns its existing ID.
func (c *Coordinator) Start(ctx context.Context) (string, error) {
	c.mu.Lock()
	switch c.state {
	case StateActive:
		id := c.id
		c.mu.Unlock()
		return id, nil
	case StateStarting:
		c.mu.Unlock()
		return "", fmt.Errorf("%w: start already in progress", ErrSessionStart)
	}
	c.state = StateStarting
	c.mu.Unlock()

	c.rv.OnInboundChannel(c.acceptInbound)

	id, err := c.rv.AllocateID(ctx)

	c.mu.Lock()
	if err != nil || c.state != StateStarting {
		aborted := err == nil
		c.state = StateIdle
		c.mu.Unlock()
		if aborted {
			_ = c.rv.Close()
			return "", fmt.Errorf("%w: stopped while starting", ErrSessionStart)
		}
		return "", fmt.Errorf("%w: %w", ErrSessionStart, err)
	}
	c.state = StateActive
	c.id = id
	c.mu.Unlock()

	c.logger.Infof("Session started as %s", id)
	return id, nil
}

// Stop cancels every transfer, closes every connection and releases the
// rendezvous registration. Stopping an idle session does nothing.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	wasActive := c.state == StateActive
	c.state = StateIdle
	c.id = ""
	peers := c.peers
	c.peers = make(map[string]*peer)
	c.mu.Unlock()

	for _, p := range peers {
		p.proto.Shutdown("session stopped")
	}
	c.registry.Close()

	if wasActive {
		if err := c.rv.Close(); err != nil {
			c.logger.Warnf("Failed to close rendezvous: %v", err)
		}
	}
	c.logger.Info("Session stopped")
}

// Connect opens a connection to peerID and waits until it is open.
func (c *Coordinator) Connect(ctx context.Context, peerID string) error {
	c.mu.Lock()
	state, self := c.state, c.id
	c.mu.Unlock()

	switch {
	case state != StateActive:
		return ErrNotStarted
	case peerID == self:
		return ErrSelfConnect
	}
	if conn := c.registry.Get(peerID); conn != nil && conn.State() != transport.StateClosed {
		return fmt.Errorf("%w: %s", registry.ErrDuplicateConnection, peerID)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	log := c.logger.WithField("peer", peerID)
	log.Info("Connecting")

	ch, err := c.rv.OpenChannel(ctx, peerID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrConnectTimeout, peerID)
		}
		return fmt.Errorf("%w: %w", ErrConnectRefused, err)
	}

	p, err := c.attach(ch)
	if err != nil {
		return err
	}

	select {
	case <-p.opened:
		log.Info("Connected")
		return nil
	case err := <-p.closed:
		if err != nil {
			return fmt.Errorf("%w: %w", ErrConnectRefused, err)
		}
		return fmt.Errorf("%w: channel closed before open", ErrConnectRefused)
	case <-ctx.Done():
		c.drop(p)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrConnectTimeout, peerID)
		}
		return ctx.Err()
	}
}

// Disconnect closes the connection to peerID, cancelling its transfers.
func (c *Coordinator) Disconnect(peerID string) {
	c.mu.Lock()
	p := c.peers[peerID]
	c.mu.Unlock()
	if p == nil {
		c.registry.Remove(peerID)
		return
	}
	p.proto.Shutdown("disconnected")
	c.drop(p)
}

// SendFiles offers files to a connected peer and blocks until the transfer
// completes, is rejected or fails.
func (c *Coordinator) SendFiles(ctx context.Context, peerID string, files []transfer.File) (transfer.Result, error) {
	p, err := c.openPeer(peerID)
	if err != nil {
		return transfer.Result{}, err
	}
	return p.proto.Send(ctx, files)
}

func (c *Coordinator) AcceptOffer(peerID string, transferID uint64) error {
	p, err := c.openPeer(peerID)
	if err != nil {
		return err
	}
	return p.proto.Accept(transferID)
}

func (c *Coordinator) RejectOffer(peerID string, transferID uint64) error {
	p, err := c.openPeer(peerID)
	if err != nil {
		return err
	}
	return p.proto.Reject(transferID)
}

// Subscribe registers o for all events until the returned function is
// called.
func (c *Coordinator) Subscribe(o Observer) (cancel func()) {
	c.mu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = o
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// Peers lists connected and connecting peers in connection order.
func (c *Coordinator) Peers() []string {
	return c.registry.List()
}

// PeerState reports the connection state for peerID; StateClosed if unknown.
func (c *Coordinator) PeerState(peerID string) transport.State {
	if conn := c.registry.Get(peerID); conn != nil {
		return conn.State()
	}
	return transport.StateClosed
}

func (c *Coordinator) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) openPeer(peerID string) (*peer, error) {
	c.mu.Lock()
	p := c.peers[peerID]
	c.mu.Unlock()

	if p == nil || p.conn.State() != transport.StateOpen {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, peerID)
	}
	return p, nil
}

func (c *Coordinator) acceptInbound(ch transport.Channel) {
	log := c.logger.WithField("peer", ch.PeerID())
	if c.State() != StateActive {
		log.Warn("Closing inbound channel, session not active")
		_ = ch.Close()
		return
	}
	if _, err := c.attach(ch); err != nil {
		log.Warnf("Closing inbound channel: %v", err)
		return
	}
	log.Info("Accepted inbound connection")
}

// attach registers ch and starts its transfer protocol.
func (c *Coordinator) attach(ch transport.Channel) (*peer, error) {
	peerID := ch.PeerID()
	conn, err := c.registry.Add(peerID, ch)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	cfg := c.cfg.Transfer
	p := &peer{
		c:      c,
		conn:   conn,
		proto:  transfer.New(peerID, ch, cfg, events{c: c}),
		opened: make(chan struct{}),
		closed: make(chan error, 1),
	}

	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		p.proto.Shutdown("session stopped")
		c.registry.RemoveConnection(conn)
		return nil, ErrNotStarted
	}
	c.peers[peerID] = p
	c.mu.Unlock()

	ch.Bind(p)
	return p, nil
}

// drop forgets p and closes its channel.
func (c *Coordinator) drop(p *peer) {
	c.mu.Lock()
	if c.peers[p.conn.PeerID] == p {
		delete(c.peers, p.conn.PeerID)
	}
	c.mu.Unlock()
	c.registry.RemoveConnection(p.conn)
}

func (c *Coordinator) notify(fn func(Observer)) {
	c.mu.Lock()
	observers := make([]Observer, 0, len(c.observers))
	for _, o := range c.observers {
		observers = append(observers, o)
	}
	c.mu.Unlock()

	for _, o := range observers {
		fn(o)
	}
}

// peer handles channel events for one connection.
type peer struct {
	c      *Coordinator
	conn   *registry.Connection
	proto  *transfer.Protocol
	opened chan struct{}
	closed chan error
}

func (p *peer) OnOpen() {
	p.conn.SetState(transport.StateOpen)
	close(p.opened)
}

func (p *peer) OnMessage(data []byte) {
	p.proto.HandleMessage(data)
}

func (p *peer) OnClose() {
	p.c.logger.WithField("peer", p.conn.PeerID).Info("Connection closed")
	p.terminate(nil)
}

func (p *peer) OnError(err error) {
	p.c.logger.WithField("peer", p.conn.PeerID).Warnf("Connection failed: %v", err)
	p.terminate(err)
}

func (p *peer) terminate(err error) {
	p.conn.SetState(transport.StateClosed)
	p.proto.ChannelClosed()
	p.c.drop(p)
	p.closed <- err
}
