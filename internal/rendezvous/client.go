// Package rendezvous connects a session to other peers: it allocates the
// peer ID and relays WebRTC session descriptions through a websocket
// signaling server.
package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	pionwebrtc "github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport/webrtc"
	"github.com/sirupsen/logrus"
)

var (
	ErrPeerNotFound  = errors.New("peer not found")
	ErrNotRegistered = errors.New("not registered")
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
)

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

type Config struct {
	URL    string
	WebRTC webrtc.Config
	Logger *logrus.Logger
}

// Client is a rendezvous backed by a websocket signaling server. Channels
// are WebRTC data channels negotiated through the server.
type Client struct {
	url     string
	logger  *logrus.Entry
	factory *webrtc.Factory

	mu         sync.Mutex
	conn       *conn
	id         string
	registered chan Registered
}

func NewClient(cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = logger.NewLogger()
	}
	cfg.WebRTC.Logger = log

	c := &Client{
		url:    cfg.URL,
		logger: log.WithField("component", "rendezvous"),
	}
	c.factory = webrtc.NewFactory(cfg.WebRTC, c)
	return c
}

// AllocateID connects to the server and registers, returning the ID the
// server assigned.
func (c *Client) AllocateID(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.conn != nil {
		id := c.id
		c.mu.Unlock()
		if id == "" {
			return "", errors.New("registration in progress")
		}
		return id, nil
	}
	c.mu.Unlock()

	ws, err := dial(ctx, c.url)
	if err != nil {
		return "", err
	}

	registered := make(chan Registered, 1)
	cn := newConn(ws, c.logger)

	c.mu.Lock()
	c.conn = cn
	c.registered = registered
	c.mu.Unlock()

	go func() {
		err := cn.readLoop(c.handle)
		c.logger.Debugf("Signaling connection closed: %v", err)
		c.disconnected(cn)
	}()

	env, err := NewEnvelope(TypeRegister, nil)
	if err != nil {
		_ = c.Close()
		return "", err
	}
	if err := cn.send(env); err != nil {
		_ = c.Close()
		return "", err
	}

	select {
	case reg, ok := <-registered:
		if !ok {
			return "", fmt.Errorf("%w: connection closed", ErrNotRegistered)
		}
		c.mu.Lock()
		c.id = reg.PeerID
		c.mu.Unlock()
		c.logger.Infof("Registered as %s", reg.PeerID)
		return reg.PeerID, nil
	case <-ctx.Done():
		_ = c.Close()
		return "", ctx.Err()
	}
}

// OpenChannel starts a WebRTC negotiation with targetID. The channel opens
// once the remote answers and ICE connects; if the server cannot find the
// peer the channel fails with ErrPeerNotFound.
func (c *Client) OpenChannel(ctx context.Context, targetID string) (transport.Channel, error) {
	if c.ID() == "" {
		return nil, ErrNotRegistered
	}
	ch, err := c.factory.Dial(ctx, targetID)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *Client) OnInboundChannel(fn func(transport.Channel)) {
	c.factory.OnInbound(fn)
}

func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// SendSignal relays a session description to peerID through the server.
func (c *Client) SendSignal(ctx context.Context, peerID string, desc pionwebrtc.SessionDescription) error {
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn == nil {
		return ErrNotRegistered
	}

	env, err := NewEnvelope(TypeSignal, Signal{Kind: desc.Type.String(), SDP: desc.SDP})
	if err != nil {
		return err
	}
	env.To = peerID
	return cn.send(env)
}

// Close drops the registration and every channel. A later AllocateID
// registers again.
func (c *Client) Close() error {
	c.mu.Lock()
	cn := c.conn
	c.conn = nil
	c.id = ""
	c.mu.Unlock()

	_ = c.factory.Close()
	if cn == nil {
		return nil
	}
	return cn.close()
}

func (c *Client) handle(env Envelope) {
	log := c.logger.WithField("type", env.Type)
	if err := env.ValidateBasic(); err != nil {
		log.Warnf("Invalid envelope: %v", err)
		return
	}

	switch env.Type {
	case TypeRegistered:
		var reg Registered
		if err := env.DecodePayload(&reg); err != nil || reg.PeerID == "" {
			log.Warnf("Invalid registration reply: %v", err)
			return
		}
		c.mu.Lock()
		ch := c.registered
		c.mu.Unlock()
		select {
		case ch <- reg:
		default:
		}

	case TypeSignal:
		var sig Signal
		if err := env.DecodePayload(&sig); err != nil {
			log.Warnf("Invalid signal: %v", err)
			return
		}
		desc := pionwebrtc.SessionDescription{Type: pionwebrtc.NewSDPType(sig.Kind), SDP: sig.SDP}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), pongWait)
			defer cancel()
			if err := c.factory.HandleSignal(ctx, env.From, desc); err != nil {
				c.logger.WithField("peer", env.From).Warnf("Failed to handle %s: %v", sig.Kind, err)
			}
		}()

	case TypeError:
		var e Error
		if err := env.DecodePayload(&e); err != nil {
			log.Warnf("Invalid error payload: %v", err)
			return
		}
		log.Warnf("Server error %s: %s", e.Code, e.Message)
		if e.Code == CodePeerNotFound && e.PeerID != "" {
			c.factory.Abort(e.PeerID, fmt.Errorf("%w: %s", ErrPeerNotFound, e.PeerID))
		}

	default:
		log.Debug("Ignoring envelope")
	}
}

func (c *Client) disconnected(cn *conn) {
	c.mu.Lock()
	if c.registered != nil && c.conn == cn && c.id == "" {
		close(c.registered)
		c.registered = nil
	}
	if c.conn == cn {
		c.conn = nil
		c.id = ""
	}
	c.mu.Unlock()
	_ = cn.close()
}

func dial(ctx context.Context, url string) (*websocket.Conn, error) {
	ws, resp, err := dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}
	return ws, nil
}

// conn serializes writes to one websocket.
type conn struct {
	ws     *websocket.Conn
	logger *logrus.Entry

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

func newConn(ws *websocket.Conn, logger *logrus.Entry) *conn {
	return &conn{ws: ws, logger: logger, done: make(chan struct{})}
}

func (c *conn) send(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return fmt.Errorf("%w: connection closed", ErrNotRegistered)
	default:
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(env)
}

func (c *conn) readLoop(onEnv func(Envelope)) error {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.pingLoop()

	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Errorf("Websocket read error: %v", err)
			}
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warnf("Invalid JSON envelope: %v", err)
			continue
		}
		onEnv(env)
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *conn) close() error {
	var err error
	c.once.Do(func() {
		c.writeMu.Lock()
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
