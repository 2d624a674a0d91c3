// Package tracker is the signaling server peers register with. It hands out
// peer IDs and relays session descriptions between registered peers; file
// data never passes through it.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/rendezvous"
	"github.com/sirupsen/logrus"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	maxIDTries   = 16
)

type Config struct {
	Addr   string
	Logger *logrus.Logger
	// NewID generates candidate peer IDs. Nil picks random 8 character IDs.
	NewID func() string
}

type Server struct {
	config   Config
	logger   *logrus.Entry
	listener net.Listener
	http     *http.Server
	store    *Store

	mu    sync.Mutex
	conns map[*peer]struct{}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func NewServer(cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewLogger()
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString()[:8] }
	}

	s := &Server{
		config:   cfg,
		logger:   log.WithField("component", "tracker"),
		listener: ln,
		store:    NewStore(),
		conns:    make(map[*peer]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// URL is the websocket endpoint clients connect to.
func (s *Server) URL() string {
	return "ws://" + s.Addr() + "/ws"
}

// Start serves until ctx is done or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Infof("Tracker server started on %s", s.Addr())

	stop := context.AfterFunc(ctx, func() { _ = s.Shutdown() })
	defer stop()

	err := s.http.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return ctx.Err()
	}
	return err
}

// Shutdown closes the listener and every peer connection.
func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down tracker server")
	err := s.http.Close()

	s.mu.Lock()
	conns := make([]*peer, 0, len(s.conns))
	for p := range s.conns {
		conns = append(conns, p)
	}
	s.mu.Unlock()
	for _, p := range conns {
		_ = p.ws.Close()
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "ok %d peers\n", s.store.Len())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("Upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	p := &peer{ws: ws}
	s.mu.Lock()
	s.conns[p] = struct{}{}
	s.mu.Unlock()

	s.logger.Debugf("Connection from %s", r.RemoteAddr)
	s.handlePeer(p)

	s.mu.Lock()
	delete(s.conns, p)
	s.mu.Unlock()
}

func (s *Server) handlePeer(p *peer) {
	defer func() {
		if p.id != "" {
			s.store.Remove(p.id, p)
			s.logger.WithField("peer", p.id).Info("Peer disconnected")
		}
		_ = p.ws.Close()
	}()

	_ = p.ws.SetReadDeadline(time.Now().Add(pongWait))
	p.ws.SetPingHandler(func(data string) error {
		_ = p.ws.SetReadDeadline(time.Now().Add(pongWait))
		return p.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	for {
		messageType, data, err := p.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debugf("Read error: %v", err)
			}
			return
		}
		_ = p.ws.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.TextMessage {
			continue
		}

		var env rendezvous.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.replyError(p, rendezvous.CodeBadRequest, "invalid json", "")
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			s.replyError(p, rendezvous.CodeBadRequest, err.Error(), "")
			continue
		}
		s.handleMessage(p, env)
	}
}

func (s *Server) handleMessage(p *peer, env rendezvous.Envelope) {
	switch env.Type {
	case rendezvous.TypeRegister:
		if p.id == "" {
			id, ok := s.register(p)
			if !ok {
				s.replyError(p, rendezvous.CodeBadRequest, "could not allocate id", "")
				return
			}
			p.id = id
			s.logger.WithField("peer", id).Info("Peer registered")
		}
		s.reply(p, rendezvous.TypeRegistered, rendezvous.Registered{PeerID: p.id})

	case rendezvous.TypeSignal:
		if p.id == "" {
			s.replyError(p, rendezvous.CodeNotRegistered, "register first", "")
			return
		}
		to := env.To
		target := s.store.Get(to)
		if target == nil {
			s.replyError(p, rendezvous.CodePeerNotFound, "peer is not online", to)
			return
		}
		env.From = p.id
		env.To = ""
		if err := target.send(env); err != nil {
			s.logger.WithField("peer", to).Debugf("Relay failed: %v", err)
			s.replyError(p, rendezvous.CodePeerNotFound, "peer is not reachable", to)
		}

	default:
		s.logger.Warnf("Unhandled message type %q", env.Type)
		s.replyError(p, rendezvous.CodeBadRequest, "unknown type "+env.Type, "")
	}
}

func (s *Server) register(p *peer) (string, bool) {
	for i := 0; i < maxIDTries; i++ {
		id := s.config.NewID()
		if id != "" && s.store.Add(id, p) {
			return id, true
		}
	}
	return "", false
}

func (s *Server) reply(p *peer, msgType string, payload any) {
	env, err := rendezvous.NewEnvelope(msgType, payload)
	if err != nil {
		s.logger.Errorf("Failed to build %s: %v", msgType, err)
		return
	}
	if err := p.send(env); err != nil {
		s.logger.Debugf("Failed to send %s: %v", msgType, err)
	}
}

func (s *Server) replyError(p *peer, code, message, peerID string) {
	s.reply(p, rendezvous.TypeError, rendezvous.Error{Code: code, Message: message, PeerID: peerID})
}

// peer is one websocket connection. id is only touched by its read loop.
type peer struct {
	ws *websocket.Conn
	id string

	writeMu sync.Mutex
}

func (p *peer) send(env rendezvous.Envelope) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.ws.WriteJSON(env)
}
