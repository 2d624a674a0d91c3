// Package transport defines the message channel the transfer layer runs on
// and provides an in-memory implementation. The WebRTC implementation lives
// in the webrtc subpackage.
package transport

import "errors"

// MaxMessageSize is the largest message a Channel accepts. It matches the
// default SCTP max message size of a pion data channel.
const MaxMessageSize = 64 * 1024

var (
	ErrChannelClosed = errors.New("channel closed")
	// ErrMessageTooLarge rejects a single message; the channel stays usable.
	ErrMessageTooLarge = errors.New("message exceeds channel limit")
	// ErrChannelBackpressure means the send buffer is full. The message was
	// not queued; the caller retries after Drained fires.
	ErrChannelBackpressure = errors.New("channel send buffer full")
)

type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Channel is one reliable, ordered, message-oriented link to a remote peer.
type Channel interface {
	// PeerID names the remote end.
	PeerID() string
	State() State
	// Send queues one message. It fails with ErrChannelClosed or
	// ErrChannelBackpressure.
	Send(data []byte) error
	// Bind attaches the handler. Events raised before Bind are held and
	// replayed in order once a handler is bound.
	Bind(h Handler)
	// Drained fires when a previously full send buffer has room again.
	Drained() <-chan struct{}
	Close() error
}

// Handler receives channel events sequentially on one goroutine.
// OnClose and OnError are terminal: nothing follows them.
type Handler interface {
	OnOpen()
	OnMessage(data []byte)
	OnClose()
	OnError(err error)
}
