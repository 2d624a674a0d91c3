// Package transfer runs the offer/accept/chunk protocol over one channel.
package transfer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
	"github.com/sirupsen/logrus"
)

var errAborted = errors.New("aborted")

// Protocol owns every transfer on one connection. Outgoing transfers are
// queued and run one at a time by a worker goroutine; incoming messages are
// fed in order through HandleMessage.
type Protocol struct {
	peerID string
	ch     transport.Channel
	cfg    Config
	events Events
	logger *logrus.Entry

	done chan struct{}
	wake chan struct{}

	mu       sync.Mutex
	closed   bool
	closeErr error
	nextID   uint64
	queue    []*outgoing
	outgoing map[uint64]*outgoing
	incoming map[uint64]*incoming
	// ended holds incoming IDs that already reached a terminal state, so
	// stragglers for them are dropped quietly.
	ended map[uint64]struct{}
}

func New(peerID string, ch transport.Channel, cfg Config, events Events) *Protocol {
	cfg = cfg.normalize()
	p := &Protocol{
		peerID:   peerID,
		ch:       ch,
		cfg:      cfg,
		events:   events,
		logger:   cfg.Logger.WithField("peer", peerID),
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
		outgoing: make(map[uint64]*outgoing),
		incoming: make(map[uint64]*incoming),
		ended:    make(map[uint64]struct{}),
	}
	go p.run()
	return p
}

func (p *Protocol) PeerID() string {
	return p.peerID
}

// HandleMessage decodes and applies one message received on the channel.
func (p *Protocol) HandleMessage(data []byte) {
	msg, err := protocol.Unmarshal(data)
	if err != nil {
		p.logger.Warnf("Dropping undecodable message: %v", err)
		return
	}
	p.logger.Tracef("Received %s", msg.Type())

	switch m := msg.(type) {
	case *protocol.Offer:
		p.handleOffer(m)
	case *protocol.Accept:
		p.handleReply(m.TransferID, m)
	case *protocol.Reject:
		p.handleReply(m.TransferID, m)
	case *protocol.Chunk:
		p.handleChunk(m)
	case *protocol.FileDone:
		p.handleFileDone(m)
	case *protocol.TransferDone:
		p.handleTransferDone(m)
	case *protocol.Cancel:
		p.handleCancel(m)
	}
}

// Shutdown cancels every transfer on the connection, telling the remote on
// a best-effort basis. Pending and later Send calls fail with ErrCancelled.
func (p *Protocol) Shutdown(reason string) {
	p.terminate(ErrCancelled, reason, true)
}

// ChannelClosed fails every transfer with ErrRemoteClosed.
func (p *Protocol) ChannelClosed() {
	p.terminate(ErrRemoteClosed, "", false)
}

func (p *Protocol) terminate(cause error, reason string, notify bool) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.closeErr = cause
	close(p.done)

	outs := make([]*outgoing, 0, len(p.outgoing))
	for _, o := range p.outgoing {
		outs = append(outs, o)
	}
	ins := make([]*incoming, 0, len(p.incoming))
	for _, in := range p.incoming {
		ins = append(ins, in)
	}
	p.mu.Unlock()

	err := cause
	if reason != "" {
		err = fmt.Errorf("%w: %s", cause, reason)
	}

	for _, o := range outs {
		if finished, offered := p.finishOutgoing(o, StatusFailed, err); finished && notify && offered {
			p.sendOnce(&protocol.Cancel{TransferID: o.id, Reason: reason, FromSender: true})
		}
	}
	for _, in := range ins {
		if p.finishIncoming(in, StatusFailed, err, nil) && notify {
			p.sendOnce(&protocol.Cancel{TransferID: in.id, Reason: reason})
		}
	}
	p.logger.Debugf("Transfers terminated: %v", err)
}

// send marshals msg and writes it, waiting out backpressure until the
// channel drains, RetryDelay passes, abort closes or the protocol shuts
// down.
func (p *Protocol) send(msg protocol.Message, abort <-chan struct{}) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}

	for {
		err := p.ch.Send(data)
		if !errors.Is(err, transport.ErrChannelBackpressure) {
			switch {
			case errors.Is(err, transport.ErrChannelClosed):
				return fmt.Errorf("%w: %v", ErrRemoteClosed, err)
			case err != nil:
				return fmt.Errorf("send %s: %w", msg.Type(), err)
			}
			p.logger.Tracef("Sent %s", msg.Type())
			return nil
		}

		p.logger.Tracef("Backpressure sending %s, waiting", msg.Type())
		timer := time.NewTimer(p.cfg.RetryDelay)
		select {
		case <-p.ch.Drained():
		case <-timer.C:
		case <-abort:
			timer.Stop()
			return errAborted
		case <-p.done:
			timer.Stop()
			return errAborted
		}
		timer.Stop()
	}
}

// sendOnce makes a single best-effort attempt, used while tearing down.
func (p *Protocol) sendOnce(msg protocol.Message) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return
	}
	if err := p.ch.Send(data); err != nil {
		p.logger.Debugf("Failed to send %s: %v", msg.Type(), err)
	}
}
