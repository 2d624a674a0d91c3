package webrtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
	"github.com/sirupsen/logrus"
)

var errICEFailed = errors.New("ice connection failed")

// Channel is a transport.Channel over one pion PeerConnection carrying a
// single ordered, reliable DataChannel.
type Channel struct {
	peerID    string
	pc        *webrtc.PeerConnection
	events    *transport.Dispatcher
	drained   chan struct{}
	highWater uint64
	lowWater  uint64
	logger    *logrus.Entry
	onClose   func(*Channel)

	mu    sync.Mutex
	dc    *webrtc.DataChannel
	state transport.State
}

func newChannel(peerID string, pc *webrtc.PeerConnection, cfg Config, logger *logrus.Entry) *Channel {
	c := &Channel{
		peerID:    peerID,
		pc:        pc,
		events:    transport.NewDispatcher(),
		drained:   make(chan struct{}, 1),
		highWater: cfg.HighWaterMark,
		lowWater:  cfg.LowWaterMark,
		logger:    logger.WithField("peer", peerID),
		state:     transport.StateConnecting,
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Debugf("Peer connection state changed: %s", s.String())
		switch s {
		case webrtc.PeerConnectionStateFailed:
			c.terminate(errICEFailed)
		case webrtc.PeerConnectionStateClosed:
			c.terminate(nil)
		}
	})

	return c
}

func (c *Channel) setupDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	if c.dc != nil {
		c.mu.Unlock()
		c.logger.Warnf("Ignoring extra data channel '%s'", dc.Label())
		_ = dc.Close()
		return
	}
	c.dc = dc
	c.mu.Unlock()

	dc.SetBufferedAmountLowThreshold(c.lowWater)
	dc.OnBufferedAmountLow(func() {
		select {
		case c.drained <- struct{}{}:
		default:
		}
	})

	dc.OnOpen(func() {
		c.logger.Debugf("Data channel '%s' open", dc.Label())
		c.mu.Lock()
		if c.state != transport.StateConnecting {
			c.mu.Unlock()
			return
		}
		c.state = transport.StateOpen
		c.mu.Unlock()
		c.events.Open()
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.events.Message(msg.Data)
	})

	dc.OnError(func(err error) {
		c.logger.Errorf("Data channel error: %v", err)
		c.terminate(err)
	})

	dc.OnClose(func() {
		c.logger.Debugf("Data channel '%s' closed", dc.Label())
		c.terminate(nil)
	})
}

func (c *Channel) PeerID() string {
	return c.peerID
}

func (c *Channel) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Bind(h transport.Handler) {
	c.events.Bind(h)
}

func (c *Channel) Drained() <-chan struct{} {
	return c.drained
}

func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	dc, state := c.dc, c.state
	c.mu.Unlock()

	if state != transport.StateOpen || dc == nil {
		return transport.ErrChannelClosed
	}
	if len(data) > transport.MaxMessageSize {
		return transport.ErrMessageTooLarge
	}
	if dc.BufferedAmount() > c.highWater {
		return transport.ErrChannelBackpressure
	}
	if err := dc.Send(data); err != nil {
		if dc.ReadyState() != webrtc.DataChannelStateOpen {
			return fmt.Errorf("%w: %v", transport.ErrChannelClosed, err)
		}
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (c *Channel) Close() error {
	if !c.shutdown() {
		return nil
	}
	c.events.Closed()

	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc != nil {
		_ = dc.Close()
	}
	return c.pc.Close()
}

// terminate ends the channel after a remote or network event. A nil err is
// an orderly close.
func (c *Channel) terminate(err error) {
	if !c.shutdown() {
		return
	}
	if err != nil {
		c.events.Error(err)
	} else {
		c.events.Closed()
	}
	go func() {
		_ = c.pc.Close()
	}()
}

func (c *Channel) shutdown() bool {
	c.mu.Lock()
	if c.state == transport.StateClosed {
		c.mu.Unlock()
		return false
	}
	c.state = transport.StateClosed
	onClose := c.onClose
	c.mu.Unlock()

	if onClose != nil {
		onClose(c)
	}
	return true
}

var _ transport.Channel = (*Channel)(nil)
