// Package webrtc implements transport.Channel over pion WebRTC data channels.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport"
	"github.com/sirupsen/logrus"
)

var ErrUnexpectedAnswer = errors.New("answer without a pending offer")

// Signaler relays session descriptions to a remote peer. The rendezvous
// client implements it.
type Signaler interface {
	SendSignal(ctx context.Context, peerID string, desc webrtc.SessionDescription) error
}

// Factory creates Channels. Outgoing channels are opened with Dial; remote
// offers passed to HandleSignal produce inbound channels, reported through
// the OnInbound callback. SDP is exchanged once ICE gathering completes, so
// no trickle candidates are signaled.
type Factory struct {
	api      *webrtc.API
	config   webrtc.Configuration
	cfg      Config
	signaler Signaler
	logger   *logrus.Entry

	mu        sync.Mutex
	channels  map[string]*Channel
	onInbound func(transport.Channel)
}

func NewFactory(cfg Config, signaler Signaler) *Factory {
	log := cfg.Logger
	if log == nil {
		log = logger.NewLogger()
	}

	settings := webrtc.SettingEngine{LoggerFactory: logger.NewPionFactory(log)}
	settings.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	return &Factory{
		api:      webrtc.NewAPI(webrtc.WithSettingEngine(settings)),
		config:   STUNConfig(cfg.STUNServers),
		cfg:      cfg,
		signaler: signaler,
		logger:   log.WithField("component", "webrtc"),
		channels: make(map[string]*Channel),
	}
}

// OnInbound sets the callback for channels opened by remote peers.
func (f *Factory) OnInbound(fn func(transport.Channel)) {
	f.mu.Lock()
	f.onInbound = fn
	f.mu.Unlock()
}

// Dial creates a PeerConnection to peerID and sends it an offer. The
// returned channel is connecting; it opens once the answer arrives through
// HandleSignal and ICE succeeds.
func (f *Factory) Dial(ctx context.Context, peerID string) (*Channel, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	ch := f.newChannel(peerID, pc)

	dc, err := pc.CreateDataChannel(channelLabel, DefaultDataChannelConfig())
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	ch.setupDataChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}

	local, err := f.setLocalDescription(ctx, pc, offer)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	f.mu.Lock()
	if old, ok := f.channels[peerID]; ok {
		f.logger.Warnf("Replacing pending channel to %s", peerID)
		defer func() { _ = old.Close() }()
	}
	f.channels[peerID] = ch
	f.mu.Unlock()

	if err := f.signaler.SendSignal(ctx, peerID, local); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to send offer: %w", err)
	}

	f.logger.Debugf("Sent offer to %s", peerID)
	return ch, nil
}

// HandleSignal applies a session description received from peerID. An
// offer creates an inbound channel and answers it; an answer completes a
// channel started with Dial.
func (f *Factory) HandleSignal(ctx context.Context, peerID string, desc webrtc.SessionDescription) error {
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		return f.answer(ctx, peerID, desc)
	case webrtc.SDPTypeAnswer:
		f.mu.Lock()
		ch, ok := f.channels[peerID]
		f.mu.Unlock()
		if !ok || ch.pc.RemoteDescription() != nil {
			return fmt.Errorf("%w from %s", ErrUnexpectedAnswer, peerID)
		}
		if err := ch.pc.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("failed to set remote description: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported sdp type %s", desc.Type)
	}
}

func (f *Factory) answer(ctx context.Context, peerID string, offer webrtc.SessionDescription) error {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	ch := f.newChannel(peerID, pc)
	pc.OnDataChannel(ch.setupDataChannel)

	if err := pc.SetRemoteDescription(offer); err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to create answer: %w", err)
	}

	local, err := f.setLocalDescription(ctx, pc, answer)
	if err != nil {
		_ = ch.Close()
		return err
	}

	if err := f.signaler.SendSignal(ctx, peerID, local); err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to send answer: %w", err)
	}

	f.mu.Lock()
	if _, ok := f.channels[peerID]; !ok {
		f.channels[peerID] = ch
	}
	onInbound := f.onInbound
	f.mu.Unlock()

	f.logger.Debugf("Answered offer from %s", peerID)
	if onInbound == nil {
		f.logger.Warnf("No inbound handler, closing channel from %s", peerID)
		return ch.Close()
	}
	onInbound(ch)
	return nil
}

// Abort fails the channel to peerID, if any, with err. The rendezvous
// client uses it when the server cannot reach the peer.
func (f *Factory) Abort(peerID string, err error) {
	f.mu.Lock()
	ch, ok := f.channels[peerID]
	f.mu.Unlock()
	if ok {
		ch.terminate(err)
	}
}

func (f *Factory) setLocalDescription(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, fmt.Errorf("ice gathering: %w", ctx.Err())
	}
	return *pc.LocalDescription(), nil
}

func (f *Factory) newChannel(peerID string, pc *webrtc.PeerConnection) *Channel {
	ch := newChannel(peerID, pc, f.cfg, f.logger)
	ch.onClose = f.forget
	return ch
}

func (f *Factory) forget(ch *Channel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channels[ch.peerID] == ch {
		delete(f.channels, ch.peerID)
	}
}

// Close closes every channel the factory created.
func (f *Factory) Close() error {
	f.mu.Lock()
	channels := make([]*Channel, 0, len(f.channels))
	for _, ch := range f.channels {
		channels = append(channels, ch)
	}
	f.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	return nil
}
