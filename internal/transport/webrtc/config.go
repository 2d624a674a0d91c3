package webrtc

import (
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

const (
	DefaultHighWaterMark = 2 * 1024 * 1024
	DefaultLowWaterMark  = 512 * 1024

	channelLabel    = "data"
	channelProtocol = "file-transfer"
)

type Config struct {
	STUNServers []string
	// Send fails with ErrChannelBackpressure while more than HighWaterMark
	// bytes are buffered; Drained fires once the buffer falls to
	// LowWaterMark.
	HighWaterMark uint64
	LowWaterMark  uint64
	// IncludeLoopback gathers 127.0.0.1 candidates, for same-host tests.
	IncludeLoopback bool
	Logger          *logrus.Logger
}

func DefaultConfig() Config {
	return Config{
		STUNServers:   DefaultSTUNServers,
		HighWaterMark: DefaultHighWaterMark,
		LowWaterMark:  DefaultLowWaterMark,
	}
}

func STUNConfig(servers []string) webrtc.Configuration {
	config := webrtc.Configuration{
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
	if len(servers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: servers}}
	}
	return config
}

func DefaultSTUNConfig() webrtc.Configuration {
	return STUNConfig(DefaultSTUNServers)
}

func DefaultDataChannelConfig() *webrtc.DataChannelInit {
	protocolName := channelProtocol
	ordered := true
	return &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: nil,
		Protocol:       &protocolName,
	}
}
