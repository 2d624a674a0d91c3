package rendezvous

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const ProtocolVersion = 1

// Envelope types.
const (
	TypeRegister   = "register"
	TypeRegistered = "registered"
	TypeSignal     = "signal"
	TypeError      = "error"
)

// Error codes sent by the rendezvous server.
const (
	CodePeerNotFound  = "peer_not_found"
	CodeNotRegistered = "not_registered"
	CodeBadRequest    = "bad_request"
)

// Envelope wraps every message exchanged with the rendezvous server. The
// server fills From when relaying.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	MsgID   string          `json:"msg_id"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Registered answers a register request with the allocated ID.
type Registered struct {
	PeerID string `json:"peer_id"`
}

// Signal carries one SDP offer or answer. Kind is "offer" or "answer".
type Signal struct {
	Kind string `json:"kind"`
	SDP  string `json:"sdp"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	PeerID  string `json:"peer_id,omitempty"`
}

func NewEnvelope(msgType string, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal payload: %w", err)
		}
	}

	return Envelope{
		V:       ProtocolVersion,
		Type:    msgType,
		MsgID:   uuid.NewString(),
		Payload: raw,
	}, nil
}

func (e Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return errors.New("payload is empty")
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

func (e Envelope) ValidateBasic() error {
	if e.V != ProtocolVersion {
		return fmt.Errorf("invalid protocol version: got %d, expected %d", e.V, ProtocolVersion)
	}
	if e.Type == "" {
		return errors.New("type is required")
	}
	if e.MsgID == "" {
		return errors.New("msg_id is required")
	}
	return nil
}
