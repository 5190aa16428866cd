package protocol

import (
	"encoding/json"
	"fmt"
)

// SignalType tags frames exchanged with the signalling/relay switch.
type SignalType string

const (
	SignalRegisterHost       SignalType = "REGISTER_HOST"
	SignalRegisterClient     SignalType = "REGISTER_CLIENT"
	SignalRegistered         SignalType = "REGISTERED"
	SignalOffer              SignalType = "OFFER"
	SignalAnswer             SignalType = "ANSWER"
	SignalICECandidate       SignalType = "ICE_CANDIDATE"
	SignalRelay              SignalType = "RELAY"
	SignalHeartbeat          SignalType = "HEARTBEAT"
	SignalHeartbeatAck       SignalType = "HEARTBEAT_ACK"
	SignalHostList           SignalType = "HOST_LIST"
	SignalHostDisconnected   SignalType = "HOST_DISCONNECTED"
	SignalClientDisconnected SignalType = "CLIENT_DISCONNECTED"
	SignalError              SignalType = "ERROR"
)

// Frame is the switch envelope. RELAY payloads are opaque application messages.
type Frame struct {
	Type    SignalType      `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame marshals payload into a frame. Raw JSON payloads are used as is.
func NewFrame(t SignalType, from, to string, payload any) (Frame, error) {
	f := Frame{Type: t, From: from, To: to}
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		f.Payload = p
	case []byte:
		f.Payload = json.RawMessage(p)
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal %s frame: %w", t, err)
		}
		f.Payload = raw
	}
	return f, nil
}

// RelayPayload wraps opaque link bytes for a RELAY frame. The bytes travel
// as a base64 JSON string so any payload survives the envelope.
func RelayPayload(data []byte) json.RawMessage {
	raw, _ := json.Marshal(data)
	return raw
}

// DecodeRelayPayload reverses RelayPayload.
func DecodeRelayPayload(raw json.RawMessage) ([]byte, error) {
	var data []byte
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: relay payload: %v", ErrMalformed, err)
	}
	return data, nil
}

type Register struct {
	PeerID string `json:"peerId"`
	Name   string `json:"name,omitempty"`
	HostID string `json:"hostId,omitempty"`
}

type Registered struct {
	PeerID string `json:"peerId"`
}

type HostInfo struct {
	PeerID  string `json:"peerId"`
	Name    string `json:"name"`
	Clients int    `json:"clients"`
}

type HostList struct {
	Hosts []HostInfo `json:"hosts"`
}

// Offer asks the host for direct-link candidates.
type Offer struct {
	PeerID string `json:"peerId"`
}

// Answer lists direct-link URLs the client may dial.
type Answer struct {
	Candidates []string `json:"candidates"`
}

type ICECandidate struct {
	Candidate string `json:"candidate"`
}

type PeerGone struct {
	PeerID string `json:"peerId"`
}
