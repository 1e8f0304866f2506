// Package wire defines the JSON envelope exchanged over a diagram session: {"type": "...", ...fields}.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/astromechza/diagram-sync/pkg/change"
	"github.com/astromechza/diagram-sync/pkg/diagram"
)

type Type string

// Sent from server to client.
const (
	ConnectionEstablished Type = "connection_established"
	PeerJoined            Type = "peer_joined"
	PeerLeft              Type = "peer_left"
	ChangeReceived        Type = "change_received"
	ChangeAcknowledged    Type = "change_acknowledged"
	StateSynchronized     Type = "state_synchronized"
	Error                 Type = "error"
	Pong                  Type = "pong"
)

// Sent from client to server.
const (
	Authenticate    Type = "authenticate"
	ChangeSubmitted Type = "change_submitted"
	RequestResync   Type = "request_resync"
	Ping            Type = "ping"
)

// Sent in both directions.
const PeerEditing Type = "peer_editing"

// Peer is a participant connected to the same diagram.
type Peer struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Message is the single envelope for every message type. Only the fields relevant to Type are set.
type Message struct {
	Type Type `json:"type"`

	Credential string         `json:"credential,omitempty"`
	Change     *change.Change `json:"change,omitempty"`
	ChangeID   string         `json:"change_id,omitempty"`
	Sender     string         `json:"sender,omitempty"`
	Graph      *diagram.Graph `json:"graph,omitempty"`
	TargetID   string         `json:"targetId,omitempty"`
	Editing    bool           `json:"editing"`
	Message    string         `json:"message,omitempty"`
	Peers      []Peer         `json:"peers,omitempty"`
	Timestamp  int64          `json:"timestamp,omitempty"`
}

// MarshalJSON writes editing on peer_editing messages even when it is false, and leaves it out of every other type.
func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	out := struct {
		plain
		Editing *bool `json:"editing,omitempty"`
	}{plain: plain(m)}
	if m.Type == PeerEditing {
		out.Editing = &m.Editing
	}
	return json.Marshal(out)
}

func Encode(m Message) ([]byte, error) {
	if m.Type == "" {
		return nil, fmt.Errorf("message has no type")
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", m.Type, err)
	}
	return raw, nil
}

func Decode(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("message has no type")
	}
	return m, nil
}

func NewError(format string, args ...interface{}) Message {
	return Message{Type: Error, Message: fmt.Sprintf(format, args...)}
}
